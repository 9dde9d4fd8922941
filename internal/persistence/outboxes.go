package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxEntry is the uniform shape shared by the notification and webhook
// outboxes (§3, §4.9).
type OutboxEntry struct {
	ID            string     `json:"id"`
	Target        string     `json:"target"` // subscriber for notifications, url for webhooks
	Channel       string     `json:"channel,omitempty"`
	PayloadJSON   string     `json:"payload_json"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

const outboxMaxAttempts = 10

// EnqueueNotification adds one envelope per resolved subscriber (§4.9:
// "enqueue one envelope per subscriber").
func (s *Store) EnqueueNotification(ctx context.Context, channel, subscriber, payloadJSON string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (id, channel, subscriber, payload_json, status)
		VALUES (?, ?, ?, ?, 'pending');
	`, id, channel, subscriber, payloadJSON)
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return id, nil
}

// ClaimNotificationBatch follows the same claim discipline as the inbound
// queue, excluding terminal `failed` rows from the fetch query (§4.9).
func (s *Store) ClaimNotificationBatch(ctx context.Context, limit int, lockTimeout time.Duration) ([]OutboxEntry, error) {
	return s.claimOutboxBatch(ctx, "notification_outbox", "subscriber", limit, lockTimeout)
}

// AckNotificationSuccess marks a notification envelope delivered.
func (s *Store) AckNotificationSuccess(ctx context.Context, id string) error {
	return s.ackOutboxSuccess(ctx, "notification_outbox", id)
}

// AckNotificationFailure retries with backoff, honoring Retry-After when
// provided by the caller as retryAfter (§4.9: "retrying on transient HTTP
// failures including 429 honoring Retry-After"), else failing terminally
// past outboxMaxAttempts.
func (s *Store) AckNotificationFailure(ctx context.Context, id string, attemptCount int, errMsg string, retryAfter time.Duration) error {
	return s.ackOutboxFailure(ctx, "notification_outbox", id, attemptCount, errMsg, retryAfter)
}

// EnqueueWebhook adds a durable outbound envelope for an external webhook
// subscriber (§4.9).
func (s *Store) EnqueueWebhook(ctx context.Context, url, payloadJSON string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_outbox (id, url, payload_json, status)
		VALUES (?, ?, ?, 'pending');
	`, id, url, payloadJSON)
	if err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}
	return id, nil
}

func (s *Store) ClaimWebhookBatch(ctx context.Context, limit int, lockTimeout time.Duration) ([]OutboxEntry, error) {
	return s.claimOutboxBatch(ctx, "webhook_outbox", "url", limit, lockTimeout)
}

func (s *Store) AckWebhookSuccess(ctx context.Context, id string) error {
	return s.ackOutboxSuccess(ctx, "webhook_outbox", id)
}

func (s *Store) AckWebhookFailure(ctx context.Context, id string, attemptCount int, errMsg string, retryAfter time.Duration) error {
	return s.ackOutboxFailure(ctx, "webhook_outbox", id, attemptCount, errMsg, retryAfter)
}

func (s *Store) claimOutboxBatch(ctx context.Context, table, targetColumn string, limit int, lockTimeout time.Duration) ([]OutboxEntry, error) {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE attempt_count < ?
		  AND (
			(status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= CURRENT_TIMESTAMP))
			OR (status = 'processing' AND locked_at <= datetime('now', ?))
		  )
		ORDER BY created_at ASC
		LIMIT ?;
	`, table)
	rows, err := tx.QueryContext(ctx, selectQuery, outboxMaxAttempts, fmt.Sprintf("-%d seconds", int(lockTimeout.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable %s: %w", table, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	var claimed []OutboxEntry
	for _, id := range ids {
		claimQuery := fmt.Sprintf(`
			UPDATE %s SET status = 'processing', locked_at = CURRENT_TIMESTAMP, attempt_count = attempt_count + 1
			WHERE id = ? AND attempt_count < ?;
		`, table)
		res, err := tx.ExecContext(ctx, claimQuery, id, outboxMaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("claim %s row %s: %w", table, id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}
		getQuery := fmt.Sprintf(`
			SELECT id, %s, payload_json, status, attempt_count, next_attempt_at, last_error, delivered_at, created_at
			FROM %s WHERE id = ?;
		`, targetColumn, table)
		row := tx.QueryRowContext(ctx, getQuery, id)
		entry, err := scanOutboxEntry(row)
		if err != nil {
			return nil, fmt.Errorf("scan claimed %s row %s: %w", table, id, err)
		}
		claimed = append(claimed, *entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s claim tx: %w", table, err)
	}
	return claimed, nil
}

func (s *Store) ackOutboxSuccess(ctx context.Context, table, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'delivered', delivered_at = CURRENT_TIMESTAMP WHERE id = ?;`, table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("ack %s success %s: %w", table, id, err)
	}
	return nil
}

func (s *Store) ackOutboxFailure(ctx context.Context, table, id string, attemptCount int, errMsg string, retryAfter time.Duration) error {
	if attemptCount >= outboxMaxAttempts {
		query := fmt.Sprintf(`UPDATE %s SET status = 'failed', last_error = ? WHERE id = ?;`, table)
		if _, err := s.db.ExecContext(ctx, query, errMsg, id); err != nil {
			return fmt.Errorf("fail %s terminal %s: %w", table, id, err)
		}
		return nil
	}
	delay := backoff(attemptCount)
	if retryAfter > delay {
		delay = retryAfter
	}
	next := time.Now().Add(delay)
	query := fmt.Sprintf(`UPDATE %s SET status = 'pending', last_error = ?, next_attempt_at = ? WHERE id = ?;`, table)
	if _, err := s.db.ExecContext(ctx, query, errMsg, next, id); err != nil {
		return fmt.Errorf("retry %s %s: %w", table, id, err)
	}
	return nil
}

func scanOutboxEntry(row interface{ Scan(...any) error }) (*OutboxEntry, error) {
	var e OutboxEntry
	var nextAttemptAt, deliveredAt sql.NullTime
	if err := row.Scan(&e.ID, &e.Target, &e.PayloadJSON, &e.Status, &e.AttemptCount, &nextAttemptAt, &e.LastError, &deliveredAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	if nextAttemptAt.Valid {
		e.NextAttemptAt = &nextAttemptAt.Time
	}
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	return &e, nil
}
