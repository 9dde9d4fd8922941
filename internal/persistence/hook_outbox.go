package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HookOutboxEntry is the envelope short-lived hook scripts write and the
// daemon drains (§3, §4.3): `{session_id, event_type, data}`.
type HookOutboxEntry struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	EventType     string     `json:"event_type"`
	PayloadJSON   string     `json:"payload_json"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	LastError     string     `json:"last_error"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// WriteHookEvent is called by the hook receiver: a short-lived process that
// only needs to persist the envelope and exit, decoupling agent-lifecycle
// latency from daemon availability (§4.3).
func (s *Store) WriteHookEvent(ctx context.Context, sessionID, eventType, payloadJSON string) (string, error) {
	switch eventType {
	case "session_start", "prompt", "stop", "notification", "session_end":
	default:
		return "", fmt.Errorf("invalid event_type %q", eventType)
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO hook_outbox (id, session_id, event_type, payload_json, status)
			VALUES (?, ?, ?, ?, 'pending');
		`, id, sessionID, eventType, payloadJSON)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("write hook event: %w", err)
	}
	return id, nil
}

// ClaimHookOutboxBatch follows the same claim/ack discipline as the inbound
// queue (§4.3: "identical discipline to §4.2").
func (s *Store) ClaimHookOutboxBatch(ctx context.Context, limit int, lockTimeout time.Duration) ([]HookOutboxEntry, error) {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin hook claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM hook_outbox
		WHERE attempt_count < ?
		  AND (
			(status IN ('pending','failed') AND (next_attempt_at IS NULL OR next_attempt_at <= CURRENT_TIMESTAMP))
			OR (status = 'processing' AND locked_at <= datetime('now', ?))
		  )
		ORDER BY created_at ASC
		LIMIT ?;
	`, DefaultMaxAttempts, fmt.Sprintf("-%d seconds", int(lockTimeout.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable hook events: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable hook id: %w", err)
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

	var claimed []HookOutboxEntry
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE hook_outbox
			SET status = 'processing', locked_at = CURRENT_TIMESTAMP, attempt_count = attempt_count + 1
			WHERE id = ? AND attempt_count < ?;
		`, id, DefaultMaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("claim hook event %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, session_id, event_type, payload_json, status, created_at,
			       next_attempt_at, attempt_count, last_error, delivered_at
			FROM hook_outbox WHERE id = ?;
		`, id)
		entry, err := scanHookEvent(row)
		if err != nil {
			return nil, fmt.Errorf("scan claimed hook event %s: %w", id, err)
		}
		claimed = append(claimed, *entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit hook claim tx: %w", err)
	}
	return claimed, nil
}

// AckHookEventSuccess marks a hook envelope delivered.
func (s *Store) AckHookEventSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hook_outbox SET status = 'delivered', delivered_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("ack hook event success %s: %w", id, err)
	}
	return nil
}

// AckHookEventFailure mirrors AckInboundFailure's retry/expire split.
func (s *Store) AckHookEventFailure(ctx context.Context, id string, attemptCount int, errMsg string) error {
	if attemptCount >= DefaultMaxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE hook_outbox SET status = 'expired', last_error = ? WHERE id = ?;
		`, errMsg, id)
		if err != nil {
			return fmt.Errorf("expire hook event %s: %w", id, err)
		}
		return nil
	}
	next := time.Now().Add(backoff(attemptCount))
	_, err := s.db.ExecContext(ctx, `
		UPDATE hook_outbox SET status = 'failed', last_error = ?, next_attempt_at = ? WHERE id = ?;
	`, errMsg, next, id)
	if err != nil {
		return fmt.Errorf("fail hook event %s: %w", id, err)
	}
	return nil
}

func scanHookEvent(row interface{ Scan(...any) error }) (*HookOutboxEntry, error) {
	var e HookOutboxEntry
	var nextAttemptAt, deliveredAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.SessionID, &e.EventType, &e.PayloadJSON, &e.Status, &e.CreatedAt,
		&nextAttemptAt, &e.AttemptCount, &e.LastError, &deliveredAt,
	)
	if err != nil {
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
