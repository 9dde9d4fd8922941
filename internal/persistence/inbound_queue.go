package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is the inbound-queue and hook-outbox attempt
	// ceiling before a row is marked expired (§4.2).
	DefaultMaxAttempts = 10

	retryFloor   = 1 * time.Second
	retryCeiling = 30 * time.Second
)

// InboundQueueEntry is one normalized message awaiting dispatch to the
// command pipeline (§3).
type InboundQueueEntry struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Origin          string     `json:"origin"`
	MessageType     string     `json:"message_type"`
	Content         string     `json:"content"`
	PayloadJSON     string     `json:"payload_json"`
	ActorID         string     `json:"actor_id"`
	ActorName       string     `json:"actor_name"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	LastError       string     `json:"last_error"`
	SourceMessageID *string    `json:"source_message_id,omitempty"`
	SourceChannelID string     `json:"source_channel_id"`
}

// backoff computes the inbound-queue / hook-outbox retry delay: exponential
// with ±30% jitter, floor 1s, ceiling 30s (§4.2).
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryFloor * time.Duration(1<<uint(attempt-1))
	if base > retryCeiling {
		base = retryCeiling
	}
	jitterRange := float64(base) * 0.3
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d := time.Duration(float64(base) + jitter)
	if d < retryFloor {
		d = retryFloor
	}
	if d > retryCeiling+time.Duration(float64(retryCeiling)*0.3) {
		d = retryCeiling
	}
	return d
}

// EnqueueInbound is idempotent on (origin, source_message_id): a duplicate
// pair returns the existing row's id without inserting a second one
// (§4.2 public contract, testable property #2, scenario S1).
func (s *Store) EnqueueInbound(ctx context.Context, e InboundQueueEntry) (string, error) {
	if e.SourceMessageID != nil && *e.SourceMessageID != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM inbound_queue WHERE origin = ? AND source_message_id = ?;
		`, e.Origin, *e.SourceMessageID).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("check inbound dedup: %w", err)
		}
	}

	id := uuid.NewString()
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO inbound_queue (
				id, session_id, origin, message_type, content, payload_json,
				actor_id, actor_name, status, source_message_id, source_channel_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?);
		`, id, e.SessionID, e.Origin, e.MessageType, e.Content, e.PayloadJSON,
			e.ActorID, e.ActorName, e.SourceMessageID, e.SourceChannelID)
		return execErr
	})
	if err != nil {
		if isUniqueConstraint(err) {
			// Lost a race against a concurrent enqueue of the same pair.
			var existingID string
			if qErr := s.db.QueryRowContext(ctx, `
				SELECT id FROM inbound_queue WHERE origin = ? AND source_message_id = ?;
			`, e.Origin, e.SourceMessageID).Scan(&existingID); qErr == nil {
				return existingID, nil
			}
			return "", fmt.Errorf("enqueue inbound race: %w", ErrDuplicate)
		}
		return "", fmt.Errorf("enqueue inbound: %w", err)
	}
	return id, nil
}

// ClaimInboundBatch atomically claims up to limit pending/failed-and-due
// rows, oldest first, and reclaims rows stuck in processing past
// lockTimeout (§4.2 steps 1–2).
func (s *Store) ClaimInboundBatch(ctx context.Context, limit int, lockTimeout time.Duration) ([]InboundQueueEntry, error) {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM inbound_queue
		WHERE attempt_count < ?
		  AND (
			(status IN ('pending','failed') AND (next_retry_at IS NULL OR next_retry_at <= CURRENT_TIMESTAMP))
			OR (status = 'processing' AND locked_at <= datetime('now', ?))
		  )
		ORDER BY created_at ASC
		LIMIT ?;
	`, DefaultMaxAttempts, fmt.Sprintf("-%d seconds", int(lockTimeout.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable inbound: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable id: %w", err)
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

	var claimed []InboundQueueEntry
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE inbound_queue
			SET status = 'processing', locked_at = CURRENT_TIMESTAMP, attempt_count = attempt_count + 1
			WHERE id = ? AND attempt_count < ?;
		`, id, DefaultMaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("claim inbound %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			continue
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, session_id, origin, message_type, content, payload_json, actor_id, actor_name,
			       status, created_at, processed_at, attempt_count, next_retry_at, last_error,
			       source_message_id, source_channel_id
			FROM inbound_queue WHERE id = ?;
		`, id)
		entry, err := scanInbound(row)
		if err != nil {
			return nil, fmt.Errorf("scan claimed inbound %s: %w", id, err)
		}
		claimed = append(claimed, *entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// AckInboundSuccess marks an entry delivered (§4.2 step 4).
func (s *Store) AckInboundSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbound_queue SET status = 'delivered', processed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("ack inbound success %s: %w", id, err)
	}
	return nil
}

// AckInboundFailure marks an entry failed with backoff, or expired once
// MAX_ATTEMPTS is reached (§4.2 step 5, testable property #1).
func (s *Store) AckInboundFailure(ctx context.Context, id string, attemptCount int, errMsg string) error {
	if attemptCount >= DefaultMaxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE inbound_queue SET status = 'expired', last_error = ? WHERE id = ?;
		`, errMsg, id)
		if err != nil {
			return fmt.Errorf("expire inbound %s: %w", id, err)
		}
		return nil
	}
	next := time.Now().Add(backoff(attemptCount))
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbound_queue SET status = 'failed', last_error = ?, next_retry_at = ? WHERE id = ?;
	`, errMsg, next, id)
	if err != nil {
		return fmt.Errorf("fail inbound %s: %w", id, err)
	}
	return nil
}

func scanInbound(row interface{ Scan(...any) error }) (*InboundQueueEntry, error) {
	var e InboundQueueEntry
	var processedAt, nextRetryAt sql.NullTime
	var sourceMessageID sql.NullString

	err := row.Scan(
		&e.ID, &e.SessionID, &e.Origin, &e.MessageType, &e.Content, &e.PayloadJSON,
		&e.ActorID, &e.ActorName, &e.Status, &e.CreatedAt, &processedAt, &e.AttemptCount,
		&nextRetryAt, &e.LastError, &sourceMessageID, &e.SourceChannelID,
	)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	if nextRetryAt.Valid {
		e.NextRetryAt = &nextRetryAt.Time
	}
	if sourceMessageID.Valid {
		e.SourceMessageID = &sourceMessageID.String
	}
	return &e, nil
}
