package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdapterMetadata is a session's per-adapter sub-record: Telegram topic id,
// Discord thread id, WhatsApp phone, the 24h-window tracking timestamp, the
// edit-in-place message id, and the threaded-output thread id (§3).
type AdapterMetadata struct {
	SessionID             string     `json:"session_id"`
	Adapter               string     `json:"adapter"`
	TopicID               string     `json:"topic_id"`
	ThreadID              string     `json:"thread_id"`
	PhoneNumber           string     `json:"phone_number"`
	LastCustomerMessageAt *time.Time `json:"last_customer_message_at,omitempty"`
	OutputMessageID       string     `json:"output_message_id"`
	BadgeSent             bool       `json:"badge_sent"`
	Enabled               bool       `json:"enabled"`
}

// UpsertAdapterMetadata creates or updates the sub-record for a session's
// adapter. Owned by the session — callers never reference it independently.
func (s *Store) UpsertAdapterMetadata(ctx context.Context, m AdapterMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adapter_metadata (session_id, adapter, topic_id, thread_id, phone_number, output_message_id, badge_sent, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, adapter) DO UPDATE SET
			topic_id = excluded.topic_id,
			thread_id = excluded.thread_id,
			phone_number = excluded.phone_number,
			output_message_id = excluded.output_message_id,
			badge_sent = excluded.badge_sent,
			enabled = excluded.enabled;
	`, m.SessionID, m.Adapter, m.TopicID, m.ThreadID, m.PhoneNumber, m.OutputMessageID, m.BadgeSent, m.Enabled)
	if err != nil {
		return fmt.Errorf("upsert adapter metadata: %w", err)
	}
	return nil
}

// GetAdapterMetadata returns nil, nil when no sub-record exists yet for the
// (session, adapter) pair.
func (s *Store) GetAdapterMetadata(ctx context.Context, sessionID, adapter string) (*AdapterMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, adapter, topic_id, thread_id, phone_number, last_customer_message_at, output_message_id, badge_sent, enabled
		FROM adapter_metadata WHERE session_id = ? AND adapter = ?;
	`, sessionID, adapter)

	var m AdapterMetadata
	var lastCustomer sql.NullTime
	err := row.Scan(&m.SessionID, &m.Adapter, &m.TopicID, &m.ThreadID, &m.PhoneNumber, &lastCustomer, &m.OutputMessageID, &m.BadgeSent, &m.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get adapter metadata: %w", err)
	}
	if lastCustomer.Valid {
		m.LastCustomerMessageAt = &lastCustomer.Time
	}
	return &m, nil
}

// ListEnabledAdapters returns the adapter keys registered as observers (or
// origin) for a session, used by the fanout router to compute observer set.
func (s *Store) ListEnabledAdapters(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT adapter FROM adapter_metadata WHERE session_id = ? AND enabled = 1;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list enabled adapters: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var adapter string
		if err := rows.Scan(&adapter); err != nil {
			return nil, fmt.Errorf("scan adapter: %w", err)
		}
		out = append(out, adapter)
	}
	return out, rows.Err()
}

// TouchCustomerMessage stamps last_customer_message_at for 24h-window
// tracking (WhatsApp PlatformConstraint, §7).
func (s *Store) TouchCustomerMessage(ctx context.Context, sessionID, adapter string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE adapter_metadata SET last_customer_message_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND adapter = ?;
	`, sessionID, adapter)
	if err != nil {
		return fmt.Errorf("touch customer message: %w", err)
	}
	return nil
}

// SetOutputMessageID records the live message id the standard poller mode
// edits in place (§4.7 Standard mode).
func (s *Store) SetOutputMessageID(ctx context.Context, sessionID, adapter, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE adapter_metadata SET output_message_id = ?
		WHERE session_id = ? AND adapter = ?;
	`, messageID, sessionID, adapter)
	if err != nil {
		return fmt.Errorf("set output message id: %w", err)
	}
	return nil
}
