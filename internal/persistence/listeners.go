package persistence

import (
	"context"
	"fmt"
	"time"
)

// SessionListener is a one-shot subscription by one session to another's
// next stop event (orchestrator/worker coordination primitive, §3, §4.8).
type SessionListener struct {
	TargetSessionID   string    `json:"target_session_id"`
	CallerSessionID   string    `json:"caller_session_id"`
	CallerTmuxSession string    `json:"caller_tmux_session"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// NotifyOnStop registers a listener. Registrations are per-target-caller
// unique and persist across daemon restart (§4.8).
func (s *Store) NotifyOnStop(ctx context.Context, targetSessionID, callerSessionID, callerTmux string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_listeners (target_session_id, caller_session_id, caller_tmux_session)
		VALUES (?, ?, ?)
		ON CONFLICT(target_session_id, caller_session_id) DO UPDATE SET
			caller_tmux_session = excluded.caller_tmux_session;
	`, targetSessionID, callerSessionID, callerTmux)
	if err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	return nil
}

// ListenersFor returns the callers registered against a target session, to
// be notified exactly once on its next stop event (§4.4(e)).
func (s *Store) ListenersFor(ctx context.Context, targetSessionID string) ([]SessionListener, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_session_id, caller_session_id, caller_tmux_session, registered_at
		FROM session_listeners WHERE target_session_id = ?;
	`, targetSessionID)
	if err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}
	defer rows.Close()

	var out []SessionListener
	for rows.Next() {
		var l SessionListener
		if err := rows.Scan(&l.TargetSessionID, &l.CallerSessionID, &l.CallerTmuxSession, &l.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan listener: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ConsumeListener deletes a listener row after its one-shot notification is
// delivered, so a subsequent stop on the same target does not re-notify.
func (s *Store) ConsumeListener(ctx context.Context, targetSessionID, callerSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_listeners WHERE target_session_id = ? AND caller_session_id = ?;
	`, targetSessionID, callerSessionID)
	if err != nil {
		return fmt.Errorf("consume listener: %w", err)
	}
	return nil
}

// SweepListenersForSession removes listener rows referencing a session
// (either as target or caller) once it ends — listeners are not bound by a
// foreign key because sessions may be cleaned up independently (§3).
func (s *Store) SweepListenersForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_listeners WHERE target_session_id = ? OR caller_session_id = ?;
	`, sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("sweep listeners for session %s: %w", sessionID, err)
	}
	return nil
}
