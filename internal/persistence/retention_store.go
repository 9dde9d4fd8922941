package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of rows swept during one retention pass.
// Each category uses its own cutoff-based DELETE; the pass is idempotent —
// running it twice with no new data purges nothing further.
type RetentionResult struct {
	IdleSessionsClosed     int64 `json:"idle_sessions_closed"`
	PurgedAuditLogs        int64 `json:"purged_audit_logs"`
	PurgedMessages         int64 `json:"purged_messages"`
	PurgedInboundRows      int64 `json:"purged_inbound_rows"`
	PurgedHookOutboxRows   int64 `json:"purged_hook_outbox_rows"`
	PurgedNotificationRows int64 `json:"purged_notification_rows"`
	PurgedWebhookRows      int64 `json:"purged_webhook_rows"`
	PurgedVoiceAssignments int64 `json:"purged_voice_assignments"`
	SweptListeners         int64 `json:"swept_listeners"`
}

// RunRetention closes idle sessions past idleHours (the 72-hour sweep named
// in §3 Session lifecycle), then purges terminal-state outbox/queue rows
// and audit/message history past their own retention windows, and finally
// sweeps stale listeners and expired voice assignments.
func (s *Store) RunRetention(ctx context.Context, idleHours, auditLogDays, messageDays, outboxDays int) (RetentionResult, error) {
	var result RetentionResult

	if idleHours > 0 {
		ids, err := s.idleSessionIDs(ctx, idleHours)
		if err != nil {
			return result, err
		}
		for _, id := range ids {
			if err := s.CloseSession(ctx, id, "idle_sweep"); err != nil {
				return result, fmt.Errorf("idle-sweep close session %s: %w", id, err)
			}
			result.IdleSessionsClosed++
		}
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if messageDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -messageDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ? AND archived_at IS NOT NULL;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	if outboxDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -outboxDays)

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM inbound_queue WHERE status IN ('delivered','expired') AND created_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge inbound_queue: %w", err)
		}
		result.PurgedInboundRows, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM hook_outbox WHERE status IN ('delivered','expired') AND created_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge hook_outbox: %w", err)
		}
		result.PurgedHookOutboxRows, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM notification_outbox WHERE status IN ('delivered','failed') AND created_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge notification_outbox: %w", err)
		}
		result.PurgedNotificationRows, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM webhook_outbox WHERE status IN ('delivered','failed') AND created_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge webhook_outbox: %w", err)
		}
		result.PurgedWebhookRows, _ = res.RowsAffected()
	}

	purgedVoice, err := s.PurgeExpiredVoiceAssignments(ctx)
	if err != nil {
		return result, err
	}
	result.PurgedVoiceAssignments = purgedVoice

	swept, err := s.sweepOrphanedListeners(ctx)
	if err != nil {
		return result, err
	}
	result.SweptListeners = swept

	return result, nil
}

func (s *Store) idleSessionIDs(ctx context.Context, idleHours int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE lifecycle_status = 'active'
		  AND last_activity < datetime('now', ?);
	`, fmt.Sprintf("-%d hours", idleHours))
	if err != nil {
		return nil, fmt.Errorf("select idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// sweepOrphanedListeners removes listener rows whose target or caller
// session no longer exists — listeners are not foreign-keyed to sessions
// because sessions may be cleaned up independently (§3 Ownership summary).
func (s *Store) sweepOrphanedListeners(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_listeners
		WHERE target_session_id NOT IN (SELECT id FROM sessions)
		   OR caller_session_id NOT IN (SELECT id FROM sessions);
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned listeners: %w", err)
	}
	return res.RowsAffected()
}
