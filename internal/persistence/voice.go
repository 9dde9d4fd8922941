package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const voiceAssignmentTTL = 7 * 24 * time.Hour

// VoiceAssignment stabilizes TTS voice per session across tmux restarts
// (§3). Two-phase: first keyed by our session_id at tmux creation, then
// duplicated keyed by native_session_id once the agent's session_start
// hook reports it.
type VoiceAssignment struct {
	ID          string    `json:"id"`
	ServiceName string    `json:"service_name"`
	Voice       string    `json:"voice"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AssignVoice creates or refreshes the phase-1 assignment keyed by our own
// session_id, resetting the 7-day TTL.
func (s *Store) AssignVoice(ctx context.Context, sessionID, serviceName, voice string) error {
	expires := time.Now().Add(voiceAssignmentTTL)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_assignments (id, service_name, voice, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET service_name = excluded.service_name, voice = excluded.voice, expires_at = excluded.expires_at;
	`, sessionID, serviceName, voice, expires)
	if err != nil {
		return fmt.Errorf("assign voice for %s: %w", sessionID, err)
	}
	return nil
}

// UpgradeVoiceToNativeID is phase 2: duplicates the assignment under the
// native_session_id key once session_start reports it, so subsequent TTS
// lookups keyed by the agent's own id still resolve (§4.4 session_start).
func (s *Store) UpgradeVoiceToNativeID(ctx context.Context, sessionID, nativeSessionID string) error {
	assignment, err := s.GetVoiceAssignment(ctx, sessionID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return nil
	}
	return s.AssignVoice(ctx, nativeSessionID, assignment.ServiceName, assignment.Voice)
}

// GetVoiceAssignment returns nil, nil for an unknown or expired id.
func (s *Store) GetVoiceAssignment(ctx context.Context, id string) (*VoiceAssignment, error) {
	var v VoiceAssignment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, service_name, voice, created_at, expires_at
		FROM voice_assignments WHERE id = ? AND expires_at > CURRENT_TIMESTAMP;
	`, id).Scan(&v.ID, &v.ServiceName, &v.Voice, &v.CreatedAt, &v.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voice assignment %s: %w", id, err)
	}
	return &v, nil
}

// PurgeExpiredVoiceAssignments deletes rows past their 7-day TTL.
func (s *Store) PurgeExpiredVoiceAssignments(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM voice_assignments WHERE expires_at <= CURRENT_TIMESTAMP;`)
	if err != nil {
		return 0, fmt.Errorf("purge expired voice assignments: %w", err)
	}
	return res.RowsAffected()
}
