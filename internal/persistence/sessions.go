package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/google/uuid"
)

// Session is the unit of coordination: one conversation with a single AI
// agent running in a specific tmux pane, or headless (§3).
type Session struct {
	ID                 string     `json:"id"`
	ComputerName       string     `json:"computer_name"`
	TmuxSessionName    *string    `json:"tmux_session_name,omitempty"`
	LastInputOrigin    string     `json:"last_input_origin"`
	ActiveAgent        string     `json:"active_agent"`
	ThinkingMode       string     `json:"thinking_mode"`
	LifecycleStatus    string     `json:"lifecycle_status"`
	ProjectPath        string     `json:"project_path"`
	Subdir             string     `json:"subdir"`
	InitiatorSessionID *string    `json:"initiator_session_id,omitempty"`
	HumanEmail         string     `json:"human_email"`
	HumanRole          string     `json:"human_role"`
	CharOffset         int64      `json:"char_offset"`
	LastOutputDigest   string     `json:"last_output_digest"`
	LastOutputSummary  string     `json:"last_output_summary"`
	LastMessageSent    string     `json:"last_message_sent"`
	LastMessageSentAt  *time.Time `json:"last_message_sent_at,omitempty"`
	NativeSessionID    *string    `json:"native_session_id,omitempty"`
	TranscriptPath     string     `json:"transcript_path"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivity       time.Time  `json:"last_activity"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

// SessionSpec is the input to create_session: the caller supplies what it
// knows and the registry fills in id/timestamps/defaults.
type SessionSpec struct {
	ComputerName       string
	TmuxSessionName    string // empty means headless
	ProjectPath        string
	Subdir             string
	InitiatorSessionID string
	HumanEmail         string
	HumanRole          string
	LastInputOrigin    string
	ActiveAgent        string
}

// SessionPatch carries update_session fields; a nil pointer leaves the
// column untouched. LastActivity/LastInputOrigin are written together
// atomically per §4.1 when either is set.
type SessionPatch struct {
	LastInputOrigin   *string
	ActiveAgent       *string
	ThinkingMode      *string
	NativeSessionID   *string
	TranscriptPath    *string
	CharOffset        *int64
	LastOutputDigest  *string
	LastOutputSummary *string
	LastMessageSent   *string
	TouchActivity     bool // bump last_activity to now even with no other field set
}

// SessionFilter narrows list_sessions.
type SessionFilter struct {
	ComputerName    string
	LifecycleStatus string // "" means any
}

func humanRoleValid(role string) bool {
	switch role {
	case "admin", "member", "contributor", "newcomer", "customer":
		return true
	}
	return false
}

func thinkingModeValid(mode string) bool {
	switch mode {
	case "fast", "med", "slow":
		return true
	}
	return false
}

// CreateSession mints a new session id and inserts the row. A unique-
// constraint violation on (computer_name, tmux_session_name) surfaces as
// ErrAlreadyExists — the caller decides whether to reuse the existing
// session or mint a new tmux name (§4.1 failure semantics).
func (s *Store) CreateSession(ctx context.Context, spec SessionSpec) (*Session, error) {
	if spec.ComputerName == "" {
		return nil, fmt.Errorf("computer_name is required: %w", ErrNotFound)
	}
	role := spec.HumanRole
	if role == "" {
		role = "member"
	}
	if !humanRoleValid(role) {
		return nil, fmt.Errorf("invalid human_role %q", role)
	}

	id := uuid.NewString()
	var tmuxName *string
	if spec.TmuxSessionName != "" {
		tmuxName = &spec.TmuxSessionName
	}
	var initiator *string
	if spec.InitiatorSessionID != "" {
		initiator = &spec.InitiatorSessionID
	}

	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO sessions (
				id, computer_name, tmux_session_name, last_input_origin, active_agent,
				lifecycle_status, project_path, subdir, initiator_session_id,
				human_email, human_role, created_at, last_activity
			) VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, spec.ComputerName, tmuxName, spec.LastInputOrigin, spec.ActiveAgent,
			spec.ProjectPath, spec.Subdir, initiator, spec.HumanEmail, role)
		return execErr
	})
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, fmt.Errorf("session for (%s, %s) already exists: %w", spec.ComputerName, spec.TmuxSessionName, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicSessionStarted, session)
	return session, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

// GetSession returns nil, nil when the id is unknown (per §4.1 contract
// `get_session(id) → session|nil`).
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, computer_name, tmux_session_name, last_input_origin, active_agent,
		       thinking_mode, lifecycle_status, project_path, subdir, initiator_session_id,
		       human_email, human_role, char_offset, last_output_digest, last_output_summary,
		       last_message_sent, last_message_sent_at, native_session_id, transcript_path,
		       created_at, last_activity, closed_at
		FROM sessions WHERE id = ?;
	`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

// FindCustomerSession resolves the active session a given external identity
// (phone number, Telegram chat id, …) owns on a given origin adapter,
// keyed by the adapter's own identifier stored in last_input_origin plus
// adapter_metadata. Identifier matching is adapter-specific; this looks at
// the most recently active session whose adapter_metadata row carries the
// identifier in the slot that origin uses (phone_number for whatsapp,
// thread_id otherwise).
func (s *Store) FindCustomerSession(ctx context.Context, origin, identifier string) (*Session, error) {
	column := "thread_id"
	if origin == "whatsapp" {
		column = "phone_number"
	}
	query := fmt.Sprintf(`
		SELECT s.id, s.computer_name, s.tmux_session_name, s.last_input_origin, s.active_agent,
		       s.thinking_mode, s.lifecycle_status, s.project_path, s.subdir, s.initiator_session_id,
		       s.human_email, s.human_role, s.char_offset, s.last_output_digest, s.last_output_summary,
		       s.last_message_sent, s.last_message_sent_at, s.native_session_id, s.transcript_path,
		       s.created_at, s.last_activity, s.closed_at
		FROM sessions s
		JOIN adapter_metadata m ON m.session_id = s.id
		WHERE m.adapter = ? AND m.%s = ? AND s.lifecycle_status = 'active'
		ORDER BY s.last_activity DESC
		LIMIT 1;
	`, column)
	row := s.db.QueryRowContext(ctx, query, origin, identifier)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find customer session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions matching filter, most recently active first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `
		SELECT id, computer_name, tmux_session_name, last_input_origin, active_agent,
		       thinking_mode, lifecycle_status, project_path, subdir, initiator_session_id,
		       human_email, human_role, char_offset, last_output_digest, last_output_summary,
		       last_message_sent, last_message_sent_at, native_session_id, transcript_path,
		       created_at, last_activity, closed_at
		FROM sessions WHERE 1=1`
	var args []any
	if filter.ComputerName != "" {
		query += ` AND computer_name = ?`
		args = append(args, filter.ComputerName)
	}
	if filter.LifecycleStatus != "" {
		query += ` AND lifecycle_status = ?`
		args = append(args, filter.LifecycleStatus)
	}
	query += ` ORDER BY last_activity DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// UpdateSession applies patch atomically. When LastInputOrigin is set it is
// written together with last_activity in the same statement, satisfying
// the §4.1 atomicity requirement and testable property #8 (provenance
// ordering): the column is committed before this call returns, strictly
// before any caller-side outbound reflection can fire.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	sets := []string{}
	args := []any{}

	if patch.LastInputOrigin != nil {
		sets = append(sets, "last_input_origin = ?", "last_activity = CURRENT_TIMESTAMP")
		args = append(args, *patch.LastInputOrigin)
	} else if patch.TouchActivity {
		sets = append(sets, "last_activity = CURRENT_TIMESTAMP")
	}
	if patch.ActiveAgent != nil {
		sets = append(sets, "active_agent = ?")
		args = append(args, *patch.ActiveAgent)
	}
	if patch.ThinkingMode != nil {
		if !thinkingModeValid(*patch.ThinkingMode) {
			return fmt.Errorf("invalid thinking_mode %q", *patch.ThinkingMode)
		}
		sets = append(sets, "thinking_mode = ?")
		args = append(args, *patch.ThinkingMode)
	}
	if patch.NativeSessionID != nil {
		sets = append(sets, "native_session_id = ?")
		args = append(args, *patch.NativeSessionID)
	}
	if patch.TranscriptPath != nil {
		sets = append(sets, "transcript_path = ?")
		args = append(args, *patch.TranscriptPath)
	}
	if patch.CharOffset != nil {
		sets = append(sets, "char_offset = ?")
		args = append(args, *patch.CharOffset)
	}
	if patch.LastOutputDigest != nil {
		sets = append(sets, "last_output_digest = ?")
		args = append(args, *patch.LastOutputDigest)
	}
	if patch.LastOutputSummary != nil {
		sets = append(sets, "last_output_summary = ?")
		args = append(args, *patch.LastOutputSummary)
	}
	if patch.LastMessageSent != nil {
		sets = append(sets, "last_message_sent = ?", "last_message_sent_at = CURRENT_TIMESTAMP")
		args = append(args, *patch.LastMessageSent)
	}

	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ?;`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.publish(bus.TopicSessionUpdated, bus.SessionUpdatedEvent{SessionID: id})
	return nil
}

// ResetCharOffsetOnStop implements §4.4(f)/§4.7(4): char_offset resets to 0
// whenever a stop event is processed, regardless of what else changes.
func (s *Store) ResetCharOffsetOnStop(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET char_offset = 0 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("reset char_offset for %s: %w", id, err)
	}
	return nil
}

// CloseSession transitions a session to closed. Sessions never reopen; a
// revive mints a new session id instead (§3 Lifecycle).
func (s *Store) CloseSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET lifecycle_status = 'closed', closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lifecycle_status = 'active';
	`, id)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil // already closed or unknown: close_session is idempotent
	}
	if err := s.CleanupLinksForSession(ctx, id); err != nil {
		return fmt.Errorf("cleanup links on close: %w", err)
	}
	if err := s.SweepListenersForSession(ctx, id); err != nil {
		return fmt.Errorf("sweep listeners on close: %w", err)
	}
	s.publish(bus.TopicSessionClosed, map[string]string{"session_id": id, "reason": reason})
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var tmuxName, initiator, nativeID sql.NullString
	var lastSentAt, closedAt sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.ComputerName, &tmuxName, &sess.LastInputOrigin, &sess.ActiveAgent,
		&sess.ThinkingMode, &sess.LifecycleStatus, &sess.ProjectPath, &sess.Subdir, &initiator,
		&sess.HumanEmail, &sess.HumanRole, &sess.CharOffset, &sess.LastOutputDigest, &sess.LastOutputSummary,
		&sess.LastMessageSent, &lastSentAt, &nativeID, &sess.TranscriptPath,
		&sess.CreatedAt, &sess.LastActivity, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	if tmuxName.Valid {
		sess.TmuxSessionName = &tmuxName.String
	}
	if initiator.Valid {
		sess.InitiatorSessionID = &initiator.String
	}
	if nativeID.Valid {
		sess.NativeSessionID = &nativeID.String
	}
	if lastSentAt.Valid {
		sess.LastMessageSentAt = &lastSentAt.Time
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Time
	}
	return &sess, nil
}
