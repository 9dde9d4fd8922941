package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/google/uuid"
)

// ConversationLink is a multi-session fan-out container; direct_link is the
// 2-member peer channel for AI-to-AI turn exchange (§3, GLOSSARY).
type ConversationLink struct {
	LinkID            string     `json:"link_id"`
	Mode              string     `json:"mode"`
	Status            string     `json:"status"`
	CreatedBySession  string     `json:"created_by_session_id"`
	MetadataJSON      string     `json:"metadata_json"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

// LinkMember is one participant row in a conversation link (§3).
type LinkMember struct {
	LinkID             string    `json:"link_id"`
	SessionID          string    `json:"session_id"`
	ParticipantName    string    `json:"participant_name"`
	ParticipantNumber  string    `json:"participant_number"`
	ParticipantRole    string    `json:"participant_role"`
	ComputerName       string    `json:"computer_name"`
	JoinedAt           time.Time `json:"joined_at"`
}

// CreateOrReuseDirectLink is idempotent by member pair (§4.5): if an active
// direct_link already holds exactly {sender, recipient}, it is returned
// unchanged; otherwise a new link is minted.
func (s *Store) CreateOrReuseDirectLink(ctx context.Context, sender, recipient string) (*ConversationLink, error) {
	if existing, err := s.GetActiveLinkBetweenSessions(ctx, sender, recipient); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create link tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	linkID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_links (link_id, mode, status, created_by_session_id)
		VALUES (?, 'direct_link', 'active', ?);
	`, linkID, sender); err != nil {
		return nil, fmt.Errorf("insert link: %w", err)
	}
	for _, member := range []string{sender, recipient} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO link_members (link_id, session_id) VALUES (?, ?);
		`, linkID, member); err != nil {
			return nil, fmt.Errorf("insert link member %s: %w", member, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create link tx: %w", err)
	}

	link, err := s.getLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicLinkCreated, link)
	return link, nil
}

// GetActiveLinkBetweenSessions returns the active direct_link whose member
// set is exactly {a, b}, or nil if none exists (§4.5 exact pair match).
func (s *Store) GetActiveLinkBetweenSessions(ctx context.Context, a, b string) (*ConversationLink, error) {
	var linkID string
	err := s.db.QueryRowContext(ctx, `
		SELECT cl.link_id
		FROM conversation_links cl
		WHERE cl.mode = 'direct_link' AND cl.status = 'active'
		  AND (SELECT COUNT(*) FROM link_members lm WHERE lm.link_id = cl.link_id) = 2
		  AND EXISTS (SELECT 1 FROM link_members lm WHERE lm.link_id = cl.link_id AND lm.session_id = ?)
		  AND EXISTS (SELECT 1 FROM link_members lm WHERE lm.link_id = cl.link_id AND lm.session_id = ?)
		LIMIT 1;
	`, a, b).Scan(&linkID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active link between sessions: %w", err)
	}
	return s.getLink(ctx, linkID)
}

// ListPeerMembers returns members of a link excluding the sender — used by
// fan-out, sender is always excluded (§4.5).
func (s *Store) ListPeerMembers(ctx context.Context, linkID, excluding string) ([]LinkMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT link_id, session_id, participant_name, participant_number, participant_role, computer_name, joined_at
		FROM link_members WHERE link_id = ? AND session_id != ?;
	`, linkID, excluding)
	if err != nil {
		return nil, fmt.Errorf("list peer members: %w", err)
	}
	defer rows.Close()

	var out []LinkMember
	for rows.Next() {
		var m LinkMember
		if err := rows.Scan(&m.LinkID, &m.SessionID, &m.ParticipantName, &m.ParticipantNumber, &m.ParticipantRole, &m.ComputerName, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan link member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindActiveLinksForSession returns every active link the session belongs
// to (a session may hold at most one active direct_link in practice, but
// the stop-event fan-out walks whatever is active rather than assuming
// that invariant holds).
func (s *Store) FindActiveLinksForSession(ctx context.Context, sessionID string) ([]ConversationLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT cl.link_id
		FROM conversation_links cl
		JOIN link_members lm ON lm.link_id = cl.link_id
		WHERE lm.session_id = ? AND cl.status = 'active';
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("find active links for session: %w", err)
	}
	var linkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		linkIDs = append(linkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ConversationLink, 0, len(linkIDs))
	for _, id := range linkIDs {
		link, err := s.getLink(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *link)
	}
	return out, nil
}

// AddMember inserts a participant into an existing link.
func (s *Store) AddMember(ctx context.Context, linkID, sessionID, participantName, participantNumber, participantRole, computerName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_members (link_id, session_id, participant_name, participant_number, participant_role, computer_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(link_id, session_id) DO NOTHING;
	`, linkID, sessionID, participantName, participantNumber, participantRole, computerName)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember removes a participant; if membership drops below 2 the link
// closes (§4.5).
func (s *Store) RemoveMember(ctx context.Context, linkID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove member tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM link_members WHERE link_id = ? AND session_id = ?;
	`, linkID, sessionID); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM link_members WHERE link_id = ?;`, linkID).Scan(&remaining); err != nil {
		return fmt.Errorf("count remaining members: %w", err)
	}
	if remaining < 2 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_links SET status = 'closed', closed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE link_id = ? AND status = 'active';
		`, linkID); err != nil {
			return fmt.Errorf("close depleted link: %w", err)
		}
	}
	return tx.Commit()
}

// CloseLinkForMember implements the scoped-close contract exactly:
// when target is non-empty, close ONLY the active shared link with that
// target. If no shared link exists, return nil and touch nothing — never
// fall back to closing an arbitrary link belonging to the caller (§4.5,
// testable property #3, scenario S3). When target is empty, close all
// active links the caller belongs to.
func (s *Store) CloseLinkForMember(ctx context.Context, sessionID, targetSessionID string) (*ConversationLink, error) {
	if targetSessionID != "" {
		link, err := s.GetActiveLinkBetweenSessions(ctx, sessionID, targetSessionID)
		if err != nil {
			return nil, err
		}
		if link == nil {
			return nil, nil
		}
		if err := s.closeLinkTx(ctx, link.LinkID); err != nil {
			return nil, err
		}
		return link, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT cl.link_id
		FROM conversation_links cl
		JOIN link_members lm ON lm.link_id = cl.link_id
		WHERE lm.session_id = ? AND cl.status = 'active';
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list caller's active links: %w", err)
	}
	var linkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		linkIDs = append(linkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range linkIDs {
		if err := s.closeLinkTx(ctx, id); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Store) closeLinkTx(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_links SET status = 'closed', closed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE link_id = ? AND status = 'active';
	`, linkID)
	if err != nil {
		return fmt.Errorf("close link %s: %w", linkID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM link_members WHERE link_id = ?;`, linkID); err != nil {
		return fmt.Errorf("delete members for closed link %s: %w", linkID, err)
	}
	s.publish(bus.TopicLinkClosed, linkID)
	return nil
}

// CleanupLinksForSession severs a departed session's memberships, closing
// any link that drops below two members (§4.5, called on session end).
func (s *Store) CleanupLinksForSession(ctx context.Context, sessionID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT link_id FROM link_members WHERE session_id = ?;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("list links for session: %w", err)
	}
	var linkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		linkIDs = append(linkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range linkIDs {
		if err := s.RemoveMember(ctx, id, sessionID); err != nil {
			return fmt.Errorf("remove member %s from link %s: %w", sessionID, id, err)
		}
	}
	return nil
}

func (s *Store) getLink(ctx context.Context, linkID string) (*ConversationLink, error) {
	var l ConversationLink
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT link_id, mode, status, created_by_session_id, metadata_json, created_at, updated_at, closed_at
		FROM conversation_links WHERE link_id = ?;
	`, linkID).Scan(&l.LinkID, &l.Mode, &l.Status, &l.CreatedBySession, &l.MetadataJSON, &l.CreatedAt, &l.UpdatedAt, &closedAt)
	if err != nil {
		return nil, fmt.Errorf("get link %s: %w", linkID, err)
	}
	if closedAt.Valid {
		l.ClosedAt = &closedAt.Time
	}
	return &l, nil
}
