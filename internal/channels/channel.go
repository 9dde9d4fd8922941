// Package channels holds the adapter variants (Telegram, Discord, WhatsApp,
// Web/TUI) that speak to external platforms on one side and the session
// coordination engine on the other. Every variant implements Channel, the
// capability set a duck-typed adapter interface was re-expressed as (§9
// redesign flag: "duck-typed adapter interface").
package channels

import (
	"context"
)

// Channel is the capability set every adapter variant implements. Platform
// quirks (MarkdownV2 conversion, WhatsApp's 24h customer-service window,
// Discord thread deletion) live inside the variant, never branched on at the
// call site.
type Channel interface {
	// Name returns the adapter's identifier, e.g. "telegram", used as the
	// origin/observer key stored on sessions and adapter_metadata rows.
	Name() string

	// Start begins listening for inbound traffic. It blocks until ctx is
	// canceled or a fatal, non-recoverable error occurs.
	Start(ctx context.Context) error

	// SendMessage delivers a text message to the given session's channel,
	// returning the adapter-native message id (for edit-in-place paging).
	SendMessage(ctx context.Context, sessionID, text string) (string, error)

	// SendFile delivers a file attachment.
	SendFile(ctx context.Context, sessionID, path, caption string) error

	// SendVoice delivers a synthesized voice note.
	SendVoice(ctx context.Context, sessionID string, audio []byte, mimeType string) error

	// EnsureChannel creates (or verifies) the per-session channel/thread for
	// this adapter, returning the adapter's native metadata to persist.
	EnsureChannel(ctx context.Context, sessionID string) error

	// UpdateTitle renames the per-session channel/thread, where supported.
	UpdateTitle(ctx context.Context, sessionID, title string) error

	// CloseChannel marks the per-session channel inactive without deleting
	// platform state (e.g. archives a Discord thread).
	CloseChannel(ctx context.Context, sessionID string) error

	// DeleteChannel removes platform state entirely, where supported.
	DeleteChannel(ctx context.Context, sessionID string) error

	// TypingIndicator surfaces a typing/read-receipt cue while the origin
	// adapter's dispatch pipeline is processing a message.
	TypingIndicator(ctx context.Context, sessionID string) error

	// Broadcast reflects a message to this adapter as an observer, never as
	// origin — the fanout router calls this for every enabled observer
	// adapter excluding the session's origin (§4.6, no echo to sender).
	Broadcast(ctx context.Context, sessionID, text string) error
}
