package engine

import "context"

// TerminalMultiplexer is the tmux-invocation collaborator. It is specified
// as an interface only (terminal multiplexing is an external collaborator,
// not something this module implements): linked-stop peer injection and
// session-listener notification both write into a tmux pane's input, never
// through an adapter.
type TerminalMultiplexer interface {
	// SendInput types text into the named tmux session's active pane,
	// followed by Enter, as if a human had typed it.
	SendInput(ctx context.Context, tmuxSessionName, text string) error
}
