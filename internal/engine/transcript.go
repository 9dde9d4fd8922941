package engine

import (
	"context"
	"strings"
)

// TranscriptParser reconstructs an agent's last-turn output from its
// on-disk transcript file. Terminal multiplexing and transcript-file
// parsing are specified as interfaces only (spec §1 scope) — TeleClaude
// ships a concrete implementation against each agent CLI's transcript
// format, but the engine only ever depends on this contract.
type TranscriptParser interface {
	// LastTurnOutput returns the raw text the agent produced in its most
	// recent turn, given the transcript path recorded on the session at
	// session_start (§4.4 stop step a).
	LastTurnOutput(ctx context.Context, transcriptPath string) (string, error)
}

// IsCheckpointResponse reports whether raw matches the checkpoint pattern:
// a system-injected nudge prompt's response, filtered from links and
// observers (§4.4(c), §4.6 Checkpoint filter, GLOSSARY). An empty pattern
// never matches.
func IsCheckpointResponse(raw, pattern string) bool {
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(raw), strings.ToLower(pattern))
}
