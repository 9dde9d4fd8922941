package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/channels"
	"github.com/basket/go-claw/internal/persistence"
)

// FanoutRouter implements the origin-vs-observer delivery policy (§4.6):
// the session's origin adapter gets the full pre/post dispatch pipeline,
// every other enabled adapter gets a reflection, and the origin never
// receives an echo of its own input.
type FanoutRouter struct {
	store             *persistence.Store
	eventBus          *bus.Bus
	adapters          map[string]channels.Channel
	checkpointPattern string

	// experimentAgents gates threaded output for non-Discord origins
	// (§4.6 feature flag: "accepts arbitrary agents, not agent-name-
	// hardcoded").
	mu               sync.RWMutex
	experimentAgents map[string]struct{}
}

// NewFanoutRouter builds a router over the given adapter set, keyed by
// Channel.Name().
func NewFanoutRouter(store *persistence.Store, eventBus *bus.Bus, adapters []channels.Channel, checkpointPattern string) *FanoutRouter {
	m := make(map[string]channels.Channel, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &FanoutRouter{
		store:             store,
		eventBus:          eventBus,
		adapters:          m,
		checkpointPattern: checkpointPattern,
		experimentAgents:  make(map[string]struct{}),
	}
}

// SetThreadedOutputExperiment replaces the set of agents that opt a
// non-Discord origin into threaded output.
func (r *FanoutRouter) SetThreadedOutputExperiment(agents []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experimentAgents = make(map[string]struct{}, len(agents))
	for _, a := range agents {
		r.experimentAgents[a] = struct{}{}
	}
}

// ThreadedOutputEnabled reports whether threaded (append-each-delta) mode
// applies to this session: Discord origin, or the active agent is in the
// configured experiment list (§4.6 feature flag — not agent-name-hardcoded).
func (r *FanoutRouter) ThreadedOutputEnabled(session *persistence.Session) bool {
	if session.LastInputOrigin == "discord" {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.experimentAgents[session.ActiveAgent]
	return ok
}

// EnsureChannels is the ensure_ui_channels() orchestrator: it delegates
// channel/thread provisioning to every enabled adapter for this session
// (§4.6 "single orchestrator").
func (r *FanoutRouter) EnsureChannels(ctx context.Context, sessionID string) error {
	enabled, err := r.store.ListEnabledAdapters(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, name := range enabled {
		adapter, ok := r.adapters[name]
		if !ok {
			continue
		}
		if err := adapter.EnsureChannel(ctx, sessionID); err != nil {
			slog.Warn("[UI_LANE] ensure_channel failed", "adapter", name, "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// DeliverUserMessage dispatches text to the session's origin adapter
// through its full pre/post pipeline (typing indicator, then send) and
// reflects it to every other enabled observer adapter, excluding the
// origin itself — never an echo to the sender (§4.6 bullet 1, testable
// property #5, scenario S5).
func (r *FanoutRouter) DeliverUserMessage(ctx context.Context, session *persistence.Session, text string) error {
	if IsCheckpointResponse(text, r.checkpointPattern) {
		return nil
	}

	origin := session.LastInputOrigin
	if adapter, ok := r.adapters[origin]; ok {
		if err := adapter.TypingIndicator(ctx, session.ID); err != nil {
			slog.Warn("[UI_LANE] typing indicator failed", "adapter", origin, "session_id", session.ID, "error", err)
		}
		if _, err := adapter.SendMessage(ctx, session.ID, text); err != nil {
			slog.Error("[UI_LANE] origin dispatch failed", "adapter", origin, "session_id", session.ID, "error", err)
		}
	}

	return r.reflectToObservers(ctx, session.ID, origin, text)
}

// BroadcastThreadedOutput reflects one incremental turn delta to every
// enabled adapter (threaded output defaults to broadcast=true, §4.6
// bullet 2) — no origin/observer distinction for this delivery type.
func (r *FanoutRouter) BroadcastThreadedOutput(ctx context.Context, sessionID, delta string) error {
	if IsCheckpointResponse(delta, r.checkpointPattern) {
		return nil
	}
	return r.reflectToObservers(ctx, sessionID, "", delta)
}

// reflectToObservers broadcasts to every enabled adapter except excluding,
// one goroutine per lane so a slow or failing adapter never blocks the
// others (§4.6 "per-lane isolation", §4.4 Failure semantics — peer/adapter
// failures are isolated, never raised to the caller).
func (r *FanoutRouter) reflectToObservers(ctx context.Context, sessionID, excluding, text string) error {
	enabled, err := r.store.ListEnabledAdapters(ctx, sessionID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, name := range enabled {
		if name == excluding {
			continue
		}
		adapter, ok := r.adapters[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, adapter channels.Channel) {
			defer wg.Done()
			if err := adapter.Broadcast(ctx, sessionID, text); err != nil {
				slog.Error("[UI_LANE] reflection failed", "adapter", name, "session_id", sessionID, "error", err)
			}
		}(name, adapter)
	}
	wg.Wait()
	return nil
}
