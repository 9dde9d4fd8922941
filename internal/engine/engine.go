// Package engine is the session-coordination engine: the Inbound Queue
// Worker, the Hook Outbox Worker, the Agent Event Handler they feed, and the
// Adapter Fanout Router that decides where output goes (spec §4.2–§4.6).
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/channels"
	"github.com/basket/go-claw/internal/persistence"
)

// Config controls worker pool sizing and poll cadence for both durable
// queues (§4.2, §4.3, §5 "bounded consumer" model).
type Config struct {
	InboundWorkers    int
	HookWorkers       int
	PollInterval      time.Duration
	ClaimBatchSize    int
	ClaimLockTimeout  time.Duration
	DispatchTimeout   time.Duration
	CheckpointPattern string // substring marking a checkpoint response (§4.4(c))
	LocalComputerName string // this host's computer_name, for linked-peer locality checks (§4.4(d))
}

func (c *Config) applyDefaults() {
	if c.InboundWorkers <= 0 {
		c.InboundWorkers = 4
	}
	if c.HookWorkers <= 0 {
		c.HookWorkers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 10
	}
	if c.ClaimLockTimeout <= 0 {
		c.ClaimLockTimeout = 60 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
}

// Status is a point-in-time snapshot of the engine's worker pools.
type Status struct {
	InboundWorkers int   `json:"inbound_workers"`
	HookWorkers    int   `json:"hook_workers"`
	ActiveInbound  int32 `json:"active_inbound"`
	ActiveHooks    int32 `json:"active_hooks"`
}

// Engine owns the worker pools and the collaborators they share: the
// store, the event bus, the adapter registry, the transcript parser, and
// the summarizer. It is constructed once at startup and passed by
// reference — no package-level registries, no init-time side effects
// (§9 "global mutable registries" redesign flag).
type Engine struct {
	store      *persistence.Store
	eventBus   *bus.Bus
	cfg        Config
	router     *FanoutRouter
	transcript TranscriptParser
	summarizer Summarizer
	tmux       TerminalMultiplexer
	remote     RemoteTransport

	once sync.Once
	wg   sync.WaitGroup
}

// New constructs an Engine. adapters is the full set of registered Channel
// variants, keyed by Name(); the FanoutRouter consults it to compute the
// observer set for every delivery (§4.6). tmux drives peer/listener
// injection into tmux panes (§4.4(d), §4.8) — terminal multiplexing is
// specified as an interface only, so callers supply the concrete adapter.
// remote may be nil, in which case cross-host peer delivery is logged and
// skipped rather than attempted.
func New(store *persistence.Store, eventBus *bus.Bus, adapters []channels.Channel, transcript TranscriptParser, summarizer Summarizer, tmux TerminalMultiplexer, remote RemoteTransport, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:      store,
		eventBus:   eventBus,
		cfg:        cfg,
		router:     NewFanoutRouter(store, eventBus, adapters, cfg.CheckpointPattern),
		transcript: transcript,
		summarizer: summarizer,
		tmux:       tmux,
		remote:     remote,
	}
}

// Start launches the inbound-queue and hook-outbox worker pools. Safe to
// call once; a second call is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		handler := &AgentEventHandler{
			store:             e.store,
			eventBus:          e.eventBus,
			router:            e.router,
			transcript:        e.transcript,
			summarizer:        e.summarizer,
			tmux:              e.tmux,
			remote:            e.remote,
			localComputerName: e.cfg.LocalComputerName,
		}

		for i := 0; i < e.cfg.InboundWorkers; i++ {
			w := &InboundWorker{store: e.store, eventBus: e.eventBus, router: e.router, cfg: e.cfg}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				w.Run(ctx)
			}()
		}
		for i := 0; i < e.cfg.HookWorkers; i++ {
			w := &HookOutboxWorker{store: e.store, eventBus: e.eventBus, handler: handler, cfg: e.cfg}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				w.Run(ctx)
			}()
		}
		slog.Info("engine started", "inbound_workers", e.cfg.InboundWorkers, "hook_workers", e.cfg.HookWorkers)
	})
}

// Wait blocks until all worker goroutines have exited — callers cancel the
// root context first and then Wait, per the daemon shutdown contract (§5).
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Router exposes the fanout router so the gateway/transport layer can drive
// ad hoc deliveries (e.g. replying to a local-API send-message call)
// through the same origin/observer policy as queue-driven output.
func (e *Engine) Router() *FanoutRouter {
	return e.router
}
