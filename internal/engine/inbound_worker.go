package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/persistence"
)

// InboundWorker is one bounded consumer of the inbound queue (§4.2, §5):
// it claims a batch under a store transaction and processes each entry
// independently — one entry's failure never halts the loop or blocks a
// sibling worker.
type InboundWorker struct {
	store    *persistence.Store
	eventBus *bus.Bus
	router   *FanoutRouter
	cfg      Config
}

// NewInboundWorker constructs a worker outside of Engine.Start, for direct
// use in tests and ad hoc tooling.
func NewInboundWorker(store *persistence.Store, eventBus *bus.Bus, router *FanoutRouter, cfg Config) *InboundWorker {
	cfg.applyDefaults()
	return &InboundWorker{store: store, eventBus: eventBus, router: router, cfg: cfg}
}

// Run polls until ctx is canceled, claiming and dispatching batches at
// cfg.PollInterval (§4.2 worker loop steps 1–5).
func (w *InboundWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := w.store.ClaimInboundBatch(ctx, w.cfg.ClaimBatchSize, w.cfg.ClaimLockTimeout)
		if err != nil {
			slog.Error("inbound worker: claim batch failed", "error", err)
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		for _, entry := range batch {
			w.processEntry(ctx, entry)
		}
	}
}

// processEntry dispatches one claimed entry through the session's origin
// adapter and reflects to observers, then acks success/failure/expiry.
// Provenance ordering (testable property #8): last_input_origin is
// committed atomically with last_activity before any outbound reflection
// can fire, because UpdateSession's write completes before DeliverUserMessage
// is called below.
func (w *InboundWorker) processEntry(ctx context.Context, entry persistence.InboundQueueEntry) {
	dispatchCtx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	defer cancel()

	if err := w.dispatch(dispatchCtx, entry); err != nil {
		w.ack(ctx, entry, err)
		return
	}
	w.ack(ctx, entry, nil)
}

func (w *InboundWorker) dispatch(ctx context.Context, entry persistence.InboundQueueEntry) error {
	origin := entry.Origin
	if err := w.store.UpdateSession(ctx, entry.SessionID, persistence.SessionPatch{
		LastInputOrigin: &origin,
	}); err != nil {
		return fmt.Errorf("update last_input_origin: %w", err)
	}

	session, err := w.store.GetSession(ctx, entry.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", entry.SessionID)
	}

	switch entry.MessageType {
	case "text", "voice", "file":
		return w.router.DeliverUserMessage(ctx, session, entry.Content)
	default:
		return fmt.Errorf("unknown message_type %q", entry.MessageType)
	}
}

func (w *InboundWorker) ack(ctx context.Context, entry persistence.InboundQueueEntry, dispatchErr error) {
	if dispatchErr == nil {
		if err := w.store.AckInboundSuccess(ctx, entry.ID); err != nil {
			slog.Error("inbound worker: ack success failed", "id", entry.ID, "error", err)
		}
		if w.eventBus != nil {
			w.eventBus.Publish(bus.TopicInboundDelivered, bus.OutboxDeliveredEvent{EntryID: entry.ID, Status: "delivered"})
		}
		return
	}

	if err := w.store.AckInboundFailure(ctx, entry.ID, entry.AttemptCount, dispatchErr.Error()); err != nil {
		slog.Error("inbound worker: ack failure failed", "id", entry.ID, "error", err)
	}
	status := "failed"
	if entry.AttemptCount >= persistence.DefaultMaxAttempts {
		status = "expired"
	}
	slog.Warn("inbound worker: dispatch failed", "id", entry.ID, "session_id", entry.SessionID, "attempt", entry.AttemptCount, "status", status, "error", dispatchErr)
	if w.eventBus != nil {
		topic := bus.TopicInboundDelivered
		if status == "expired" {
			topic = bus.TopicInboundExpired
		}
		w.eventBus.Publish(topic, bus.OutboxDeliveredEvent{EntryID: entry.ID, Status: status})
	}
}
