package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/persistence"
)

func newInboundWorker(store *persistence.Store, router *engine.FanoutRouter) *engine.InboundWorker {
	return engine.NewInboundWorker(store, nil, router, engine.Config{
		PollInterval:     10 * time.Millisecond,
		ClaimBatchSize:   5,
		ClaimLockTimeout: time.Minute,
		DispatchTimeout:  5 * time.Second,
	})
}

// Dispatching an inbound entry must record last_input_origin before the
// fanout router delivers anything — a fake channel that reads the session's
// origin back from the store mid-delivery must already see the new value
// (testable property #8).
func TestInboundWorker_Dispatch_CommitsOriginBeforeDelivery(t *testing.T) {
	store := openTestStore(t)
	session := mustCreateSession(t, store, "telegram")
	enableAdapter(t, store, session.ID, "telegram")

	observed := make(chan string, 1)
	probe := &originProbeChannel{name: "telegram", store: store, sessionID: session.ID, observed: observed}
	router := newRouterWithChannels(store, probe)
	worker := newInboundWorker(store, router)

	entryID, err := store.EnqueueInbound(context.Background(), persistence.InboundQueueEntry{
		SessionID:   session.ID,
		Origin:      "discord",
		MessageType: "text",
		Content:     "hi from discord",
	})
	if err != nil {
		t.Fatalf("enqueue inbound: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go worker.Run(ctx)

	select {
	case origin := <-observed:
		if origin != "discord" {
			t.Errorf("last_input_origin observed during delivery = %q, want %q", origin, "discord")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	waitForInboundStatus(t, store, entryID, "delivered")
}

// originProbeChannel re-reads the session's last_input_origin from the store
// at delivery time, proving UpdateSession committed before the fanout call.
type originProbeChannel struct {
	name      string
	store     *persistence.Store
	sessionID string
	observed  chan string
}

func (p *originProbeChannel) Name() string                                     { return p.name }
func (p *originProbeChannel) Start(ctx context.Context) error                  { return nil }
func (p *originProbeChannel) SendFile(ctx context.Context, sessionID, path, caption string) error {
	return nil
}
func (p *originProbeChannel) SendVoice(ctx context.Context, sessionID string, audio []byte, mimeType string) error {
	return nil
}
func (p *originProbeChannel) EnsureChannel(ctx context.Context, sessionID string) error { return nil }
func (p *originProbeChannel) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return nil
}
func (p *originProbeChannel) CloseChannel(ctx context.Context, sessionID string) error  { return nil }
func (p *originProbeChannel) DeleteChannel(ctx context.Context, sessionID string) error { return nil }
func (p *originProbeChannel) TypingIndicator(ctx context.Context, sessionID string) error {
	return nil
}
func (p *originProbeChannel) Broadcast(ctx context.Context, sessionID, text string) error { return nil }

func (p *originProbeChannel) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	session, err := p.store.GetSession(ctx, p.sessionID)
	if err != nil || session == nil {
		return "", err
	}
	select {
	case p.observed <- session.LastInputOrigin:
	default:
	}
	return "msg-id", nil
}

func waitForInboundStatus(t *testing.T, store *persistence.Store, entryID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var status string
		row := store.DB().QueryRow(`SELECT status FROM inbound_queue WHERE id = ?;`, entryID)
		if err := row.Scan(&status); err != nil {
			t.Fatalf("query inbound status: %v", err)
		}
		if status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("inbound entry %s did not reach status %q within deadline", entryID, want)
}
