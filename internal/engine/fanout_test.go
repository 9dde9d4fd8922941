package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/go-claw/internal/channels"
	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/persistence"
)

func newRouterWithChannels(store *persistence.Store, chans ...channels.Channel) *engine.FanoutRouter {
	return engine.NewFanoutRouter(store, nil, chans, "")
}

func newRouterWithChannelsPattern(store *persistence.Store, checkpointPattern string, chans ...channels.Channel) *engine.FanoutRouter {
	return engine.NewFanoutRouter(store, nil, chans, checkpointPattern)
}

// fakeChannel records every call made to it, safely under concurrent
// goroutine-per-lane delivery.
type fakeChannel struct {
	name string

	mu          sync.Mutex
	sent        []string
	broadcasts  []string
	typingCalls int
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }

func (f *fakeChannel) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return "msg-id", nil
}

func (f *fakeChannel) SendFile(ctx context.Context, sessionID, path, caption string) error { return nil }
func (f *fakeChannel) SendVoice(ctx context.Context, sessionID string, audio []byte, mimeType string) error {
	return nil
}
func (f *fakeChannel) EnsureChannel(ctx context.Context, sessionID string) error { return nil }
func (f *fakeChannel) UpdateTitle(ctx context.Context, sessionID, title string) error { return nil }
func (f *fakeChannel) CloseChannel(ctx context.Context, sessionID string) error { return nil }
func (f *fakeChannel) DeleteChannel(ctx context.Context, sessionID string) error { return nil }

func (f *fakeChannel) TypingIndicator(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingCalls++
	return nil
}

func (f *fakeChannel) Broadcast(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, text)
	return nil
}

func (f *fakeChannel) snapshot() (sent, broadcasts []string, typingCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.broadcasts...), f.typingCalls
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateSession(t *testing.T, store *persistence.Store, origin string) *persistence.Session {
	t.Helper()
	session, err := store.CreateSession(context.Background(), persistence.SessionSpec{
		ComputerName:    "host-1",
		ProjectPath:     "/repo",
		HumanRole:       "member",
		LastInputOrigin: origin,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func enableAdapter(t *testing.T, store *persistence.Store, sessionID, adapter string) {
	t.Helper()
	if err := store.UpsertAdapterMetadata(context.Background(), persistence.AdapterMetadata{
		SessionID: sessionID,
		Adapter:   adapter,
		Enabled:   true,
	}); err != nil {
		t.Fatalf("enable adapter %s: %v", adapter, err)
	}
}

// DeliverUserMessage must send through the origin adapter's full pipeline
// and reflect to every other enabled adapter, but never echo back to the
// origin itself (§4.6, testable property #5, scenario S5).
func TestFanoutRouter_DeliverUserMessage_OriginNeverEchoed(t *testing.T) {
	store := openTestStore(t)
	session := mustCreateSession(t, store, "telegram")
	enableAdapter(t, store, session.ID, "telegram")
	enableAdapter(t, store, session.ID, "discord")
	enableAdapter(t, store, session.ID, "web")

	telegram := &fakeChannel{name: "telegram"}
	discord := &fakeChannel{name: "discord"}
	web := &fakeChannel{name: "web"}
	router := newRouterWithChannels(store, telegram, discord, web)

	if err := router.DeliverUserMessage(context.Background(), session, "hello there"); err != nil {
		t.Fatalf("deliver user message: %v", err)
	}

	sent, broadcasts, typing := telegram.snapshot()
	if len(sent) != 1 || sent[0] != "hello there" {
		t.Errorf("origin adapter SendMessage = %v, want [\"hello there\"]", sent)
	}
	if typing != 1 {
		t.Errorf("origin adapter TypingIndicator calls = %d, want 1", typing)
	}
	if len(broadcasts) != 0 {
		t.Errorf("origin adapter must never receive a Broadcast echo, got %v", broadcasts)
	}

	for _, observer := range []*fakeChannel{discord, web} {
		_, obsBroadcasts, _ := observer.snapshot()
		if len(obsBroadcasts) != 1 || obsBroadcasts[0] != "hello there" {
			t.Errorf("observer %s Broadcast = %v, want [\"hello there\"]", observer.name, obsBroadcasts)
		}
	}
}

// The checkpoint filter drops a matching turn from both origin delivery and
// observer reflection entirely (§4.4(c), §4.6).
func TestFanoutRouter_DeliverUserMessage_CheckpointFilterDropsDelivery(t *testing.T) {
	store := openTestStore(t)
	session := mustCreateSession(t, store, "telegram")
	enableAdapter(t, store, session.ID, "telegram")
	enableAdapter(t, store, session.ID, "discord")

	telegram := &fakeChannel{name: "telegram"}
	discord := &fakeChannel{name: "discord"}
	router := newRouterWithChannelsPattern(store, "CHECKPOINT_OK", telegram, discord)

	if err := router.DeliverUserMessage(context.Background(), session, "CHECKPOINT_OK: internal nudge"); err != nil {
		t.Fatalf("deliver user message: %v", err)
	}

	sent, broadcasts, _ := telegram.snapshot()
	if len(sent) != 0 {
		t.Errorf("checkpoint response must not reach origin SendMessage, got %v", sent)
	}
	if len(broadcasts) != 0 {
		t.Errorf("checkpoint response must not reach origin Broadcast, got %v", broadcasts)
	}
	_, discordBroadcasts, _ := discord.snapshot()
	if len(discordBroadcasts) != 0 {
		t.Errorf("checkpoint response must not reach observer, got %v", discordBroadcasts)
	}
}

func TestFanoutRouter_ThreadedOutputEnabled(t *testing.T) {
	store := openTestStore(t)
	router := newRouterWithChannels(store)

	discordSession := &persistence.Session{LastInputOrigin: "discord", ActiveAgent: "claude"}
	if !router.ThreadedOutputEnabled(discordSession) {
		t.Error("discord origin should always get threaded output")
	}

	experimentalSession := &persistence.Session{LastInputOrigin: "telegram", ActiveAgent: "codex"}
	if router.ThreadedOutputEnabled(experimentalSession) {
		t.Error("non-discord, non-experiment agent should not get threaded output before opt-in")
	}

	router.SetThreadedOutputExperiment([]string{"codex"})
	if !router.ThreadedOutputEnabled(experimentalSession) {
		t.Error("telegram origin with active_agent in experiment set should get threaded output")
	}

	plainSession := &persistence.Session{LastInputOrigin: "telegram", ActiveAgent: "claude"}
	if router.ThreadedOutputEnabled(plainSession) {
		t.Error("threaded-output gate must not be agent-name-hardcoded beyond the configured experiment set")
	}
}
