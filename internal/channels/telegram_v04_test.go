package channels

import "testing"

func TestTelegramChannel_ChatIDFor_Unknown(t *testing.T) {
	ch := NewTelegramChannel("fake-token", nil, nil, nil)
	if _, ok := ch.chatIDFor("unknown-session"); ok {
		t.Fatal("expected no chat mapping for an unseen session id")
	}
}

func TestTelegramChannel_CloseChannel_ClearsMapping(t *testing.T) {
	ch := NewTelegramChannel("fake-token", nil, nil, nil)
	ch.mu.Lock()
	ch.chatSessions["session-a"] = 42
	ch.mu.Unlock()

	if err := ch.CloseChannel(nil, "session-a"); err != nil {
		t.Fatalf("CloseChannel: %v", err)
	}
	if _, ok := ch.chatIDFor("session-a"); ok {
		t.Fatal("expected chat mapping to be removed after CloseChannel")
	}
}

func TestTelegramChannel_EnsureChannel_NoOp(t *testing.T) {
	ch := NewTelegramChannel("fake-token", nil, nil, nil)
	if err := ch.EnsureChannel(nil, "session-a"); err != nil {
		t.Fatalf("EnsureChannel should be a no-op: %v", err)
	}
}
