package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicInboundDelivered: true,
		TopicInboundExpired:   true,
		TopicHookDelivered:    true,
		TopicNotificationSent: true,
		TopicWebhookSent:      true,
		TopicListenerNotified: true,
	}
	for name := range topics {
		if name == "" {
			t.Fatal("topic constant is empty")
		}
	}
	if len(topics) != 6 {
		t.Fatalf("expected 6 unique topics, got %d", len(topics))
	}
}

func TestListenerNotifiedEvent_Fields(t *testing.T) {
	event := ListenerNotifiedEvent{
		TargetSessionID: "session-a",
		CallerSessionID: "session-b",
	}
	if event.TargetSessionID != "session-a" {
		t.Fatalf("TargetSessionID mismatch: got %s, want session-a", event.TargetSessionID)
	}
	if event.CallerSessionID != "session-b" {
		t.Fatalf("CallerSessionID mismatch: got %s, want session-b", event.CallerSessionID)
	}
}

func TestOutboxDeliveredEvent_Fields(t *testing.T) {
	for _, status := range []string{"delivered", "failed", "expired"} {
		event := OutboxDeliveredEvent{EntryID: "entry-1", Status: status}
		if event.Status != status {
			t.Fatalf("Status mismatch: got %s, want %s", event.Status, status)
		}
		if event.EntryID == "" {
			t.Fatal("EntryID must not be empty")
		}
	}
}
