package bus

// Outbox worker topics (§4.2, §4.3, §4.9).
const (
	TopicInboundDelivered = "inbound.delivered"
	TopicInboundExpired   = "inbound.expired"
	TopicHookDelivered    = "hook.delivered"
	TopicNotificationSent = "notification.sent"
	TopicWebhookSent      = "webhook.sent"
)

// Session-listener topic (§4.8): a target session's stop event notifying
// its registered callers.
const (
	TopicListenerNotified = "listener.notified"
)

// TopicAgentActivity tracks an agent's coarse lifecycle state for the
// websocket push broadcaster (§4.10: agent_activity event).
const TopicAgentActivity = "agent.activity"

// AgentActivityEvent is published on session_start ("started"), prompt
// ("working"), and stop ("idle") hook events (§4.4).
type AgentActivityEvent struct {
	SessionID string
	Activity  string // "started" | "working" | "idle"
}

// ListenerNotifiedEvent is published once per registered caller when its
// target session emits a stop event (§4.4(e), §4.8).
type ListenerNotifiedEvent struct {
	TargetSessionID string
	CallerSessionID string
}

// OutboxDeliveredEvent is published when an outbox worker (inbound queue,
// hook outbox, notification outbox, webhook outbox) finishes processing
// one entry, success or failure.
type OutboxDeliveredEvent struct {
	EntryID string
	Status  string // "delivered" | "failed" | "expired"
}
