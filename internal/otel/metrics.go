package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all daemon metric instruments (§5 Concurrency & resource
// model: every worker loop is a bounded consumer worth instrumenting).
type Metrics struct {
	RequestDuration       metric.Float64Histogram
	InboundClaimBatchSize metric.Int64Histogram
	InboundDispatchErrors metric.Int64Counter
	HookDispatchDuration  metric.Float64Histogram
	FanoutDuration        metric.Float64Histogram
	PollerTickDuration    metric.Float64Histogram
	OutboxQueueDepth      metric.Int64UpDownCounter
	WSConnections         metric.Int64UpDownCounter
	RateLimitRejects      metric.Int64Counter
	PeerDeliveryFailures  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("teleclaude.local_api.request.duration",
		metric.WithDescription("Local API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InboundClaimBatchSize, err = meter.Int64Histogram("teleclaude.inbound_queue.claim_batch_size",
		metric.WithDescription("Number of inbound queue rows claimed per poll tick"),
	)
	if err != nil {
		return nil, err
	}

	m.InboundDispatchErrors, err = meter.Int64Counter("teleclaude.inbound_queue.dispatch_errors",
		metric.WithDescription("Inbound queue entries that failed dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.HookDispatchDuration, err = meter.Float64Histogram("teleclaude.hook_outbox.dispatch.duration",
		metric.WithDescription("Hook outbox entry dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FanoutDuration, err = meter.Float64Histogram("teleclaude.fanout.duration",
		metric.WithDescription("Adapter fanout delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PollerTickDuration, err = meter.Float64Histogram("teleclaude.poller.tick.duration",
		metric.WithDescription("Output poller tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxQueueDepth, err = meter.Int64UpDownCounter("teleclaude.outbox.queue_depth",
		metric.WithDescription("Pending notification/webhook outbox rows"),
	)
	if err != nil {
		return nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter("teleclaude.ws.connections",
		metric.WithDescription("Currently connected WebSocket frontends"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("teleclaude.local_api.ratelimit.rejects",
		metric.WithDescription("Local API requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.PeerDeliveryFailures, err = meter.Int64Counter("teleclaude.peer.delivery_failures",
		metric.WithDescription("Linked-stop peer deliveries that failed (local tmux or cross-host)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
