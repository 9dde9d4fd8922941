package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.InboundClaimBatchSize == nil {
		t.Error("InboundClaimBatchSize is nil")
	}
	if m.InboundDispatchErrors == nil {
		t.Error("InboundDispatchErrors is nil")
	}
	if m.HookDispatchDuration == nil {
		t.Error("HookDispatchDuration is nil")
	}
	if m.FanoutDuration == nil {
		t.Error("FanoutDuration is nil")
	}
	if m.PollerTickDuration == nil {
		t.Error("PollerTickDuration is nil")
	}
	if m.OutboxQueueDepth == nil {
		t.Error("OutboxQueueDepth is nil")
	}
	if m.WSConnections == nil {
		t.Error("WSConnections is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
	if m.PeerDeliveryFailures == nil {
		t.Error("PeerDeliveryFailures is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
