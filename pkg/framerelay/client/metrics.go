package client

import (
	"context"
	"time"

	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
)

// ClientMetrics holds the instruments recorded by a relay client. All
// methods are safe to call on a nil receiver.
type ClientMetrics struct {
	requestsTotal   o11y.Counter   // Calls accepted for sending, by method
	responsesTotal  o11y.Counter   // Terminal outcomes, by outcome
	retriesTotal    o11y.Counter   // Resends
	timeoutsTotal   o11y.Counter   // Attempts that expired
	requestDuration o11y.Histogram // Time from first send to settle
	pendingRequests o11y.Gauge     // Requests in flight
}

// NewClientMetrics creates the client instruments, or returns nil when
// provider is nil.
func NewClientMetrics(provider o11y.MetricsProvider) *ClientMetrics {
	if provider == nil {
		return nil
	}

	return &ClientMetrics{
		requestsTotal:   provider.Counter("relay_client_requests_total"),
		responsesTotal:  provider.Counter("relay_client_responses_total"),
		retriesTotal:    provider.Counter("relay_client_retries_total"),
		timeoutsTotal:   provider.Counter("relay_client_timeouts_total"),
		requestDuration: provider.Histogram("relay_client_request_duration_seconds"),
		pendingRequests: provider.Gauge("relay_client_pending_requests"),
	}
}

// RecordRequest records a call that was sent.
func (m *ClientMetrics) RecordRequest(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.requestsTotal.Add(ctx, 1, o11y.Label{Key: "method", Value: method})
}

// RecordOutcome records how a call ended and how long it took.
func (m *ClientMetrics) RecordOutcome(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.responsesTotal.Add(ctx, 1, o11y.Label{Key: "outcome", Value: outcome})
	m.requestDuration.Record(ctx, duration.Seconds(), o11y.Label{Key: "outcome", Value: outcome})
}

// RecordRetry records a resend.
func (m *ClientMetrics) RecordRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1)
}

// RecordTimeout records an attempt that got no answer in time.
func (m *ClientMetrics) RecordTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.timeoutsTotal.Add(ctx, 1)
}

// RecordPending updates the in-flight gauge.
func (m *ClientMetrics) RecordPending(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(ctx, float64(count))
}
