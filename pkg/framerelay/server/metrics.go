package server

import (
	"context"
	"strconv"
	"time"

	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
)

// ServerMetrics defines the metrics collected by a relay server. All methods
// are safe to call on a nil receiver.
type ServerMetrics struct {
	// Relay metrics
	requestsTotal    o11y.Counter   // Relay requests received, by target
	requestDuration  o11y.Histogram // Time from receipt to reply
	requestErrors    o11y.Counter   // RELAY_ERROR replies, by error kind
	requestsInFlight o11y.Gauge     // Requests being handled
	messagesDropped  o11y.Counter   // Malformed or foreign messages
	handshakesTotal  o11y.Counter   // RELAY_INIT messages answered

	// Backend metrics
	backendResponses o11y.Counter   // Backend replies, by HTTP status
	backendDuration  o11y.Histogram // Outbound call duration
}

// NewServerMetrics creates the server instruments, or returns nil when
// provider is nil.
func NewServerMetrics(provider o11y.MetricsProvider) *ServerMetrics {
	if provider == nil {
		return nil
	}

	return &ServerMetrics{
		requestsTotal:    provider.Counter("relay_server_requests_total"),
		requestDuration:  provider.Histogram("relay_server_request_duration_seconds"),
		requestErrors:    provider.Counter("relay_server_request_errors_total"),
		requestsInFlight: provider.Gauge("relay_server_requests_in_flight"),
		messagesDropped:  provider.Counter("relay_server_messages_dropped_total"),
		handshakesTotal:  provider.Counter("relay_server_handshakes_total"),

		backendResponses: provider.Counter("relay_server_backend_responses_total"),
		backendDuration:  provider.Histogram("relay_server_backend_duration_seconds"),
	}
}

// RecordRequest records the start of a relay request and returns a function
// to record completion.
// Usage:
//
//	recordCompletion := metrics.RecordRequest(ctx, target)
//	defer recordCompletion(err)
func (m *ServerMetrics) RecordRequest(ctx context.Context, target string) func(error) {
	if m == nil {
		return func(error) {}
	}

	startTime := time.Now()
	m.requestsTotal.Add(ctx, 1, o11y.Label{Key: "target", Value: target})

	return func(err error) {
		m.requestDuration.Record(ctx, time.Since(startTime).Seconds(), o11y.Label{Key: "target", Value: target})

		if err != nil {
			m.requestErrors.Add(ctx, 1, o11y.Label{Key: "kind", Value: framerelay.KindOf(err).String()})
		}
	}
}

// RecordInFlight updates the in-flight gauge.
func (m *ServerMetrics) RecordInFlight(ctx context.Context, count int64) {
	if m == nil {
		return
	}
	m.requestsInFlight.Set(ctx, float64(count))
}

// RecordDropped records a message that was not a relay message.
func (m *ServerMetrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1)
}

// RecordHandshake records an answered RELAY_INIT.
func (m *ServerMetrics) RecordHandshake(ctx context.Context) {
	if m == nil {
		return
	}
	m.handshakesTotal.Add(ctx, 1)
}

// RecordBackend records an outbound call. status is 0 when no HTTP response
// was received.
func (m *ServerMetrics) RecordBackend(ctx context.Context, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.backendResponses.Add(ctx, 1, o11y.Label{Key: "status", Value: code})
	m.backendDuration.Record(ctx, duration.Seconds())
}
