package websockets

import (
	"context"
	"time"

	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
)

// WebSocketMetrics defines the metrics collected by the WebSocket carrier.
// All methods are safe to call on a nil receiver.
type WebSocketMetrics struct {
	// Connection metrics
	activeConnections  o11y.Gauge     // Current number of active WebSocket connections
	totalConnections   o11y.Counter   // Total number of connections established
	connectionDuration o11y.Histogram // Duration of WebSocket connections
	connectionErrors   o11y.Counter   // Upgrade failures

	// Message metrics
	messagesReceived o11y.Counter   // Relay messages read from peers
	messagesSent     o11y.Counter   // Relay messages written to peers
	messagesDropped  o11y.Counter   // Messages refused because the queue was full
	messageSize      o11y.Histogram // Size distribution of messages (bytes)

	// Health metrics
	pingsSent o11y.Counter // Number of ping frames sent
}

// NewWebSocketMetrics creates the carrier instruments, or returns nil when
// provider is nil.
func NewWebSocketMetrics(provider o11y.MetricsProvider) *WebSocketMetrics {
	if provider == nil {
		return nil
	}

	return &WebSocketMetrics{
		activeConnections:  provider.Gauge("relay_websocket_active_connections"),
		totalConnections:   provider.Counter("relay_websocket_connections_total"),
		connectionDuration: provider.Histogram("relay_websocket_connection_duration_seconds"),
		connectionErrors:   provider.Counter("relay_websocket_connection_errors_total"),

		messagesReceived: provider.Counter("relay_websocket_messages_received_total"),
		messagesSent:     provider.Counter("relay_websocket_messages_sent_total"),
		messagesDropped:  provider.Counter("relay_websocket_messages_dropped_total"),
		messageSize:      provider.Histogram("relay_websocket_message_size_bytes"),

		pingsSent: provider.Counter("relay_websocket_pings_sent_total"),
	}
}

// RecordConnectionStart records when a new WebSocket connection is established.
func (m *WebSocketMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

// RecordConnectionActive updates the active connection count.
func (m *WebSocketMetrics) RecordConnectionActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

// RecordConnectionEnd records when a WebSocket connection ends and its duration.
func (m *WebSocketMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError records upgrade failures.
func (m *WebSocketMetrics) RecordConnectionError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

// RecordMessageReceived records a relay message read from a peer.
func (m *WebSocketMetrics) RecordMessageReceived(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "received"})
}

// RecordMessageSent records a relay message written to a peer.
func (m *WebSocketMetrics) RecordMessageSent(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "sent"})
}

// RecordMessageDropped records a message refused by a full queue.
func (m *WebSocketMetrics) RecordMessageDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1)
}

// RecordPingSent records when a ping frame is sent.
func (m *WebSocketMetrics) RecordPingSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingsSent.Add(ctx, 1)
}
