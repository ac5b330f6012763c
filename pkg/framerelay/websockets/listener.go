package websockets

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Listener accepts relay WebSocket connections and bridges each one to the
// configured window.
type Listener struct {
	config  *ListenerConfig
	logger  *zap.Logger
	metrics *WebSocketMetrics

	// Connection tracking for graceful shutdown
	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		config:      config,
		logger:      config.logger,
		metrics:     NewWebSocketMetrics(config.metricsProvider),
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// ServeWebsocket upgrades the request and serves relay messages on it until
// the socket closes. It can be plugged directly into HTTP routers.
//
// The peer's origin is taken from the Origin header of the upgrade request.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: l.config.originPatterns,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("origin", r.Header.Get("Origin")),
		)
		l.metrics.RecordConnectionError(r.Context(), "accept")
		return
	}

	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	origin := r.Header.Get("Origin")
	connection := newConnection(r.Context(), conn, origin, l.config.window, l.config.settings, l.logger, l.metrics)

	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	start := time.Now()
	l.metrics.RecordConnectionStart(r.Context())
	l.metrics.RecordConnectionActive(r.Context(), connCount)
	l.logger.Debug("Relay connection established",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("origin", origin),
		zap.Int("active_connections", connCount),
	)

	connection.Start()

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionEnd(context.Background(), time.Since(start))
	l.metrics.RecordConnectionActive(context.Background(), connCount)
	l.logger.Debug("Relay connection closed",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown stops accepting connections, closes the active ones with
// StatusGoingAway and waits until they are gone or ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful WebSocket shutdown")

		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active WebSocket connections",
			zap.Int("connection_count", len(connections)),
		)

		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.logger.Info("All WebSocket connections closed successfully")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the current number of active WebSocket connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
