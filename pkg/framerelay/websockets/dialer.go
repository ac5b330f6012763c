package websockets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
	"go.uber.org/zap"
)

// DialerBuilder provides a fluent interface for building relay dialers.
type DialerBuilder struct {
	url             string
	origin          string
	logger          *zap.Logger
	dialTimeout     time.Duration
	headers         http.Header
	metricsProvider o11y.MetricsProvider
	settings        connSettings
}

// NewDialer creates a new dialer builder.
func NewDialer() *DialerBuilder {
	return &DialerBuilder{
		logger:      zap.NewNop(),
		dialTimeout: 30 * time.Second,
		headers:     make(http.Header),
		settings:    defaultConnSettings(),
	}
}

// WithURL sets the ws:// or wss:// URL of the relay server.
func (b *DialerBuilder) WithURL(url string) *DialerBuilder {
	b.url = url
	return b
}

// WithOrigin sets the local origin, sent as the Origin header and checked by
// the server's origin policy.
func (b *DialerBuilder) WithOrigin(origin string) *DialerBuilder {
	b.origin = origin
	return b
}

// WithLogger sets the logger for the dialer and its connections.
func (b *DialerBuilder) WithLogger(logger *zap.Logger) *DialerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the WebSocket connection.
func (b *DialerBuilder) WithDialTimeout(timeout time.Duration) *DialerBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithHeader sets an HTTP header for the WebSocket handshake.
func (b *DialerBuilder) WithHeader(key, value string) *DialerBuilder {
	b.headers.Set(key, value)
	return b
}

// WithPingInterval sets the ping interval. Zero disables pings.
func (b *DialerBuilder) WithPingInterval(interval time.Duration) *DialerBuilder {
	if interval >= 0 {
		b.settings.pingInterval = interval
	}
	return b
}

// WithQueueSize sets how many outbound messages are buffered.
func (b *DialerBuilder) WithQueueSize(size int) *DialerBuilder {
	if size > 0 {
		b.settings.queueSize = size
	}
	return b
}

// WithMetricsProvider enables connection metrics.
func (b *DialerBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *DialerBuilder {
	b.metricsProvider = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *DialerBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	u, err := url.Parse(b.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: unsupported scheme %q", b.url, u.Scheme)
	}

	return nil
}

// Build creates the dialer.
func (b *DialerBuilder) Build() (*Dialer, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	headers := b.headers.Clone()
	if b.origin != "" {
		headers.Set("Origin", b.origin)
	}

	return &Dialer{
		url:         b.url,
		origin:      b.origin,
		logger:      b.logger,
		dialTimeout: b.dialTimeout,
		headers:     headers,
		metrics:     NewWebSocketMetrics(b.metricsProvider),
		settings:    b.settings,
	}, nil
}

// Dialer opens relay connections to a server.
type Dialer struct {
	url         string
	origin      string
	logger      *zap.Logger
	dialTimeout time.Duration
	headers     http.Header
	metrics     *WebSocketMetrics
	settings    connSettings
}

// Dial connects to the server. The returned ClientConn is a channel.Frame
// whose content window is the server, and its Window is where the server's
// replies arrive.
func (d *Dialer) Dial(ctx context.Context) (*ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, d.url, &websocket.DialOptions{HTTPHeader: d.headers})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	local := channel.NewLocalWindow(d.origin).WithLogger(d.logger)
	remote := newConnection(context.Background(), conn, serverOrigin(d.url), local, d.settings, d.logger, d.metrics)

	cc := &ClientConn{local: local, remote: remote}
	go func() {
		remote.Start()
		cc.closeLocal()
	}()

	d.metrics.RecordConnectionStart(ctx)
	d.logger.Info("Relay WebSocket connected", zap.String("url", d.url))

	return cc, nil
}

// serverOrigin derives the origin of a ws:// or wss:// URL.
func serverOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// ClientConn is a dialed relay connection.
type ClientConn struct {
	local  *channel.LocalWindow
	remote *Connection

	closeOnce sync.Once
}

// Window is the local window replies are delivered to.
func (c *ClientConn) Window() channel.Endpoint {
	return c.local
}

// ContentWindow returns the server's window, or nil once the connection is
// closed.
func (c *ClientConn) ContentWindow() channel.Window {
	select {
	case <-c.remote.Done():
		return nil
	default:
		return c.remote
	}
}

// Done is closed once the connection has shut down.
func (c *ClientConn) Done() <-chan struct{} {
	return c.remote.Done()
}

// Close closes the socket and stops local delivery.
func (c *ClientConn) Close() error {
	c.remote.shutdownClose(websocket.StatusNormalClosure, "client closing")
	<-c.remote.Done()
	c.closeLocal()
	return nil
}

func (c *ClientConn) closeLocal() {
	c.closeOnce.Do(c.local.Close)
}
