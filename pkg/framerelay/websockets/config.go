package websockets

import (
	"fmt"
	"time"

	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the number of outbound relay messages buffered per
	// connection before PostMessage starts failing.
	DefaultQueueSize = 256

	// DefaultPingInterval is the default interval for sending WebSocket ping
	// frames. A ping that is not answered within the write timeout closes the
	// connection.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout bounds each frame write and ping.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the largest relay message accepted, in bytes.
	DefaultReadLimit = 1 << 20
)

// connSettings are the per-connection knobs shared by listener and dialer.
type connSettings struct {
	queueSize    int
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
}

func defaultConnSettings() connSettings {
	return connSettings{
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// ListenerConfig holds the configuration for creating a WebSocket Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
//
// Example:
//
//	listener, err := websockets.NewListenerConfig().
//	    WithWindow(relayWindow).
//	    WithLogger(logger).
//	    WithPingInterval(45 * time.Second).
//	    Build()
type ListenerConfig struct {
	window          channel.Window
	logger          *zap.Logger
	originPatterns  []string
	metricsProvider o11y.MetricsProvider
	settings        connSettings
}

// NewListenerConfig creates a new ListenerConfig for building a WebSocket
// Listener.
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		logger:         zap.NewNop(),
		originPatterns: []string{"*"},
		settings:       defaultConnSettings(),
	}
}

// WithWindow sets the window every inbound relay message is posted to. Each
// connection appears as the message source, so replies go back over the
// socket they came from.
func (c *ListenerConfig) WithWindow(window channel.Window) *ListenerConfig {
	c.window = window
	return c
}

// WithLogger sets the Logger for the WebSocket Listener.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithOriginPatterns sets the host patterns accepted during the WebSocket
// handshake. The default accepts every origin and leaves origin policy to
// the relay server.
func (c *ListenerConfig) WithOriginPatterns(patterns ...string) *ListenerConfig {
	if len(patterns) > 0 {
		c.originPatterns = patterns
	}
	return c
}

// WithQueueSize sets how many outbound messages are buffered per connection.
//
// Default: 256 messages per connection
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.settings.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable ping/pong health monitoring.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.settings.pingInterval = interval
	}
	return c
}

// WithReadTimeout closes connections that send nothing for timeout. Zero,
// the default, disables it.
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout >= 0 {
		c.settings.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the timeout for writing messages to WebSocket clients.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.settings.writeTimeout = timeout
	}
	return c
}

// WithMetricsProvider enables connection metrics.
func (c *ListenerConfig) WithMetricsProvider(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
func (c *ListenerConfig) IsValid() error {
	if c.window == nil {
		return fmt.Errorf("invalid listener configuration, missing: [Window]")
	}
	return nil
}

// Build creates a new WebSocket Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
