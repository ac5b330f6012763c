package client

import (
	"fmt"
	"time"

	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
	"go.uber.org/zap"
)

// ClientBuilder provides a fluent interface for building relay clients.
type ClientBuilder struct {
	logger          *zap.Logger
	window          channel.Endpoint
	timeout         time.Duration
	maxRetries      int
	retryDelay      time.Duration
	debug           bool
	endpoints       map[string]string
	targetOrigin    string
	metricsProvider o11y.MetricsProvider
}

// NewClient creates a new relay client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:       zap.NewNop(),
		timeout:      framerelay.DefaultTimeout,
		maxRetries:   framerelay.DefaultMaxRetries,
		retryDelay:   framerelay.DefaultRetryDelay,
		endpoints:    make(map[string]string),
		targetOrigin: framerelay.DefaultTargetOrigin,
	}
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithWindow sets the client's own window. Replies arrive on it and it is
// the source of every posted request.
func (b *ClientBuilder) WithWindow(window channel.Endpoint) *ClientBuilder {
	b.window = window
	return b
}

// WithTimeout sets how long each send attempt may wait for an answer.
func (b *ClientBuilder) WithTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.timeout = timeout
	}
	return b
}

// WithMaxRetries sets how many times a failed request is resent. Zero
// disables retries; negative values are ignored.
func (b *ClientBuilder) WithMaxRetries(retries int) *ClientBuilder {
	if retries >= 0 {
		b.maxRetries = retries
	}
	return b
}

// WithRetryDelay sets the fixed pause before each resend.
func (b *ClientBuilder) WithRetryDelay(delay time.Duration) *ClientBuilder {
	if delay >= 0 {
		b.retryDelay = delay
	}
	return b
}

// WithDebug enables per-message debug logging.
func (b *ClientBuilder) WithDebug(debug bool) *ClientBuilder {
	b.debug = debug
	return b
}

// WithEndpoint maps a caller-facing method name to the relay target the
// server resolves to a backend route.
func (b *ClientBuilder) WithEndpoint(method, target string) *ClientBuilder {
	b.endpoints[method] = target
	return b
}

// WithEndpoints adds every method/target pair in endpoints.
func (b *ClientBuilder) WithEndpoints(endpoints map[string]string) *ClientBuilder {
	for method, target := range endpoints {
		b.endpoints[method] = target
	}
	return b
}

// WithTargetOrigin sets the targetOrigin requests are posted with.
func (b *ClientBuilder) WithTargetOrigin(origin string) *ClientBuilder {
	if origin != "" {
		b.targetOrigin = origin
	}
	return b
}

// WithMetricsProvider enables metrics collection.
func (b *ClientBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *ClientBuilder {
	b.metricsProvider = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.window == nil {
		return fmt.Errorf("window is required")
	}

	if len(b.endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	for method, target := range b.endpoints {
		if method == "" || target == "" {
			return fmt.Errorf("invalid endpoint %q -> %q", method, target)
		}
	}

	return nil
}

// Build creates the client and attaches its message listener.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	endpoints := make(map[string]string, len(b.endpoints))
	for method, target := range b.endpoints {
		endpoints[method] = target
	}

	c := &Client{
		logger:       b.logger,
		window:       b.window,
		timeout:      b.timeout,
		maxRetries:   b.maxRetries,
		retryDelay:   b.retryDelay,
		debug:        b.debug,
		endpoints:    endpoints,
		targetOrigin: b.targetOrigin,
		metrics:      NewClientMetrics(b.metricsProvider),
		pending:      make(map[string]*pendingRequest),
	}

	c.removeListener = b.window.AddListener(c.handleEvent)
	c.initialized = true

	c.logger.Debug("Relay client initialized",
		zap.Duration("timeout", c.timeout),
		zap.Int("max_retries", c.maxRetries),
		zap.Duration("retry_delay", c.retryDelay),
		zap.Int("endpoints", len(c.endpoints)),
	)

	return c, nil
}
