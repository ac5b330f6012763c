package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
	"go.uber.org/zap"
)

// ServerBuilder provides a fluent interface for building relay servers.
type ServerBuilder struct {
	logger          *zap.Logger
	window          channel.Endpoint
	baseURL         string
	timeout         time.Duration
	headers         map[string]string
	allowedOrigins  []string
	serverID        string
	routes          []Route
	httpClient      *http.Client
	maxBody         int64
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewServer creates a new relay server builder.
func NewServer() *ServerBuilder {
	return &ServerBuilder{
		logger:  zap.NewNop(),
		timeout: framerelay.DefaultTimeout,
		headers: make(map[string]string),
		maxBody: DefaultMaxResponseBody,
	}
}

// WithLogger sets the logger for the server.
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithWindow sets the window the server listens on.
func (b *ServerBuilder) WithWindow(window channel.Endpoint) *ServerBuilder {
	b.window = window
	return b
}

// WithBaseURL sets the backend base URL. Route paths are appended to it.
func (b *ServerBuilder) WithBaseURL(baseURL string) *ServerBuilder {
	b.baseURL = baseURL
	return b
}

// WithTimeout bounds each outbound backend call.
func (b *ServerBuilder) WithTimeout(timeout time.Duration) *ServerBuilder {
	b.timeout = timeout
	return b
}

// WithHeader adds a header sent on every outbound call.
func (b *ServerBuilder) WithHeader(name, value string) *ServerBuilder {
	b.headers[name] = value
	return b
}

// WithHeaders adds headers sent on every outbound call.
func (b *ServerBuilder) WithHeaders(headers map[string]string) *ServerBuilder {
	for name, value := range headers {
		b.headers[name] = value
	}
	return b
}

// WithAllowedOrigins restricts which origins may send requests. An empty
// list allows every origin.
func (b *ServerBuilder) WithAllowedOrigins(origins ...string) *ServerBuilder {
	b.allowedOrigins = append(b.allowedOrigins, origins...)
	return b
}

// WithServerID sets the id reported in RELAY_READY. A random one is
// generated when unset.
func (b *ServerBuilder) WithServerID(id string) *ServerBuilder {
	b.serverID = id
	return b
}

// WithRoute adds a target route. Routes are tried in the order added.
func (b *ServerBuilder) WithRoute(route Route) *ServerBuilder {
	b.routes = append(b.routes, route)
	return b
}

// WithHTTPClient sets the client used for backend calls.
func (b *ServerBuilder) WithHTTPClient(client *http.Client) *ServerBuilder {
	b.httpClient = client
	return b
}

// WithMaxResponseBody bounds the size of a backend response. Larger
// responses fail with InvalidResponse.
func (b *ServerBuilder) WithMaxResponseBody(limit int64) *ServerBuilder {
	if limit > 0 {
		b.maxBody = limit
	}
	return b
}

// WithMetricsProvider enables metrics collection.
func (b *ServerBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *ServerBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracingProvider enables a span per relayed request.
func (b *ServerBuilder) WithTracingProvider(provider o11y.TracingProvider) *ServerBuilder {
	b.tracingProvider = provider
	return b
}

// WithObservability sets both providers from config.
func (b *ServerBuilder) WithObservability(config o11y.ObservabilityConfig) *ServerBuilder {
	b.metricsProvider = config.MetricsProvider
	b.tracingProvider = config.TracingProvider
	return b
}

// IsValid checks that all required configuration is present. Failures are
// InitializationError values.
func (b *ServerBuilder) IsValid() error {
	if b.window == nil {
		return framerelay.NewError(framerelay.KindInitialization, "window is required")
	}

	if err := framerelay.ValidateBaseURL(b.baseURL); err != nil {
		return err
	}

	if err := framerelay.ValidateServerTimeout(b.timeout); err != nil {
		return err
	}

	for name := range b.headers {
		if strings.TrimSpace(name) == "" {
			return framerelay.NewError(framerelay.KindInitialization, "header name must not be empty")
		}
	}

	return nil
}

// Build validates the configuration and starts listening. Nothing is
// attached to the window when validation fails.
func (b *ServerBuilder) Build() (*Server, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	routes := make([]*compiledRoute, 0, len(b.routes))
	for _, r := range b.routes {
		cr, err := compileRoute(r)
		if err != nil {
			return nil, framerelay.WrapError(framerelay.KindInitialization, err, "invalid route")
		}
		routes = append(routes, cr)
	}

	headers := make(map[string]string, len(b.headers))
	for name, value := range b.headers {
		headers[name] = value
	}

	serverID := b.serverID
	if serverID == "" {
		serverID = fmt.Sprintf("relay-server-%s", uuid.NewString()[:8])
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		logger:         b.logger,
		window:         b.window,
		baseURL:        strings.TrimSuffix(b.baseURL, "/"),
		timeout:        b.timeout,
		headers:        headers,
		allowedOrigins: append([]string(nil), b.allowedOrigins...),
		serverID:       serverID,
		routes:         routes,
		httpClient:     httpClient,
		maxBody:        b.maxBody,
		metrics:        NewServerMetrics(b.metricsProvider),
		tracing:        b.tracingProvider,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}

	s.removeListener = b.window.AddListener(s.handleEvent)

	s.logger.Info("Relay server initialized",
		zap.String("server_id", s.serverID),
		zap.String("base_url", s.baseURL),
		zap.Duration("timeout", s.timeout),
		zap.Int("routes", len(s.routes)),
		zap.Strings("allowed_origins", s.allowedOrigins),
	)

	return s, nil
}
