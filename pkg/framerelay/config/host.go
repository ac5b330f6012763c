package config

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y/prom"
	"github.com/tsarna/framerelay/pkg/framerelay/server"
	"github.com/tsarna/framerelay/pkg/framerelay/websockets"
	"go.uber.org/zap"
)

// RelayHost serves one relay server over HTTP: the WebSocket relay endpoint,
// a JSON status page and Prometheus metrics.
type RelayHost struct {
	Name     string
	DefRange hcl.Range
	Listen   string
	Path     string

	Relay    *server.Server
	Listener *websockets.Listener
	Metrics  *prom.Provider

	window  *channel.LocalWindow
	server  *http.Server
	handler http.Handler
	logger  *zap.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

func newRelayHost(logger *zap.Logger, def *RelayServerDefinition, builder *server.ServerBuilder, listenerConfig *websockets.ListenerConfig) (*RelayHost, error) {
	logger = logger.With(zap.String("server", def.Name))
	metrics := prom.NewProvider("framerelay", logger)

	window := channel.NewLocalWindow(def.Origin).WithLogger(logger)

	relay, err := builder.WithWindow(window).WithMetricsProvider(metrics).Build()
	if err != nil {
		window.Close()
		return nil, err
	}

	listener, err := listenerConfig.WithWindow(window).WithMetricsProvider(metrics).Build()
	if err != nil {
		relay.Dispose()
		window.Close()
		return nil, err
	}

	h := &RelayHost{
		Name:     def.Name,
		DefRange: def.DefRange,
		Listen:   def.Listen,
		Path:     def.Path,
		Relay:    relay,
		Listener: listener,
		Metrics:  metrics,
		window:   window,
		logger:   logger,
	}
	h.handler = h.routes(def.AllowedOrigins)
	h.server = &http.Server{
		Addr:              def.Listen,
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h, nil
}

func (h *RelayHost) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(h.logRequests)

	r.Get(h.Path, h.Listener.ServeWebsocket)
	r.Get("/status", h.serveStatus)
	r.Handle("/metrics", h.Metrics.Handler())

	return r
}

func (h *RelayHost) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debug("Request", zap.String("method", r.Method), zap.String("url", r.URL.String()),
			zap.String("remote_addr", r.RemoteAddr))
		next.ServeHTTP(w, r)
	})
}

func (h *RelayHost) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Status()); err != nil {
		h.logger.Warn("Failed to write status", zap.Error(err))
	}
}

// HostStatus is the relay server status plus carrier state.
type HostStatus struct {
	server.Status
	Name        string `json:"name"`
	Listen      string `json:"listen"`
	Connections int    `json:"connections"`
}

func (h *RelayHost) Status() HostStatus {
	return HostStatus{
		Status:      h.Relay.Status(),
		Name:        h.Name,
		Listen:      h.Listen,
		Connections: h.Listener.ConnectionCount(),
	}
}

// Handler returns the host's HTTP handler, for mounting under a test server
// or another router.
func (h *RelayHost) Handler() http.Handler {
	return h.handler
}

// Start serves until Shutdown is called.
func (h *RelayHost) Start() error {
	h.logger.Info("Relay host listening", zap.String("listen", h.Listen), zap.String("path", h.Path))

	err := h.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes open relay sockets and
// disposes the relay server. It is safe to call more than once.
func (h *RelayHost) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		serverErr := h.server.Shutdown(ctx)
		listenerErr := h.Listener.Shutdown(ctx)
		h.Relay.Dispose()
		h.window.Close()
		h.shutdownErr = errors.Join(serverErr, listenerErr)
	})
	return h.shutdownErr
}
