package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y/otel"
	"github.com/tsarna/framerelay/pkg/framerelay/server"
	"github.com/tsarna/framerelay/pkg/framerelay/websockets"
	"go.uber.org/zap"
)

const (
	DefaultListen        = ":8080"
	DefaultWebSocketPath = "/relay"
)

type RelayServerDefinition struct {
	Name           string            `hcl:",label"`
	BaseURL        string            `hcl:"base_url"`
	Timeout        hcl.Expression    `hcl:"timeout,optional"`
	Headers        map[string]string `hcl:"headers,optional"`
	AllowedOrigins []string          `hcl:"allowed_origins,optional"`
	ServerID       string            `hcl:"server_id,optional"`
	Origin         string            `hcl:"origin,optional"`
	Listen         string            `hcl:"listen,optional"`
	Path           string            `hcl:"path,optional"`
	PingInterval   hcl.Expression    `hcl:"ping_interval,optional"`
	QueueSize      int               `hcl:"queue_size,optional"`
	MaxBody        int64             `hcl:"max_response_body,optional"`
	Disabled       bool              `hcl:"disabled,optional"`
	Tracing        bool              `hcl:"tracing,optional"`
	Routes         []RouteDefinition `hcl:"route,block"`
	DefRange       hcl.Range         `hcl:",def_range"`
}

type RouteDefinition struct {
	Pattern  string    `hcl:"pattern,label"`
	Method   string    `hcl:"method,optional"`
	Path     string    `hcl:"path"`
	Filter   string    `hcl:"filter,optional"`
	DefRange hcl.Range `hcl:",def_range"`
}

type RelayServerBlockHandler struct {
	BlockHandlerBase
}

func NewRelayServerBlockHandler() *RelayServerBlockHandler {
	return &RelayServerBlockHandler{}
}

func (h *RelayServerBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	serverDef := RelayServerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &serverDef)
	if diags.HasErrors() {
		return diags
	}

	serverDef.Name = block.Labels[0]

	if serverDef.Disabled {
		config.Logger.Info("Relay server disabled", zap.String("server", serverDef.Name))
		return diags
	}

	if existing, ok := config.Hosts[serverDef.Name]; ok {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Relay server already defined",
			Detail:   fmt.Sprintf("Relay server %s already defined at %s", serverDef.Name, existing.DefRange),
			Subject:  &serverDef.DefRange,
		})
	}

	if serverDef.Path == "" {
		serverDef.Path = DefaultWebSocketPath
	}
	if !strings.HasPrefix(serverDef.Path, "/") || serverDef.Path == "/status" || serverDef.Path == "/metrics" {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid path",
			Detail:   fmt.Sprintf("Invalid websocket path %q: must start with / and not collide with /status or /metrics", serverDef.Path),
			Subject:  &serverDef.DefRange,
		})
	}
	if serverDef.Listen == "" {
		serverDef.Listen = DefaultListen
	}
	if serverDef.Origin == "" {
		serverDef.Origin = "framerelay://" + serverDef.Name
	}

	builder, addDiags := config.ServerBuilder(&serverDef)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return diags
	}

	listenerConfig := websockets.NewListenerConfig().WithLogger(config.Logger)
	pingInterval, addDiags := config.optionalDuration(serverDef.PingInterval, websockets.DefaultPingInterval)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return diags
	}
	listenerConfig = listenerConfig.WithPingInterval(pingInterval)
	if serverDef.QueueSize > 0 {
		listenerConfig = listenerConfig.WithQueueSize(serverDef.QueueSize)
	}

	host, err := newRelayHost(config.Logger, &serverDef, builder, listenerConfig)
	if err != nil {
		return diags.Append(errorDiagnostic("Failed to create relay server", err, serverDef.DefRange))
	}

	config.Hosts[serverDef.Name] = host
	config.Startables = append(config.Startables, host)

	return diags
}

// ServerBuilder turns a definition into a relay server builder. The caller
// supplies the window.
func (c *Config) ServerBuilder(def *RelayServerDefinition) (*server.ServerBuilder, hcl.Diagnostics) {
	timeout, diags := c.optionalDuration(def.Timeout, framerelay.DefaultTimeout)
	if diags.HasErrors() {
		return nil, diags
	}

	builder := server.NewServer().
		WithLogger(c.Logger.With(zap.String("server", def.Name))).
		WithBaseURL(def.BaseURL).
		WithTimeout(timeout).
		WithHeaders(def.Headers).
		WithAllowedOrigins(def.AllowedOrigins...).
		WithServerID(def.ServerID)

	for _, route := range def.Routes {
		builder = builder.WithRoute(server.Route{
			Pattern: route.Pattern,
			Method:  route.Method,
			Path:    route.Path,
			Filter:  route.Filter,
		})
	}

	if def.MaxBody > 0 {
		builder = builder.WithMaxResponseBody(def.MaxBody)
	}
	if def.Tracing {
		builder = builder.WithTracingProvider(otel.NewProvider("framerelay", framerelay.Version))
	}

	return builder, diags
}
