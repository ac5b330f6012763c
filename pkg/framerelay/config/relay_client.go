package config

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/client"
	"github.com/tsarna/framerelay/pkg/framerelay/message"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
	"github.com/tsarna/framerelay/pkg/framerelay/websockets"
	"github.com/tsarna/go2cty2go"
	"go.uber.org/zap"
)

const DefaultDialTimeout = 10 * time.Second

type RelayClientDefinition struct {
	Name            string            `hcl:",label"`
	URL             string            `hcl:"url"`
	Origin          string            `hcl:"origin,optional"`
	Endpoints       map[string]string `hcl:"endpoints"`
	TargetOrigin    string            `hcl:"target_origin,optional"`
	MaxRetries      *int              `hcl:"max_retries,optional"`
	Debug           bool              `hcl:"debug,optional"`
	Headers         map[string]string `hcl:"headers,optional"`
	TimeoutExpr     hcl.Expression    `hcl:"timeout,optional"`
	RetryDelayExpr  hcl.Expression    `hcl:"retry_delay,optional"`
	DialTimeoutExpr hcl.Expression    `hcl:"dial_timeout,optional"`
	ParamsExpr      hcl.Expression    `hcl:"params,optional"`
	DefRange        hcl.Range         `hcl:",def_range"`

	Timeout     time.Duration
	RetryDelay  time.Duration
	DialTimeout time.Duration

	// Params are merged under the params of every request made through
	// NewRequest.
	Params map[string]any
}

type RelayClientBlockHandler struct {
	BlockHandlerBase
}

func NewRelayClientBlockHandler() *RelayClientBlockHandler {
	return &RelayClientBlockHandler{}
}

func (h *RelayClientBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	clientDef := &RelayClientDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, clientDef)
	if diags.HasErrors() {
		return diags
	}

	clientDef.Name = block.Labels[0]

	if existing, ok := config.Clients[clientDef.Name]; ok {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Relay client already defined",
			Detail:   fmt.Sprintf("Relay client %s already defined at %s", clientDef.Name, existing.DefRange),
			Subject:  &clientDef.DefRange,
		})
	}

	if len(clientDef.Endpoints) == 0 {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing endpoints",
			Detail:   fmt.Sprintf("Relay client %s must map at least one method to a target", clientDef.Name),
			Subject:  &clientDef.DefRange,
		})
	}

	if clientDef.MaxRetries != nil && *clientDef.MaxRetries < 0 {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid max_retries",
			Detail:   "max_retries must not be negative",
			Subject:  &clientDef.DefRange,
		})
	}

	var addDiags hcl.Diagnostics
	clientDef.Timeout, addDiags = config.optionalDuration(clientDef.TimeoutExpr, framerelay.DefaultTimeout)
	diags = diags.Extend(addDiags)
	clientDef.RetryDelay, addDiags = config.optionalDuration(clientDef.RetryDelayExpr, framerelay.DefaultRetryDelay)
	diags = diags.Extend(addDiags)
	clientDef.DialTimeout, addDiags = config.optionalDuration(clientDef.DialTimeoutExpr, DefaultDialTimeout)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return diags
	}

	if IsExpressionProvided(clientDef.ParamsExpr) {
		value, evalDiags := clientDef.ParamsExpr.Value(config.evalCtx)
		diags = diags.Extend(evalDiags)
		if diags.HasErrors() {
			return diags
		}

		params, err := go2cty2go.CtyToAny(value)
		if err != nil {
			return diags.Append(errorDiagnostic("Invalid params", err, clientDef.ParamsExpr.Range()))
		}
		paramsMap, ok := params.(map[string]any)
		if !ok {
			return diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid params",
				Detail:   fmt.Sprintf("params must be an object, got %s", value.Type().FriendlyName()),
				Subject:  clientDef.ParamsExpr.Range().Ptr(),
			})
		}
		clientDef.Params = paramsMap
	}

	config.Clients[clientDef.Name] = clientDef

	return diags
}

// Dialer builds a WebSocket dialer for the client's server URL.
func (d *RelayClientDefinition) Dialer(logger *zap.Logger, metrics o11y.MetricsProvider) (*websockets.Dialer, error) {
	return websockets.NewDialer().
		WithURL(d.URL).
		WithOrigin(d.Origin).
		WithLogger(logger).
		WithDialTimeout(d.DialTimeout).
		WithMetricsProvider(metrics).
		Build()
}

// ClientBuilder returns a relay client builder configured from the
// definition. The caller supplies the window.
func (d *RelayClientDefinition) ClientBuilder(logger *zap.Logger) *client.ClientBuilder {
	builder := client.NewClient().
		WithLogger(logger).
		WithEndpoints(d.Endpoints).
		WithTimeout(d.Timeout).
		WithRetryDelay(d.RetryDelay).
		WithDebug(d.Debug).
		WithTargetOrigin(d.TargetOrigin)

	if d.MaxRetries != nil {
		builder = builder.WithMaxRetries(*d.MaxRetries)
	}

	return builder
}

// NewRequest builds a request for method, layering params over the
// definition's default params and adding its headers.
func (d *RelayClientDefinition) NewRequest(method, userID, communityID string, params any) client.Request {
	req := client.Request{
		Method:      method,
		UserID:      userID,
		CommunityID: communityID,
		Params:      params,
	}

	if len(d.Params) > 0 {
		merged := make(map[string]any, len(d.Params))
		for k, v := range d.Params {
			merged[k] = v
		}
		switch p := params.(type) {
		case nil:
			req.Params = merged
		case map[string]any:
			for k, v := range p {
				merged[k] = v
			}
			req.Params = merged
		}
	}

	if len(d.Headers) > 0 {
		req.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			req.Headers[k] = v
		}
	}

	return req
}

// Session is a connected, handshaken relay client.
type Session struct {
	Client   *client.Client
	Conn     *websockets.ClientConn
	ServerID string
}

// Connect dials the server, builds a client bound to the connection and
// performs the handshake.
func (d *RelayClientDefinition) Connect(ctx context.Context, logger *zap.Logger, metrics o11y.MetricsProvider) (*Session, error) {
	dialer, err := d.Dialer(logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("relay client %s: %w", d.Name, err)
	}

	conn, err := dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay client %s: %w", d.Name, err)
	}

	c, err := d.ClientBuilder(logger).
		WithWindow(conn.Window()).
		WithMetricsProvider(metrics).
		Build()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay client %s: %w", d.Name, err)
	}
	c.BindTarget(conn)

	serverID, err := c.Handshake(ctx, message.InitConfig{Timeout: d.Timeout.Milliseconds()})
	if err != nil {
		c.Dispose()
		_ = conn.Close()
		return nil, fmt.Errorf("relay client %s: handshake failed: %w", d.Name, err)
	}

	logger.Debug("Relay session established", zap.String("client", d.Name), zap.String("server_id", serverID))

	return &Session{Client: c, Conn: conn, ServerID: serverID}, nil
}

// Close disposes the client and closes the connection.
func (s *Session) Close() error {
	s.Client.Dispose()
	return s.Conn.Close()
}
