package config

import (
	"context"

	"github.com/hashicorp/hcl/v2"
	"github.com/robfig/cron/v3"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

type ConfigBuilder struct {
	logger        *zap.Logger
	sources       []any
	blockHandlers map[string]BlockHandler
}

type Startable interface {
	Start() error
}

type Stoppable interface {
	Shutdown(ctx context.Context) error
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Startables []Startable
	Hosts      map[string]*RelayHost
	Clients    map[string]*RelayClientDefinition

	Crons   map[string]*cron.Cron
	reports map[string]*statusReport
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:        zap.NewNop(),
		sources:       make([]any, 0),
		blockHandlers: GetBlockHandlers(),
	}
}

func (c *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithSources adds files, directories, raw []byte bodies or an embed.FS.
func (c *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	c.sources = append(c.sources, sources...)
	return c
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	config := &Config{
		Logger:    cb.logger,
		Constants: make(map[string]cty.Value),
		Hosts:     make(map[string]*RelayHost),
		Clients:   make(map[string]*RelayClientDefinition),
		Crons:     make(map[string]*cron.Cron),
		reports:   make(map[string]*statusReport),
	}

	cb.blockHandlers = GetBlockHandlers()

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Functions = GetFunctions()

	blocks, addDiags := cb.GetBlocks(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	// Preprocess blocks

	for _, block := range blocks {
		if handler, ok := cb.blockHandlers[block.Type]; ok {
			diags = diags.Extend(handler.Preprocess(block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, handler := range cb.blockHandlers {
		diags = diags.Extend(handler.FinishPreprocessing(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	// Process blocks

	for _, block := range blocks {
		if handler, ok := cb.blockHandlers[block.Type]; ok {
			diags = diags.Extend(handler.Process(config, block))
		}
	}
	if diags.HasErrors() {
		_ = config.Shutdown(context.Background())
		return nil, diags
	}

	for _, handler := range cb.blockHandlers {
		diags = diags.Extend(handler.FinishProcessing(config))
	}
	if diags.HasErrors() {
		_ = config.Shutdown(context.Background())
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.Int("servers", len(config.Hosts)),
		zap.Int("clients", len(config.Clients)),
		zap.Int("status_reports", len(config.reports)),
	)

	return config, diags
}

// StartCrons starts every status report schedule.
func (c *Config) StartCrons() {
	for _, cronObj := range c.Crons {
		cronObj.Start()
	}
}

// Shutdown stops the crons and shuts down every startable that is also
// Stoppable. It returns the first error encountered.
func (c *Config) Shutdown(ctx context.Context) error {
	for _, cronObj := range c.Crons {
		<-cronObj.Stop().Done()
	}

	var firstErr error
	for _, startable := range c.Startables {
		stoppable, ok := startable.(Stoppable)
		if !ok {
			continue
		}
		if err := stoppable.Shutdown(ctx); err != nil {
			c.Logger.Warn("Shutdown failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
