package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/robfig/cron/v3"
	"github.com/tsarna/go-structdiff"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type StatusReportDefinition struct {
	Name        string    `hcl:",label"`
	Schedule    string    `hcl:"schedule"`
	Timezone    string    `hcl:"timezone,optional"`
	Servers     []string  `hcl:"servers,optional"`
	ChangesOnly bool      `hcl:"changes_only,optional"`
	Level       string    `hcl:"level,optional"`
	DefRange    hcl.Range `hcl:",def_range"`
}

type StatusReportBlockHandler struct {
	BlockHandlerBase
}

func NewStatusReportBlockHandler() *StatusReportBlockHandler {
	return &StatusReportBlockHandler{}
}

func (h *StatusReportBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	reportDef := StatusReportDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &reportDef)
	if diags.HasErrors() {
		return diags
	}

	reportDef.Name = block.Labels[0]

	if existing, ok := config.reports[reportDef.Name]; ok {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Status report already defined",
			Detail:   fmt.Sprintf("Status report %s already defined at %s", reportDef.Name, existing.defRange),
			Subject:  &reportDef.DefRange,
		})
	}

	level := zapcore.InfoLevel
	if reportDef.Level != "" {
		parsed, err := zapcore.ParseLevel(reportDef.Level)
		if err != nil {
			return diags.Append(errorDiagnostic("Invalid log level", err, reportDef.DefRange))
		}
		level = parsed
	}

	if reportDef.Timezone == "" {
		reportDef.Timezone = "Local"
	}
	location, err := time.LoadLocation(reportDef.Timezone)
	if err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid timezone",
			Detail:   fmt.Sprintf("Invalid timezone: %s", reportDef.Timezone),
			Subject:  &reportDef.DefRange,
		})
	}

	report := &statusReport{
		name:        reportDef.Name,
		config:      config,
		servers:     reportDef.Servers,
		changesOnly: reportDef.ChangesOnly,
		level:       level,
		defRange:    reportDef.DefRange,
		last:        make(map[string]map[string]any),
	}

	cronParser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	cronObj := cron.New(
		cron.WithLogger(NewZapCronLogger(config.Logger)),
		cron.WithParser(cronParser),
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(NewZapCronLogger(config.Logger))),
	)

	if _, err := cronObj.AddJob(reportDef.Schedule, report); err != nil {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid schedule",
			Detail:   fmt.Sprintf("Invalid schedule %q: %s", reportDef.Schedule, err),
			Subject:  &reportDef.DefRange,
		})
	}

	config.reports[reportDef.Name] = report
	config.Crons[reportDef.Name] = cronObj

	return diags
}

// FinishProcessing checks that every named server exists. Reports without a
// server list cover all servers.
func (h *StatusReportBlockHandler) FinishProcessing(config *Config) hcl.Diagnostics {
	var diags hcl.Diagnostics

	for _, report := range config.reports {
		for _, name := range report.servers {
			if _, ok := config.Hosts[name]; !ok {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Unknown relay server",
					Detail:   fmt.Sprintf("Status report %s refers to undefined relay server %s", report.name, name),
					Subject:  &report.defRange,
				})
			}
		}
	}

	return diags
}

type statusReport struct {
	name        string
	config      *Config
	servers     []string
	changesOnly bool
	level       zapcore.Level
	defRange    hcl.Range

	// last is only touched from Run, which the cron chain never overlaps.
	last map[string]map[string]any
}

func (r *statusReport) serverNames() []string {
	if len(r.servers) > 0 {
		return r.servers
	}

	names := make([]string, 0, len(r.config.Hosts))
	for name := range r.config.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *statusReport) Run() {
	logger := r.config.Logger.With(zap.String("report", r.name))

	for _, name := range r.serverNames() {
		host, ok := r.config.Hosts[name]
		if !ok {
			continue
		}

		current, err := statusMap(host.Status())
		if err != nil {
			logger.Error("Failed to snapshot status", zap.String("server", name), zap.Error(err))
			continue
		}

		if !r.changesOnly {
			logger.Log(r.level, "Relay server status", zap.String("server", name), zap.Any("status", current))
			continue
		}

		// uptime changes on every run
		delete(current, "uptime")

		previous, seen := r.last[name]
		r.last[name] = current
		if !seen {
			logger.Log(r.level, "Relay server status", zap.String("server", name), zap.Any("status", current))
			continue
		}

		delta, err := structdiff.Diff(previous, current)
		if err != nil {
			logger.Error("Failed to diff status", zap.String("server", name), zap.Error(err))
			continue
		}
		if isEmptyDiff(delta) {
			continue
		}

		logger.Log(r.level, "Relay server status changed", zap.String("server", name), zap.Any("changes", delta))
	}
}

func statusMap(status HostStatus) (map[string]any, error) {
	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isEmptyDiff(delta any) bool {
	if delta == nil {
		return true
	}
	m, ok := delta.(map[string]any)
	return ok && len(m) == 0
}

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs cron's routine chatter at debug level.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
