package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatusReportChangesOnly(t *testing.T) {
	setRelayEnv(t, "https://api.example.com")

	core, logs := observer.New(zapcore.InfoLevel)
	cfg, diags := NewConfig().WithSources(relayConfig).WithLogger(zap.New(core)).Build()
	require.False(t, diags.HasErrors(), diags.Error())
	defer cfg.Shutdown(t.Context())

	report := cfg.reports["minutely"]
	require.NotNil(t, report)

	report.Run()
	first := logs.FilterMessage("Relay server status").All()
	require.Len(t, first, 1)
	assert.Equal(t, "minutely", first[0].ContextMap()["report"])
	assert.Equal(t, "main", first[0].ContextMap()["server"])

	report.Run()
	assert.Equal(t, 1, logs.FilterMessage("Relay server status").Len())
	assert.Equal(t, 0, logs.FilterMessage("Relay server status changed").Len())

	cfg.Hosts["main"].Relay.Dispose()
	report.Run()
	changed := logs.FilterMessage("Relay server status changed").All()
	require.Len(t, changed, 1)
	assert.Contains(t, changed[0].ContextMap(), "changes")
}

func TestStatusReportAllServers(t *testing.T) {
	config := []byte(`
relay_server "b" {
  base_url = "https://b.example.com"
  listen   = ":0"
}

relay_server "a" {
  base_url = "https://a.example.com"
  listen   = ":0"
}

status_report "all" {
  schedule = "*/30 * * * * *"
  level    = "warn"
}
`)

	core, logs := observer.New(zapcore.InfoLevel)
	cfg, diags := NewConfig().WithSources(config).WithLogger(zap.New(core)).Build()
	require.False(t, diags.HasErrors(), diags.Error())
	defer cfg.Shutdown(t.Context())

	cfg.reports["all"].Run()
	cfg.reports["all"].Run()

	entries := logs.FilterMessage("Relay server status").All()
	require.Len(t, entries, 4)
	assert.Equal(t, "a", entries[0].ContextMap()["server"])
	assert.Equal(t, "b", entries[1].ContextMap()["server"])
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestZapCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapCronLogger(zap.New(core))

	logger.Info("schedule", "entry", 1, "next", "soon", "dangling")
	logger.Error(errors.New("boom"), "job failed", "entry", 2)

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, map[string]any{"entry": int64(1), "next": "soon"}, entries[0].ContextMap())

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, int64(2), entries[1].ContextMap()["entry"])
}
