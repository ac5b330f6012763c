package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
)

func TestProviderImplementsInterfaces(t *testing.T) {
	var _ o11y.MetricsProvider = (*Provider)(nil)
	var _ o11y.TracingProvider = (*Provider)(nil)
}

func TestProviderRecordsWithoutSDK(t *testing.T) {
	p := NewProvider("framerelay-test", "0.0.0")
	ctx := context.Background()

	p.Counter("requests_total").Add(ctx, 1, o11y.Label{Key: "target", Value: "community/get"})
	p.Histogram("request_duration_seconds").Record(ctx, 0.25)

	spanCtx, span := o11y.StartSpan(ctx, p, "relay.request")
	require.NotNil(t, spanCtx)
	span.SetAttributes(o11y.Label{Key: "correlation_id", Value: "relay_1_abc"})
	span.SetStatus(o11y.SpanStatusError, "backend failed")
	span.End()
}

func TestGaugeTracksLastValuePerLabelSet(t *testing.T) {
	p := NewProvider("framerelay-test", "0.0.0")
	g := p.Gauge("in_flight").(*otelGauge)
	ctx := context.Background()

	g.Set(ctx, 3)
	g.Set(ctx, 1)
	g.Set(ctx, 5, o11y.Label{Key: "server", Value: "main"})

	assert.Equal(t, 1.0, g.last[""])
	assert.Equal(t, 5.0, g.last["server=main;"])
}
