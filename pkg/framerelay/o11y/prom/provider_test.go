package prom

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
)

func TestCounterLabels(t *testing.T) {
	p := NewProvider("relay", nil)
	ctx := context.Background()

	c := p.Counter("requests_total")
	assert.Same(t, c, p.Counter("requests_total"))

	c.Add(ctx, 2, o11y.Label{Key: "target", Value: "a"})
	c.Add(ctx, 3, o11y.Label{Key: "target", Value: "b"}, o11y.Label{Key: "ignored", Value: "x"})
	c.Add(ctx, 1)

	n, err := testutil.GatherAndCount(p.Registry(), "relay_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGaugeAndHistogram(t *testing.T) {
	p := NewProvider("relay", nil)
	ctx := context.Background()

	p.Gauge("in_flight").Set(ctx, 4)
	p.Gauge("in_flight").Set(ctx, 2)
	p.Histogram("duration_seconds").Record(ctx, 0.25, o11y.Label{Key: "outcome", Value: "ok"})

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "relay_in_flight 2")
	assert.Contains(t, string(body), `relay_duration_seconds_count{outcome="ok"} 1`)
}
