// Package prom provides a Prometheus implementation of o11y.MetricsProvider.
//
// Prometheus needs label names up front while o11y instruments take labels
// per call. Each instrument therefore fixes its label names from the first
// observation; later observations fill missing labels with "" and drop
// labels that were not part of that first set.
package prom

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
)

// Provider registers instruments in its own prometheus.Registry.
type Provider struct {
	namespace string
	registry  *prometheus.Registry
	logger    *zap.Logger

	mu         sync.Mutex
	counters   map[string]*counter
	histograms map[string]*histogram
	gauges     map[string]*gauge
}

// NewProvider creates a provider whose metric names are prefixed with
// namespace.
func NewProvider(namespace string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		logger:     logger,
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
		gauges:     make(map[string]*gauge),
	}
}

// Registry exposes the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Provider) Counter(name string) o11y.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := &counter{provider: p, name: name}
	p.counters[name] = c
	return c
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h := &histogram{provider: p, name: name}
	p.histograms[name] = h
	return h
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := &gauge{provider: p, name: name}
	p.gauges[name] = g
	return g
}

func (p *Provider) register(c prometheus.Collector, name string) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("Failed to register metric", zap.String("name", name), zap.Error(err))
		return false
	}
	return true
}

func labelNames(labels []o11y.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Key)
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, labels []o11y.Label) prometheus.Labels {
	values := make(prometheus.Labels, len(names))
	for _, n := range names {
		values[n] = ""
	}
	for _, l := range labels {
		if _, ok := values[l.Key]; ok {
			values[l.Key] = l.Value
		}
	}
	return values
}

type counter struct {
	provider *Provider
	name     string

	once  sync.Once
	names []string
	vec   *prometheus.CounterVec
}

func (c *counter) Add(_ context.Context, value int64, labels ...o11y.Label) {
	c.once.Do(func() {
		c.names = labelNames(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.provider.namespace,
			Name:      c.name,
			Help:      c.name,
		}, c.names)
		if c.provider.register(vec, c.name) {
			c.vec = vec
		}
	})
	if c.vec != nil {
		c.vec.With(labelValues(c.names, labels)).Add(float64(value))
	}
}

type histogram struct {
	provider *Provider
	name     string

	once  sync.Once
	names []string
	vec   *prometheus.HistogramVec
}

func (h *histogram) Record(_ context.Context, value float64, labels ...o11y.Label) {
	h.once.Do(func() {
		h.names = labelNames(labels)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: h.provider.namespace,
			Name:      h.name,
			Help:      h.name,
			Buckets:   prometheus.DefBuckets,
		}, h.names)
		if h.provider.register(vec, h.name) {
			h.vec = vec
		}
	})
	if h.vec != nil {
		h.vec.With(labelValues(h.names, labels)).Observe(value)
	}
}

type gauge struct {
	provider *Provider
	name     string

	once  sync.Once
	names []string
	vec   *prometheus.GaugeVec
}

func (g *gauge) Set(_ context.Context, value float64, labels ...o11y.Label) {
	g.once.Do(func() {
		g.names = labelNames(labels)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: g.provider.namespace,
			Name:      g.name,
			Help:      g.name,
		}, g.names)
		if g.provider.register(vec, g.name) {
			g.vec = vec
		}
	})
	if g.vec != nil {
		g.vec.With(labelValues(g.names, labels)).Set(value)
	}
}
