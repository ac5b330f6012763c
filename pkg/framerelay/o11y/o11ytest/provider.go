// Package o11ytest provides a recording MetricsProvider for tests.
package o11ytest

import (
	"context"
	"sync"

	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
)

// Provider records every observation in memory.
type Provider struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	gauges     map[string]*Gauge
}

// NewProvider creates an empty recording provider.
func NewProvider() *Provider {
	return &Provider{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		gauges:     make(map[string]*Gauge),
	}
}

func (p *Provider) Counter(name string) o11y.Counter {
	return p.CounterNamed(name)
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	return p.HistogramNamed(name)
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	return p.GaugeNamed(name)
}

// CounterNamed returns the counter registered under name, creating it if
// needed.
func (p *Provider) CounterNamed(name string) *Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := &Counter{byLabel: make(map[string]int64)}
	p.counters[name] = c
	return c
}

// HistogramNamed returns the histogram registered under name, creating it
// if needed.
func (p *Provider) HistogramNamed(name string) *Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h := &Histogram{}
	p.histograms[name] = h
	return h
}

// GaugeNamed returns the gauge registered under name, creating it if needed.
func (p *Provider) GaugeNamed(name string) *Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	p.gauges[name] = g
	return g
}

// Counter sums every Add, in total and per label value.
type Counter struct {
	mu      sync.RWMutex
	value   int64
	byLabel map[string]int64
}

func (c *Counter) Add(_ context.Context, value int64, labels ...o11y.Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += value
	for _, l := range labels {
		c.byLabel[l.Key+"="+l.Value] += value
	}
}

// Value returns the total of all adds.
func (c *Counter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// ValueFor returns the total of adds carrying the label key=value.
func (c *Counter) ValueFor(key, value string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byLabel[key+"="+value]
}

// Histogram keeps every recorded value.
type Histogram struct {
	mu     sync.RWMutex
	values []float64
}

func (h *Histogram) Record(_ context.Context, value float64, _ ...o11y.Label) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, value)
}

// Values returns a copy of the recorded values.
func (h *Histogram) Values() []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]float64(nil), h.values...)
}

// Gauge keeps the last value set.
type Gauge struct {
	mu    sync.RWMutex
	value float64
	sets  int
}

func (g *Gauge) Set(_ context.Context, value float64, _ ...o11y.Label) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = value
	g.sets++
}

// Value returns the last value set.
func (g *Gauge) Value() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Sets returns how many times Set was called.
func (g *Gauge) Sets() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sets
}
