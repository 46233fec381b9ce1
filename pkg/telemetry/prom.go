package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMeter implements Meter by lazily registering Prometheus
// collectors per metric name the first time they're observed. It is the
// Meter wired into the admin HTTP server's /metrics endpoint.
type PromMeter struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromMeter builds a PromMeter registered against reg.
func NewPromMeter(reg *prometheus.Registry) *PromMeter {
	return &PromMeter{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(l Labels) []string {
	if len(l) == 0 {
		return nil
	}
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	return names
}

func (m *PromMeter) IncCounter(_ context.Context, name string, delta int64, labels Labels) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		m.reg.MustRegister(c)
		m.counters[name] = c
	}
	c.With(prometheus.Labels(labels)).Add(float64(delta))
	return nil
}

func (m *PromMeter) SetGauge(_ context.Context, name string, value float64, labels Labels) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		m.reg.MustRegister(g)
		m.gauges[name] = g
	}
	g.With(prometheus.Labels(labels)).Set(value)
	return nil
}

func (m *PromMeter) ObserveHistogram(_ context.Context, name string, value float64, buckets []float64, labels Labels) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: buckets}, labelNames(labels))
		m.reg.MustRegister(h)
		m.histograms[name] = h
	}
	h.With(prometheus.Labels(labels)).Observe(value)
	return nil
}
