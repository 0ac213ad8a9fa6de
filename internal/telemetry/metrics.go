// Package telemetry holds the Prometheus collectors.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dailycast"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Outcomes           *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	ConfigFallbacks    prometheus.Counter
	ContentFallbacks   prometheus.Counter
	PersistenceErrors  prometheus.Counter
	TickDuration       prometheus.Histogram
	TicksSkipped       prometheus.Counter
	Tenants            prometheus.Gauge
	HTTPRequestLatency *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "cycles_total",
			Help: "Per-tenant dispatch cycles by outcome.",
		}, []string{"outcome"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "delivery_failures_total",
			Help: "Failed deliveries by platform and kind.",
		}, []string{"platform", "kind"}),
		ConfigFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "config_fallbacks_total",
			Help: "Evaluations that substituted schedule defaults.",
		}),
		ContentFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "content_fallbacks_total",
			Help: "Sends that used fallback text.",
		}),
		PersistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "persistence_errors_total",
			Help: "Last-sent writes that failed to reach the backend.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tick", Name: "duration_seconds",
			Help:    "Wall time of one tick fan-out.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tick", Name: "skipped_total",
			Help: "Ticks skipped because the previous one was still running.",
		}),
		Tenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tick", Name: "tenants",
			Help: "Tenants evaluated in the last tick.",
		}),
		HTTPRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// NewMetricsRegistry creates a registry with the Go/process collectors and m.
func NewMetricsRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if m != nil {
		reg.MustRegister(
			m.Outcomes, m.DeliveryFailures, m.ConfigFallbacks, m.ContentFallbacks,
			m.PersistenceErrors, m.TickDuration, m.TicksSkipped, m.Tenants, m.HTTPRequestLatency,
		)
	}
	return reg
}

func (m *Metrics) Outcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) DeliveryFailure(platform, kind string) {
	if m != nil {
		m.DeliveryFailures.WithLabelValues(platform, kind).Inc()
	}
}

func (m *Metrics) ConfigFallback() {
	if m != nil {
		m.ConfigFallbacks.Inc()
	}
}

func (m *Metrics) ContentFallback() {
	if m != nil {
		m.ContentFallbacks.Inc()
	}
}

func (m *Metrics) PersistenceError() {
	if m != nil {
		m.PersistenceErrors.Inc()
	}
}

func (m *Metrics) TickDone(d time.Duration, tenants int) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
		m.Tenants.Set(float64(tenants))
	}
}

func (m *Metrics) TickSkipped() {
	if m != nil {
		m.TicksSkipped.Inc()
	}
}

func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m != nil {
		m.HTTPRequestLatency.WithLabelValues(method, path, status).Observe(d.Seconds())
	}
}
