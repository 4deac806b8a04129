package router

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is the global counter set. Cheap relaxed atomics only; cross-counter
// consistency is not promised, per-counter monotonicity is.
type Stats struct {
	StartedAtMS int64

	RequestsTotal    atomic.Int64
	RequestsInflight atomic.Int64

	UpstreamSelectedTotal atomic.Int64

	Responses2xx atomic.Int64
	Responses3xx atomic.Int64
	Responses4xx atomic.Int64
	Responses5xx atomic.Int64

	ErrorsTimeout atomic.Int64
	ErrorsNetwork atomic.Int64

	latencyNSTotal atomic.Int64
	latencyCount   atomic.Int64
	latencyNSMax   atomic.Int64
}

func NewStats() *Stats {
	return &Stats{StartedAtMS: time.Now().UnixMilli()}
}

func (s *Stats) RecordLatency(d time.Duration) {
	ns := d.Nanoseconds()
	s.latencyNSTotal.Add(ns)
	s.latencyCount.Add(1)
	for {
		cur := s.latencyNSMax.Load()
		if ns <= cur || s.latencyNSMax.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func (s *Stats) LatencySnapshot() (avgMS float64, maxMS int64) {
	count := s.latencyCount.Load()
	if count > 0 {
		avgMS = float64(s.latencyNSTotal.Load()) / float64(count) / 1e6
	}
	return avgMS, s.latencyNSMax.Load() / 1e6
}

// UpstreamStats tallies one upstream's outcomes.
type UpstreamStats struct {
	SelectedTotal atomic.Int64
	Responses2xx  atomic.Int64
	Responses3xx  atomic.Int64
	Responses4xx  atomic.Int64
	Responses5xx  atomic.Int64
	ErrorsTimeout atomic.Int64
	ErrorsNetwork atomic.Int64
}

func (s *UpstreamStats) incStatus(status int) {
	switch {
	case status >= 200 && status < 300:
		s.Responses2xx.Add(1)
	case status >= 300 && status < 400:
		s.Responses3xx.Add(1)
	case status >= 400 && status < 500:
		s.Responses4xx.Add(1)
	case status >= 500:
		s.Responses5xx.Add(1)
	}
}

// Metrics mirrors the core counters into a Prometheus registry so the admin
// surface can expose them in exposition format.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     prometheus.Counter
	requestsInflight  prometheus.Gauge
	upstreamResponses *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	requestLatency    prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "keygate_requests_total",
			Help: "Total proxy requests accepted.",
		}),
		requestsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "keygate_requests_inflight",
			Help: "Proxy requests currently in flight.",
		}),
		upstreamResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_upstream_responses_total",
			Help: "Upstream responses by upstream id and status class.",
		}, []string{"upstream", "class"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_upstream_errors_total",
			Help: "Upstream transport errors by upstream id and kind.",
		}, []string{"upstream", "kind"}),
		requestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "keygate_request_duration_seconds",
			Help:    "End-to-end proxy request latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RequestStarted and RequestFinished bracket one inbound proxy request.
func (m *Metrics) RequestStarted() {
	m.requestsTotal.Inc()
	m.requestsInflight.Inc()
}

func (m *Metrics) RequestFinished(d time.Duration) {
	m.requestsInflight.Dec()
	m.requestLatency.Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
