package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for imgdispatch.
type Collector struct {
	registry *prometheus.Registry

	InvocationsTotal         *prometheus.CounterVec
	InvocationDuration       *prometheus.HistogramVec
	InvocationsInFlight      *prometheus.GaugeVec
	CapturedLinesTotal       *prometheus.CounterVec
	AdmissionWaitDuration    *prometheus.HistogramVec
	RateLimitRejectionsTotal prometheus.Counter
}

// New creates the metrics on a private registry, together with the Go
// runtime and process collectors.
func New() *Collector {
	m := &Collector{
		registry: prometheus.NewRegistry(),
		InvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgdispatch_invocations_total",
				Help: "Total number of executable invocations by route and outcome.",
			},
			[]string{"route", "status", "failure"},
		),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imgdispatch_invocation_duration_seconds",
				Help:    "Wall-clock duration of executable invocations in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"route"},
		),
		InvocationsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imgdispatch_invocations_in_flight",
				Help: "Number of child processes currently running per route.",
			},
			[]string{"route"},
		),
		CapturedLinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgdispatch_captured_lines_total",
				Help: "Total number of stdout lines captured from executables.",
			},
			[]string{"route"},
		),
		AdmissionWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imgdispatch_admission_wait_seconds",
				Help:    "Time spent waiting for a per-executable concurrency slot.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "imgdispatch_ratelimit_rejections_total",
				Help: "Total number of requests rejected by rate limiting.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.InvocationsTotal,
		m.InvocationDuration,
		m.InvocationsInFlight,
		m.CapturedLinesTotal,
		m.AdmissionWaitDuration,
		m.RateLimitRejectionsTotal,
	)

	return m
}

// ObserveInvocation records the outcome of one finished invocation.
func (m *Collector) ObserveInvocation(route, status, failure string, d time.Duration, lines int) {
	m.InvocationsTotal.WithLabelValues(route, status, failure).Inc()
	m.InvocationDuration.WithLabelValues(route).Observe(d.Seconds())
	m.CapturedLinesTotal.WithLabelValues(route).Add(float64(lines))
}

// IncInFlight marks a child process of route as running.
func (m *Collector) IncInFlight(route string) {
	m.InvocationsInFlight.WithLabelValues(route).Inc()
}

// DecInFlight marks a child process of route as finished.
func (m *Collector) DecInFlight(route string) {
	m.InvocationsInFlight.WithLabelValues(route).Dec()
}

// ObserveAdmissionWait records how long a request queued for a slot.
func (m *Collector) ObserveAdmissionWait(route string, d time.Duration) {
	m.AdmissionWaitDuration.WithLabelValues(route).Observe(d.Seconds())
}

// IncRateLimitRejectionsTotal increments the rate limit rejection counter.
func (m *Collector) IncRateLimitRejectionsTotal() {
	m.RateLimitRejectionsTotal.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Collector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the metrics.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
