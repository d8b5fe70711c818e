// Package metrics exposes the bridge's Prometheus instrumentation: verdict
// action counts, scan latency, and protocol error counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus collectors. Create exactly one per
// process with New and register it against the default registry before
// serving Handler.
type Metrics struct {
	VerdictActions *prometheus.CounterVec
	ScanDuration   *prometheus.HistogramVec
	ProtocolErrors prometheus.Counter
}

// New creates the bridge's collectors and registers them with
// prometheus.DefaultRegisterer. Calling New more than once per process
// panics on duplicate registration.
func New() *Metrics {
	m := &Metrics{
		VerdictActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmilter_verdict_actions_total",
			Help: "Count of scanner verdict actions applied, by action name.",
		}, []string{"action"}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanmilter_scan_duration_seconds",
			Help:    "Latency of scanner HTTP calls, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanmilter_protocol_errors_total",
			Help: "Count of milter protocol errors that terminated a session.",
		}),
	}
	prometheus.MustRegister(m.VerdictActions, m.ScanDuration, m.ProtocolErrors)
	return m
}

// ObserveVerdict records that action was applied to a message.
func (m *Metrics) ObserveVerdict(action string) {
	m.VerdictActions.WithLabelValues(action).Inc()
}

// ObserveScan records the duration of a scanner HTTP call. outcome is a
// short label such as "ok" or "error".
func (m *Metrics) ObserveScan(d time.Duration, outcome string) {
	m.ScanDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveProtocolError records a session terminated by a milter protocol error.
func (m *Metrics) ObserveProtocolError() {
	m.ProtocolErrors.Inc()
}

// Handler returns the HTTP handler to serve at /metrics, instrumented the
// same way the handler itself is measured.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	)
}
