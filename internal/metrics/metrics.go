// Package metrics exposes Prometheus collectors for the collection engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes recorded per provider call.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

var (
	fetchCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_provider_calls_total",
			Help: "Provider calls labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_provider_call_duration_seconds",
			Help:    "Provider call latency labeled by provider.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	urlOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_url_outcomes_total",
			Help: "Final per-dispatch URL outcomes labeled by status.",
		},
		[]string{"status"},
	)

	archiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_archive_writes_total",
			Help: "Archive object writes labeled by object kind and result.",
		},
		[]string{"kind", "result"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_active_workers",
			Help: "Number of workers currently dispatching a URL.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_host_spacing_delay_seconds",
			Help:    "Time spent waiting for per-host spacing.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_http_requests_total",
			Help: "Status server requests labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_http_request_duration_seconds",
			Help:    "Status server latency labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProviderCall records one provider call.
func ObserveProviderCall(provider, outcome string, duration time.Duration) {
	fetchCallsTotal.WithLabelValues(provider, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveURLOutcome records the status a dispatch ended in.
func ObserveURLOutcome(status string) {
	urlOutcomesTotal.WithLabelValues(status).Inc()
}

// ObserveArchiveWrite records an archive put for kind ("html" or "metadata").
func ObserveArchiveWrite(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	archiveWritesTotal.WithLabelValues(kind, result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a host spacing wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
