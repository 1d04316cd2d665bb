// Package metrics exposes Prometheus collectors for the SIM query gateway.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queriesTotal         *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec
	loginAttemptsTotal   *prometheus.CounterVec
	cacheEntries         prometheus.Gauge
	admissionQueueDepth  prometheus.Gauge
	httpRequestsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		queriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simgate_queries_total",
				Help: "Total SIM queries processed, labeled by outcome classification.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "simgate_fetch_duration_seconds",
				Help:    "Duration of successful fetches against the CRM, labeled by fetch mode.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90},
			},
			[]string{"mode"},
		)

		loginAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simgate_login_attempts_total",
				Help: "Login flows run against the CRM, labeled by result.",
			},
			[]string{"result"},
		)

		cacheEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "simgate_result_cache_entries",
				Help: "Current number of entries in the result cache.",
			},
		)

		admissionQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "simgate_admission_queue_depth",
				Help: "Queries waiting for the single automation slot.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simgate_http_requests_total",
				Help: "Inbound HTTP requests, labeled by method and status code.",
			},
			[]string{"method", "code"},
		)
	})
}

// CountQuery records a finished query with its outcome classification.
func CountQuery(outcome string) {
	if queriesTotal != nil {
		queriesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveFetch records the duration of a successful fetch in the given mode.
func ObserveFetch(mode string, d time.Duration) {
	if fetchDurationSeconds != nil {
		fetchDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// CountLogin records a finished login flow ("ok" or "failed").
func CountLogin(result string) {
	if loginAttemptsTotal != nil {
		loginAttemptsTotal.WithLabelValues(result).Inc()
	}
}

// SetCacheSize publishes the current result cache size.
func SetCacheSize(n int) {
	if cacheEntries != nil {
		cacheEntries.Set(float64(n))
	}
}

// SetQueueDepth publishes the current admission queue depth.
func SetQueueDepth(n int) {
	if admissionQueueDepth != nil {
		admissionQueueDepth.Set(float64(n))
	}
}

// CountHTTPRequest records one inbound HTTP request.
func CountHTTPRequest(method, code string) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, code).Inc()
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
