// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal            *prometheus.CounterVec
	bytesTotal            *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	rateLimitWaitSeconds  *prometheus.HistogramVec
	httpRequestsTotal     *prometheus.CounterVec
	httpDurationSeconds   *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge
	runsTotal             *prometheus.CounterVec
	embeddingsTotal       *prometheus.CounterVec
	duplicateUpsertsTotal prometheus.Counter
	hostPausesTotal       *prometheus.CounterVec

	once        sync.Once
	initialized atomic.Bool
)

// Init registers the Prometheus collectors. It is safe to call multiple
// times; observe helpers are no-ops until it runs.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"site"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_wait_seconds",
				Help:    "Histogram of per-host delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status API request latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a frontier entry.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of site runs, labeled by termination reason.",
			},
			[]string{"termination"},
		)

		embeddingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_embeddings_total",
				Help: "Total embedding tasks, labeled by outcome (embedded, deferred, failed).",
			},
			[]string{"outcome"},
		)

		duplicateUpsertsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_duplicate_documents_total",
				Help: "Documents dropped because another record already produced the same id this run.",
			},
		)

		hostPausesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_host_pauses_total",
				Help: "Cooldown pauses entered after consecutive host failures.",
			},
			[]string{"host"},
		)

		initialized.Store(true)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the per-site page counter for one outcome
// (indexed, skipped, failed, noindex) and accounts fetched bytes.
func ObservePage(site, outcome string, bytesFetched int) {
	if !initialized.Load() {
		return
	}
	pagesTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveFetchDuration records one fetch latency.
func ObserveFetchDuration(site string, duration time.Duration) {
	if !initialized.Load() {
		return
	}
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveRateLimitWait records the duration of a per-host delay wait.
func ObserveRateLimitWait(host string, duration time.Duration) {
	if !initialized.Load() {
		return
	}
	rateLimitWaitSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one status API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !initialized.Load() {
		return
	}
	httpRequestsTotal.WithLabelValues(method, httpCode(code)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun increments the run counter for the termination reason.
func ObserveRun(termination string) {
	if !initialized.Load() {
		return
	}
	runsTotal.WithLabelValues(termination).Inc()
}

// ObserveEmbeddings adds to the embedding outcome counter.
func ObserveEmbeddings(outcome string, count int) {
	if !initialized.Load() || count <= 0 {
		return
	}
	embeddingsTotal.WithLabelValues(outcome).Add(float64(count))
}

// ObserveDuplicateDocument counts a dropped same-id record.
func ObserveDuplicateDocument() {
	if !initialized.Load() {
		return
	}
	duplicateUpsertsTotal.Inc()
}

// ObserveHostPause counts a host cooldown.
func ObserveHostPause(host string) {
	if !initialized.Load() {
		return
	}
	hostPausesTotal.WithLabelValues(host).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if !initialized.Load() {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if !initialized.Load() {
		return
	}
	activeWorkers.Dec()
}

func httpCode(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
