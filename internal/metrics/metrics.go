// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestAttemptsTotal     *prometheus.CounterVec
	requestDurationSeconds   *prometheus.HistogramVec
	requestResetCyclesTotal  *prometheus.CounterVec
	requestExhaustedTotal    *prometheus.CounterVec
	chunksTotal              *prometheus.CounterVec
	itemsExtractedTotal      prometheus.Counter
	itemsSavedTotal          prometheus.Counter
	flushesTotal             *prometheus.CounterVec
	failureSignalsTotal      *prometheus.CounterVec
	activeWorkers            prometheus.Gauge
	rateLimitDelaysSeconds   *prometheus.HistogramVec
	relayDroppedRecordsTotal prometheus.Counter
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_request_attempts_total",
				Help: "HTTP attempts issued by request engines, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)
		requestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_request_duration_seconds",
				Help:    "Latency of single HTTP attempts, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		requestResetCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_request_reset_cycles_total",
				Help: "Reset cycles (sleep and identity regeneration), labeled by host.",
			},
			[]string{"host"},
		)
		requestExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_request_exhausted_total",
				Help: "Logical requests that failed every attempt, labeled by host.",
			},
			[]string{"host"},
		)
		chunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_chunks_total",
				Help: "Chunks processed by the worker pool, labeled by status.",
			},
			[]string{"status"},
		)
		itemsExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvest_items_extracted_total",
			Help: "Items returned by site extractors.",
		})
		itemsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvest_items_saved_total",
			Help: "Items persisted to the sink.",
		})
		flushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_flushes_total",
				Help: "Sink flushes, labeled by status.",
			},
			[]string{"status"},
		)
		failureSignalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_failure_signals_total",
				Help: "Failure signals received from workers, labeled by kind.",
			},
			[]string{"kind"},
		)
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_active_workers",
			Help: "Number of pool workers currently processing a chunk.",
		})
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		relayDroppedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvest_log_relay_dropped_records_total",
			Help: "Log records abandoned because the relay had shut down.",
		})
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_http_requests_total",
				Help: "Requests served by the status server.",
			},
			[]string{"method", "route", "code"},
		)
		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_http_request_duration_seconds",
				Help:    "Status server request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one HTTP attempt and its latency.
func ObserveAttempt(rawURL, outcome string, duration time.Duration) {
	Init()
	host := SanitizeSite(rawURL)
	requestAttemptsTotal.WithLabelValues(host, outcome).Inc()
	requestDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveResetCycle increments the reset cycle counter.
func ObserveResetCycle(rawURL string) {
	Init()
	requestResetCyclesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveExhausted increments the exhausted request counter.
func ObserveExhausted(rawURL string) {
	Init()
	requestExhaustedTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveChunk increments the chunk counter for the given status.
func ObserveChunk(status string) {
	Init()
	chunksTotal.WithLabelValues(status).Inc()
}

// AddExtracted adds n to the extracted items counter.
func AddExtracted(n int) {
	Init()
	if n > 0 {
		itemsExtractedTotal.Add(float64(n))
	}
}

// ObserveFlush records a sink flush of n items.
func ObserveFlush(status string, n int) {
	Init()
	flushesTotal.WithLabelValues(status).Inc()
	if status == "ok" && n > 0 {
		itemsSavedTotal.Add(float64(n))
	}
}

// ObserveFailureSignal increments the failure signal counter for kind.
func ObserveFailureSignal(kind string) {
	Init()
	failureSignalsTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// AddRelayDropped adds n to the abandoned log record counter.
func AddRelayDropped(n int) {
	Init()
	if n > 0 {
		relayDroppedRecordsTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest records one request served by the status server.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
