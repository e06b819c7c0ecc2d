// Package metrics exposes Prometheus collectors for the crawl orchestrator.
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
	jobsExecutedTotal           *prometheus.CounterVec
	dispatchTotal               *prometheus.CounterVec
	jobsScheduledTotal          *prometheus.CounterVec
	backendFetchesTotal         *prometheus.CounterVec
	backendFetchDurationSeconds *prometheus.HistogramVec
	fanoutURLsTotal             *prometheus.CounterVec
	queueDepth                  prometheus.Gauge
	queueFailedDepth            prometheus.Gauge
	activeWorkers               prometheus.Gauge
	rateLimitDelaySeconds       *prometheus.HistogramVec
	robotsOutcomesTotal         *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsExecutedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_executed_total",
				Help: "Jobs run by the orchestrator, labeled by crawl kind and resulting status.",
			},
			[]string{"kind", "status"},
		)
		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_dispatch_total",
				Help: "Dispatch attempts, labeled by result (queued, duplicate, error).",
			},
			[]string{"result"},
		)
		jobsScheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_scheduled_total",
				Help: "Source-level jobs created by the scheduler, labeled by frequency.",
			},
			[]string{"frequency"},
		)
		backendFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_backend_fetches_total",
				Help: "Extraction backend fetches, labeled by backend and result.",
			},
			[]string{"backend", "result"},
		)
		backendFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_backend_fetch_duration_seconds",
				Help:    "Histogram of extraction backend fetch latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"backend"},
		)
		fanoutURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_fanout_urls_total",
				Help: "Discovered URLs seen by fan-out, labeled by result (enqueued, filtered, duplicate).",
			},
			[]string{"result"},
		)
		queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_queue_depth",
			Help: "Tasks waiting or running in the task queue at the last health check.",
		})
		queueFailedDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_queue_failed_depth",
			Help: "Failed tasks in the task queue at the last health check.",
		})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_active_workers",
			Help: "Number of workers currently executing a job.",
		})
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		robotsOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_robots_outcomes_total",
				Help: "robots.txt lookups made by the HTTP backend, by outcome.",
			},
			[]string{"outcome"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// Handler exposes the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob counts one orchestrated job outcome.
func ObserveJob(kind, status string) {
	Init()
	jobsExecutedTotal.WithLabelValues(kind, status).Inc()
}

// ObserveDispatch counts one dispatch attempt.
func ObserveDispatch(result string) {
	Init()
	dispatchTotal.WithLabelValues(result).Inc()
}

// ObserveScheduled counts source-level jobs created for a frequency.
func ObserveScheduled(frequency string, n int) {
	Init()
	jobsScheduledTotal.WithLabelValues(frequency).Add(float64(n))
}

// ObserveFetch records one backend fetch.
func ObserveFetch(backend string, success bool, duration time.Duration) {
	Init()
	result := "success"
	if !success {
		result = "failure"
	}
	backendFetchesTotal.WithLabelValues(backend, result).Inc()
	backendFetchDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveFanout adds n URLs under result.
func ObserveFanout(result string, n int) {
	Init()
	if n > 0 {
		fanoutURLsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// SetQueueDepth publishes the latest queue depths.
func SetQueueDepth(depth, failed int) {
	Init()
	queueDepth.Set(float64(depth))
	queueFailedDepth.Set(float64(failed))
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

// ObserveRateLimitDelay records how long a fetch waited on its domain limiter.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobots counts one robots.txt lookup: fetched, missing, unavailable
// or indeterminate (timed out and fell back to allow-all).
func ObserveRobots(outcome string) {
	Init()
	robotsOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
