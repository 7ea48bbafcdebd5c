// Package metrics exposes Prometheus collectors for the ingest pipeline.
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
	stageOutcomesTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	geocodeCacheTotal          *prometheus.CounterVec
	partitionsWrittenTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stageOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blaulicht_stage_outcomes_total",
				Help: "Per-item pipeline outcomes, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blaulicht_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blaulicht_fetch_retries_total",
				Help: "Fetch attempts that were retried, labeled by site and error kind.",
			},
			[]string{"site", "kind"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blaulicht_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		geocodeCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blaulicht_geocode_cache_total",
				Help: "Geocode cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		partitionsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blaulicht_partitions_written_total",
				Help: "Archive partitions rewritten, labeled by region.",
			},
			[]string{"region"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blaulicht_status_http_requests_total",
				Help: "Status API requests, labeled by method, route pattern and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blaulicht_status_http_request_duration_seconds",
				Help:    "Status API latencies, labeled by method and route pattern.",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1},
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

// ObserveStage counts one item outcome ("success" or "failure") for a stage.
func ObserveStage(stage string, ok bool) {
	Init()
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	stageOutcomesTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveFetch records bytes downloaded from a site.
func ObserveFetch(site string, bytesFetched int) {
	Init()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveRetry records one retried fetch attempt.
func ObserveRetry(site, kind string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site), kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveGeocodeCache records a cache hit or miss.
func ObserveGeocodeCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	geocodeCacheTotal.WithLabelValues(result).Inc()
}

// ObservePartitionWrite records a rewritten partition.
func ObservePartitionWrite(region string) {
	Init()
	partitionsWrittenTotal.WithLabelValues(region).Inc()
}

// ObserveHTTPRequest records one status API request. route is the matched
// pattern, never the raw path, so run IDs do not become label values.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
