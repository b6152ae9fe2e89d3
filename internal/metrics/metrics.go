// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	crawlerRunsTotal           *prometheus.CounterVec
	crawlerRediscoveriesTotal  prometheus.Counter
	crawlerHookFailuresTotal   *prometheus.CounterVec
	crawlerHostWaitSeconds     *prometheus.HistogramVec
	dispatchPublishedTotal     *prometheus.CounterVec
	dispatchReceivedTotal      *prometheus.CounterVec
	dispatchActiveRuns         prometheus.Gauge
	dispatchThrottleSeconds    prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of crawl runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerRediscoveriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_frontier_rediscoveries_total",
				Help: "Total number of links that pointed at an already-visited URL.",
			},
		)

		crawlerHookFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_hook_failures_total",
				Help: "Total number of hook failures and denials, labeled by phase.",
			},
			[]string{"phase"},
		)

		dispatchPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_published_total",
				Help: "Total number of hosts published to the dispatch queue, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dispatchReceivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_received_total",
				Help: "Total number of dispatch messages received, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dispatchActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_active_runs",
				Help: "Number of crawl runs started from the dispatch queue that are still running.",
			},
		)

		dispatchThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_throttle_seconds",
				Help:    "Histogram of time spent waiting for the run-start rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		crawlerHostWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_host_wait_seconds",
				Help:    "Histogram of time requests waited on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
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
	Init()
	return promhttp.Handler()
}

// ObservePage records the outcome of one page and the bytes fetched for it.
func ObservePage(site string, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRun increments the run counter for the given outcome.
func ObserveRun(outcome string) {
	Init()
	crawlerRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRediscovery increments the frontier rediscovery counter.
func ObserveRediscovery() {
	Init()
	crawlerRediscoveriesTotal.Inc()
}

// ObserveHookFailure increments the hook failure counter for phase.
func ObserveHookFailure(phase string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerHookFailuresTotal.WithLabelValues(phase).Add(float64(n))
}

// ObservePublish increments the dispatch publish counter.
func ObservePublish(outcome string) {
	Init()
	dispatchPublishedTotal.WithLabelValues(outcome).Inc()
}

// ObserveReceive increments the dispatch receive counter.
func ObserveReceive(outcome string) {
	Init()
	dispatchReceivedTotal.WithLabelValues(outcome).Inc()
}

// IncActiveRuns increments the active dispatch runs gauge.
func IncActiveRuns() {
	Init()
	dispatchActiveRuns.Inc()
}

// DecActiveRuns decrements the active dispatch runs gauge.
func DecActiveRuns() {
	Init()
	dispatchActiveRuns.Dec()
}

// ObserveThrottle records time spent waiting on the dispatch rate limiter.
func ObserveThrottle(duration time.Duration) {
	Init()
	dispatchThrottleSeconds.Observe(duration.Seconds())
}

// ObserveHostWait records time a request spent waiting on the per-host limiter.
func ObserveHostWait(site string, duration time.Duration) {
	Init()
	crawlerHostWaitSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
