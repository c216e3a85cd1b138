// Package metrics exposes Prometheus collectors for the comics crawler.
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

// Unit outcomes.
const (
	OutcomeCreated    = "created"
	OutcomeEmpty      = "empty"
	OutcomeSkipped    = "skipped"
	OutcomeFailed     = "failed"
	OutcomeUnexpected = "unexpected"
)

var (
	unitsTotal             *prometheus.CounterVec
	imagesTotal            *prometheus.CounterVec
	fetchedBytesTotal      *prometheus.CounterVec
	activeWorkers          prometheus.Gauge
	unitDurationSeconds    *prometheus.HistogramVec
	rateLimitDelaysSeconds *prometheus.HistogramVec
	releasesPublishedTotal *prometheus.CounterVec
	fetchesDeniedTotal     *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comics_units_total",
				Help: "Total number of (comic, date) work units processed, labeled by outcome and error kind.",
			},
			[]string{"outcome", "kind"},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comics_images_total",
				Help: "Total number of images resolved by the downloader, labeled by result (created or reused).",
			},
			[]string{"result"},
		)

		fetchedBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comics_fetched_bytes_total",
				Help: "Total number of image bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "comics_active_workers",
				Help: "Number of aggregator workers currently crawling a comic.",
			},
		)

		unitDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "comics_unit_duration_seconds",
				Help:    "Histogram of work unit durations, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "comics_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		releasesPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comics_release_notifications_total",
				Help: "Release notifications published, labeled by status.",
			},
			[]string{"status"},
		)

		fetchesDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comics_fetches_denied_total",
				Help: "Fetches refused before sending, labeled by reason (robots or blocked).",
			},
			[]string{"reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comics_http_requests_total",
				Help: "Total number of ops server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "comics_http_request_duration_seconds",
				Help:    "Histogram of ops server request latencies, labeled by method and route.",
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
	return promhttp.Handler()
}

// ObserveUnit records the outcome of one work unit.
func ObserveUnit(outcome, kind string, duration time.Duration) {
	Init()
	if kind == "" {
		kind = "none"
	}
	unitsTotal.WithLabelValues(outcome, kind).Inc()
	unitDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveImage records a created or reused image.
func ObserveImage(created bool) {
	Init()
	result := "reused"
	if created {
		result = "created"
	}
	imagesTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records fetched image bytes for a site.
func ObserveFetch(site string, bytesFetched int) {
	Init()
	if bytesFetched > 0 {
		fetchedBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObservePublish records a release notification attempt.
func ObservePublish(ok bool) {
	Init()
	status := "ok"
	if !ok {
		status = "error"
	}
	releasesPublishedTotal.WithLabelValues(status).Inc()
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
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveFetchDenied records a fetch refused by robots.txt or the host blocker.
func ObserveFetchDenied(reason string) {
	Init()
	fetchesDeniedTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest records metrics for an ops server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
