// Package metrics exposes Prometheus collectors for the scraping service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	captchaSolvesTotal  *prometheus.CounterVec
	rateLimitsTotal     prometheus.Counter
	proxyActivatedTotal prometheus.Counter
	proxyRotationsTotal prometheus.Counter
	searchDuration      *prometheus.HistogramVec
	detailFetchesTotal  *prometheus.CounterVec
	activeDetailWorkers prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		captchaSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_captcha_solves_total",
				Help: "CAPTCHA solve attempts, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_rate_limits_total",
				Help: "HTTP 429 responses received from the registry.",
			},
		)

		proxyActivatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_proxy_activations_total",
				Help: "Times the proxy pool switched into proxy mode.",
			},
		)

		proxyRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_proxy_rotations_total",
				Help: "Proxy rotations within an active pool.",
			},
		)

		searchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_search_duration_seconds",
				Help:    "Wall time per search run, labeled by outcome.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		)

		detailFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_detail_fetches_total",
				Help: "Detail text fetch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		activeDetailWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_detail_workers",
				Help: "Workers currently fetching announcement details.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCaptchaSolve records a solve attempt with result "success" or
// "failure".
func ObserveCaptchaSolve(result string) {
	captchaSolvesTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimit records a 429 from the registry.
func ObserveRateLimit() {
	rateLimitsTotal.Inc()
}

// ObserveProxyActivation records the pool entering proxy mode.
func ObserveProxyActivation() {
	proxyActivatedTotal.Inc()
}

// ObserveProxyRotation records a rotation to the next proxy.
func ObserveProxyRotation() {
	proxyRotationsTotal.Inc()
}

// ObserveSearch records a completed search run.
func ObserveSearch(outcome string, duration time.Duration) {
	searchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveDetailFetch records a detail fetch attempt with result "success",
// "empty" or "failure".
func ObserveDetailFetch(result string) {
	detailFetchesTotal.WithLabelValues(result).Inc()
}

// IncActiveDetailWorkers increments the active detail workers gauge.
func IncActiveDetailWorkers() {
	activeDetailWorkers.Inc()
}

// DecActiveDetailWorkers decrements the active detail workers gauge.
func DecActiveDetailWorkers() {
	activeDetailWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
