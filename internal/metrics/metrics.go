// Package metrics exposes Prometheus collectors for the leadscout service.
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
	poolCredentials            *prometheus.GaugeVec
	keyRotationsTotal          *prometheus.CounterVec
	gateDecisionsTotal         *prometheus.CounterVec
	scrapePagesTotal           *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	pendingDeliveries          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolCredentials = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leadscout_pool_credentials",
				Help: "Credentials in the pool, labeled by class and status.",
			},
			[]string{"class", "status"},
		)

		keyRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscout_key_rotations_total",
				Help: "Credential rotations within a job, labeled by reason.",
			},
			[]string{"reason"},
		)

		gateDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscout_gate_decisions_total",
				Help: "Daily gate outcomes, labeled by tier and decision.",
			},
			[]string{"tier", "decision"},
		)

		scrapePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadscout_scrape_pages_total",
				Help: "Pages fetched by the website scraper, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadscout_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		pendingDeliveries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadscout_pending_deliveries",
				Help: "Artifacts waiting to be delivered.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetPoolCounts publishes the pool's available and assigned counts for class.
func SetPoolCounts(class string, available, assigned int) {
	if poolCredentials == nil {
		return
	}
	poolCredentials.WithLabelValues(class, "available").Set(float64(available))
	poolCredentials.WithLabelValues(class, "assigned").Set(float64(assigned))
}

// ObserveRotation counts one move to the next credential.
func ObserveRotation(reason string) {
	if keyRotationsTotal == nil {
		return
	}
	keyRotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveGate counts a daily gate decision ("allowed" or "rejected").
func ObserveGate(tier, decision string) {
	if gateDecisionsTotal == nil {
		return
	}
	gateDecisionsTotal.WithLabelValues(tier, decision).Inc()
}

// ObservePage counts one page fetch.
func ObservePage(site, status string) {
	if scrapePagesTotal == nil {
		return
	}
	scrapePagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetPendingDeliveries publishes the pending delivery backlog.
func SetPendingDeliveries(n int) {
	if pendingDeliveries == nil {
		return
	}
	pendingDeliveries.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
