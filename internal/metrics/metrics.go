// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	pagesFetchedTotal          *prometheus.CounterVec
	rateLimitRetriesTotal      *prometheus.CounterVec
	providerQuotaRemaining     *prometheus.GaugeVec
	listingsTotal              *prometheus.CounterVec
	importRunsTotal            *prometheus.CounterVec
	shardsTotal                *prometheus.CounterVec
	activeUnits                prometheus.Gauge
	itemDelaySeconds           *prometheus.HistogramVec
	alertsCreatedTotal         *prometheus.CounterVec
	notifierFailuresTotal      *prometheus.CounterVec
	relayTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_pages_fetched_total",
				Help: "Provider pages fetched, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		rateLimitRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_rate_limit_retries_total",
				Help: "HTTP 429 responses that triggered a backoff, labeled by provider.",
			},
			[]string{"provider"},
		)

		providerQuotaRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_provider_quota_remaining",
				Help: "Last reported remaining request quota, labeled by provider.",
			},
			[]string{"provider"},
		)

		listingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_listings_total",
				Help: "Listings processed by the sink, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		importRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_import_runs_total",
				Help: "Closed import runs, labeled by provider and status.",
			},
			[]string{"provider", "status"},
		)

		shardsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_shards_total",
				Help: "Coordinator shards finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_geo_units",
				Help: "Geo-units currently being ingested.",
			},
		)

		itemDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_item_delay_seconds",
				Help:    "Time spent waiting on the inter-item pacer.",
				Buckets: []float64{0.01, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"provider"},
		)

		alertsCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_alerts_created_total",
				Help: "Alerts created by the monitor, labeled by type.",
			},
			[]string{"type"},
		)

		notifierFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_notifier_failures_total",
				Help: "Alert notifications that failed, labeled by notifier.",
			},
			[]string{"notifier"},
		)

		relayTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_relay_total",
				Help: "Distressed leads pushed to the CRM relay, labeled by outcome.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one fetched provider page.
func ObservePage(provider, outcome string) {
	Init()
	pagesFetchedTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveRateLimitRetry counts one 429 backoff.
func ObserveRateLimitRetry(provider string) {
	Init()
	rateLimitRetriesTotal.WithLabelValues(provider).Inc()
}

// SetQuotaRemaining records the provider's remaining quota.
func SetQuotaRemaining(provider string, remaining int) {
	Init()
	providerQuotaRemaining.WithLabelValues(provider).Set(float64(remaining))
}

// ObserveListing counts one sink outcome.
func ObserveListing(outcome string) {
	Init()
	listingsTotal.WithLabelValues(outcome).Inc()
}

// ObserveImportRun counts one closed import run.
func ObserveImportRun(provider, status string) {
	Init()
	importRunsTotal.WithLabelValues(provider, status).Inc()
}

// ObserveShard counts one finished coordinator shard.
func ObserveShard(outcome string) {
	Init()
	shardsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveUnits increments the active geo-unit gauge.
func IncActiveUnits() {
	Init()
	activeUnits.Inc()
}

// DecActiveUnits decrements the active geo-unit gauge.
func DecActiveUnits() {
	Init()
	activeUnits.Dec()
}

// ObserveItemDelay records a pacer wait.
func ObserveItemDelay(provider string, d time.Duration) {
	Init()
	itemDelaySeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveAlert counts one created alert.
func ObserveAlert(alertType string) {
	Init()
	alertsCreatedTotal.WithLabelValues(alertType).Inc()
}

// ObserveNotifierFailure counts one failed notification.
func ObserveNotifierFailure(notifier string) {
	Init()
	notifierFailuresTotal.WithLabelValues(notifier).Inc()
}

// ObserveRelay counts one relay attempt.
func ObserveRelay(outcome string) {
	Init()
	relayTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
