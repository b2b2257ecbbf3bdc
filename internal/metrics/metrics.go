// Package metrics exposes Prometheus collectors for the link pipeline and its
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for link and delivery counters.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var (
	linksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flounder_links_processed_total",
			Help: "Total number of links run through the pipeline, labeled by status and bucket.",
		},
		[]string{"status", "bucket"},
	)

	linkDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flounder_link_duration_seconds",
			Help:    "Histogram of end-to-end pipeline latency per link, labeled by status.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flounder_batch_size",
			Help:    "Number of link events per processed batch.",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50},
		},
	)

	backgroundBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flounder_background_batches",
			Help: "Number of webhook batches currently processing in the background.",
		},
	)

	webhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flounder_webhook_deliveries_total",
			Help: "Total webhook deliveries, labeled by result (dispatched, empty, invalid).",
		},
		[]string{"result"},
	)

	webhookVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flounder_webhook_verifications_total",
			Help: "Total webhook subscription handshakes, labeled by result.",
		},
		[]string{"result"},
	)

	extractorFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flounder_extractor_failures_total",
			Help: "Total page fetches that degraded to placeholder content.",
		},
	)

	fetchDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flounder_fetch_rate_limit_delay_seconds",
			Help:    "Time page fetches spent waiting on the per-host rate limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	classifierFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flounder_classifier_fallbacks_total",
			Help: "Total classifications that used the fallback result, labeled by reason.",
		},
		[]string{"reason"},
	)

	archiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flounder_archive_writes_total",
			Help: "Total raw webhook bodies archived, labeled by status.",
		},
		[]string{"status"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flounder_notifications_total",
			Help: "Total link.saved notifications published, labeled by status.",
		},
		[]string{"status"},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLink records one link's terminal outcome. Failed links have no bucket.
func ObserveLink(status, bucket string, duration time.Duration) {
	if bucket == "" {
		bucket = "none"
	}
	linksProcessedTotal.WithLabelValues(status, bucket).Inc()
	linkDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveBatch records the size of a processed batch.
func ObserveBatch(size int) {
	batchSize.Observe(float64(size))
}

// IncBackgroundBatches increments the in-flight background batch gauge.
func IncBackgroundBatches() {
	backgroundBatches.Inc()
}

// DecBackgroundBatches decrements the in-flight background batch gauge.
func DecBackgroundBatches() {
	backgroundBatches.Dec()
}

// ObserveWebhookDelivery counts a webhook POST by result.
func ObserveWebhookDelivery(result string) {
	webhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// ObserveWebhookVerification counts a subscription handshake.
func ObserveWebhookVerification(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	webhookVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveExtractorFailure counts a fetch that degraded to a placeholder.
func ObserveExtractorFailure() {
	extractorFailuresTotal.Inc()
}

// ObserveFetchDelay records a rate limiter wait before a page fetch.
func ObserveFetchDelay(d time.Duration) {
	fetchDelaySeconds.Observe(d.Seconds())
}

// ObserveClassifierFallback counts a fallback classification.
func ObserveClassifierFallback(reason string) {
	classifierFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveArchiveWrite counts an archive attempt.
func ObserveArchiveWrite(status string) {
	archiveWritesTotal.WithLabelValues(status).Inc()
}

// ObserveNotification counts a link.saved publish attempt.
func ObserveNotification(status string) {
	notificationsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
