package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveLinkUsesNoneForMissingBucket(t *testing.T) {
	before := testutil.ToFloat64(linksProcessedTotal.WithLabelValues(StatusFailed, "none"))
	ObserveLink(StatusFailed, "", time.Second)
	after := testutil.ToFloat64(linksProcessedTotal.WithLabelValues(StatusFailed, "none"))
	require.InDelta(t, 1, after-before, 0.0001)
}

func TestObserveWebhookVerification(t *testing.T) {
	accepted := testutil.ToFloat64(webhookVerificationsTotal.WithLabelValues("accepted"))
	rejected := testutil.ToFloat64(webhookVerificationsTotal.WithLabelValues("rejected"))

	ObserveWebhookVerification(true)
	ObserveWebhookVerification(false)
	ObserveWebhookVerification(false)

	require.InDelta(t, 1, testutil.ToFloat64(webhookVerificationsTotal.WithLabelValues("accepted"))-accepted, 0.0001)
	require.InDelta(t, 2, testutil.ToFloat64(webhookVerificationsTotal.WithLabelValues("rejected"))-rejected, 0.0001)
}

func TestBackgroundBatchGauge(t *testing.T) {
	start := testutil.ToFloat64(backgroundBatches)
	IncBackgroundBatches()
	require.InDelta(t, start+1, testutil.ToFloat64(backgroundBatches), 0.0001)
	DecBackgroundBatches()
	require.InDelta(t, start, testutil.ToFloat64(backgroundBatches), 0.0001)
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	missing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/notfound", nil))

	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))-ok, 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))-missing, 0.0001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestObserveFetchDelay(t *testing.T) {
	ObserveFetchDelay(30 * time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(fetchDelaySeconds))
}
