package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/facturation-api/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("facturation", []float64{10, 1}, registry)
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/health/ready"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/health/ready", "204")))
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsReuseOnSecondRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("facturation", nil, registry)
	second := obs.NewHTTPMetrics("facturation", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 10.5}, obs.ParseBucketsCSV(" 5, ,abc,-1,10.5"))
	require.Nil(t, obs.ParseBucketsCSV("  "))
}

func TestRequestLoggerIncludesRouteParams(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.NewLoggerTo(&buf, "json", "info")

	r := chi.NewRouter()
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Get("/api/v1/customers/{customerId}/documents/{documentId}/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers/c-1/documents/d-9/balance", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "http_request", entry["message"])
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, float64(http.StatusNotFound), entry["status"])
	require.Equal(t, "c-1", entry["customerId"])
	require.Equal(t, "d-9", entry["documentId"])
}

func TestDomainMetricsObservers(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics("facturation", registry)

	before := testutil.ToFloat64(obs.PaymentSubmissionsTotal.WithLabelValues(obs.ResultRejected))
	obs.ObserveRejection("EXCEEDS_REMAINING_BALANCE")
	require.Equal(t, before+1, testutil.ToFloat64(obs.PaymentSubmissionsTotal.WithLabelValues(obs.ResultRejected)))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.PaymentRejectionsTotal.WithLabelValues("EXCEEDS_REMAINING_BALANCE")))

	consumed := testutil.ToFloat64(obs.AdvanceConsumedTotal)
	obs.ObserveAdvanceConsumed(12.5)
	obs.ObserveAdvanceConsumed(-3)
	require.Equal(t, consumed+12.5, testutil.ToFloat64(obs.AdvanceConsumedTotal))

	obs.ObserveTotals("")
	require.Equal(t, 1.0, testutil.ToFloat64(obs.TotalsComputedTotal.WithLabelValues("preview")))
}
