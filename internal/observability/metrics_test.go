package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_proxy")
	require.NotNil(t, m)
	require.NotNil(t, m.Registry())
}

func TestNewMetricsDefaultNamespace(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	require.NotNil(t, m)
}

func TestMetricsRecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_record")
	m.RecordRequest("GET", "api-route", 200, 50*time.Millisecond, 100, 500)

	body := scrapeMetrics(t, m)
	assert.Contains(t, body, `test_record_requests_total{method="GET",route="api-route",status="200"} 1`)
}

func TestMetricsSetBackendHealth(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_health")
	m.SetBackendHealth("api", "10.0.0.1:8080", true)
	m.SetBackendHealth("api", "10.0.0.2:8080", false)

	body := scrapeMetrics(t, m)
	assert.Contains(t, body, `test_health_backend_health{backend="api",host="10.0.0.1:8080"} 1`)
	assert.Contains(t, body, `test_health_backend_health{backend="api",host="10.0.0.2:8080"} 0`)
}

func TestMetricsSetCircuitBreakerState(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_cb")
	m.SetCircuitBreakerState("api", 1)

	body := scrapeMetrics(t, m)
	assert.Contains(t, body, `test_cb_circuit_breaker_state{name="api"} 1`)
}

func TestMetricsRecordRateLimitHit(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_rl")
	m.RecordRateLimitHit("api-route")
	m.RecordRateLimitHit("api-route")

	body := scrapeMetrics(t, m)
	assert.Contains(t, body, `test_rl_rate_limit_hits_total{route="api-route"} 2`)
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_mw")

	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ContextWithRoute(r.Context(), "test-route")
		*r = *r.WithContext(ctx)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader("body"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)

	body := scrapeMetrics(t, m)
	assert.Contains(t, body, `test_mw_requests_total{method="POST",route="test-route",status="201"} 1`)
}

func TestMetricsMiddlewareUnmatchedRoute(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_unmatched")

	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := scrapeMetrics(t, m)
	assert.Contains(t, body, `test_unmatched_requests_total{method="GET",route="unmatched",status="404"} 1`)
}

func TestMetricsHandlerGathersDefaultRegistry(t *testing.T) {
	t.Parallel()

	defaultRegCounter := promauto.NewCounter(prometheus.CounterOpts{
		Name: "test_gather_default_registry_total",
		Help: "Counter registered on the default registry.",
	})
	defaultRegCounter.Inc()

	m := NewMetrics("test_gather")
	m.RecordRequest("GET", "api-route", 200, time.Millisecond, 10, 20)

	body := scrapeMetrics(t, m)
	assert.Contains(t, body, `test_gather_default_registry_total 1`,
		"collectors on the default registry are served")
	assert.Contains(t, body, `test_gather_requests_total{method="GET",route="api-route",status="200"} 1`,
		"collectors on the instance registry are served")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsResponseWriterFlush(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &metricsResponseWriter{ResponseWriter: rec, status: http.StatusOK}

	// httptest.ResponseRecorder implements Flusher.
	rw.Flush()
	assert.True(t, rec.Flushed)
}

func TestMetricsResponseWriterHijackUnsupported(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &metricsResponseWriter{ResponseWriter: rec, status: http.StatusOK}

	_, _, err := rw.Hijack()
	assert.Error(t, err)
}

// scrapeMetrics fetches the metrics endpoint and returns the body.
func scrapeMetrics(t *testing.T, m *Metrics) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
