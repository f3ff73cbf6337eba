package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"github.com/valmatov/edgeproxy/internal/config"
)

func TestCircuitBreakerPassesHealthyRequests(t *testing.T) {
	t.Parallel()

	gb := NewGatewayBreaker("test-healthy", 2, 1, 0, time.Minute)
	handler := CircuitBreaker(gb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, gobreaker.StateClosed, gb.State())
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()

	gb := NewGatewayBreaker("test-open", 2, 1, 0, time.Minute)
	handler := CircuitBreaker(gb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code, "failures pass through until the breaker trips")
	}

	assert.Equal(t, gobreaker.StateOpen, gb.State())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, ErrServiceUnavailable, rec.Body.String())
}

func TestCircuitBreakerStateCallback(t *testing.T) {
	t.Parallel()

	var transitions []int
	gb := NewGatewayBreaker("test-callback", 2, 1, 0, time.Minute,
		WithBreakerStateCallback(func(name string, state int) {
			assert.Equal(t, "test-callback", name)
			transitions = append(transitions, state)
		}))

	handler := CircuitBreaker(gb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	}

	assert.Equal(t, []int{1}, transitions, "open is reported as 1 on the state gauge")
}

func TestBreakerStateValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, breakerStateValue(gobreaker.StateClosed))
	assert.Equal(t, 1, breakerStateValue(gobreaker.StateOpen))
	assert.Equal(t, 2, breakerStateValue(gobreaker.StateHalfOpen))
}

func TestCircuitBreakerSkipsWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	gb := NewGatewayBreaker("test-ws", 1, 1, 0, time.Minute)

	// Trip the breaker
	handler := CircuitBreaker(gb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, gobreaker.StateOpen, gb.State())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "upgrade requests bypass the breaker")
}

func TestCircuitBreakerFromConfigDisabled(t *testing.T) {
	t.Parallel()

	mw := CircuitBreakerFromConfig(nil, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mw = CircuitBreakerFromConfig(&config.ProxyBreakerConfig{Enabled: false}, nil)
	handler = mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCircuitBreakerFromConfigEnabled(t *testing.T) {
	t.Parallel()

	mw := CircuitBreakerFromConfig(&config.ProxyBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		Timeout:          config.Duration(time.Minute),
	}, nil)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
