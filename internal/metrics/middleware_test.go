package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/v1/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"c1", "c2", "c3"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}", "404")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")))
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	wrapped := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRouteLabelFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/550e8400-e29b-41d4-a716-446655440000/retry/42", nil)
	assert.Equal(t, "/api/v1/messages/{id}/retry/{id}", routeLabel(req))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	assert.Equal(t, "/api/v1/queue/stats", routeLabel(req))
}

func TestHTTPMiddlewareImplicitOK(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/health", "200")))
}

func TestIsIDSegment(t *testing.T) {
	assert.True(t, isIDSegment("550e8400-e29b-41d4-a716-446655440000"))
	assert.True(t, isIDSegment("550E8400-E29B-41D4-A716-446655440000"))
	assert.True(t, isIDSegment("12345"))
	assert.False(t, isIDSegment(""))
	assert.False(t, isIDSegment("campaigns"))
	assert.False(t, isIDSegment("550e8400e29b41d4a716446655440000"))
	assert.False(t, isIDSegment("550e8400-e29b-41d4-a716-44665544000"))
}

func TestErrorCategory(t *testing.T) {
	tests := map[int]string{
		500: "server_error",
		503: "server_error",
		429: "rate_limited",
		409: "conflict",
		401: "auth_error",
		403: "auth_error",
		404: "not_found",
		400: "bad_request",
		422: "unprocessable",
		418: "client_error",
		200: "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, errorCategory(status), "status %d", status)
	}
}
