package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/ipfilter"
)

func TestServerHandler(t *testing.T) {
	m := New()
	m.CampaignsQueuedTotal.Inc()

	filter, err := ipfilter.New([]string{"10.0.0.0/8"}, false, testLogger())
	require.NoError(t, err)

	h := NewServer(m, "", "", filter, testLogger()).Handler()

	tests := []struct {
		name   string
		path   string
		remote string
		want   int
	}{
		{"allowed scrape", "/metrics", "10.1.2.3:5000", http.StatusOK},
		{"denied scrape", "/metrics", "192.168.1.1:5000", http.StatusForbidden},
		{"health is open", "/health", "192.168.1.1:5000", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServerExposesMetrics(t *testing.T) {
	m := New()
	m.CampaignsCompletedTotal.Inc()

	rec := httptest.NewRecorder()
	NewServer(m, ":0", "/prom", nil, testLogger()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prom", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "smsqueue_campaigns_completed_total 1")
}

func TestServerShutdownBeforeStart(t *testing.T) {
	s := NewServer(New(), "", "", nil, testLogger())
	assert.NoError(t, s.Shutdown(context.Background()))
}
