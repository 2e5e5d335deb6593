package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/api"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/queue"
)

func TestClientRequests(t *testing.T) {
	type seen struct {
		method, path, query, auth string
	}
	var (
		mu  sync.Mutex
		got []seen
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization")})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/v1/campaigns/c1/queue":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(queue.QueueResult{CampaignID: "c1", Queued: 3})
		case "/api/v1/campaigns/c1/messages":
			json.NewEncoder(w).Encode(api.MessageListResponse{Messages: []*models.Message{{ID: "m1"}}, Limit: 10})
		case "/api/v1/sync":
			json.NewEncoder(w).Encode(queue.SyncResult{Checked: 2})
		case "/api/v1/campaigns/c1/pause":
			json.NewEncoder(w).Encode(api.TransitionResponse{CampaignID: "c1", Status: "paused", Messages: 3})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Not found"})
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret")
	ctx := context.Background()

	res, err := c.QueueCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Queued)

	list, err := c.ListCampaignMessages(ctx, "c1", models.StatusQueued, 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)

	sync, err := c.SyncCampaign(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, sync.Checked)

	tr, err := c.PauseCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "paused", tr.Status)

	_, err = c.GetMessage(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Not found", apiErr.Message)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	assert.Equal(t, seen{"POST", "/api/v1/campaigns/c1/queue", "", "Bearer secret"}, got[0])
	assert.Equal(t, "limit=10&status=queued", got[1].query)
	assert.Equal(t, "/api/v1/sync", got[2].path)
}

func TestClientErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").QueueStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Contains(t, err.Error(), "Bad Gateway")
}
