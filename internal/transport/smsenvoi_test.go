package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/models"
)

func smsEnvoiProvider() *models.Provider {
	return &models.Provider{
		ID:   "envoi",
		Kind: models.KindSMSEnvoi,
		Credentials: map[string]string{
			"username": "alice",
			"password": "secret",
		},
	}
}

func TestSMSEnvoiSend(t *testing.T) {
	var got smsEnvoiRequest
	var gotUserKey, gotSessionKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "alice", r.URL.Query().Get("username"))
			assert.Equal(t, "secret", r.URL.Query().Get("password"))
			_, _ = w.Write([]byte("UK1;SK1"))
		case "/sms":
			assert.Equal(t, http.MethodPost, r.Method)
			gotUserKey = r.Header.Get("user_key")
			gotSessionKey = r.Header.Get("Session_key")
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"result":"OK","order_id":"ord-42","total_sent":1}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewSMSEnvoi(SMSEnvoiConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, testLogger())
	res, err := s.Send(context.Background(), smsEnvoiProvider(), &models.Message{
		ID:       "m1",
		To:       "33612345678",
		SenderID: "ACME",
		Content:  "Hello",
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "ord-42", res.MessageID)
	assert.Equal(t, "UK1", gotUserKey)
	assert.Equal(t, "SK1", gotSessionKey)
	assert.Equal(t, []string{"+33612345678"}, got.Recipient)
	assert.Equal(t, "ACME", got.Sender)
	assert.Equal(t, "Hello", got.Message)
	assert.Equal(t, "PRM", got.MessageType)
}

func TestSMSEnvoiRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			_, _ = w.Write([]byte("UK1;SK1"))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"result":"KO","error":"bad recipient"}`))
	}))
	defer srv.Close()

	s := NewSMSEnvoi(SMSEnvoiConfig{BaseURL: srv.URL}, testLogger())
	res, err := s.Send(context.Background(), smsEnvoiProvider(), &models.Message{To: "1"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.IsRetryable())
	assert.Contains(t, res.Error, "bad recipient")
}

func TestSMSEnvoiLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSMSEnvoi(SMSEnvoiConfig{BaseURL: srv.URL}, testLogger())
	res, err := s.Send(context.Background(), smsEnvoiProvider(), &models.Message{To: "1"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.IsRetryable())
	assert.Contains(t, res.Error, "login")
}

func TestSMSEnvoiMissingCredentials(t *testing.T) {
	s := NewSMSEnvoi(SMSEnvoiConfig{BaseURL: "http://127.0.0.1:1"}, testLogger())
	res, err := s.Send(context.Background(), &models.Provider{Kind: models.KindSMSEnvoi}, &models.Message{To: "1"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.IsRetryable())
}

func TestSMSEnvoiNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewSMSEnvoi(SMSEnvoiConfig{BaseURL: url, Timeout: time.Second}, testLogger())
	res, err := s.Send(context.Background(), smsEnvoiProvider(), &models.Message{To: "1"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.IsRetryable())
}
