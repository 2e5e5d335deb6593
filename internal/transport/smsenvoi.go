package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/smsqueue/internal/models"
)

const defaultSMSEnvoiURL = "https://api.smsenvoi.com/API/v1.0/REST"

// SMSEnvoiConfig configures the SMSEnvoi adapter
type SMSEnvoiConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SMSEnvoi sends through the SMSEnvoi REST API. Every send logs in first
// and posts the message with the returned session keys.
type SMSEnvoi struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSMSEnvoi creates the adapter
func NewSMSEnvoi(cfg SMSEnvoiConfig, logger *slog.Logger) *SMSEnvoi {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSMSEnvoiURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMSEnvoi{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type smsEnvoiRequest struct {
	MessageType   string   `json:"message_type"`
	Message       string   `json:"message"`
	Recipient     []string `json:"recipient"`
	Sender        string   `json:"sender,omitempty"`
	ReturnCredits bool     `json:"returnCredits"`
}

type smsEnvoiResponse struct {
	Result  string `json:"result"`
	OrderID string `json:"order_id"`
}

type sessionKeys struct {
	userKey    string
	sessionKey string
}

// Send logs in and submits one message. Provider-side errors are treated
// as transient.
func (s *SMSEnvoi) Send(ctx context.Context, provider *models.Provider, msg *models.Message) (Result, error) {
	username := provider.Credentials["username"]
	password := provider.Credentials["password"]
	if username == "" || password == "" {
		return Failed("smsenvoi: missing username or password", false), nil
	}

	keys, err := s.login(ctx, username, password)
	if err != nil {
		s.logger.Warn("smsenvoi login failed", "provider_id", provider.ID, "error", err)
		return Failed(err.Error(), true), nil
	}

	messageType := provider.Credentials["message_type"]
	if messageType == "" {
		messageType = "PRM"
	}

	body, err := json.Marshal(smsEnvoiRequest{
		MessageType:   messageType,
		Message:       msg.Content,
		Recipient:     []string{"+" + msg.To},
		Sender:        msg.SenderID,
		ReturnCredits: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sms", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("user_key", keys.userKey)
	req.Header.Set("Session_key", keys.sessionKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Failed(fmt.Sprintf("smsenvoi: send: %v", err), true), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var out smsEnvoiResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.Result != "OK" {
		return Result{
			Success:   false,
			Error:     fmt.Sprintf("smsenvoi: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			Response:  string(raw),
			Retryable: boolPtr(true),
		}, nil
	}

	return Sent(out.OrderID, string(raw)), nil
}

// login exchanges credentials for a "user_key;session_key" pair
func (s *SMSEnvoi) login(ctx context.Context, username, password string) (*sessionKeys, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/login?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smsenvoi: login: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("smsenvoi: login: HTTP %d", resp.StatusCode)
	}

	parts := strings.Split(strings.TrimSpace(string(raw)), ";")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("smsenvoi: login: unexpected response %q", string(raw))
	}

	return &sessionKeys{userKey: parts[0], sessionKey: parts[1]}, nil
}

func boolPtr(b bool) *bool {
	return &b
}
