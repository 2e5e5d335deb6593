// Package client talks to a running smsqueue API server
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/smsqueue/internal/api"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/queue"
)

// APIError is a non-2xx answer of the server
type APIError struct {
	StatusCode int
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("API error (HTTP %d): %s: %s", e.StatusCode, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client is an smsqueue API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Details = errResp.Details
		}
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCampaign returns a campaign with its counters
func (c *Client) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var resp models.Campaign
	if err := c.request(ctx, http.MethodGet, "/api/v1/campaigns/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListCampaignMessages lists messages of a campaign, optionally by status
func (c *Client) ListCampaignMessages(ctx context.Context, id string, status models.MessageStatus, limit, offset int) (*api.MessageListResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	path := "/api/v1/campaigns/" + url.PathEscape(id) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.MessageListResponse
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueCampaign materializes the messages of a sending campaign
func (c *Client) QueueCampaign(ctx context.Context, id string) (*queue.QueueResult, error) {
	var resp queue.QueueResult
	err := c.request(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/queue", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PauseCampaign pauses a sending campaign
func (c *Client) PauseCampaign(ctx context.Context, id string) (*api.TransitionResponse, error) {
	return c.transition(ctx, id, "pause")
}

// ResumeCampaign resumes a paused campaign
func (c *Client) ResumeCampaign(ctx context.Context, id string) (*api.TransitionResponse, error) {
	return c.transition(ctx, id, "resume")
}

func (c *Client) transition(ctx context.Context, id, action string) (*api.TransitionResponse, error) {
	var resp api.TransitionResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/"+action, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncCampaign reconciles one campaign, or every active one when id is empty
func (c *Client) SyncCampaign(ctx context.Context, id string) (*queue.SyncResult, error) {
	path := "/api/v1/sync"
	if id != "" {
		path = "/api/v1/campaigns/" + url.PathEscape(id) + "/sync"
	}

	var resp queue.SyncResult
	if err := c.request(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage enqueues a campaign-less message
func (c *Client) SendMessage(ctx context.Context, req *api.SendRequest) (*models.Message, error) {
	var resp models.Message
	if err := c.request(ctx, http.MethodPost, "/api/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMessage returns a message
func (c *Client) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var resp models.Message
	if err := c.request(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessMessage sends a queued message immediately
func (c *Client) ProcessMessage(ctx context.Context, id string) (*models.Message, error) {
	var resp models.Message
	if err := c.request(ctx, http.MethodPost, "/api/v1/messages/"+url.PathEscape(id)+"/process", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueStats returns engine statistics
func (c *Client) QueueStats(ctx context.Context) (*queue.Stats, error) {
	var resp queue.Stats
	if err := c.request(ctx, http.MethodGet, "/api/v1/queue/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
