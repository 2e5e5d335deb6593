package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/smsqueue/internal/models"
)

// HTTPBiller posts the billing event to a webhook
type HTTPBiller struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPBiller creates a webhook biller
func NewHTTPBiller(url, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPBiller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBiller{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (b *HTTPBiller) ProcessCampaignBilling(ctx context.Context, campaign *models.Campaign) error {
	data, err := json.Marshal(NewEvent(campaign))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	req.Header.Set("Idempotency-Key", campaign.ID)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("billing webhook: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	b.logger.Info("campaign billed", "campaign_id", campaign.ID, "actual_cost", campaign.ActualCost)
	return nil
}
