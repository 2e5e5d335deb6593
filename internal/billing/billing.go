package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/smsqueue/internal/models"
)

// Kinds of billing backends
const (
	KindLog  = "log"
	KindHTTP = "http"
	KindAMQP = "amqp"
)

// EventCampaignCompleted is the type of the event emitted on completion
const EventCampaignCompleted = "campaign.completed"

// Config contains billing callback settings
type Config struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	AMQPURL   string `yaml:"amqp_url"`
	AMQPQueue string `yaml:"amqp_queue"`
}

// Biller processes the billing of a completed campaign
type Biller interface {
	ProcessCampaignBilling(ctx context.Context, campaign *models.Campaign) error
}

// Event is the billing payload of a completed campaign
type Event struct {
	Type           string    `json:"type"`
	CampaignID     string    `json:"campaign_id"`
	UserID         string    `json:"user_id"`
	ProviderID     string    `json:"provider_id"`
	Country        string    `json:"country"`
	ContactCount   int       `json:"contact_count"`
	SentCount      int       `json:"sent_count"`
	DeliveredCount int       `json:"delivered_count"`
	FailedCount    int       `json:"failed_count"`
	EstimatedCost  float64   `json:"estimated_cost"`
	ActualCost     float64   `json:"actual_cost"`
	CompletedAt    time.Time `json:"completed_at"`
}

// NewEvent builds the billing event of a campaign
func NewEvent(c *models.Campaign) *Event {
	e := &Event{
		Type:           EventCampaignCompleted,
		CampaignID:     c.ID,
		UserID:         c.UserID,
		ProviderID:     c.ProviderID,
		Country:        c.Country,
		ContactCount:   c.ContactCount,
		SentCount:      c.SentCount,
		DeliveredCount: c.DeliveredCount,
		FailedCount:    c.FailedCount,
		EstimatedCost:  c.EstimatedCost,
		ActualCost:     c.ActualCost,
	}
	if c.CompletedAt != nil {
		e.CompletedAt = *c.CompletedAt
	}
	return e
}

// New creates the biller selected by cfg.Kind
func New(cfg Config, logger *slog.Logger) (Biller, error) {
	switch cfg.Kind {
	case "", KindLog:
		return NewLogBiller(logger), nil
	case KindHTTP:
		return NewHTTPBiller(cfg.URL, cfg.APIKey, cfg.Timeout, logger), nil
	case KindAMQP:
		return NewAMQPBiller(cfg.AMQPURL, cfg.AMQPQueue, logger)
	default:
		return nil, fmt.Errorf("unknown billing kind: %s", cfg.Kind)
	}
}

// LogBiller only records completed campaigns in the log
type LogBiller struct {
	logger *slog.Logger
}

// NewLogBiller creates a log-only biller
func NewLogBiller(logger *slog.Logger) *LogBiller {
	return &LogBiller{logger: logger}
}

func (b *LogBiller) ProcessCampaignBilling(ctx context.Context, campaign *models.Campaign) error {
	e := NewEvent(campaign)
	b.logger.Info("campaign billing",
		"campaign_id", e.CampaignID,
		"user_id", e.UserID,
		"delivered", e.DeliveredCount,
		"actual_cost", e.ActualCost,
	)
	return nil
}
