package storage

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/smsqueue/internal/models"
)

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("not found")

// MessageUpdate describes a conditional message transition.
// Zero-valued optional fields are left untouched.
type MessageUpdate struct {
	Status            models.MessageStatus
	IncRetry          bool
	RetryCount        *int
	ErrorMessage      *string
	ProviderMessageID string
	ProviderResponse  string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	UpdatedAt         time.Time
}

// Apply writes the update onto msg
func (u *MessageUpdate) Apply(msg *models.Message) {
	msg.Status = u.Status
	if u.IncRetry {
		msg.RetryCount++
	}
	if u.RetryCount != nil {
		msg.RetryCount = *u.RetryCount
	}
	if u.ErrorMessage != nil {
		msg.ErrorMessage = *u.ErrorMessage
	}
	if u.ProviderMessageID != "" {
		msg.ProviderMessageID = u.ProviderMessageID
	}
	if u.ProviderResponse != "" {
		msg.ProviderResponse = u.ProviderResponse
	}
	if u.SentAt != nil {
		msg.SentAt = u.SentAt
	}
	if u.DeliveredAt != nil {
		msg.DeliveredAt = u.DeliveredAt
	}
	if u.FailedAt != nil {
		msg.FailedAt = u.FailedAt
	}
	msg.UpdatedAt = u.UpdatedAt
}

// EligibleQuery selects queued messages ready for a dispatch attempt
type EligibleQuery struct {
	// CampaignIDs lists campaigns currently sending. Messages without a
	// campaign are always eligible.
	CampaignIDs []string

	// RetryBefore is the backoff floor: a message that has been attempted
	// before is only eligible when it was last updated before this time.
	RetryBefore time.Time

	Limit int
}

// MessageFilter filters message listings
type MessageFilter struct {
	CampaignID    string
	Status        models.MessageStatus
	UpdatedBefore time.Time
	MinRetryCount int
	Limit         int
	Offset        int
}

// Matches reports whether msg satisfies the filter, ignoring paging
func (f *MessageFilter) Matches(msg *models.Message) bool {
	if f.CampaignID != "" && msg.CampaignID != f.CampaignID {
		return false
	}
	if f.Status != "" && msg.Status != f.Status {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !msg.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if msg.RetryCount < f.MinRetryCount {
		return false
	}
	return true
}

// Aggregate is a per-status count over a set of messages
type Aggregate struct {
	Counts        map[models.MessageStatus]int `json:"counts"`
	DeliveredCost float64                      `json:"delivered_cost"`
}

// NewAggregate returns an empty aggregate
func NewAggregate() *Aggregate {
	return &Aggregate{Counts: make(map[models.MessageStatus]int)}
}

// Add accounts one message
func (a *Aggregate) Add(msg *models.Message) {
	a.Counts[msg.Status]++
	if msg.Status == models.StatusDelivered {
		a.DeliveredCost += msg.Cost
	}
}

// Total returns the number of messages aggregated
func (a *Aggregate) Total() int {
	total := 0
	for _, n := range a.Counts {
		total += n
	}
	return total
}

// Pending returns the number of messages not yet resolved
func (a *Aggregate) Pending() int {
	return a.Counts[models.StatusQueued] + a.Counts[models.StatusProcessing] + a.Counts[models.StatusPaused]
}

// Failed merges every unsuccessful terminal status
func (a *Aggregate) Failed() int {
	return a.Counts[models.StatusFailed] + a.Counts[models.StatusUndelivered] + a.Counts[models.StatusBlocked]
}

// Store is the document store backing the SMS queue
type Store interface {
	// Campaigns
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	SaveCampaign(ctx context.Context, c *models.Campaign) error
	ListCampaigns(ctx context.Context, statuses ...models.CampaignStatus) ([]*models.Campaign, error)

	// UpdateCampaign applies mutate atomically. Nothing is written when
	// mutate returns false. The returned bool reports whether a write happened.
	UpdateCampaign(ctx context.Context, id string, mutate func(c *models.Campaign) bool) (bool, error)

	// Messages
	InsertMessages(ctx context.Context, msgs []*models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	FindMessageByProviderRef(ctx context.Context, providerID, providerMessageID string) (*models.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*models.Message, error)
	ListEligibleMessages(ctx context.Context, q EligibleQuery) ([]*models.Message, error)

	// TransitionMessage applies upd only if the message is currently in
	// status from. It returns the updated message, or nil when the
	// condition did not hold.
	TransitionMessage(ctx context.Context, id string, from models.MessageStatus, upd MessageUpdate) (*models.Message, error)

	// TransitionCampaignMessages moves every message of a campaign from one
	// status to another and returns how many were moved.
	TransitionCampaignMessages(ctx context.Context, campaignID string, from, to models.MessageStatus, now time.Time) (int, error)

	// AggregateMessages counts messages by status. An empty campaignID
	// aggregates the whole collection.
	AggregateMessages(ctx context.Context, campaignID string) (*Aggregate, error)
	CampaignContactIDs(ctx context.Context, campaignID string) (map[string]struct{}, error)

	// Contacts, ordered by ID
	SaveContact(ctx context.Context, c *models.Contact) error
	ListContacts(ctx context.Context, listID, afterID string, limit int) ([]*models.Contact, error)
	CountContacts(ctx context.Context, listID string) (int, error)

	// Providers
	SaveProvider(ctx context.Context, p *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	ListProviders(ctx context.Context) ([]*models.Provider, error)

	// Pricing and access
	SaveRateDeckAssignment(ctx context.Context, a *models.RateDeckAssignment) error
	ActiveRateDeckAssignment(ctx context.Context, userID string) (*models.RateDeckAssignment, error)
	SaveRate(ctx context.Context, r *models.Rate) error
	FindRate(ctx context.Context, rateDeckID, country string) (*models.Rate, error)
	SaveProviderAssignment(ctx context.Context, a *models.ProviderAssignment) error
	HasProviderAssignment(ctx context.Context, userID, providerID string) (bool, error)

	// Blacklist
	SaveBlacklistedNumber(ctx context.Context, b *models.BlacklistedNumber) error
	BlacklistedNumbers(ctx context.Context, userID string, numbers []string) (map[string]bool, error)

	Close() error
}
