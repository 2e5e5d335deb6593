package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
)

// QueueResult summarizes one QueueCampaign run
type QueueResult struct {
	CampaignID     string `json:"campaign_id"`
	AlreadyRunning bool   `json:"already_running,omitempty"`
	Queued         int    `json:"queued"`
	Failed         int    `json:"failed"`
	Blocked        int    `json:"blocked"`
	Skipped        int    `json:"skipped"`
}

// pricing is the resolved price and destination boundary of a campaign
type pricing struct {
	rateDeckID string
	rate       float64
	prefix     string
}

// QueueCampaign creates one message per contact of a sending campaign.
// A campaign already being queued in this process is skipped, contacts
// that already have a message are not queued twice.
func (s *Service) QueueCampaign(ctx context.Context, campaignID string) (*QueueResult, error) {
	result := &QueueResult{CampaignID: campaignID}

	if !s.lockCampaign(campaignID) {
		s.logger.Info("campaign is already being queued", "campaign_id", campaignID)
		result.AlreadyRunning = true
		return result, nil
	}
	defer s.unlockCampaign(campaignID)

	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", campaignID, err)
	}
	if campaign.Status != models.CampaignSending {
		return nil, &ConfigError{CampaignID: campaignID, Err: ErrCampaignNotSending, Detail: string(campaign.Status)}
	}

	price, err := s.resolvePricing(ctx, campaign)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("campaign_id", campaignID, "provider_id", campaign.ProviderID)

	if campaign.ContactCount == 0 {
		if err := s.setContactCount(ctx, campaign); err != nil {
			return nil, err
		}
	}

	existing, err := s.store.CampaignContactIDs(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing messages: %w", err)
	}

	afterID := ""
	for {
		contacts, err := s.store.ListContacts(ctx, campaign.ContactListID, afterID, s.cfg.ContactPageSize)
		if err != nil {
			return result, fmt.Errorf("failed to list contacts: %w", err)
		}
		if len(contacts) == 0 {
			break
		}
		afterID = contacts[len(contacts)-1].ID

		rejected, err := s.materializePage(ctx, campaign, price, contacts, existing, result)
		if err != nil {
			return result, err
		}
		if rejected > 0 {
			if err := s.incrementCampaignCounter(ctx, campaignID, counterFailed, rejected, 0); err != nil {
				logger.Error("failed to count rejected contacts", "error", err)
			}
		}

		if len(contacts) < s.cfg.ContactPageSize {
			break
		}
	}

	metrics.IncCampaignsQueued()
	metrics.AddMessagesRejected("prefix_mismatch", result.Failed)
	metrics.AddMessagesRejected("blacklisted", result.Blocked)

	logger.Info("campaign queued",
		"queued", result.Queued,
		"failed", result.Failed,
		"blocked", result.Blocked,
		"skipped", result.Skipped,
		"cost_per_part", price.rate,
	)

	if _, err := s.checkCampaignCompletion(ctx, campaignID); err != nil {
		logger.Error("completion check failed", "error", err)
	}

	return result, nil
}

// materializePage writes the messages of one contact page and returns how
// many contacts were rejected
func (s *Service) materializePage(ctx context.Context, campaign *models.Campaign, price *pricing, contacts []*models.Contact, existing map[string]struct{}, result *QueueResult) (int, error) {
	numbers := make([]string, 0, len(contacts))
	for _, c := range contacts {
		numbers = append(numbers, models.NormalizeNumber(c.PhoneNumber))
	}

	blacklisted, err := s.store.BlacklistedNumbers(ctx, campaign.UserID, numbers)
	if err != nil {
		return 0, fmt.Errorf("failed to check blacklist: %w", err)
	}

	now := s.now()
	msgs := make([]*models.Message, 0, len(contacts))
	rejected := 0

	for i, c := range contacts {
		if _, ok := existing[c.ID]; ok {
			result.Skipped++
			continue
		}

		content := RenderTemplate(campaign.Template, c)
		msg := &models.Message{
			ID:         uuid.New().String(),
			CampaignID: campaign.ID,
			UserID:     campaign.UserID,
			ContactID:  c.ID,
			To:         numbers[i],
			SenderID:   campaign.SenderID,
			Content:    content,
			Parts:      SegmentCount(content),
			ProviderID: campaign.ProviderID,
			Prefix:     price.prefix,
			RateDeckID: price.rateDeckID,
			MaxRetries: s.cfg.DefaultMaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		switch {
		case !models.MatchesPrefix(msg.To, price.prefix):
			msg.Status = models.StatusFailed
			msg.ErrorMessage = fmt.Sprintf("number %s does not match prefix %s of %s", msg.To, price.prefix, campaign.Country)
			msg.FailedAt = &now
			result.Failed++
			rejected++
		case blacklisted[msg.To]:
			msg.Status = models.StatusBlocked
			msg.ErrorMessage = "number is blacklisted"
			msg.FailedAt = &now
			result.Blocked++
			rejected++
		default:
			msg.Status = models.StatusQueued
			msg.Cost = price.rate * float64(msg.Parts)
			result.Queued++
		}

		msgs = append(msgs, msg)
	}

	if err := s.store.InsertMessages(ctx, msgs); err != nil {
		return 0, fmt.Errorf("failed to insert messages: %w", err)
	}
	return rejected, nil
}

// resolvePricing checks that the campaign can be sent at a defined price
// through a provider the user may use
func (s *Service) resolvePricing(ctx context.Context, campaign *models.Campaign) (*pricing, error) {
	assignment, err := s.store.ActiveRateDeckAssignment(ctx, campaign.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &ConfigError{CampaignID: campaign.ID, Err: ErrNoRateDeck, Detail: campaign.UserID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate deck assignment: %w", err)
	}

	rate, err := s.store.FindRate(ctx, assignment.RateDeckID, campaign.Country)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &ConfigError{CampaignID: campaign.ID, Err: ErrNoRate, Detail: campaign.Country}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate: %w", err)
	}

	prefix := models.NormalizeNumber(rate.Prefix)
	if prefix == "" {
		return nil, &ConfigError{CampaignID: campaign.ID, Err: ErrNoRate, Detail: "rate for " + campaign.Country + " has no prefix"}
	}

	assigned, err := s.store.HasProviderAssignment(ctx, campaign.UserID, campaign.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check provider assignment: %w", err)
	}
	if !assigned {
		return nil, &ConfigError{CampaignID: campaign.ID, Err: ErrNoProviderAssignment, Detail: campaign.ProviderID}
	}

	provider, err := s.store.GetProvider(ctx, campaign.ProviderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &ConfigError{CampaignID: campaign.ID, Err: ErrProviderNotFound, Detail: campaign.ProviderID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	if len(provider.SupportedCountries) > 0 && !containsFold(provider.SupportedCountries, campaign.Country) {
		return nil, &ConfigError{CampaignID: campaign.ID, Err: ErrCountryNotSupported, Detail: campaign.Country}
	}

	return &pricing{
		rateDeckID: assignment.RateDeckID,
		rate:       rate.Rate,
		prefix:     prefix,
	}, nil
}

func (s *Service) setContactCount(ctx context.Context, campaign *models.Campaign) error {
	n, err := s.store.CountContacts(ctx, campaign.ContactListID)
	if err != nil {
		return fmt.Errorf("failed to count contacts: %w", err)
	}

	_, err = s.store.UpdateCampaign(ctx, campaign.ID, func(c *models.Campaign) bool {
		if c.ContactCount != 0 {
			return false
		}
		c.ContactCount = n
		c.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to set contact count: %w", err)
	}
	campaign.ContactCount = n
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
