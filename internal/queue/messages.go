package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
)

// PauseCampaign stops a sending campaign and parks its queued messages.
// It returns how many messages were parked.
func (s *Service) PauseCampaign(ctx context.Context, campaignID string) (int, error) {
	ok, err := s.store.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) bool {
		if c.Status != models.CampaignSending {
			return false
		}
		c.Status = models.CampaignPaused
		c.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to pause campaign %s: %w", campaignID, err)
	}
	if !ok {
		return 0, fmt.Errorf("campaign %s: %w", campaignID, ErrCampaignNotSending)
	}

	n, err := s.store.TransitionCampaignMessages(ctx, campaignID, models.StatusQueued, models.StatusPaused, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to pause messages: %w", err)
	}

	s.logger.Info("campaign paused", "campaign_id", campaignID, "messages", n)
	return n, nil
}

// ResumeCampaign puts a paused campaign back to sending and requeues its
// parked messages
func (s *Service) ResumeCampaign(ctx context.Context, campaignID string) (int, error) {
	ok, err := s.store.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) bool {
		if c.Status != models.CampaignPaused {
			return false
		}
		c.Status = models.CampaignSending
		c.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resume campaign %s: %w", campaignID, err)
	}
	if !ok {
		return 0, fmt.Errorf("campaign %s: %w", campaignID, ErrCampaignNotPaused)
	}

	n, err := s.store.TransitionCampaignMessages(ctx, campaignID, models.StatusPaused, models.StatusQueued, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to resume messages: %w", err)
	}

	s.logger.Info("campaign resumed", "campaign_id", campaignID, "messages", n)
	return n, nil
}

// AdHocMessage is a single send outside any campaign
type AdHocMessage struct {
	UserID     string
	To         string
	SenderID   string
	Content    string
	ProviderID string
	MaxRetries int
}

// EnqueueMessage stores a queued message without a campaign
func (s *Service) EnqueueMessage(ctx context.Context, in AdHocMessage) (*models.Message, error) {
	if _, err := s.store.GetProvider(ctx, in.ProviderID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, in.ProviderID)
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}

	now := s.now()
	msg := &models.Message{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		To:         models.NormalizeNumber(in.To),
		SenderID:   in.SenderID,
		Content:    in.Content,
		Parts:      SegmentCount(in.Content),
		ProviderID: in.ProviderID,
		Status:     models.StatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.InsertMessages(ctx, []*models.Message{msg}); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	s.logger.Info("message enqueued", "message_id", msg.ID, "provider_id", msg.ProviderID)
	return msg, nil
}

// ProcessMessage sends one queued message right away instead of waiting for
// the dispatch loop
func (s *Service) ProcessMessage(ctx context.Context, messageID string) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	if msg.Status != models.StatusQueued {
		return nil, fmt.Errorf("message %s is %s: %w", messageID, msg.Status, ErrMessageNotQueued)
	}

	b := providerBatch{providerID: msg.ProviderID, messages: []*models.Message{msg}}

	provider, err := s.store.GetProvider(ctx, msg.ProviderID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.failBatch(ctx, b, fmt.Sprintf("provider %s not found", msg.ProviderID))
	case err != nil:
		return nil, fmt.Errorf("failed to get provider: %w", err)
	case !provider.Active:
		s.failBatch(ctx, b, fmt.Sprintf("provider %s is inactive", msg.ProviderID))
	default:
		if !s.tracker.Has(provider.ID) {
			if err := s.refreshTrackers(ctx); err != nil {
				return nil, fmt.Errorf("failed to refresh rate trackers: %w", err)
			}
		}
		if s.tracker.CanSend(provider.ID) == 0 {
			return nil, fmt.Errorf("provider %s: %w", provider.ID, ErrRateLimited)
		}
		s.dispatchMessage(ctx, provider, msg)
		if msg.CampaignID != "" {
			s.checkCompletions(ctx, map[string]struct{}{msg.CampaignID: {}})
		}
	}

	return s.store.GetMessage(ctx, messageID)
}
