package queue

import (
	"context"
	"fmt"
	"math"

	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
)

type counterField int

const (
	counterSent counterField = iota
	counterDelivered
	counterFailed
)

func (f counterField) String() string {
	switch f {
	case counterSent:
		return "sent"
	case counterDelivered:
		return "delivered"
	default:
		return "failed"
	}
}

func counterRef(c *models.Campaign, f counterField) *int {
	switch f {
	case counterSent:
		return &c.SentCount
	case counterDelivered:
		return &c.DeliveredCount
	default:
		return &c.FailedCount
	}
}

// incrementCampaignCounter raises a counter by n, capped at the contact
// count. A counter never goes down here. cost is added to the estimated
// cost of the campaign.
func (s *Service) incrementCampaignCounter(ctx context.Context, campaignID string, field counterField, n int, cost float64) error {
	_, err := s.store.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) bool {
		changed := false

		counter := counterRef(c, field)
		next := min(*counter+n, c.ContactCount)
		if next > *counter {
			*counter = next
			changed = true
		}
		if cost > 0 {
			c.EstimatedCost += cost
			changed = true
		}

		if changed {
			c.UpdatedAt = s.now()
		}
		return changed
	})
	if err != nil {
		return fmt.Errorf("failed to increment %s count: %w", field, err)
	}
	return nil
}

// checkCampaignCompletion completes the campaign when no message is pending
// any more, otherwise refreshes its progress. It reports whether this call
// completed the campaign.
func (s *Service) checkCampaignCompletion(ctx context.Context, campaignID string) (bool, error) {
	agg, err := s.store.AggregateMessages(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("failed to aggregate messages: %w", err)
	}

	if agg.Pending() > 0 || agg.Total() == 0 {
		return false, s.updateProgress(ctx, campaignID, agg)
	}

	now := s.now()
	var completed models.Campaign
	ok, err := s.store.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) bool {
		if c.Status != models.CampaignSending && c.Status != models.CampaignPaused {
			return false
		}
		applyAggregate(c, agg)
		c.ActualCost = agg.DeliveredCost
		c.Status = models.CampaignCompleted
		c.Progress = 100
		c.CompletedAt = &now
		c.UpdatedAt = now
		c.BillingPending = s.biller != nil
		completed = *c
		return true
	})
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}
	if !ok {
		return false, nil
	}

	metrics.IncCampaignsCompleted()
	s.logger.Info("campaign completed",
		"campaign_id", campaignID,
		"sent", completed.SentCount,
		"delivered", completed.DeliveredCount,
		"failed", completed.FailedCount,
		"actual_cost", completed.ActualCost,
	)

	if completed.BillingPending {
		if _, err := s.billCampaign(ctx, campaignID); err != nil {
			s.logger.Error("campaign billing failed, will retry", "campaign_id", campaignID, "error", err)
		}
	}
	return true, nil
}

// billCampaign bills a completed campaign still flagged as pending and
// clears the flag. It reports whether billing went through.
func (s *Service) billCampaign(ctx context.Context, campaignID string) (bool, error) {
	s.billingMu.Lock()
	defer s.billingMu.Unlock()

	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("failed to get campaign: %w", err)
	}
	if c.Status != models.CampaignCompleted || !c.BillingPending {
		return false, nil
	}

	if err := s.biller.ProcessCampaignBilling(ctx, c); err != nil {
		return false, fmt.Errorf("failed to bill campaign: %w", err)
	}

	_, err = s.store.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) bool {
		if !c.BillingPending {
			return false
		}
		c.BillingPending = false
		return true
	})
	if err != nil {
		return true, fmt.Errorf("failed to clear billing flag: %w", err)
	}
	return true, nil
}

// retryPendingBilling bills completed campaigns whose billing failed earlier
func (s *Service) retryPendingBilling(ctx context.Context) int {
	if s.biller == nil {
		return 0
	}

	campaigns, err := s.store.ListCampaigns(ctx, models.CampaignCompleted)
	if err != nil {
		s.logger.Error("failed to list completed campaigns", "error", err)
		return 0
	}

	billed := 0
	for _, c := range campaigns {
		if !c.BillingPending {
			continue
		}
		ok, err := s.billCampaign(ctx, c.ID)
		if err != nil {
			s.logger.Warn("campaign billing retry failed", "campaign_id", c.ID, "error", err)
			continue
		}
		if ok {
			billed++
		}
	}
	return billed
}

func (s *Service) updateProgress(ctx context.Context, campaignID string, agg *storage.Aggregate) error {
	processed := agg.Total() - agg.Pending()

	_, err := s.store.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) bool {
		if c.Status == models.CampaignCompleted {
			return false
		}
		p := progress(processed, c.ContactCount)
		if p == c.Progress {
			return false
		}
		c.Progress = p
		c.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// SyncResult summarizes a reconciliation run
type SyncResult struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Completed int `json:"completed"`
	Billed    int `json:"billed"`
}

// SynchronizeCampaignCounters recomputes campaign counters from the
// message records. An empty campaignID reconciles every sending or paused
// campaign.
func (s *Service) SynchronizeCampaignCounters(ctx context.Context, campaignID string) (*SyncResult, error) {
	var ids []string
	if campaignID != "" {
		ids = []string{campaignID}
	} else {
		campaigns, err := s.store.ListCampaigns(ctx, models.CampaignSending, models.CampaignPaused)
		if err != nil {
			return nil, fmt.Errorf("failed to list campaigns: %w", err)
		}
		for _, c := range campaigns {
			ids = append(ids, c.ID)
		}
	}

	result := &SyncResult{}
	for _, id := range ids {
		corrected, completed, err := s.reconcileCampaign(ctx, id)
		if err != nil {
			if campaignID != "" {
				return nil, err
			}
			s.logger.Error("failed to reconcile campaign", "campaign_id", id, "error", err)
			continue
		}
		result.Checked++
		if corrected {
			result.Corrected++
		}
		if completed {
			result.Completed++
		}
	}

	if campaignID == "" {
		result.Billed = s.retryPendingBilling(ctx)
	}

	if result.Corrected > 0 || result.Completed > 0 || result.Billed > 0 {
		s.logger.Info("campaign counters synchronized",
			"checked", result.Checked,
			"corrected", result.Corrected,
			"completed", result.Completed,
			"billed", result.Billed,
		)
	}
	return result, nil
}

type counterSnapshot struct {
	Sent      int
	Delivered int
	Failed    int
	Progress  int
	Cost      float64
}

func snapshotCounters(c *models.Campaign) counterSnapshot {
	return counterSnapshot{
		Sent:      c.SentCount,
		Delivered: c.DeliveredCount,
		Failed:    c.FailedCount,
		Progress:  c.Progress,
		Cost:      c.ActualCost,
	}
}

// reconcileCampaign overwrites drifted counters with the aggregation and
// completes the campaign when nothing is pending. A completed campaign is
// never reopened.
func (s *Service) reconcileCampaign(ctx context.Context, campaignID string) (bool, bool, error) {
	agg, err := s.store.AggregateMessages(ctx, campaignID)
	if err != nil {
		return false, false, fmt.Errorf("failed to aggregate messages: %w", err)
	}

	var before, after counterSnapshot
	corrected, err := s.store.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) bool {
		before = snapshotCounters(c)

		applyAggregate(c, agg)
		if c.Status == models.CampaignCompleted {
			c.ActualCost = agg.DeliveredCost
			c.Progress = 100
		} else {
			c.Progress = progress(agg.Total()-agg.Pending(), c.ContactCount)
		}

		after = snapshotCounters(c)
		if before == after {
			return false
		}
		c.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to reconcile campaign %s: %w", campaignID, err)
	}

	if corrected {
		metrics.IncReconcileCorrections()
		s.logger.Warn("campaign counters drifted, corrected",
			"campaign_id", campaignID,
			"sent_before", before.Sent, "sent_after", after.Sent,
			"delivered_before", before.Delivered, "delivered_after", after.Delivered,
			"failed_before", before.Failed, "failed_after", after.Failed,
			"progress_before", before.Progress, "progress_after", after.Progress,
		)
	}

	completed := false
	if agg.Pending() == 0 && agg.Total() > 0 {
		completed, err = s.checkCampaignCompletion(ctx, campaignID)
		if err != nil {
			return corrected, false, err
		}
	}
	return corrected, completed, nil
}

func applyAggregate(c *models.Campaign, agg *storage.Aggregate) {
	c.SentCount = agg.Counts[models.StatusSent]
	c.DeliveredCount = agg.Counts[models.StatusDelivered]
	c.FailedCount = agg.Failed()
}

func progress(processed, contactCount int) int {
	if contactCount <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(contactCount) * 100))
	return max(0, min(p, 100))
}
