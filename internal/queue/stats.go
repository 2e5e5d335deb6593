package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/ratelimit"
)

// Stats is a snapshot of the queue
type Stats struct {
	Messages        map[models.MessageStatus]int  `json:"messages"`
	Total           int                           `json:"total"`
	Campaigns       map[models.CampaignStatus]int `json:"campaigns"`
	Providers       []ratelimit.Stats             `json:"providers"`
	ClaimedMessages int                           `json:"claimed_messages"`
	CampaignLocks   int                           `json:"campaign_locks"`
	CycleRunning    bool                          `json:"cycle_running"`
}

// Stats returns message and campaign counts by status along with the
// in-memory dispatch state
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	agg, err := s.store.AggregateMessages(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate messages: %w", err)
	}

	campaigns, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	stats := &Stats{
		Messages:  make(map[models.MessageStatus]int, len(models.AllMessageStatuses)),
		Total:     agg.Total(),
		Campaigns: make(map[models.CampaignStatus]int),
		Providers: s.tracker.Snapshot(),
	}
	for _, st := range models.AllMessageStatuses {
		stats.Messages[st] = agg.Counts[st]
	}
	for _, c := range campaigns {
		stats.Campaigns[c.Status]++
	}
	sort.Slice(stats.Providers, func(i, j int) bool {
		return stats.Providers[i].ProviderID < stats.Providers[j].ProviderID
	})

	s.claimedMu.Lock()
	stats.ClaimedMessages = len(s.claimed)
	s.claimedMu.Unlock()

	s.locksMu.Lock()
	stats.CampaignLocks = len(s.campaignLocks)
	s.locksMu.Unlock()

	stats.CycleRunning = s.cycleRunning.Load()

	return stats, nil
}

// StatusCounts returns message counts keyed by status name
func (s *Service) StatusCounts(ctx context.Context) (map[string]int, error) {
	agg, err := s.store.AggregateMessages(ctx, "")
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(models.AllMessageStatuses))
	for _, st := range models.AllMessageStatuses {
		counts[string(st)] = agg.Counts[st]
	}
	return counts, nil
}
