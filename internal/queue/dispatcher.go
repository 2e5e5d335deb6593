package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
	"github.com/foxzi/smsqueue/internal/transport"
)

type providerBatch struct {
	providerID string
	messages   []*models.Message
}

// RunCycle performs one dispatch pass. It returns immediately when the
// previous pass is still running.
func (s *Service) RunCycle(ctx context.Context) error {
	if !s.cycleRunning.CompareAndSwap(false, true) {
		s.logger.Debug("previous dispatch cycle still running, skipping tick")
		return nil
	}
	defer s.cycleRunning.Store(false)

	start := time.Now()
	defer func() { metrics.ObserveDispatchCycle(time.Since(start)) }()

	if err := s.sweepStuckRetries(ctx); err != nil {
		s.logger.Error("stuck retry sweep failed", "error", err)
	}

	msgs, err := s.eligibleMessages(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	batches := groupByProvider(msgs)
	s.logger.Debug("dispatching", "messages", len(msgs), "providers", len(batches))

	var sem chan struct{}
	if s.cfg.MaxConcurrentProviders > 0 {
		sem = make(chan struct{}, s.cfg.MaxConcurrentProviders)
	}

	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(b providerBatch) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
			}
			s.processProviderBatch(ctx, b)
		}(b)
	}
	wg.Wait()

	return nil
}

// eligibleMessages returns the oldest queued messages ready for an attempt,
// minus the ones this process already holds
func (s *Service) eligibleMessages(ctx context.Context) ([]*models.Message, error) {
	campaigns, err := s.store.ListCampaigns(ctx, models.CampaignSending)
	if err != nil {
		return nil, fmt.Errorf("failed to list sending campaigns: %w", err)
	}

	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
	}

	msgs, err := s.store.ListEligibleMessages(ctx, storage.EligibleQuery{
		CampaignIDs: ids,
		RetryBefore: s.now().Add(-s.cfg.RetryBackoff),
		Limit:       s.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible messages: %w", err)
	}

	filtered := msgs[:0]
	for _, msg := range msgs {
		if !s.isClaimed(msg.ID) {
			filtered = append(filtered, msg)
		}
	}
	return filtered, nil
}

// groupByProvider keeps the fetch order inside each group and the order of
// first appearance across groups
func groupByProvider(msgs []*models.Message) []providerBatch {
	index := make(map[string]int)
	var batches []providerBatch

	for _, msg := range msgs {
		i, ok := index[msg.ProviderID]
		if !ok {
			i = len(batches)
			index[msg.ProviderID] = i
			batches = append(batches, providerBatch{providerID: msg.ProviderID})
		}
		batches[i].messages = append(batches[i].messages, msg)
	}
	return batches
}

// processProviderBatch sends one provider's messages sequentially within
// the provider's current budget
func (s *Service) processProviderBatch(ctx context.Context, b providerBatch) {
	logger := s.logger.With("provider_id", b.providerID)

	provider, err := s.store.GetProvider(ctx, b.providerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to load provider", "error", err)
		return
	}

	if provider != nil && provider.Active && !s.tracker.Has(b.providerID) {
		if err := s.refreshTrackers(ctx); err != nil {
			logger.Error("failed to refresh rate trackers", "error", err)
			return
		}
	}

	var reason string
	switch {
	case provider == nil:
		reason = fmt.Sprintf("provider %s not found", b.providerID)
	case !provider.Active:
		reason = fmt.Sprintf("provider %s is inactive", b.providerID)
	case !s.tracker.Has(b.providerID):
		reason = fmt.Sprintf("no rate tracker for provider %s", b.providerID)
	}
	if reason != "" {
		logger.Warn("provider unavailable, failing batch", "reason", reason, "messages", len(b.messages))
		s.failBatch(ctx, b, reason)
		return
	}

	allowed := s.tracker.CanSend(b.providerID)
	if allowed == 0 {
		logger.Debug("provider send budget exhausted", "waiting", len(b.messages))
		metrics.IncRateLimited(b.providerID)
		return
	}

	msgs := b.messages
	if len(msgs) > allowed {
		msgs = msgs[:allowed]
	}

	touched := make(map[string]struct{})
	for i, msg := range msgs {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.SendDelay); err != nil {
				break
			}
		}
		s.dispatchMessage(ctx, provider, msg)
		if msg.CampaignID != "" {
			touched[msg.CampaignID] = struct{}{}
		}
	}

	s.checkCompletions(ctx, touched)
}

// dispatchMessage claims, sends and resolves one message
func (s *Service) dispatchMessage(ctx context.Context, provider *models.Provider, msg *models.Message) {
	if !s.claim(msg.ID) {
		return
	}
	defer s.release(msg.ID)

	logger := s.logger.With("message_id", msg.ID, "provider_id", provider.ID)

	claimed, err := s.store.TransitionMessage(ctx, msg.ID, models.StatusQueued, storage.MessageUpdate{
		Status:    models.StatusProcessing,
		IncRetry:  true,
		UpdatedAt: s.now(),
	})
	if err != nil {
		logger.Error("failed to claim message", "error", err)
		return
	}
	if claimed == nil {
		logger.Debug("message claimed elsewhere")
		return
	}

	s.tracker.Record(provider.ID, 1)

	logger.Debug("sending message", "to", claimed.To, "attempt", claimed.RetryCount)

	res, err := s.send(ctx, provider, claimed)
	switch {
	case err != nil:
		s.handleSendError(ctx, claimed, err)
	case res.Success:
		s.markSent(ctx, claimed, res)
	case res.IsRetryable() && claimed.RetryCount < claimed.MaxRetries:
		s.requeue(ctx, claimed, res.Error, res.Response)
	default:
		s.markFailed(ctx, claimed, res.Error, res.Response, "send_error")
	}
}

// send calls the transport with a timeout, turning a panic into an error
func (s *Service) send(ctx context.Context, provider *models.Provider, msg *models.Message) (res transport.Result, err error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()

	return s.sender.Send(sendCtx, provider, msg)
}

func (s *Service) markSent(ctx context.Context, msg *models.Message, res transport.Result) {
	now := s.now()
	updated, err := s.store.TransitionMessage(ctx, msg.ID, models.StatusProcessing, storage.MessageUpdate{
		Status:            models.StatusSent,
		ProviderMessageID: res.MessageID,
		ProviderResponse:  res.Response,
		SentAt:            &now,
		UpdatedAt:         now,
	})
	if err != nil {
		s.logger.Error("failed to mark message sent", "message_id", msg.ID, "error", err)
		return
	}
	if updated == nil {
		return
	}

	metrics.IncMessagesSent(msg.ProviderID)
	s.logger.Info("message sent",
		"message_id", msg.ID,
		"provider_id", msg.ProviderID,
		"provider_message_id", res.MessageID,
		"attempt", msg.RetryCount,
	)

	if msg.CampaignID != "" {
		if err := s.incrementCampaignCounter(ctx, msg.CampaignID, counterSent, 1, msg.Cost); err != nil {
			s.logger.Error("failed to increment sent count", "campaign_id", msg.CampaignID, "error", err)
		}
	}
}

func (s *Service) requeue(ctx context.Context, msg *models.Message, errMsg, response string) {
	updated, err := s.store.TransitionMessage(ctx, msg.ID, models.StatusProcessing, storage.MessageUpdate{
		Status:           models.StatusQueued,
		ErrorMessage:     &errMsg,
		ProviderResponse: response,
		UpdatedAt:        s.now(),
	})
	if err != nil {
		s.logger.Error("failed to requeue message", "message_id", msg.ID, "error", err)
		return
	}
	if updated == nil {
		return
	}

	metrics.IncMessagesRetried(msg.ProviderID)
	s.logger.Warn("send failed, will retry",
		"message_id", msg.ID,
		"provider_id", msg.ProviderID,
		"retry_count", msg.RetryCount,
		"max_retries", msg.MaxRetries,
		"error", errMsg,
	)
}

// markFailed resolves a processing message as terminally failed
func (s *Service) markFailed(ctx context.Context, msg *models.Message, errMsg, response, reason string) {
	now := s.now()
	updated, err := s.store.TransitionMessage(ctx, msg.ID, models.StatusProcessing, storage.MessageUpdate{
		Status:           models.StatusFailed,
		ErrorMessage:     &errMsg,
		ProviderResponse: response,
		FailedAt:         &now,
		UpdatedAt:        now,
	})
	if err != nil {
		s.logger.Error("failed to mark message failed", "message_id", msg.ID, "error", err)
		return
	}
	if updated == nil {
		return
	}

	metrics.IncMessagesFailed(msg.ProviderID, reason)
	s.logger.Error("message failed permanently",
		"message_id", msg.ID,
		"provider_id", msg.ProviderID,
		"retry_count", msg.RetryCount,
		"error", errMsg,
	)

	if msg.CampaignID != "" {
		if err := s.incrementCampaignCounter(ctx, msg.CampaignID, counterFailed, 1, 0); err != nil {
			s.logger.Error("failed to increment failed count", "campaign_id", msg.CampaignID, "error", err)
		}
	}
}

// handleSendError covers a transport that errored or panicked instead of
// returning a result
func (s *Service) handleSendError(ctx context.Context, msg *models.Message, sendErr error) {
	s.logger.Warn("transport error", "message_id", msg.ID, "provider_id", msg.ProviderID, "error", sendErr)

	if msg.RetryCount < msg.MaxRetries {
		s.requeue(ctx, msg, sendErr.Error(), "")
		return
	}
	s.markFailed(ctx, msg, sendErr.Error(), "", "exception")
}

// failBatch terminally fails queued messages of an unavailable provider
func (s *Service) failBatch(ctx context.Context, b providerBatch, reason string) {
	touched := make(map[string]struct{})
	for _, msg := range b.messages {
		if s.failQueued(ctx, msg, reason, nil, "provider_unavailable") && msg.CampaignID != "" {
			touched[msg.CampaignID] = struct{}{}
		}
	}
	s.checkCompletions(ctx, touched)
}

// failQueued moves a queued message to failed and counts it against its
// campaign. It reports whether the transition happened.
func (s *Service) failQueued(ctx context.Context, msg *models.Message, errMsg string, retryCount *int, reason string) bool {
	now := s.now()
	updated, err := s.store.TransitionMessage(ctx, msg.ID, models.StatusQueued, storage.MessageUpdate{
		Status:       models.StatusFailed,
		RetryCount:   retryCount,
		ErrorMessage: &errMsg,
		FailedAt:     &now,
		UpdatedAt:    now,
	})
	if err != nil {
		s.logger.Error("failed to fail message", "message_id", msg.ID, "error", err)
		return false
	}
	if updated == nil {
		return false
	}

	metrics.IncMessagesFailed(msg.ProviderID, reason)
	if msg.CampaignID != "" {
		if err := s.incrementCampaignCounter(ctx, msg.CampaignID, counterFailed, 1, 0); err != nil {
			s.logger.Error("failed to increment failed count", "campaign_id", msg.CampaignID, "error", err)
		}
	}
	return true
}

// sweepStuckRetries fails retries that have waited in queued longer than
// the stuck timeout
func (s *Service) sweepStuckRetries(ctx context.Context) error {
	msgs, err := s.store.ListMessages(ctx, storage.MessageFilter{
		Status:        models.StatusQueued,
		UpdatedBefore: s.now().Add(-s.cfg.StuckTimeout),
		MinRetryCount: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to list stuck retries: %w", err)
	}

	touched := make(map[string]struct{})
	for _, msg := range msgs {
		if s.isClaimed(msg.ID) {
			continue
		}
		annotated := strings.TrimSpace(fmt.Sprintf("%s (Retry timeout after %s)", msg.ErrorMessage, s.cfg.StuckTimeout))
		maxRetries := msg.MaxRetries
		if s.failQueued(ctx, msg, annotated, &maxRetries, "retry_timeout") {
			s.logger.Warn("retry timed out", "message_id", msg.ID, "campaign_id", msg.CampaignID, "retry_count", msg.RetryCount)
			if msg.CampaignID != "" {
				touched[msg.CampaignID] = struct{}{}
			}
		}
	}

	s.checkCompletions(ctx, touched)
	return nil
}

// recoverProcessing resolves processing messages left behind by an
// interrupted attempt
func (s *Service) recoverProcessing(ctx context.Context) error {
	msgs, err := s.store.ListMessages(ctx, storage.MessageFilter{
		Status:        models.StatusProcessing,
		UpdatedBefore: s.now().Add(-s.cfg.StuckTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to list processing messages: %w", err)
	}

	touched := make(map[string]struct{})
	for _, msg := range msgs {
		if s.isClaimed(msg.ID) {
			continue
		}
		errMsg := strings.TrimSpace(msg.ErrorMessage + " (attempt interrupted)")
		if msg.RetryCount < msg.MaxRetries {
			s.requeue(ctx, msg, errMsg, "")
			continue
		}
		s.markFailed(ctx, msg, errMsg, "", "interrupted")
		if msg.CampaignID != "" {
			touched[msg.CampaignID] = struct{}{}
		}
	}

	if len(msgs) > 0 {
		s.logger.Info("recovered processing messages", "count", len(msgs))
	}
	s.checkCompletions(ctx, touched)
	return nil
}

func (s *Service) checkCompletions(ctx context.Context, campaignIDs map[string]struct{}) {
	for id := range campaignIDs {
		if _, err := s.checkCampaignCompletion(ctx, id); err != nil {
			s.logger.Error("completion check failed", "campaign_id", id, "error", err)
		}
	}
}
