package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
)

// DeliveryReport is a carrier's final verdict on a sent message. The message
// is identified by our ID or by the provider's reference.
type DeliveryReport struct {
	ProviderID        string
	MessageID         string
	ProviderMessageID string
	Status            models.MessageStatus
	Error             string
}

// HandleDeliveryReport moves a sent message to delivered or undelivered and
// reconciles its campaign. Repeated reports for the same outcome are no-ops.
func (s *Service) HandleDeliveryReport(ctx context.Context, report DeliveryReport) (*models.Message, error) {
	if report.Status != models.StatusDelivered && report.Status != models.StatusUndelivered {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidReport, report.Status)
	}

	msg, err := s.findReportedMessage(ctx, report)
	if err != nil {
		return nil, err
	}
	if msg.Status == report.Status {
		return msg, nil
	}

	now := s.now()
	upd := storage.MessageUpdate{
		Status:    report.Status,
		UpdatedAt: now,
	}
	if report.Status == models.StatusDelivered {
		upd.DeliveredAt = &now
	} else {
		upd.FailedAt = &now
		if report.Error != "" {
			upd.ErrorMessage = &report.Error
		}
	}

	updated, err := s.store.TransitionMessage(ctx, msg.ID, models.StatusSent, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to apply delivery report: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: message %s is %s", ErrInvalidTransition, msg.ID, msg.Status)
	}

	metrics.IncDeliveryReports(string(report.Status))
	s.logger.Info("delivery report applied",
		"message_id", updated.ID,
		"provider_id", updated.ProviderID,
		"status", updated.Status,
	)

	if updated.CampaignID != "" {
		if _, _, err := s.reconcileCampaign(ctx, updated.CampaignID); err != nil {
			s.logger.Error("failed to reconcile after delivery report", "campaign_id", updated.CampaignID, "error", err)
		}
	}
	return updated, nil
}

func (s *Service) findReportedMessage(ctx context.Context, report DeliveryReport) (*models.Message, error) {
	var (
		msg *models.Message
		err error
	)
	switch {
	case report.MessageID != "":
		msg, err = s.store.GetMessage(ctx, report.MessageID)
	case report.ProviderMessageID != "":
		msg, err = s.store.FindMessageByProviderRef(ctx, report.ProviderID, report.ProviderMessageID)
	default:
		return nil, fmt.Errorf("%w: no message reference", ErrInvalidReport)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find reported message: %w", err)
	}

	if report.ProviderID != "" && msg.ProviderID != report.ProviderID {
		return nil, storage.ErrNotFound
	}
	return msg, nil
}
