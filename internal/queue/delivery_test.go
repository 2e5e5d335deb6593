package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
)

func sentCampaign(t *testing.T, n int) *testEnv {
	t.Helper()
	env := newTestEnv(t, nil)
	env.seed(t, nil, frenchNumbers(n)...)

	_, err := env.svc.QueueCampaign(context.Background(), "c1")
	require.NoError(t, err)
	env.runCycles(t, 1, time.Second)
	require.Equal(t, models.CampaignCompleted, env.campaign(t, "c1").Status)
	return env
}

func TestDeliveryReportByMessageID(t *testing.T) {
	env := sentCampaign(t, 3)
	ctx := context.Background()
	msg := env.messages(t, "c1")[0]

	got, err := env.svc.HandleDeliveryReport(ctx, DeliveryReport{
		ProviderID: "sim",
		MessageID:  msg.ID,
		Status:     models.StatusDelivered,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)

	c := env.campaign(t, "c1")
	assert.Equal(t, 2, c.SentCount)
	assert.Equal(t, 1, c.DeliveredCount)
	assert.InDelta(t, 0.05, c.ActualCost, 1e-9, "only delivered messages are billed")
	assert.Equal(t, models.CampaignCompleted, c.Status)

	again, err := env.svc.HandleDeliveryReport(ctx, DeliveryReport{MessageID: msg.ID, Status: models.StatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, again.Status)

	_, err = env.svc.HandleDeliveryReport(ctx, DeliveryReport{MessageID: msg.ID, Status: models.StatusUndelivered})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeliveryReportByProviderReference(t *testing.T) {
	env := sentCampaign(t, 2)
	ctx := context.Background()
	msg := env.messages(t, "c1")[1]

	got, err := env.svc.HandleDeliveryReport(ctx, DeliveryReport{
		ProviderID:        "sim",
		ProviderMessageID: "ref-" + msg.ID,
		Status:            models.StatusUndelivered,
		Error:             "absent subscriber",
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, models.StatusUndelivered, got.Status)
	assert.Equal(t, "absent subscriber", got.ErrorMessage)

	c := env.campaign(t, "c1")
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
	assert.Zero(t, c.ActualCost)
}

func TestDeliveryReportRejects(t *testing.T) {
	env := sentCampaign(t, 1)
	ctx := context.Background()
	msg := env.messages(t, "c1")[0]

	_, err := env.svc.HandleDeliveryReport(ctx, DeliveryReport{MessageID: msg.ID, Status: models.StatusFailed})
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = env.svc.HandleDeliveryReport(ctx, DeliveryReport{Status: models.StatusDelivered})
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = env.svc.HandleDeliveryReport(ctx, DeliveryReport{MessageID: "missing", Status: models.StatusDelivered})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = env.svc.HandleDeliveryReport(ctx, DeliveryReport{ProviderID: "other", MessageID: msg.ID, Status: models.StatusDelivered})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeliveryReportOnQueuedMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seed(t, nil, frenchNumbers(1)...)

	_, err := env.svc.QueueCampaign(ctx, "c1")
	require.NoError(t, err)
	msg := env.messages(t, "c1")[0]

	_, err = env.svc.HandleDeliveryReport(ctx, DeliveryReport{MessageID: msg.ID, Status: models.StatusDelivered})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seed(t, &models.Provider{
		ID: "slow", Kind: models.KindSimulation, Active: true, MessagesPerSecond: 2,
	}, append(frenchNumbers(4), "+1 202 555 0100")...)

	_, err := env.svc.QueueCampaign(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, env.svc.RunCycle(ctx))

	stats, err := env.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Messages[models.StatusSent])
	assert.Equal(t, 2, stats.Messages[models.StatusQueued])
	assert.Equal(t, 1, stats.Messages[models.StatusFailed])
	assert.Equal(t, 0, stats.Messages[models.StatusDelivered])
	assert.Equal(t, 1, stats.Campaigns[models.CampaignSending])
	require.Len(t, stats.Providers, 1)
	assert.Equal(t, "slow", stats.Providers[0].ProviderID)
	assert.Equal(t, 2, stats.Providers[0].SecondCount)
	assert.Zero(t, stats.ClaimedMessages)

	counts, err := env.svc.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["sent"])
	assert.Contains(t, counts, "paused")
}
