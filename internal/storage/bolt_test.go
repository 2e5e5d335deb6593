package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/models"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()

	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func queuedMessage(id, campaignID string, created time.Time) *models.Message {
	return &models.Message{
		ID:         id,
		CampaignID: campaignID,
		To:         "33612345678",
		Content:    "hello",
		ProviderID: "p1",
		Status:     models.StatusQueued,
		MaxRetries: models.DefaultMaxRetries,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestBoltStoreMessageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.InsertMessages(ctx, []*models.Message{queuedMessage("m1", "c1", now)}))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CampaignID)
	assert.Equal(t, models.StatusQueued, got.Status)

	_, err = store.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreTransitionIsConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.InsertMessages(ctx, []*models.Message{queuedMessage("m1", "c1", now)}))

	claim := MessageUpdate{Status: models.StatusProcessing, IncRetry: true, UpdatedAt: now}

	first, err := store.TransitionMessage(ctx, "m1", models.StatusQueued, claim)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, models.StatusProcessing, first.Status)
	assert.Equal(t, 1, first.RetryCount)

	second, err := store.TransitionMessage(ctx, "m1", models.StatusQueued, claim)
	require.NoError(t, err)
	assert.Nil(t, second, "second claim must not succeed")

	_, err = store.TransitionMessage(ctx, "missing", models.StatusQueued, claim)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreConcurrentClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.InsertMessages(ctx, []*models.Message{queuedMessage("m1", "", now)}))

	claim := MessageUpdate{Status: models.StatusProcessing, IncRetry: true, UpdatedAt: now}
	results := make(chan *models.Message, 10)
	for i := 0; i < 10; i++ {
		go func() {
			msg, err := store.TransitionMessage(ctx, "m1", models.StatusQueued, claim)
			assert.NoError(t, err)
			results <- msg
		}()
	}

	wins := 0
	for i := 0; i < 10; i++ {
		if <-results != nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestBoltStoreEligibleMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	fresh := queuedMessage("fresh", "sending", base.Add(3*time.Second))

	recentRetry := queuedMessage("recent-retry", "sending", base.Add(time.Second))
	recentRetry.RetryCount = 1
	recentRetry.UpdatedAt = time.Now()

	oldRetry := queuedMessage("old-retry", "sending", base.Add(2*time.Second))
	oldRetry.RetryCount = 1

	exhausted := queuedMessage("exhausted", "sending", base)
	exhausted.RetryCount = 3

	paused := queuedMessage("other-campaign", "paused", base)
	adhoc := queuedMessage("adhoc", "", base.Add(4*time.Second))

	sent := queuedMessage("sent", "sending", base)
	sent.Status = models.StatusSent

	require.NoError(t, store.InsertMessages(ctx, []*models.Message{fresh, recentRetry, oldRetry, exhausted, paused, adhoc, sent}))

	got, err := store.ListEligibleMessages(ctx, EligibleQuery{
		CampaignIDs: []string{"sending"},
		RetryBefore: time.Now().Add(-30 * time.Second),
		Limit:       25,
	})
	require.NoError(t, err)

	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"old-retry", "fresh", "adhoc"}, ids, "oldest created first")
}

func TestBoltStoreEligibleRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	var msgs []*models.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, queuedMessage(fmt.Sprintf("m%02d", i), "", base.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, store.InsertMessages(ctx, msgs))

	got, err := store.ListEligibleMessages(ctx, EligibleQuery{RetryBefore: base, Limit: 25})
	require.NoError(t, err)
	assert.Len(t, got, 25)
	assert.Equal(t, "m00", got[0].ID)
}

func TestBoltStoreCampaignMessagesAndAggregate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	delivered := queuedMessage("d", "c1", now)
	delivered.Status = models.StatusDelivered
	delivered.Cost = 0.05
	delivered.ContactID = "k1"

	sent := queuedMessage("s", "c1", now)
	sent.Status = models.StatusSent
	sent.Cost = 0.05
	sent.ContactID = "k2"

	blocked := queuedMessage("b", "c1", now)
	blocked.Status = models.StatusBlocked
	blocked.ContactID = "k3"

	q1 := queuedMessage("q1", "c1", now)
	q1.ContactID = "k4"
	other := queuedMessage("o", "c2", now)

	require.NoError(t, store.InsertMessages(ctx, []*models.Message{delivered, sent, blocked, q1, other}))

	agg, err := store.AggregateMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, agg.Total())
	assert.Equal(t, 1, agg.Pending())
	assert.Equal(t, 1, agg.Failed())
	assert.InDelta(t, 0.05, agg.DeliveredCost, 1e-9)

	moved, err := store.TransitionCampaignMessages(ctx, "c1", models.StatusQueued, models.StatusPaused, now)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	paused, err := store.ListMessages(ctx, MessageFilter{Status: models.StatusPaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "q1", paused[0].ID)

	stillQueued, err := store.ListMessages(ctx, MessageFilter{Status: models.StatusQueued})
	require.NoError(t, err)
	require.Len(t, stillQueued, 1)
	assert.Equal(t, "o", stillQueued[0].ID)

	ids, err := store.CampaignContactIDs(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, ids, 4)

	global, err := store.AggregateMessages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, global.Total())
}

func TestBoltStoreUpdateCampaign(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCampaign(ctx, &models.Campaign{ID: "c1", Status: models.CampaignSending, ContactCount: 2}))

	written, err := store.UpdateCampaign(ctx, "c1", func(c *models.Campaign) bool {
		c.SentCount++
		return true
	})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.UpdateCampaign(ctx, "c1", func(c *models.Campaign) bool { return false })
	require.NoError(t, err)
	assert.False(t, written)

	c, err := store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, int64(1), c.Version)

	_, err = store.UpdateCampaign(ctx, "missing", func(c *models.Campaign) bool { return true })
	assert.ErrorIs(t, err, ErrNotFound)

	sending, err := store.ListCampaigns(ctx, models.CampaignSending)
	require.NoError(t, err)
	assert.Len(t, sending, 1)
	none, err := store.ListCampaigns(ctx, models.CampaignCompleted)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBoltStoreContactPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, store.SaveContact(ctx, &models.Contact{
			ID:          fmt.Sprintf("k%d", i),
			ListID:      "list",
			PhoneNumber: "3361234567" + fmt.Sprint(i),
		}))
	}
	require.NoError(t, store.SaveContact(ctx, &models.Contact{ID: "x", ListID: "list2"}))

	n, err := store.CountContacts(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	var seen []string
	after := ""
	for {
		page, err := store.ListContacts(ctx, "list", after, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			seen = append(seen, c.ID)
		}
		after = page[len(page)-1].ID
	}
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6"}, seen)
}

func TestBoltStorePricingLookups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.ActiveRateDeckAssignment(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveRateDeckAssignment(ctx, &models.RateDeckAssignment{ID: "a1", UserID: "u1", RateDeckID: "old", Active: true, AssignedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.SaveRateDeckAssignment(ctx, &models.RateDeckAssignment{ID: "a2", UserID: "u1", RateDeckID: "new", Active: true, AssignedAt: now}))
	require.NoError(t, store.SaveRateDeckAssignment(ctx, &models.RateDeckAssignment{ID: "a3", UserID: "u1", RateDeckID: "inactive", Active: false, AssignedAt: now.Add(time.Hour)}))

	a, err := store.ActiveRateDeckAssignment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", a.RateDeckID)

	require.NoError(t, store.SaveRate(ctx, &models.Rate{ID: "r1", RateDeckID: "new", Country: "FR", Prefix: "33", Rate: 0.05}))
	r, err := store.FindRate(ctx, "new", "fr")
	require.NoError(t, err)
	assert.Equal(t, "33", r.Prefix)

	_, err = store.FindRate(ctx, "new", "DE")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveProviderAssignment(ctx, &models.ProviderAssignment{ID: "pa1", UserID: "u1", ProviderID: "p1", Active: true}))
	ok, err := store.HasProviderAssignment(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.HasProviderAssignment(ctx, "u1", "p2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveBlacklistedNumber(ctx, &models.BlacklistedNumber{UserID: "u1", PhoneNumber: "33600000000"}))
	blocked, err := store.BlacklistedNumbers(ctx, "u1", []string{"33600000000", "33611111111"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"33600000000": true}, blocked)
}

func TestBoltStoreProviderRef(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.InsertMessages(ctx, []*models.Message{queuedMessage("m1", "", now)}))
	_, err := store.TransitionMessage(ctx, "m1", models.StatusQueued, MessageUpdate{
		Status:            models.StatusSent,
		ProviderMessageID: "ext-42",
		UpdatedAt:         now,
	})
	require.NoError(t, err)

	msg, err := store.FindMessageByProviderRef(ctx, "p1", "ext-42")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)

	_, err = store.FindMessageByProviderRef(ctx, "p1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreStaleFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := queuedMessage("stale", "c1", now.Add(-time.Hour))
	stale.RetryCount = 1
	fresh := queuedMessage("fresh", "c1", now)
	fresh.RetryCount = 1
	firstAttempt := queuedMessage("first", "c1", now.Add(-time.Hour))

	require.NoError(t, store.InsertMessages(ctx, []*models.Message{stale, fresh, firstAttempt}))

	got, err := store.ListMessages(ctx, MessageFilter{
		Status:        models.StatusQueued,
		MinRetryCount: 1,
		UpdatedBefore: now.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].ID)
}

func TestBoltStoreBlacklistNormalizesNumbers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBlacklistedNumber(ctx, &models.BlacklistedNumber{UserID: "u1", PhoneNumber: "+33 6 12 34 56 02"}))
	require.NoError(t, store.SaveBlacklistedNumber(ctx, &models.BlacklistedNumber{UserID: "u1", PhoneNumber: "0033612345603"}))

	blocked, err := store.BlacklistedNumbers(ctx, "u1", []string{"33612345602", "33612345603", "33612345604"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"33612345602": true, "33612345603": true}, blocked)
}
