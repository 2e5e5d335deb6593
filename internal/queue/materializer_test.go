package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/models"
)

func TestQueueCampaignScreensContacts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	numbers := append(frenchNumbers(3), "+44 7700 900123")
	env.seed(t, nil, numbers...)
	require.NoError(t, env.store.SaveBlacklistedNumber(ctx, &models.BlacklistedNumber{
		ID: "bl1", UserID: "u1", PhoneNumber: "33612345602",
	}))

	res, err := env.svc.QueueCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Blocked)

	byContact := make(map[string]*models.Message)
	for _, m := range env.messages(t, "c1") {
		byContact[m.ContactID] = m
	}
	require.Len(t, byContact, 4)

	queued := byContact["ct000"]
	assert.Equal(t, models.StatusQueued, queued.Status)
	assert.Equal(t, "33612345600", queued.To)
	assert.Equal(t, "Hi Contact0, {{unknown}} stays", queued.Content)
	assert.Equal(t, "33", queued.Prefix)
	assert.Equal(t, "deck1", queued.RateDeckID)
	assert.Equal(t, models.DefaultMaxRetries, queued.MaxRetries)
	assert.Equal(t, 0, queued.RetryCount)
	assert.InDelta(t, 0.05, queued.Cost, 1e-9)

	blocked := byContact["ct002"]
	assert.Equal(t, models.StatusBlocked, blocked.Status)
	assert.Zero(t, blocked.Cost)

	foreign := byContact["ct003"]
	assert.Equal(t, models.StatusFailed, foreign.Status)
	assert.Zero(t, foreign.Cost)
	assert.Equal(t, "Hi Contact3, {{unknown}} stays", foreign.Content)
	assert.Contains(t, foreign.ErrorMessage, "prefix")

	c := env.campaign(t, "c1")
	assert.Equal(t, 4, c.ContactCount)
	assert.Equal(t, 2, c.FailedCount)
	assert.Equal(t, models.CampaignSending, c.Status)

	assert.Zero(t, env.sender.Total())
}

func TestQueueCampaignBlocksFormattedBlacklistEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.seed(t, nil, frenchNumbers(3)...)
	require.NoError(t, env.store.SaveBlacklistedNumber(ctx, &models.BlacklistedNumber{
		ID: "bl1", UserID: "u1", PhoneNumber: "+33 6 12 34 56 02",
	}))

	res, err := env.svc.QueueCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, 1, res.Blocked)

	env.runCycles(t, 3, time.Second)

	for _, m := range env.messages(t, "c1") {
		if m.ContactID == "ct002" {
			assert.Equal(t, models.StatusBlocked, m.Status)
			assert.Zero(t, m.Cost)
			assert.Zero(t, env.sender.Calls(m.ID))
		}
	}
	assert.Equal(t, 2, env.sender.Total())
}

func TestQueueCampaignCostUsesSegments(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.seed(t, nil, frenchNumbers(1)...)
	_, err := env.store.UpdateCampaign(ctx, "c1", func(c *models.Campaign) bool {
		c.Template = "Привет {{firstName}}! Это длинное сообщение, которое не помещается в один сегмент UCS-2 из семидесяти символов."
		return true
	})
	require.NoError(t, err)

	_, err = env.svc.QueueCampaign(ctx, "c1")
	require.NoError(t, err)

	msgs := env.messages(t, "c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].Parts)
	assert.InDelta(t, 0.10, msgs[0].Cost, 1e-9)
}

func TestQueueCampaignPagesAndResumes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.svc.cfg.ContactPageSize = 2

	env.seed(t, nil, frenchNumbers(5)...)

	res, err := env.svc.QueueCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Queued)

	res, err = env.svc.QueueCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Queued)
	assert.Equal(t, 5, res.Skipped)

	assert.Len(t, env.messages(t, "c1"), 5)
}

func TestQueueCampaignConcurrentCallsCreateOneSet(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seed(t, nil, frenchNumbers(20)...)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.QueueCampaign(ctx, "c1")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, env.messages(t, "c1"), 20)
}

func TestQueueCampaignAlreadyLocked(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, nil, frenchNumbers(2)...)

	require.True(t, env.svc.lockCampaign("c1"))
	res, err := env.svc.QueueCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyRunning)
	assert.Empty(t, env.messages(t, "c1"))
}

func TestQueueCampaignConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, env *testEnv)
		want   error
	}{
		{
			name: "not sending",
			mutate: func(t *testing.T, env *testEnv) {
				setCampaign(t, env, func(c *models.Campaign) { c.Status = models.CampaignDraft })
			},
			want: ErrCampaignNotSending,
		},
		{
			name: "no rate deck",
			mutate: func(t *testing.T, env *testEnv) {
				setCampaign(t, env, func(c *models.Campaign) { c.UserID = "u2" })
			},
			want: ErrNoRateDeck,
		},
		{
			name: "no rate for country",
			mutate: func(t *testing.T, env *testEnv) {
				setCampaign(t, env, func(c *models.Campaign) { c.Country = "DE" })
			},
			want: ErrNoRate,
		},
		{
			name: "provider not assigned",
			mutate: func(t *testing.T, env *testEnv) {
				setCampaign(t, env, func(c *models.Campaign) { c.ProviderID = "other" })
			},
			want: ErrNoProviderAssignment,
		},
		{
			name: "country not supported",
			mutate: func(t *testing.T, env *testEnv) {
				require.NoError(t, env.store.SaveProvider(context.Background(), &models.Provider{
					ID: "sim", Kind: models.KindSimulation, Active: true, SupportedCountries: []string{"BE", "LU"},
				}))
			},
			want: ErrCountryNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.seed(t, nil, frenchNumbers(2)...)
			tt.mutate(t, env)

			_, err := env.svc.QueueCampaign(context.Background(), "c1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsConfigError(err))
			assert.Empty(t, env.messages(t, "c1"))

			// lock released
			assert.True(t, env.svc.lockCampaign("c1"))
		})
	}
}

func TestQueueCampaignSupportedCountryIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, &models.Provider{
		ID: "sim", Kind: models.KindSimulation, Active: true, MessagesPerSecond: 10,
		SupportedCountries: []string{"fr"},
	}, frenchNumbers(1)...)

	res, err := env.svc.QueueCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
}

func setCampaign(t *testing.T, env *testEnv, mutate func(c *models.Campaign)) {
	t.Helper()
	_, err := env.store.UpdateCampaign(context.Background(), "c1", func(c *models.Campaign) bool {
		mutate(c)
		return true
	})
	require.NoError(t, err)
}
