package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResultIsRetryable(t *testing.T) {
	assert.True(t, Result{}.IsRetryable(), "unset counts as retryable")
	assert.True(t, Failed("x", true).IsRetryable())
	assert.False(t, Failed("x", false).IsRetryable())
}

func TestRegistryUnimplementedKinds(t *testing.T) {
	r := NewRegistry(Options{}, testLogger())
	msg := &models.Message{ID: "m1", To: "33600000000", Content: "hi"}

	for _, kind := range []models.ProviderKind{models.KindTwilio, models.KindMessageBird, models.KindAWSSNS, "carrier-pigeon"} {
		t.Run(string(kind), func(t *testing.T) {
			res, err := r.Send(context.Background(), &models.Provider{ID: "p", Kind: kind}, msg)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.True(t, res.IsRetryable())
			assert.Contains(t, res.Error, ErrNotImplemented.Error())
		})
	}
}

type stubSender struct {
	res Result
	err error
}

func (s stubSender) Send(ctx context.Context, provider *models.Provider, msg *models.Message) (Result, error) {
	return s.res, s.err
}

func TestRegistryPassesThrough(t *testing.T) {
	r := NewRegistry(Options{}, testLogger())
	boom := errors.New("boom")
	r.Register(models.KindTwilio, stubSender{err: boom})

	_, err := r.Send(context.Background(), &models.Provider{Kind: models.KindTwilio}, &models.Message{})
	assert.ErrorIs(t, err, boom)

	r.Register(models.KindTwilio, stubSender{res: Sent("abc", "")})
	res, err := r.Send(context.Background(), &models.Provider{Kind: models.KindTwilio}, &models.Message{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "abc", res.MessageID)
}

func TestSimulator(t *testing.T) {
	sim := NewSimulator(nil)
	msg := &models.Message{ID: "m1", To: "33600000000", Content: "hi"}
	ctx := context.Background()

	res, err := sim.Send(ctx, &models.Provider{SimulationType: SimAlwaysSuccess}, msg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.MessageID)

	res, err = sim.Send(ctx, &models.Provider{}, msg)
	require.NoError(t, err)
	assert.True(t, res.Success, "empty type succeeds")

	res, err = sim.Send(ctx, &models.Provider{SimulationType: SimAlwaysFail}, msg)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.IsRetryable())

	res, err = sim.Send(ctx, &models.Provider{SimulationType: SimPermanentFail}, msg)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.IsRetryable())
}

func TestSimulatorRandomBounds(t *testing.T) {
	sim := NewSimulator(nil)
	msg := &models.Message{ID: "m1"}

	always := &models.Provider{SimulationType: SimRandom, SimulationFailureRate: 1}
	for i := 0; i < 20; i++ {
		res, err := sim.Send(context.Background(), always, msg)
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
}

func TestSimulatorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSimulator(nil).Send(ctx, &models.Provider{}, &models.Message{})
	assert.ErrorIs(t, err, context.Canceled)
}
