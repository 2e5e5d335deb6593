package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/smsqueue/internal/config"
	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/models"
)

func TestQueueConfig(t *testing.T) {
	cfg := config.Default()
	zero := time.Duration(0)
	cfg.Queue.SendDelay = &zero
	cfg.Queue.StuckRetryTimeout = 7 * time.Minute

	qc := QueueConfig(cfg.Queue)
	assert.Equal(t, time.Duration(0), qc.SendDelay)
	assert.Equal(t, 7*time.Minute, qc.StuckTimeout)
	assert.Equal(t, cfg.Queue.BatchSize, qc.BatchSize)
	assert.Equal(t, cfg.Queue.MaxConcurrentProviders, qc.MaxConcurrentProviders)
}

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	path := filepath.Join(t.TempDir(), "smsqueue.log")
	logger = SetupLogger(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	logger.Info("hello", "component", "test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "queue.db")
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = true
	t.Cleanup(func() { metrics.SetGlobal(nil) })

	a, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, a.metricsServer)
	require.NotNil(t, a.collector)

	// Shutdown without Run must still release the store
	require.NoError(t, a.Shutdown(context.Background()))

	store, err := OpenStore(context.Background(), cfg.Storage)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

type closingBiller struct {
	closed int
	err    error
}

func (b *closingBiller) ProcessCampaignBilling(ctx context.Context, campaign *models.Campaign) error {
	return nil
}

func (b *closingBiller) Close() error {
	b.closed++
	return b.err
}

type plainBiller struct{}

func (plainBiller) ProcessCampaignBilling(ctx context.Context, campaign *models.Campaign) error {
	return nil
}

func TestCloseBiller(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := &closingBiller{}
	closeBiller(b, logger)
	assert.Equal(t, 1, b.closed)

	failing := &closingBiller{err: errors.New("broker gone")}
	closeBiller(failing, logger)
	assert.Equal(t, 1, failing.closed)

	assert.NotPanics(t, func() { closeBiller(plainBiller{}, logger) })
}

func TestNewReleasesStoreOnLateFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "queue.db")
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = true
	cfg.Metrics.AllowedIPs = []string{"not-an-address"}
	t.Cleanup(func() { metrics.SetGlobal(nil) })

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics ip filter")

	store, err := OpenStore(context.Background(), cfg.Storage)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
