package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQueueStats struct {
	counts map[string]int
	err    error
}

func (s *stubQueueStats) StatusCounts(ctx context.Context) (map[string]int, error) {
	return s.counts, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollectorCollect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0600))

	m := New()
	stats := &stubQueueStats{counts: map[string]int{"queued": 12, "sent": 3}}
	c := NewCollector(m, stats, path, time.Minute, testLogger())

	c.Collect(context.Background())

	assert.Equal(t, 12.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("queued")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("sent")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.StorageUsedBytes))
	assert.Greater(t, testutil.ToFloat64(m.Goroutines), 0.0)
}

func TestCollectorQueueStatsError(t *testing.T) {
	m := New()
	m.QueueSize.WithLabelValues("queued").Set(5)

	c := NewCollector(m, &stubQueueStats{err: errors.New("store closed")}, "", time.Minute, testLogger())
	c.Collect(context.Background())

	// Previous sample is kept
	assert.Equal(t, 5.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("queued")))
}

func TestCollectorStartStop(t *testing.T) {
	m := New()
	stats := &stubQueueStats{counts: map[string]int{"processing": 1}}
	c := NewCollector(m, stats, "", time.Hour, testLogger())

	c.Start(context.Background())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.QueueSize.WithLabelValues("processing")) == 1
	}, time.Second, 10*time.Millisecond)
	c.Stop()
}
