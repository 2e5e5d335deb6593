package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// QueueStatsProvider reports the number of messages per status
type QueueStatsProvider interface {
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// Collector periodically refreshes gauges that are sampled rather than counted
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new gauge collector
func NewCollector(m *Metrics, queueStats QueueStatsProvider, storagePath string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collection loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the collection loop
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect samples all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats == nil {
		return
	}

	counts, err := c.queueStats.StatusCounts(ctx)
	if err != nil {
		c.logger.Warn("failed to collect queue stats", "error", err)
		return
	}
	for status, n := range counts {
		c.metrics.QueueSize.WithLabelValues(status).Set(float64(n))
	}
}
