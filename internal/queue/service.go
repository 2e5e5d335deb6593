package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/ratelimit"
	"github.com/foxzi/smsqueue/internal/storage"
	"github.com/foxzi/smsqueue/internal/transport"
)

// Biller is notified once when a campaign completes
type Biller interface {
	ProcessCampaignBilling(ctx context.Context, campaign *models.Campaign) error
}

// Config contains queue service settings
type Config struct {
	BatchSize              int
	ProcessInterval        time.Duration
	SendDelay              time.Duration
	RetryBackoff           time.Duration
	StuckTimeout           time.Duration
	CleanupInterval        time.Duration
	ReconcileInterval      time.Duration
	SendTimeout            time.Duration
	MaxConcurrentProviders int
	ContactPageSize        int
	DefaultMaxRetries      int
}

// DefaultConfig returns the stock queue settings
func DefaultConfig() Config {
	return Config{
		BatchSize:              25,
		ProcessInterval:        2 * time.Second,
		SendDelay:              time.Second,
		RetryBackoff:           30 * time.Second,
		StuckTimeout:           5 * time.Minute,
		CleanupInterval:        5 * time.Minute,
		ReconcileInterval:      10 * time.Minute,
		SendTimeout:            30 * time.Second,
		MaxConcurrentProviders: 5,
		ContactPageSize:        500,
		DefaultMaxRetries:      models.DefaultMaxRetries,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = d.ProcessInterval
	}
	if c.SendDelay < 0 {
		c.SendDelay = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = d.StuckTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxConcurrentProviders < 0 {
		c.MaxConcurrentProviders = 0
	}
	if c.ContactPageSize <= 0 {
		c.ContactPageSize = d.ContactPageSize
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
}

// Service turns campaigns into messages and drives them through providers.
// One instance per process; the claimed set and campaign locks only reduce
// redundant work, the conditional queued->processing update in the store
// is what prevents double sends.
type Service struct {
	store   storage.Store
	sender  transport.Sender
	biller  Biller
	tracker *ratelimit.Tracker
	cfg     Config
	logger  *slog.Logger

	claimedMu sync.Mutex
	claimed   map[string]time.Time

	locksMu       sync.Mutex
	campaignLocks map[string]time.Time

	cycleRunning atomic.Bool

	billingMu sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a queue service
func NewService(store storage.Store, sender transport.Sender, biller Biller, cfg Config, logger *slog.Logger) *Service {
	cfg.setDefaults()

	return &Service{
		store:         store,
		sender:        sender,
		biller:        biller,
		tracker:       ratelimit.NewTracker(),
		cfg:           cfg,
		logger:        logger,
		claimed:       make(map[string]time.Time),
		campaignLocks: make(map[string]time.Time),
		now:           time.Now,
		sleep:         sleepContext,
	}
}

// SetClock replaces the time source of the service and its rate tracker
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.tracker.SetClock(now)
}

// Tracker returns the provider rate tracker
func (s *Service) Tracker() *ratelimit.Tracker {
	return s.tracker
}

// Init loads a rate tracker for every provider
func (s *Service) Init(ctx context.Context) error {
	if err := s.refreshTrackers(ctx); err != nil {
		return fmt.Errorf("failed to initialize rate trackers: %w", err)
	}
	return nil
}

// Start initializes trackers and starts the dispatch and maintenance loops.
// A stopped service can be started again.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if err := s.Init(ctx); err != nil {
		return err
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("starting queue service",
		"batch_size", s.cfg.BatchSize,
		"process_interval", s.cfg.ProcessInterval,
		"max_concurrent_providers", s.cfg.MaxConcurrentProviders,
		"providers", s.tracker.Len(),
	)

	s.wg.Add(3)
	go s.loop(ctx, s.stopCh, s.cfg.ProcessInterval, func(ctx context.Context) {
		if err := s.RunCycle(ctx); err != nil {
			s.logger.Error("dispatch cycle failed", "error", err)
		}
	})
	go s.loop(ctx, s.stopCh, s.cfg.CleanupInterval, s.runMaintenance)
	go s.loop(ctx, s.stopCh, s.cfg.ReconcileInterval, func(ctx context.Context) {
		if _, err := s.SynchronizeCampaignCounters(ctx, ""); err != nil {
			s.logger.Error("counter reconciliation failed", "error", err)
		}
	})

	return nil
}

// Stop stops the loops and drops in-memory state. Messages left in
// processing are picked up by recovery on the next start. Stopping a
// service that is not running does nothing.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	s.logger.Info("stopping queue service")
	close(s.stopCh)
	s.wg.Wait()

	s.claimedMu.Lock()
	s.claimed = make(map[string]time.Time)
	s.claimedMu.Unlock()

	s.locksMu.Lock()
	s.campaignLocks = make(map[string]time.Time)
	s.locksMu.Unlock()

	s.tracker.Clear()
	s.logger.Info("queue service stopped")
}

func (s *Service) loop(ctx context.Context, stop <-chan struct{}, interval time.Duration, run func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	if pruned := s.pruneClaimed(ctx); pruned > 0 {
		s.logger.Debug("pruned claimed messages", "count", pruned)
	}
	if err := s.refreshTrackers(ctx); err != nil {
		s.logger.Error("failed to refresh rate trackers", "error", err)
	}
	if err := s.recoverProcessing(ctx); err != nil {
		s.logger.Error("failed to recover processing messages", "error", err)
	}
}

// refreshTrackers registers new providers, updates limits of known ones
// and drops trackers of deleted providers
func (s *Service) refreshTrackers(ctx context.Context) error {
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		seen[p.ID] = struct{}{}
		limits := ratelimit.Limits{
			PerSecond: p.MessagesPerSecond,
			PerMinute: p.MessagesPerMinute,
			PerHour:   p.MessagesPerHour,
		}
		if !p.Active {
			limits = ratelimit.InactiveLimits
		}
		s.tracker.Register(p.ID, limits)
	}

	for _, st := range s.tracker.Snapshot() {
		if _, ok := seen[st.ProviderID]; !ok {
			s.tracker.Remove(st.ProviderID)
		}
	}
	return nil
}

func (s *Service) claim(id string) bool {
	s.claimedMu.Lock()
	defer s.claimedMu.Unlock()

	if _, ok := s.claimed[id]; ok {
		return false
	}
	s.claimed[id] = s.now()
	metrics.SetClaimedMessages(len(s.claimed))
	return true
}

func (s *Service) release(id string) {
	s.claimedMu.Lock()
	defer s.claimedMu.Unlock()

	delete(s.claimed, id)
	metrics.SetClaimedMessages(len(s.claimed))
}

func (s *Service) isClaimed(id string) bool {
	s.claimedMu.Lock()
	defer s.claimedMu.Unlock()
	_, ok := s.claimed[id]
	return ok
}

func (s *Service) claimedIDs() []string {
	s.claimedMu.Lock()
	defer s.claimedMu.Unlock()

	ids := make([]string, 0, len(s.claimed))
	for id := range s.claimed {
		ids = append(ids, id)
	}
	return ids
}

// pruneClaimed drops claimed ids whose message is no longer processing
func (s *Service) pruneClaimed(ctx context.Context) int {
	pruned := 0
	for _, id := range s.claimedIDs() {
		msg, err := s.store.GetMessage(ctx, id)
		if err == nil && msg.Status == models.StatusProcessing {
			continue
		}
		s.release(id)
		pruned++
	}
	return pruned
}

func (s *Service) lockCampaign(id string) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if _, ok := s.campaignLocks[id]; ok {
		return false
	}
	s.campaignLocks[id] = s.now()
	return true
}

func (s *Service) unlockCampaign(id string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.campaignLocks, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
