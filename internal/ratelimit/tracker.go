package ratelimit

import (
	"sync"
	"time"
)

// Limits contains per-provider send ceilings. A value <= 0 leaves that
// window unbounded.
type Limits struct {
	PerSecond int `json:"per_second"`
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

// InactiveLimits is applied to providers that are switched off
var InactiveLimits = Limits{PerSecond: 1, PerMinute: 10, PerHour: 50}

// window is a fixed counter that resets lazily once its period has elapsed
type window struct {
	count  int
	start  time.Time
	period time.Duration
}

func (w *window) resetIfElapsed(now time.Time) {
	if now.Sub(w.start) >= w.period {
		w.count = 0
		w.start = now
	}
}

// remaining returns how many sends the window still allows, -1 if unbounded
func (w *window) remaining(limit int) int {
	if limit <= 0 {
		return -1
	}
	if left := limit - w.count; left > 0 {
		return left
	}
	return 0
}

type providerCounters struct {
	limits Limits
	second window
	minute window
	hour   window
}

// Stats is a point-in-time view of one provider's counters
type Stats struct {
	ProviderID  string `json:"provider_id"`
	Limits      Limits `json:"limits"`
	SecondCount int    `json:"second_count"`
	MinuteCount int    `json:"minute_count"`
	HourCount   int    `json:"hour_count"`
	CanSend     int    `json:"can_send"`
}

// Tracker bounds send throughput per provider with three rolling windows.
// Counters live in memory only and start over on restart.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*providerCounters
	now       func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		providers: make(map[string]*providerCounters),
		now:       time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Register creates a tracker for the provider, or updates its limits
// keeping the current counts.
func (t *Tracker) Register(providerID string, limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pc, ok := t.providers[providerID]; ok {
		pc.limits = limits
		return
	}

	now := t.now()
	t.providers[providerID] = &providerCounters{
		limits: limits,
		second: window{start: now, period: time.Second},
		minute: window{start: now, period: time.Minute},
		hour:   window{start: now, period: time.Hour},
	}
}

// Remove drops the provider's tracker
func (t *Tracker) Remove(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.providers, providerID)
}

// Has reports whether the provider is tracked
func (t *Tracker) Has(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.providers[providerID]
	return ok
}

// ResetIfElapsed zeroes every window of the provider whose period is over
func (t *Tracker) ResetIfElapsed(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pc, ok := t.providers[providerID]; ok {
		t.resetLocked(pc)
	}
}

// CanSend returns how many messages the provider may send in one dispatch
// pass: min(second budget, minute budget/60, hour budget/3600).
// Untracked providers get 0.
func (t *Tracker) CanSend(providerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.providers[providerID]
	if !ok {
		return 0
	}
	t.resetLocked(pc)
	return allowance(pc)
}

// Record accounts n sends against every window of the provider
func (t *Tracker) Record(providerID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.providers[providerID]
	if !ok {
		return
	}
	t.resetLocked(pc)
	pc.second.count += n
	pc.minute.count += n
	pc.hour.count += n
}

// Snapshot returns the state of every tracked provider
func (t *Tracker) Snapshot() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make([]Stats, 0, len(t.providers))
	for id, pc := range t.providers {
		t.resetLocked(pc)
		stats = append(stats, Stats{
			ProviderID:  id,
			Limits:      pc.limits,
			SecondCount: pc.second.count,
			MinuteCount: pc.minute.count,
			HourCount:   pc.hour.count,
			CanSend:     allowance(pc),
		})
	}
	return stats
}

// Len returns the number of tracked providers
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.providers)
}

// Clear drops every tracker
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers = make(map[string]*providerCounters)
}

func (t *Tracker) resetLocked(pc *providerCounters) {
	now := t.now()
	pc.second.resetIfElapsed(now)
	pc.minute.resetIfElapsed(now)
	pc.hour.resetIfElapsed(now)
}

func allowance(pc *providerCounters) int {
	budgets := []int{
		pc.second.remaining(pc.limits.PerSecond),
		perSecondShare(pc.minute.remaining(pc.limits.PerMinute), 60),
		perSecondShare(pc.hour.remaining(pc.limits.PerHour), 3600),
	}

	allowed := -1
	for _, b := range budgets {
		if b < 0 {
			continue
		}
		if allowed < 0 || b < allowed {
			allowed = b
		}
	}
	if allowed < 0 {
		// every window unbounded
		return int(^uint(0) >> 1)
	}
	return allowed
}

func perSecondShare(remaining, seconds int) int {
	if remaining < 0 {
		return -1
	}
	return remaining / seconds
}
