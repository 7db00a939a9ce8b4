package push

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleConfig configures per-key event throttling.
type ThrottleConfig struct {
	// Rate is the number of events allowed per second per key.
	Rate rate.Limit
	// Burst is the maximum burst size per key.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultThrottleConfig returns the dashboard fan-out defaults:
// 20 events per 1000 ms per key.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Rate:            rate.Limit(20),
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// throttleEntry tracks a per-key limiter and when it was last used.
type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle rate-limits emissions per destination key (a user id, "global"
// or "admin_broadcast"). Events over the limit are dropped by the caller.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
	cfg     ThrottleConfig
	stopCh  chan struct{}
}

// NewThrottle creates a throttle and starts background cleanup.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	t := &Throttle{
		entries: make(map[string]*throttleEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Allow reports whether an emission for the given key is within budget.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &throttleEntry{
			limiter: rate.NewLimiter(t.cfg.Rate, t.cfg.Burst),
		}
		t.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	t.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (t *Throttle) Stop() {
	close(t.stopCh)
}

func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Throttle) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.cfg.MaxAge)
	removed := 0
	for key, entry := range t.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(t.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("push throttle cleanup", "removed", removed, "remaining", len(t.entries))
	}
}
