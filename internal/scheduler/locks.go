package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lock registry timing. A processing run that holds its lock past the stale
// timeout is assumed wedged and the lock is forcibly released by the sweeper.
const (
	lockStaleTimeout  = 30 * time.Second
	lockSweepInterval = 5 * time.Minute
)

// LockRegistry is the per-campaign processing lock. No two process runs may
// execute concurrently for the same campaign.
type LockRegistry struct {
	mu     sync.Mutex
	held   map[int64]time.Time
	logger *slog.Logger

	staleTimeout time.Duration
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry(logger *slog.Logger) *LockRegistry {
	return &LockRegistry{
		held:         make(map[int64]time.Time),
		logger:       logger.With("component", "campaign-locks"),
		staleTimeout: lockStaleTimeout,
	}
}

// TryAcquire takes the campaign's lock if free. It never blocks.
func (r *LockRegistry) TryAcquire(campaignID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.held[campaignID]; held {
		return false
	}
	r.held[campaignID] = time.Now()
	return true
}

// Release frees the campaign's lock.
func (r *LockRegistry) Release(campaignID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, campaignID)
}

// Held reports whether the campaign's lock is currently taken.
func (r *LockRegistry) Held(campaignID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.held[campaignID]
	return held
}

// SweepStale forcibly releases locks held past the stale timeout and returns
// how many were released.
func (r *LockRegistry) SweepStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.staleTimeout)
	released := 0
	for id, acquiredAt := range r.held {
		if acquiredAt.Before(cutoff) {
			delete(r.held, id)
			released++
			r.logger.Warn("forcibly released stale campaign lock",
				"campaign_id", id,
				"held_for", time.Since(acquiredAt),
			)
		}
	}
	return released
}

// Run sweeps stale locks periodically until ctx is cancelled.
func (r *LockRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(lockSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale()
		}
	}
}
