package push

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testThrottleConfig(limit int) ThrottleConfig {
	return ThrottleConfig{
		Rate:            rate.Limit(limit),
		Burst:           limit,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
}

func TestThrottleAllowsWithinBudget(t *testing.T) {
	th := NewThrottle(testThrottleConfig(20))
	defer th.Stop()

	for i := 0; i < 20; i++ {
		if !th.Allow("7") {
			t.Fatalf("event %d dropped within budget", i)
		}
	}
	if th.Allow("7") {
		t.Error("event 21 should be dropped")
	}
}

func TestThrottleKeysAreIndependent(t *testing.T) {
	th := NewThrottle(testThrottleConfig(1))
	defer th.Stop()

	if !th.Allow("7") {
		t.Fatal("first event for key 7 dropped")
	}
	if th.Allow("7") {
		t.Error("second event for key 7 should be dropped")
	}
	if !th.Allow("global") {
		t.Error("other key should have its own budget")
	}
}

func TestThrottleCleanupEvictsIdle(t *testing.T) {
	th := NewThrottle(ThrottleConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          10 * time.Millisecond,
	})
	defer th.Stop()

	th.Allow("stale")
	time.Sleep(20 * time.Millisecond)
	th.cleanup()

	th.mu.Lock()
	_, present := th.entries["stale"]
	th.mu.Unlock()
	if present {
		t.Error("idle entry should be evicted")
	}
}
