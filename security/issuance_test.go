package security

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIssuanceLimiter_WindowLimit(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewIssuanceLimiterWithConfig(3, 15*time.Minute, 100, clock, quietLogger())
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		if !limiter.Allow("user-1/github") {
			t.Fatalf("Allow() = false on issuance %d, want true", i+1)
		}
	}
	if limiter.Allow("user-1/github") {
		t.Error("Allow() = true beyond window limit, want false")
	}

	// A different key has its own budget.
	if !limiter.Allow("user-2/github") {
		t.Error("Allow() = false for unrelated key, want true")
	}
}

func TestIssuanceLimiter_WindowSlides(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewIssuanceLimiterWithConfig(2, 15*time.Minute, 100, clock, quietLogger())
	defer limiter.Stop()

	if !limiter.Allow("ip:203.0.113.9/qq") {
		t.Fatal("first issuance should be allowed")
	}
	if !limiter.Allow("ip:203.0.113.9/qq") {
		t.Fatal("second issuance should be allowed")
	}
	if limiter.Allow("ip:203.0.113.9/qq") {
		t.Fatal("third issuance within window should be blocked")
	}

	// After the window passes, the budget recovers.
	clock.Advance(16 * time.Minute)
	if !limiter.Allow("ip:203.0.113.9/qq") {
		t.Error("issuance after window slide should be allowed")
	}
}

func TestIssuanceLimiter_LRUEviction(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewIssuanceLimiterWithConfig(1, 15*time.Minute, 2, clock, quietLogger())
	defer limiter.Stop()

	limiter.Allow("key-a")
	limiter.Allow("key-b")
	limiter.Allow("key-c") // evicts key-a

	stats := limiter.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}

	// key-a was evicted, so its budget is fresh again.
	if !limiter.Allow("key-a") {
		t.Error("evicted key should start with a fresh budget")
	}
}

func TestIssuanceLimiter_Cleanup(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewIssuanceLimiterWithConfig(5, 15*time.Minute, 100, clock, quietLogger())
	defer limiter.Stop()

	limiter.Allow("stale-key")
	clock.Advance(31 * time.Minute)
	limiter.Allow("fresh-key")

	limiter.Cleanup()

	stats := limiter.GetStats()
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d after cleanup, want 1", stats.CurrentEntries)
	}
}

func TestIssuanceLimiter_Stats(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewIssuanceLimiterWithConfig(1, 15*time.Minute, 100, clock, quietLogger())
	defer limiter.Stop()

	limiter.Allow("k")
	limiter.Allow("k")

	stats := limiter.GetStats()
	if stats.TotalAllowed != 1 {
		t.Errorf("TotalAllowed = %d, want 1", stats.TotalAllowed)
	}
	if stats.TotalBlocked != 1 {
		t.Errorf("TotalBlocked = %d, want 1", stats.TotalBlocked)
	}
}

func TestIssuanceLimiter_ConcurrentAccess(t *testing.T) {
	clock := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewIssuanceLimiterWithConfig(1000, 15*time.Minute, 1000, clock, quietLogger())
	defer limiter.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				limiter.Allow(fmt.Sprintf("key-%d", n))
			}
		}(i)
	}
	wg.Wait()

	stats := limiter.GetStats()
	if stats.TotalAllowed != 1000 {
		t.Errorf("TotalAllowed = %d, want 1000", stats.TotalAllowed)
	}
}

func TestIssuanceLimiter_StopIdempotent(t *testing.T) {
	limiter := NewIssuanceLimiter(quietLogger())
	limiter.Stop()
	limiter.Stop()
}
