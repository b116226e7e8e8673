package security

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2, quietLogger())
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("second request within burst should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("request beyond burst should be blocked")
	}

	// A different identifier has its own bucket.
	if !rl.Allow("203.0.113.2") {
		t.Error("unrelated identifier should be allowed")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 2, quietLogger())
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c") // evicts a

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, quietLogger())
	defer rl.Stop()

	rl.Allow("idle")
	rl.Cleanup(0) // everything is idle relative to a zero threshold

	// Give lastAccess a moment to be strictly in the past.
	time.Sleep(time.Millisecond)
	rl.Cleanup(0)

	stats := rl.GetStats()
	if stats.CurrentEntries != 0 {
		t.Errorf("CurrentEntries = %d after cleanup, want 0", stats.CurrentEntries)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, quietLogger())
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rl.Allow("shared")
			}
		}()
	}
	wg.Wait()
}

func TestRateLimiter_StopIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, quietLogger())
	rl.Stop()
	rl.Stop()
}
