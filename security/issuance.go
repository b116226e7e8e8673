package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxIssuancesPerWindow is the default number of state tokens a
	// single key (user or IP, scoped by provider) may be issued per window.
	DefaultMaxIssuancesPerWindow = 10

	// DefaultIssuanceWindow is the default rolling window for issuance
	// limiting.
	DefaultIssuanceWindow = 15 * time.Minute

	// DefaultIssuanceCleanupInterval is how often the cleanup goroutine runs.
	DefaultIssuanceCleanupInterval = 15 * time.Minute

	// DefaultMaxIssuanceEntries is the maximum number of keys to track.
	DefaultMaxIssuanceEntries = 10000
)

// issuanceEntry tracks issuance timestamps for one key.
type issuanceEntry struct {
	key        string
	issuances  []time.Time
	lastAccess time.Time
}

// IssuanceLimiter enforces a rolling-window cap on state token issuance per
// key. It bounds memory with LRU eviction so pending-state floods cannot
// exhaust the process.
type IssuanceLimiter struct {
	entries         map[string]*list.Element
	lruList         *list.List
	mu              sync.RWMutex
	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	clock           Clock
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewIssuanceLimiter creates an issuance limiter with default settings.
func NewIssuanceLimiter(logger *slog.Logger) *IssuanceLimiter {
	return NewIssuanceLimiterWithConfig(
		DefaultMaxIssuancesPerWindow,
		DefaultIssuanceWindow,
		DefaultMaxIssuanceEntries,
		nil,
		logger,
	)
}

// NewIssuanceLimiterWithConfig creates an issuance limiter with custom
// limits. A nil clock selects the system clock.
func NewIssuanceLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, clock Clock, logger *slog.Logger) *IssuanceLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxIssuancesPerWindow
		logger.Warn("Invalid maxPerWindow, using default", "maxPerWindow", maxPerWindow)
	}
	if window <= 0 {
		window = DefaultIssuanceWindow
		logger.Warn("Invalid window, using default", "window", window)
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxIssuanceEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}
	if clock == nil {
		clock = SystemClock{}
	}

	l := &IssuanceLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		clock:           clock,
		logger:          logger,
		cleanupInterval: DefaultIssuanceCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow records an issuance attempt for key and reports whether it is
// within the rolling window limit.
func (l *IssuanceLimiter) Allow(key string) bool {
	now := l.clock.Now()
	windowStart := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, exists := l.entries[key]; exists {
		l.lruList.MoveToFront(elem)
		entry := elem.Value.(*issuanceEntry)
		entry.lastAccess = now

		// Drop timestamps that fell out of the window, in place.
		n := 0
		for _, t := range entry.issuances {
			if t.After(windowStart) {
				entry.issuances[n] = t
				n++
			}
		}
		entry.issuances = entry.issuances[:n]

		if len(entry.issuances) >= l.maxPerWindow {
			l.totalBlocked++
			l.logger.Warn("State issuance rate limit exceeded",
				"key", key,
				"issuances_in_window", len(entry.issuances),
				"max_per_window", l.maxPerWindow,
				"window", l.window)
			return false
		}

		entry.issuances = append(entry.issuances, now)
		l.totalAllowed++
		return true
	}

	if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
		l.evictLRU()
	}

	entry := &issuanceEntry{
		key:        key,
		issuances:  []time.Time{now},
		lastAccess: now,
	}
	elem := l.lruList.PushFront(entry)
	l.entries[key] = elem

	l.totalAllowed++
	return true
}

// evictLRU removes the least recently used entry. Must be called with the
// mutex held.
func (l *IssuanceLimiter) evictLRU() {
	elem := l.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*issuanceEntry)
	delete(l.entries, entry.key)
	l.lruList.Remove(elem)
	l.totalEvictions++

	l.logger.Debug("Issuance limiter LRU eviction",
		"key", entry.key,
		"total_evictions", l.totalEvictions,
		"current_entries", len(l.entries))
}

func (l *IssuanceLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries that have been idle for more than twice the
// window.
func (l *IssuanceLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	maxIdleTime := l.window * 2
	removed := 0

	var next *list.Element
	for elem := l.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*issuanceEntry)
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(l.entries, entry.key)
			l.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		l.totalCleanups++
		l.logger.Debug("Issuance limiter cleanup completed",
			"removed", removed,
			"remaining", len(l.entries),
			"total_cleanups", l.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (l *IssuanceLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

// IssuanceStats holds issuance limiter statistics for monitoring.
type IssuanceStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalBlocked   int64
	TotalAllowed   int64
	TotalEvictions int64
	TotalCleanups  int64
	MaxPerWindow   int
	Window         string
}

// GetStats returns current issuance limiter statistics.
func (l *IssuanceLimiter) GetStats() IssuanceStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return IssuanceStats{
		CurrentEntries: len(l.entries),
		MaxEntries:     l.maxEntries,
		TotalBlocked:   l.totalBlocked,
		TotalAllowed:   l.totalAllowed,
		TotalEvictions: l.totalEvictions,
		TotalCleanups:  l.totalCleanups,
		MaxPerWindow:   l.maxPerWindow,
		Window:         l.window.String(),
	}
}
