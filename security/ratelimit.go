package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a limiter and its last access time.
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token-bucket rate limiting with LRU
// eviction to bound memory. It is the cheap process-local guard that fronts
// the durable windowed counters: requests rejected here never reach a
// coordinator at all.
//
// Unlike the durable counters, this limiter is per-process and resets on
// restart. It protects the process, not the protocol.
type RateLimiter struct {
	limiters map[string]*list.Element // identifier -> list element
	lruList  *list.List               // LRU list of *rateLimiterEntry
	mu       sync.Mutex

	rate       int
	burst      int
	maxEntries int

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a rate limiter with automatic cleanup and LRU
// eviction. maxEntries bounds the number of tracked identifiers; when the
// limit is reached the least recently used entry is evicted. maxEntries <= 0
// selects the default of 10000.
func NewRateLimiter(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the given identifier is within the
// process-local budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// evictLRU removes the least recently used entry. Caller holds the mutex.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	rl.lruList.Remove(elem)
	delete(rl.limiters, entry.identifier)

	rl.logger.Debug("Evicted rate limiter entry",
		"identifier_hash", HashForLogging(entry.identifier),
		"tracked", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes entries that have not been touched for two cleanup
// intervals. Idle limiters are fully refilled anyway, so dropping them
// changes no decisions.
func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-2 * rl.cleanupInterval)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if !entry.lastAccess.Before(cutoff) {
			break // list is LRU ordered, the rest are newer
		}
		prev := elem.Prev()
		rl.lruList.Remove(elem)
		delete(rl.limiters, entry.identifier)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Cleaned up idle rate limiters", "removed", removed, "tracked", len(rl.limiters))
	}
}
