package server

import (
	"container/list"
	"sync"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/log"
	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiters   = 10000
	limiterIdleTimeout   = 30 * time.Minute
	limiterCleanupPeriod = 5 * time.Minute
)

type limiterEntry struct {
	client     string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per client. The least recently seen
// client is evicted once maxEntries buckets exist.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lru        *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter starts a limiter allowing perSecond requests per client
// with the given burst. Stop releases its cleanup goroutine.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	rl := newRateLimiter(perSecond, burst, defaultMaxLimiters, time.Now)
	go rl.cleanupLoop()
	return rl
}

func newRateLimiter(perSecond float64, burst, maxEntries int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lru:        list.New(),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		maxEntries: maxEntries,
		now:        now,
		stop:       make(chan struct{}),
	}
}

// Allow reports whether client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[client]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		if oldest := rl.lru.Back(); oldest != nil {
			delete(rl.limiters, oldest.Value.(*limiterEntry).client)
			rl.lru.Remove(oldest)
		}
	}

	entry := &limiterEntry{
		client:     client,
		limiter:    rate.NewLimiter(rl.rate, rl.burst),
		lastAccess: now,
	}
	rl.limiters[client] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.client)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		log.LogDebugWithFields("http", "Rate limiter cleanup", map[string]any{
			"removed":   removed,
			"remaining": len(rl.limiters),
		})
	}
	return removed
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
