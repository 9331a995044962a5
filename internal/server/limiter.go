package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLimiterTTL     = 10 * time.Minute
	defaultLimiterCleanup = time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CallerLimiter is a pool of token buckets keyed by caller. Idle buckets are
// dropped after a TTL.
type CallerLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	clock   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCallerLimiter allows ratePerSecond sustained requests per caller with the
// given burst. A non-positive rate disables limiting and returns nil.
func NewCallerLimiter(ratePerSecond float64, burst int) *CallerLimiter {
	if ratePerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := &CallerLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(ratePerSecond),
		burst:   burst,
		ttl:     defaultLimiterTTL,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
	go limiter.cleanupLoop(defaultLimiterCleanup)
	return limiter
}

// Allow reports whether the caller may proceed now. A nil limiter allows everything.
func (l *CallerLimiter) Allow(caller string) bool {
	if l == nil {
		return true
	}
	now := l.clock()
	l.mu.Lock()
	entry, ok := l.entries[caller]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[caller] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// Close stops the cleanup goroutine.
func (l *CallerLimiter) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *CallerLimiter) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *CallerLimiter) evictIdle() {
	cutoff := l.clock().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for caller, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, caller)
		}
	}
}
