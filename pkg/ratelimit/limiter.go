package ratelimit

import (
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultStaleAfter    = time.Hour
)

// RetryAfterSeconds is the fixed hint returned with a denial.
const RetryAfterSeconds = 60

// Limiter admits unit-cost operations against per-key token buckets.
// Capacity is the requests-per-minute limit; tokens refill continuously at
// capacity/60 per second, clamped to capacity. Buckets are created lazily
// and swept after an idle hour so ephemeral keys don't accumulate.
type Limiter struct {
	mu      sync.Mutex // guards the bucket table, never held across refill math
	buckets map[string]*bucket

	capacity      float64
	sweepInterval time.Duration
	staleAfter    time.Duration
	lastSweep     time.Time

	now func() time.Time
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func NewLimiter(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &Limiter{
		buckets:       map[string]*bucket{},
		capacity:      float64(requestsPerMinute),
		sweepInterval: defaultSweepInterval,
		staleAfter:    defaultStaleAfter,
		now:           time.Now,
	}
}

// Admit consumes cost tokens from key's bucket, reporting whether the
// operation may proceed. Denial is never retried here; callers surface a
// 429 with the RetryAfterSeconds hint.
func (l *Limiter) Admit(key string, cost float64) bool {
	now := l.now()
	b := l.lookup(key, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * (l.capacity / 60.0)
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

func (l *Limiter) lookup(key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}
	return b
}

// Sweep removes buckets idle past the staleness window. It runs
// opportunistically from Admit at most once per sweep interval; tests call
// it directly with a synthetic clock.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepNowLocked(now)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepInterval {
		return
	}
	l.sweepNowLocked(now)
}

func (l *Limiter) sweepNowLocked(now time.Time) int {
	cutoff := now.Add(-l.staleAfter)
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	l.lastSweep = now
	if removed > 0 {
		log.Debug("rate limiter sweep", "removed", removed, "remaining", len(l.buckets))
	}
	return removed
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Tokens reports the current token count for key without consuming.
func (l *Limiter) Tokens(key string) (float64, bool) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens, true
}
