package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

func newTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
	}
}

func (tb *TokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	tb.lastUsed = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastUsed)
}

// Limiter keeps one bucket per client key. A client may make Requests
// requests per Window; buckets idle for more than two windows are evicted.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	capacity float64
	rate     float64
	window   time.Duration
	enabled  bool
	now      func() time.Time
}

// NewLimiter creates a limiter allowing requests per window for each key.
// Zero requests or window disables limiting.
func NewLimiter(requests int, window time.Duration) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*TokenBucket),
		window:  window,
		enabled: requests > 0 && window > 0,
		now:     time.Now,
	}
	if l.enabled {
		l.capacity = float64(requests)
		l.rate = float64(requests) / window.Seconds()
	}
	return l
}

// Allow checks if a request from key is allowed
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	now := l.now()

	l.mu.Lock()
	bucket, exists := l.buckets[key]
	if !exists {
		bucket = newTokenBucket(l.capacity, l.rate, now)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.allow(now)
}

// Sweep evicts idle buckets and returns how many were removed
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, bucket := range l.buckets {
		if bucket.idleSince(now) > 2*l.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
