// Package inmem holds process-local adapters.
package inmem

import (
	"context"
	"math"
	"sync"
	"time"

	"drainsrv/internal/api"
)

// idleBucketTTL is how long a key may go unseen before Sweep drops it.
const idleBucketTTL = 10 * time.Minute

// RateLimiter is a token bucket per key.
type RateLimiter struct {
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// take refills b for the time since it was last seen and spends one token if
// it can. It returns the whole seconds until a token is available otherwise.
func (b *bucket) take(now time.Time, rate, burst float64) (ok bool, wait int) {
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.lastSeen).Seconds()*rate)
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, max(int(math.Ceil((1-b.tokens)/rate)), 1)
}

// NewRateLimiter returns a limiter refilling rate tokens per second up to
// burst. clock is injectable for tests.
func NewRateLimiter(rate float64, burst int, clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     clock,
		buckets: make(map[string]*bucket),
	}
}

// Allow spends a token from key's bucket.
func (rl *RateLimiter) Allow(key string) api.RateLimitResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastSeen: now}
		rl.buckets[key] = b
	}
	allowed, wait := b.take(now, rl.rate, rl.burst)
	return api.RateLimitResult{Allowed: allowed, RetryAfter: wait}
}

// Sweep drops buckets idle for longer than idleBucketTTL and returns how many
// were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

// Len returns the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
