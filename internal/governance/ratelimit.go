package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines the token bucket applied to every key.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops buckets of keys not seen for this long.
	IdleTTL time.Duration
}

// RateLimiter implements token bucket rate limiting per key (client address).
type RateLimiter struct {
	mu        sync.Mutex
	config    RateLimiterConfig
	buckets   map[string]*tokenBucket
	now       func() time.Time
	lastSweep time.Time
}

// NewRateLimiter creates a keyed rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 1
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 5
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow reports whether key may proceed, consuming one token. A nil limiter
// allows everything.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.config.BurstSize), lastRefill: now}
		rl.buckets[key] = bucket
	}
	return bucket.take(now, rl.config.RequestsPerSecond, float64(rl.config.BurstSize))
}

// Limit returns the configured steady-state rate.
func (rl *RateLimiter) Limit() float64 {
	return rl.config.RequestsPerSecond
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.config.IdleTTL {
		return
	}
	rl.lastSweep = now
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastRefill) >= rl.config.IdleTTL {
			delete(rl.buckets, key)
		}
	}
}

// tokenBucket is guarded by RateLimiter.mu.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func (tb *tokenBucket) take(now time.Time, rate, capacity float64) bool {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * rate
		if tb.tokens > capacity {
			tb.tokens = capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// WriteRetryAfter sets Retry-After for a rejected request.
func WriteRetryAfter(w http.ResponseWriter, rate float64) {
	seconds := 1
	if rate > 0 && rate < 1 {
		seconds = int(1/rate + 0.5)
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
