package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateCheck is the outcome of a limiter probe.
type RateCheck struct {
	Allowed      bool
	Remaining    int
	RetryAfterMs int64
}

// RateLimiter buckets callers per (ip, scope) with token-bucket limiters.
// Auth failures consume extra tokens via RecordFailure so brute force
// trips the limit fast.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter. rpm <= 0 disables it.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{rpm: rpm, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

// Enabled reports whether limiting is active.
func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst)
		rl.buckets[key] = b
	}
	return b
}

// Check consumes one token for (ip, scope).
func (rl *RateLimiter) Check(ip, scope string) RateCheck {
	if !rl.Enabled() {
		return RateCheck{Allowed: true, Remaining: -1}
	}
	b := rl.bucket(ip + "|" + scope)
	if b.Allow() {
		return RateCheck{Allowed: true, Remaining: int(b.Tokens())}
	}
	res := b.Reserve()
	delay := res.Delay()
	res.Cancel()
	return RateCheck{Allowed: false, RetryAfterMs: delay.Milliseconds()}
}

// RecordFailure burns additional tokens after an auth failure.
func (rl *RateLimiter) RecordFailure(ip, scope string) {
	if !rl.Enabled() {
		return
	}
	b := rl.bucket(ip + "|" + scope)
	b.AllowN(time.Now(), 2)
}
