// Package ratelimit implements a per-caller token bucket over execution
// requests. Thread-safe. No background goroutines — tokens are refilled
// lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Tokens added per minute. 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-caller token bucket rate limiter. Each caller gets an
// independent bucket; one client cannot exhaust another's execution quota.
type Limiter struct {
	mu      sync.Mutex
	callers map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		callers: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the caller has tokens remaining. Consumes one token
// on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(callerID string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.callers[callerID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.callers[callerID] = b
	}

	// Lazy refill based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
