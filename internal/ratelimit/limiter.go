// Package ratelimit throttles outbound GalaSwap API requests per endpoint.
//
// Each Limiter combines two rules and a request must pass both:
//   - a token bucket that refills continuously at RequestsPerSecond up to
//     BurstLimit tokens (one token per request)
//   - a trailing window of Window length that admits at most
//     max(RequestsPerSecond × Window, BurstLimit) requests
//
// A Manager owns one Limiter per logical endpoint name ("quote", "swap", ...)
// and creates them lazily from the default or an endpoint override.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"galaswap-bot/internal/config"
)

// minRetryAfter keeps RetryAfter strictly positive when a token is
// fractionally short.
const minRetryAfter = time.Millisecond

// Decision is the outcome of CheckLimit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // zero when Allowed
}

// Status is a point-in-time view of a limiter.
type Status struct {
	TokensAvailable   float64 `json:"tokensAvailable"`
	RequestsInWindow  int     `json:"requestsInWindow"`
	WindowUtilization float64 `json:"windowUtilization"` // RequestsInWindow / window capacity, in [0, 1]
}

// Limiter is a token bucket with a sliding-window secondary check.
// Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	cfg         config.LimiterConfig
	bucket      *rate.Limiter
	requests    []time.Time // admitted request times inside the window, oldest first
	windowLimit int
	now         func() time.Time
}

// New creates a limiter with a full bucket.
func New(cfg config.LimiterConfig) (*Limiter, error) {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg config.LimiterConfig, now func() time.Time) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	windowLimit := int(math.Ceil(cfg.RequestsPerSecond * cfg.Window.Seconds()))
	if windowLimit < cfg.BurstLimit {
		windowLimit = cfg.BurstLimit
	}
	return &Limiter{
		cfg:         cfg,
		bucket:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstLimit),
		windowLimit: windowLimit,
		now:         now,
	}, nil
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() config.LimiterConfig { return l.cfg }

// CheckLimit consumes one token if both rules admit the request.
// When blocked, RetryAfter is the time until the sooner of: one token
// refilling, or the oldest in-window request expiring.
func (l *Limiter) CheckLimit() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)

	tokens := l.bucket.TokensAt(now)
	tokenOK := tokens >= 1
	windowOK := len(l.requests) < l.windowLimit

	if tokenOK && windowOK {
		l.bucket.AllowN(now, 1)
		l.requests = append(l.requests, now)
		return Decision{Allowed: true}
	}

	var wait time.Duration
	if !tokenOK {
		wait = time.Duration((1 - tokens) / l.cfg.RequestsPerSecond * float64(time.Second))
	}
	if !windowOK {
		expiry := l.requests[0].Add(l.cfg.Window).Sub(now)
		if tokenOK || expiry < wait {
			wait = expiry
		}
	}
	if wait < minRetryAfter {
		wait = minRetryAfter
	}
	return Decision{RetryAfter: wait}
}

// Wait blocks until a request is admitted or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d := l.CheckLimit()
		if d.Allowed {
			return nil
		}

		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// retry
		}
	}
}

// Status reports the current bucket level and window usage.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)

	return Status{
		TokensAvailable:   l.bucket.TokensAt(now),
		RequestsInWindow:  len(l.requests),
		WindowUtilization: float64(len(l.requests)) / float64(l.windowLimit),
	}
}

// Reset restores a full bucket and clears the window history.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bucket = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstLimit)
	l.requests = l.requests[:0]
}

// evictLocked drops request times older than the window.
// Must be called with lock held.
func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}
