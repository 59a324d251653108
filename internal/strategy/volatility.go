package strategy

import (
	"sync"
	"time"
)

// fullScaleRange is the relative price range inside the window that maps to
// a volatility score of 1.0 (5% high-low swing).
const fullScaleRange = 0.05

// PriceSample is one observed USD price.
type PriceSample struct {
	Price     float64
	Timestamp time.Time
}

// VolatilityTracker keeps a rolling window of prices per token and turns the
// high-low range into a [0, 1] volatility score for gas bidding.
type VolatilityTracker struct {
	mu sync.Mutex

	window  time.Duration
	samples map[string][]PriceSample // oldest first
	now     func() time.Time
}

// NewVolatilityTracker creates a tracker over the given window.
func NewVolatilityTracker(window time.Duration) *VolatilityTracker {
	return &VolatilityTracker{
		window:  window,
		samples: make(map[string][]PriceSample),
		now:     time.Now,
	}
}

// AddPrice records a price observation and evicts samples outside the window.
// Non-positive prices are ignored.
func (vt *VolatilityTracker) AddPrice(token string, price float64) {
	if price <= 0 {
		return
	}
	vt.mu.Lock()
	defer vt.mu.Unlock()

	now := vt.now()
	vt.samples[token] = append(vt.samples[token], PriceSample{Price: price, Timestamp: now})
	vt.evictStaleLocked(token, now)
}

// evictStaleLocked drops samples older than the window. Must be called with lock held.
func (vt *VolatilityTracker) evictStaleLocked(token string, now time.Time) {
	s := vt.samples[token]
	cutoff := now.Add(-vt.window)
	i := 0
	for i < len(s) && !s[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		vt.samples[token] = append(s[:0], s[i:]...)
	}
}

// Volatility returns (max-min)/min over the window scaled so that a
// fullScaleRange swing is 1.0. Fewer than two samples yield 0.
func (vt *VolatilityTracker) Volatility(token string) float64 {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	vt.evictStaleLocked(token, vt.now())
	s := vt.samples[token]
	if len(s) < 2 {
		return 0
	}

	lo, hi := s[0].Price, s[0].Price
	for _, p := range s[1:] {
		lo = min(lo, p.Price)
		hi = max(hi, p.Price)
	}
	return min((hi-lo)/lo/fullScaleRange, 1)
}

// SampleCount returns the number of samples currently in the window.
func (vt *VolatilityTracker) SampleCount(token string) int {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	vt.evictStaleLocked(token, vt.now())
	return len(vt.samples[token])
}
