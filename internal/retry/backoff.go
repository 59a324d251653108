package retry

import (
	"math"
	"math/rand"
	"time"
)

// jitterFraction is the ± spread applied when jitter is enabled.
const jitterFraction = 0.1

// Delay returns min(base × multiplier^attempt, max) for a zero-based attempt.
func Delay(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt))
	if d >= float64(max) || math.IsInf(d, 1) {
		return max
	}
	return time.Duration(d)
}

// Backoff tracks the attempt counter of an exponential backoff sequence.
// Not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	attempt    int
	base       time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
}

// NewBackoff creates a backoff starting at attempt 0.
func NewBackoff(base, max time.Duration, multiplier float64, jitter bool) *Backoff {
	return &Backoff{base: base, max: max, multiplier: multiplier, jitter: jitter}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := Delay(b.attempt, b.base, b.max, b.multiplier)
	b.attempt++
	if b.jitter {
		d = withJitter(d, b.max)
	}
	return d
}

// Attempt returns how many delays have been handed out.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset returns the counter to zero.
func (b *Backoff) Reset() { b.attempt = 0 }

// withJitter spreads d uniformly by ±10% without exceeding max.
func withJitter(d, max time.Duration) time.Duration {
	j := int64(float64(d) * jitterFraction)
	if j <= 0 {
		return d
	}
	d = time.Duration(int64(d) + rand.Int63n(2*j+1) - j)
	if d > max {
		d = max
	}
	return d
}
