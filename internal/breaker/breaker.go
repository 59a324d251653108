// Package breaker isolates failing GalaSwap operations behind circuit breakers.
//
// A Breaker moves between three states:
//   - CLOSED: calls pass through; consecutive failures are counted. A failure
//     arriving more than MonitorWindow after the previous one starts the count
//     over, so isolated failures never add up.
//   - OPEN: entered when the count reaches FailureThreshold. Every call is
//     rejected with an apierr.CircuitOpen error without running the operation
//     until ResetTimeout has elapsed.
//   - HALF_OPEN: the first call after ResetTimeout runs as a single probe while
//     other calls keep being rejected. Success closes the circuit and clears
//     the count, failure reopens it and restarts the timer.
//
// Validation, business and liquidity-filter rejections mean the dependency
// answered, so they count as successes. Caller cancellation counts as neither.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"galaswap-bot/internal/apierr"
	"galaswap-bot/internal/config"
)

// State is the circuit state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a point-in-time view of a breaker for the dashboard.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
	OpenedAt    time.Time `json:"openedAt,omitempty"`
}

// Breaker is a circuit breaker for one logical operation. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    config.BreakerConfig
	now    func() time.Time
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool
	onStateChange func(name string, from, to State)
}

// New creates a closed breaker.
func New(name string, cfg config.BreakerConfig, logger *slog.Logger) (*Breaker, error) {
	return newWithClock(name, cfg, logger, time.Now)
}

func newWithClock(name string, cfg config.BreakerConfig, logger *slog.Logger, now func() time.Time) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("circuit breaker %s: %w", name, err)
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		now:    now,
		logger: logger.With("component", "breaker", "op", name),
	}, nil
}

// Name returns the operation name.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers a callback invoked (outside the lock) on every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Allow asks permission for one call. It returns a CircuitOpen error when the
// call must not run. A nil return obliges the caller to report the outcome
// via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.now()

	switch b.state {
	case Open:
		remaining := b.cfg.ResetTimeout - now.Sub(b.openedAt)
		if remaining > 0 {
			b.mu.Unlock()
			return b.openError(fmt.Sprintf("circuit open, retry in %s", remaining.Round(time.Millisecond)))
		}
		notify := b.transitionLocked(HalfOpen)
		b.probeInFlight = true
		b.mu.Unlock()
		notify()
		return nil

	case HalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return b.openError("circuit half-open, probe in flight")
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return nil

	default:
		b.mu.Unlock()
		return nil
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case HalfOpen:
		b.failures = 0
		b.probeInFlight = false
		notify = b.transitionLocked(Closed)
	case Closed:
		b.failures = 0
	}
	b.mu.Unlock()
	notify()
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.now()
	notify := func() {}

	switch b.state {
	case HalfOpen:
		b.failures++
		b.lastFailure = now
		notify = b.tripLocked(now)
	case Closed:
		if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.MonitorWindow {
			b.failures = 0
		}
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.FailureThreshold {
			notify = b.tripLocked(now)
		}
	case Open:
		// A call admitted before the circuit opened finished late.
		b.lastFailure = now
	}
	b.mu.Unlock()
	notify()
}

// Record reports err as the outcome of an admitted call.
func (b *Breaker) Record(err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// Caller gave up; the probe slot is freed without a verdict.
		b.mu.Lock()
		b.probeInFlight = false
		b.mu.Unlock()
	case CountsAsFailure(err):
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters. Failures older than the monitor
// window are reported as zero.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	failures := b.failures
	if b.state == Closed && !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) > b.cfg.MonitorWindow {
		failures = 0
	}
	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

// Reset forces the circuit closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.openedAt = time.Time{}
	b.probeInFlight = false
	notify := b.transitionLocked(Closed)
	b.mu.Unlock()
	notify()
}

// Do runs fn under the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs op under b and returns its result. While the circuit is open
// op is not invoked and the returned error has kind apierr.CircuitOpen.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	if err := b.Allow(); err != nil {
		var zero T
		return zero, err
	}
	v, err := op(ctx)
	b.Record(err)
	return v, err
}

// Wrap returns op guarded by b.
func Wrap[T any](b *Breaker, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, b, op)
	}
}

// CountsAsFailure reports whether err says the dependency is unhealthy.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch apierr.KindOf(err) {
	case apierr.Validation, apierr.Business, apierr.Filtered, apierr.CircuitOpen:
		return false
	}
	return true
}

func (b *Breaker) openError(msg string) error {
	return apierr.New(apierr.CircuitOpen, b.name, msg)
}

// tripLocked opens the circuit. Must be called with lock held.
func (b *Breaker) tripLocked(now time.Time) func() {
	b.openedAt = now
	b.probeInFlight = false
	return b.transitionLocked(Open)
}

// transitionLocked switches state and returns a function that logs and fires
// the callback; call it after releasing the lock.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	cb := b.onStateChange
	failures := b.failures
	return func() {
		switch to {
		case Open:
			b.logger.Warn("circuit opened", "from", from.String(), "failures", failures, "reset_timeout", b.cfg.ResetTimeout)
		case HalfOpen:
			b.logger.Info("circuit half-open, probing")
		case Closed:
			b.logger.Info("circuit closed", "from", from.String())
		}
		if cb != nil {
			cb(b.name, from, to)
		}
	}
}
