// Package retry re-invokes failing operations with exponential backoff.
//
// Do runs an operation until it succeeds, MaxRetries is exhausted (the last
// error is returned unchanged), or the retry condition rejects the error
// (returned immediately). The delay before retry n (zero-based) is
// min(BaseDelay × BackoffMultiplier^n, MaxDelay), optionally jittered by ±10%.
// Rate-limited failures wait twice as long, still capped at MaxDelay.
//
// Presets per API category mirror the exchange's tolerance for each call:
//
//	fast:        2 retries, 500ms base,  5s cap   (quotes, status polls)
//	standard:    3 retries, 1s base,    10s cap   (prices, pools)
//	slow:        4 retries, 2s base,    20s cap   (balances)
//	transaction: 5 retries, 3s base,    30s cap   (swap submission)
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"galaswap-bot/internal/apierr"
	"galaswap-bot/internal/config"
)

// Options controls a retry loop.
type Options struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// RetryCondition decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	RetryCondition func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)

	Label  string       // operation name used in logs
	Logger *slog.Logger // optional
}

// Category selects a preset.
type Category string

const (
	Fast        Category = "fast"
	Standard    Category = "standard"
	Slow        Category = "slow"
	Transaction Category = "transaction"
)

// Presets builds Options per category from configuration.
type Presets struct {
	cfg config.RetryConfig
}

// NewPresets wraps the configured category presets.
func NewPresets(cfg config.RetryConfig) Presets {
	return Presets{cfg: cfg}
}

// Options returns the options for cat. Unknown categories use Standard.
func (p Presets) Options(cat Category) Options {
	var preset config.RetryPreset
	switch cat {
	case Fast:
		preset = p.cfg.Fast
	case Slow:
		preset = p.cfg.Slow
	case Transaction:
		preset = p.cfg.Transaction
	default:
		cat = Standard
		preset = p.cfg.Standard
	}
	mult := p.cfg.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	return Options{
		MaxRetries:        preset.MaxRetries,
		BaseDelay:         preset.BaseDelay,
		MaxDelay:          preset.MaxDelay,
		BackoffMultiplier: mult,
		Jitter:            p.cfg.Jitter,
		Label:             string(cat),
	}
}

// ForCategory returns the built-in preset for cat.
func ForCategory(cat Category) Options {
	return NewPresets(config.Default().Retry).Options(cat)
}

// Do runs op with retries. The context bounds the whole loop including
// backoff sleeps; op receives the same context.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T

	cond := opts.RetryCondition
	if cond == nil {
		cond = IsRetryable
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	b := NewBackoff(opts.BaseDelay, opts.MaxDelay, opts.BackoffMultiplier, opts.Jitter)

	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			if attempt > 0 && opts.Logger != nil {
				opts.Logger.Debug("retry succeeded", "op", opts.Label, "attempts", attempt+1)
			}
			return v, nil
		}
		if attempt >= opts.MaxRetries || !cond(err) {
			return zero, err
		}

		delay := b.Next()
		if apierr.IsKind(err, apierr.RateLimited) {
			delay *= 2
			if delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err, delay)
		}
		if opts.Logger != nil {
			opts.Logger.Warn("operation failed, retrying",
				"op", opts.Label,
				"attempt", attempt+1,
				"max_retries", opts.MaxRetries,
				"delay", delay,
				"error", apierr.Summarize(err),
			)
		}

		if serr := sleep(ctx, delay); serr != nil {
			return zero, errors.Join(serr, err)
		}
	}
}

// DoParallel runs every op concurrently, each under Do with opts. It waits
// for all of them and returns the first failure observed, if any. Results of
// successful ops are filled in even when another op failed.
func DoParallel[T any](ctx context.Context, opts Options, ops []func(context.Context) (T, error)) ([]T, error) {
	results := make([]T, len(ops))
	var g errgroup.Group
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			v, err := Do(ctx, opts, op)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	return results, g.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
