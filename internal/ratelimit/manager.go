package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"galaswap-bot/internal/config"
)

// Manager holds one Limiter per endpoint name.
type Manager struct {
	mu        sync.Mutex
	defaults  config.LimiterConfig
	overrides map[string]config.LimiterConfig
	limiters  map[string]*Limiter
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager validates the default and every override up front so that
// lazy creation in Limiter never fails.
func NewManager(cfg config.RateLimitConfig, logger *slog.Logger) (*Manager, error) {
	return newManagerWithClock(cfg, logger, time.Now)
}

func newManagerWithClock(cfg config.RateLimitConfig, logger *slog.Logger, now func() time.Time) (*Manager, error) {
	if err := cfg.Default.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit default: %w", err)
	}
	overrides := make(map[string]config.LimiterConfig, len(cfg.Endpoints))
	for name, ep := range cfg.Endpoints {
		merged := ep.Merge(cfg.Default)
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", name, err)
		}
		overrides[name] = merged
	}
	return &Manager{
		defaults:  cfg.Default,
		overrides: overrides,
		limiters:  make(map[string]*Limiter),
		now:       now,
		logger:    logger.With("component", "ratelimit"),
	}, nil
}

// Limiter returns the limiter for endpoint, creating it on first use.
func (m *Manager) Limiter(endpoint string) *Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters[endpoint]; ok {
		return l
	}

	cfg, ok := m.overrides[endpoint]
	if !ok {
		cfg = m.defaults
	}
	// Configs were validated in NewManager.
	l, _ := newWithClock(cfg, m.now)
	m.limiters[endpoint] = l
	m.logger.Debug("rate limiter created",
		"endpoint", endpoint,
		"rps", cfg.RequestsPerSecond,
		"burst", cfg.BurstLimit,
	)
	return l
}

// Wait blocks until endpoint admits a request or ctx is cancelled.
func (m *Manager) Wait(ctx context.Context, endpoint string) error {
	l := m.Limiter(endpoint)
	d := l.CheckLimit()
	if d.Allowed {
		return nil
	}
	m.logger.Debug("rate limited, waiting", "endpoint", endpoint, "retry_after", d.RetryAfter)
	return l.Wait(ctx)
}

// ResetAll resets every limiter created so far.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	limiters := make([]*Limiter, 0, len(m.limiters))
	for _, l := range m.limiters {
		limiters = append(limiters, l)
	}
	m.mu.Unlock()

	for _, l := range limiters {
		l.Reset()
	}
	m.logger.Info("rate limiters reset", "count", len(limiters))
}

// AllStatus returns the status of every limiter created so far.
func (m *Manager) AllStatus() map[string]Status {
	m.mu.Lock()
	snapshot := make(map[string]*Limiter, len(m.limiters))
	for name, l := range m.limiters {
		snapshot[name] = l
	}
	m.mu.Unlock()

	out := make(map[string]Status, len(snapshot))
	for name, l := range snapshot {
		out[name] = l.Status()
	}
	return out
}

// Endpoints returns the names of created limiters, sorted.
func (m *Manager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.limiters))
	for name := range m.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
