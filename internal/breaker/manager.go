package breaker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"galaswap-bot/internal/config"
)

// Manager hands out one Breaker per operation name ("quote", "swap",
// "transaction-poll", ...). All breakers share one configuration.
type Manager struct {
	cfg    config.BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	breakers      map[string]*Breaker
	onStateChange func(name string, from, to State)
}

// NewManager validates cfg once for every breaker it will create.
func NewManager(cfg config.BreakerConfig, logger *slog.Logger) (*Manager, error) {
	return newManagerWithClock(cfg, logger, time.Now)
}

func newManagerWithClock(cfg config.BreakerConfig, logger *slog.Logger, now func() time.Time) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("circuit breaker: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		breakers: make(map[string]*Breaker),
	}, nil
}

// Get returns the breaker for op, creating it on first use.
func (m *Manager) Get(op string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[op]; ok {
		return b
	}
	// cfg was validated in NewManager.
	b, _ := newWithClock(op, m.cfg, m.logger, m.now)
	if m.onStateChange != nil {
		b.OnStateChange(m.onStateChange)
	}
	m.breakers[op] = b
	return b
}

// OnStateChange registers fn on every existing and future breaker.
func (m *Manager) OnStateChange(fn func(name string, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onStateChange = fn
	for _, b := range m.breakers {
		b.OnStateChange(fn)
	}
}

// Snapshots returns every breaker's state sorted by name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
