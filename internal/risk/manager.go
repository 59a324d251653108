// Package risk enforces the bot's hard trading limits.
//
// Before every round trip the engine asks CanTrade, and after it reports the
// journal record through RecordTrade. The manager enforces:
//
//   - Trade size:           caps the USD value committed by a single round trip
//   - Daily loss:           fires the kill switch when net PnL since midnight
//     UTC falls below -MaxDailyLoss (dry-run trades are ignored)
//   - Consecutive failures: fires the kill switch after MaxConsecutiveFailures
//     failed executions in a row
//
// When a limit is breached, the manager emits a KillSignal on KillCh(). The
// kill switch stays active for CooldownAfterKill, during which CanTrade
// refuses every trade.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"galaswap-bot/internal/config"
	"galaswap-bot/pkg/types"
)

var (
	ErrKillSwitch    = errors.New("kill switch active")
	ErrTradeTooLarge = errors.New("trade exceeds max trade size")
)

// KillSignal tells the engine trading was halted.
type KillSignal struct {
	Reason string
	Until  time.Time
}

// Snapshot is the risk state shown on the dashboard.
type Snapshot struct {
	DailyPnL               float64   `json:"dailyPnl"`
	MaxDailyLoss           float64   `json:"maxDailyLoss"`
	TradesToday            int       `json:"tradesToday"`
	ConsecutiveFailures    int       `json:"consecutiveFailures"`
	MaxConsecutiveFailures int       `json:"maxConsecutiveFailures"`
	MaxTradeSizeUSD        float64   `json:"maxTradeSizeUsd"`
	KillSwitchActive       bool      `json:"killSwitchActive"`
	KillSwitchUntil        time.Time `json:"killSwitchUntil,omitempty"`
	KillSwitchReason       string    `json:"killSwitchReason,omitempty"`
}

// Manager tracks daily PnL and failure streaks. Safe for concurrent use.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	day                 time.Time // midnight UTC of the day dailyPnL belongs to
	dailyPnL            float64
	tradesToday         int
	consecutiveFailures int
	killSwitchActive    bool
	killSwitchUntil     time.Time
	killReason          string

	killCh chan KillSignal
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		now:    time.Now,
		killCh: make(chan KillSignal, 10),
	}
}

// Run periodically clears an expired kill switch so the dashboard reflects
// it even when no trade is attempted.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.mu.Lock()
			rm.clearExpiredLocked()
			rm.mu.Unlock()
		}
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// CanTrade checks a prospective round trip of tradeSizeUSD.
func (rm *Manager) CanTrade(tradeSizeUSD float64) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.clearExpiredLocked()
	if rm.killSwitchActive {
		return fmt.Errorf("%w until %s: %s", ErrKillSwitch,
			rm.killSwitchUntil.UTC().Format(time.RFC3339), rm.killReason)
	}
	if tradeSizeUSD > rm.cfg.MaxTradeSizeUSD {
		return fmt.Errorf("%w: $%.2f > $%.2f", ErrTradeTooLarge, tradeSizeUSD, rm.cfg.MaxTradeSizeUSD)
	}
	return nil
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.clearExpiredLocked()
	return rm.killSwitchActive
}

// RecordTrade updates the counters with a finished round trip.
func (rm *Manager) RecordTrade(rec types.TradeRecord) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.rollDayLocked(rec.FinishedAt)
	rm.tradesToday++

	if rec.Status == types.TradeFailed {
		rm.consecutiveFailures++
	} else {
		rm.consecutiveFailures = 0
	}
	if !rec.DryRun {
		rm.dailyPnL += rec.NetUSD()
	}

	if rm.consecutiveFailures >= rm.cfg.MaxConsecutiveFailures {
		rm.emitKillLocked(fmt.Sprintf("%d consecutive failed trades", rm.consecutiveFailures))
		rm.consecutiveFailures = 0
	}
	if rm.dailyPnL < -rm.cfg.MaxDailyLoss {
		rm.emitKillLocked(fmt.Sprintf("max daily loss breached: %.2f", rm.dailyPnL))
	}
}

// Restore seeds today's PnL from journaled trades after a restart.
// Trades from earlier days are ignored. It never fires the kill switch.
func (rm *Manager) Restore(trades []types.TradeRecord) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.rollDayLocked(rm.now())
	for _, t := range trades {
		if !midnightUTC(t.FinishedAt).Equal(rm.day) {
			continue
		}
		rm.tradesToday++
		if !t.DryRun {
			rm.dailyPnL += t.NetUSD()
		}
	}
	rm.logger.Info("risk state restored", "trades_today", rm.tradesToday, "daily_pnl", rm.dailyPnL)
}

// Snapshot returns current risk metrics for the dashboard.
func (rm *Manager) Snapshot() Snapshot {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.clearExpiredLocked()
	rm.rollDayLocked(rm.now())
	s := Snapshot{
		DailyPnL:               rm.dailyPnL,
		MaxDailyLoss:           rm.cfg.MaxDailyLoss,
		TradesToday:            rm.tradesToday,
		ConsecutiveFailures:    rm.consecutiveFailures,
		MaxConsecutiveFailures: rm.cfg.MaxConsecutiveFailures,
		MaxTradeSizeUSD:        rm.cfg.MaxTradeSizeUSD,
		KillSwitchActive:       rm.killSwitchActive,
	}
	if rm.killSwitchActive {
		s.KillSwitchUntil = rm.killSwitchUntil
		s.KillSwitchReason = rm.killReason
	}
	return s
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// rollDayLocked resets the daily counters when t falls on a later UTC day.
func (rm *Manager) rollDayLocked(t time.Time) {
	if t.IsZero() {
		t = rm.now()
	}
	day := midnightUTC(t)
	if day.After(rm.day) {
		rm.day = day
		rm.dailyPnL = 0
		rm.tradesToday = 0
	}
}

func (rm *Manager) clearExpiredLocked() {
	if rm.killSwitchActive && rm.now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.killReason = ""
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKillLocked activates the kill switch and sends a KillSignal. If the
// channel is full the stale signal is dropped so the latest reason wins.
func (rm *Manager) emitKillLocked(reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = rm.now().Add(rm.cfg.CooldownAfterKill)
	rm.killReason = reason

	rm.logger.Error("KILL SWITCH",
		"reason", reason,
		"cooldown_until", rm.killSwitchUntil,
	)

	sig := KillSignal{Reason: reason, Until: rm.killSwitchUntil}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
