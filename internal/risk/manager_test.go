package risk

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"galaswap-bot/internal/config"
	"galaswap-bot/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxTradeSizeUSD:        100,
		MaxDailyLoss:           10,
		MaxConsecutiveFailures: 3,
		CooldownAfterKill:      5 * time.Minute,
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestManager() (*Manager, *fakeClock) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	rm := NewManager(testRiskConfig(), logger)
	rm.now = clock.Now
	return rm, clock
}

func trade(status types.TradeStatus, profit, gas float64, at time.Time) types.TradeRecord {
	return types.TradeRecord{Status: status, ProfitUSD: profit, GasUSD: gas, FinishedAt: at}
}

func TestCanTradeUnderLimits(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager()

	if err := rm.CanTrade(50); err != nil {
		t.Errorf("CanTrade(50) = %v", err)
	}
	if err := rm.CanTrade(150); !errors.Is(err, ErrTradeTooLarge) {
		t.Errorf("CanTrade(150) = %v, want ErrTradeTooLarge", err)
	}

	select {
	case sig := <-rm.killCh:
		t.Errorf("unexpected kill signal: %+v", sig)
	default:
	}
}

func TestConsecutiveFailuresFireKillSwitch(t *testing.T) {
	t.Parallel()
	rm, clock := newTestManager()

	rm.RecordTrade(trade(types.TradeFailed, 0, 0, clock.t))
	rm.RecordTrade(trade(types.TradeFailed, 0, 0, clock.t))
	rm.RecordTrade(trade(types.TradeCompleted, 1, 0.1, clock.t)) // resets the streak
	rm.RecordTrade(trade(types.TradeFailed, 0, 0, clock.t))
	rm.RecordTrade(trade(types.TradeFailed, 0, 0, clock.t))
	if rm.IsKillSwitchActive() {
		t.Fatal("kill switch fired before the streak reached the limit")
	}

	rm.RecordTrade(trade(types.TradeFailed, 0, 0, clock.t))
	if !rm.IsKillSwitchActive() {
		t.Fatal("expected kill switch after 3 consecutive failures")
	}
	select {
	case sig := <-rm.KillCh():
		if !sig.Until.Equal(clock.t.Add(5 * time.Minute)) {
			t.Errorf("Until = %v", sig.Until)
		}
	default:
		t.Error("expected kill signal")
	}
	if err := rm.CanTrade(10); !errors.Is(err, ErrKillSwitch) {
		t.Errorf("CanTrade during cooldown = %v, want ErrKillSwitch", err)
	}

	clock.t = clock.t.Add(5*time.Minute + time.Second)
	if err := rm.CanTrade(10); err != nil {
		t.Errorf("CanTrade after cooldown = %v", err)
	}
	if s := rm.Snapshot(); s.KillSwitchActive || s.KillSwitchReason != "" {
		t.Errorf("snapshot after cooldown = %+v", s)
	}
}

func TestDailyLossFiresKillSwitch(t *testing.T) {
	t.Parallel()
	rm, clock := newTestManager()

	rm.RecordTrade(trade(types.TradeCompleted, -6, 0.5, clock.t))
	if rm.IsKillSwitchActive() {
		t.Fatal("kill switch fired below the daily loss limit")
	}
	rm.RecordTrade(trade(types.TradeCompleted, -4, 0.5, clock.t))
	if !rm.IsKillSwitchActive() {
		t.Fatal("expected kill switch after -11 daily PnL")
	}

	s := rm.Snapshot()
	if s.DailyPnL != -11 || s.TradesToday != 2 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestDryRunTradesDoNotCountTowardLoss(t *testing.T) {
	t.Parallel()
	rm, clock := newTestManager()

	rec := trade(types.TradeSimulated, -50, 1, clock.t)
	rec.DryRun = true
	rm.RecordTrade(rec)

	if rm.IsKillSwitchActive() {
		t.Error("dry-run loss must not fire the kill switch")
	}
	if s := rm.Snapshot(); s.DailyPnL != 0 || s.TradesToday != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestDayRollover(t *testing.T) {
	t.Parallel()
	rm, clock := newTestManager()

	rm.RecordTrade(trade(types.TradeCompleted, -8, 0, clock.t))
	clock.t = clock.t.Add(13 * time.Hour) // next UTC day

	if s := rm.Snapshot(); s.DailyPnL != 0 || s.TradesToday != 0 {
		t.Errorf("snapshot after midnight = %+v", s)
	}
	rm.RecordTrade(trade(types.TradeCompleted, -8, 0, clock.t))
	if rm.IsKillSwitchActive() {
		t.Error("yesterday's loss must not count toward today's limit")
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	rm, clock := newTestManager()

	rm.Restore([]types.TradeRecord{
		trade(types.TradeCompleted, 3, 0.5, clock.t.Add(-time.Hour)),
		trade(types.TradeFailed, 0, 0.25, clock.t.Add(-2*time.Hour)),
		trade(types.TradeCompleted, -100, 0, clock.t.Add(-36*time.Hour)), // yesterday
	})

	s := rm.Snapshot()
	if s.TradesToday != 2 || s.DailyPnL != 2.25 {
		t.Errorf("snapshot = %+v, want 2 trades and 2.25 PnL", s)
	}
	if s.KillSwitchActive {
		t.Error("Restore must not fire the kill switch")
	}
}

func TestKillChannelKeepsLatestSignal(t *testing.T) {
	t.Parallel()
	rm, clock := newTestManager()

	rm.mu.Lock()
	for i := 0; i < cap(rm.killCh)+2; i++ {
		rm.emitKillLocked("test")
	}
	rm.mu.Unlock()

	if len(rm.killCh) != cap(rm.killCh) {
		t.Errorf("len(killCh) = %d, want %d", len(rm.killCh), cap(rm.killCh))
	}
	if !rm.Snapshot().KillSwitchUntil.Equal(clock.t.Add(5 * time.Minute)) {
		t.Error("unexpected kill switch expiry")
	}
}
