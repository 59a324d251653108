// Package engine is the central orchestrator of the GalaSwap arbitrage bot.
//
// It wires together all subsystems:
//
//  1. Resilience layer: per-endpoint rate limiters, per-operation circuit
//     breakers and the liquidity pre-flight filter, shared by the REST client.
//  2. The REST client (quotes, prices, swaps, transaction status) and the
//     bundle event feed that reports transaction updates over WebSocket.
//  3. The arbitrage strategy, which prices every round trip with the gas
//     bidding engine.
//  4. The risk manager, which vetoes trades and fires the kill switch.
//  5. The trade journal and, optionally, the persisted dynamic blacklist.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leekchan/accounting"

	"galaswap-bot/internal/api"
	"galaswap-bot/internal/breaker"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/exchange"
	"galaswap-bot/internal/gasbid"
	"galaswap-bot/internal/liquidity"
	"galaswap-bot/internal/ratelimit"
	"galaswap-bot/internal/risk"
	"galaswap-bot/internal/store"
	"galaswap-bot/internal/strategy"
	"galaswap-bot/pkg/types"
)

const (
	recentTradesLimit   = 50
	dashboardBufferSize = 100
	balanceCheckTimeout = 15 * time.Second
)

var usd = accounting.Accounting{Symbol: "$", Precision: 2}

// Engine orchestrates all components of the arbitrage system.
// It owns the lifecycle of all goroutines.
type Engine struct {
	cfg      config.Config
	limiters *ratelimit.Manager
	breakers *breaker.Manager
	filter   *liquidity.Filter
	client   *exchange.Client
	feed     *exchange.TxFeed // nil when api.ws_url is empty
	gas      *gasbid.Engine
	arb      *strategy.Arbitrage
	riskMgr  *risk.Manager
	store    *store.Store
	logger   *slog.Logger

	// waiters routes feed events to WaitForTransaction calls, keyed by tx id.
	waiters   map[string]chan types.TxState
	waitersMu sync.Mutex

	// trades holds the most recent journal records, oldest first.
	trades   []types.TradeRecord
	tradesMu sync.RWMutex

	// blacklistSize is the dynamic blacklist size at the last sync.
	blacklistSize atomic.Int64

	// dashboardEvents is an optional channel for sending events to the dashboard.
	// Nil if dashboard is disabled.
	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// feedExchange is the exchange client with transaction waits raced against
// the event feed.
type feedExchange struct {
	*exchange.Client
	e *Engine
}

func (f feedExchange) WaitForTransaction(ctx context.Context, id string, interval time.Duration) (*types.TxState, error) {
	return f.e.waitForTransaction(ctx, id, interval)
}

// New creates and wires all engine components and restores persisted state.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var signer *exchange.Signer
	if cfg.Wallet.PrivateKey != "" {
		s, err := exchange.NewSigner(cfg.Wallet)
		if err != nil {
			return nil, err
		}
		signer = s
	}

	limiters, err := ratelimit.NewManager(cfg.RateLimit, logger)
	if err != nil {
		return nil, err
	}
	breakers, err := breaker.NewManager(cfg.CircuitBreaker, logger)
	if err != nil {
		return nil, err
	}
	filter, err := liquidity.New(cfg.LiquidityFilter, logger)
	if err != nil {
		return nil, err
	}
	client, err := exchange.NewClient(cfg, exchange.Deps{
		Signer:   signer,
		Limiters: limiters,
		Breakers: breakers,
		Filter:   filter,
	}, logger)
	if err != nil {
		return nil, err
	}
	gas, err := gasbid.New(cfg.GasBidding, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, dashboardBufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:             cfg,
		limiters:        limiters,
		breakers:        breakers,
		filter:          filter,
		client:          client,
		gas:             gas,
		riskMgr:         risk.NewManager(cfg.Risk, logger),
		store:           st,
		logger:          logger.With("component", "engine"),
		waiters:         make(map[string]chan types.TxState),
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}
	if cfg.API.WSURL != "" {
		e.feed = exchange.NewTxFeed(cfg.API.WSURL, logger)
	}

	e.arb, err = strategy.NewArbitrage(cfg.Strategy, feedExchange{Client: client, e: e}, filter, gas, logger, dashEvents)
	if err != nil {
		cancel()
		return nil, err
	}

	breakers.OnStateChange(e.onBreakerStateChange)

	if err := e.restore(); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// restore reloads the journal into the risk manager and, when
// liquidity_filter.persist_dynamic_blacklist is set, the learned blacklist
// into the filter.
func (e *Engine) restore() error {
	trades, skipped, err := e.store.LoadTrades()
	if err != nil {
		return fmt.Errorf("load trade journal: %w", err)
	}
	if skipped > 0 {
		e.logger.Warn("skipped unreadable journal entries", "count", skipped)
	}
	e.riskMgr.Restore(trades)
	if len(trades) > recentTradesLimit {
		trades = trades[len(trades)-recentTradesLimit:]
	}
	e.trades = trades

	if e.cfg.LiquidityFilter.PersistDynamicBlacklist {
		entries, err := e.store.LoadBlacklist()
		if err != nil {
			return fmt.Errorf("load blacklist: %w", err)
		}
		e.filter.RestoreDynamic(entries)
	}
	e.blacklistSize.Store(int64(e.filter.Statistics().DynamicBlacklistSize))

	snap := e.riskMgr.Snapshot()
	e.logger.Info("state restored",
		"trades_today", snap.TradesToday,
		"daily_pnl", usd.FormatMoneyFloat64(snap.DailyPnL),
		"blacklisted_pairs", e.blacklistSize.Load(),
	)
	return nil
}

// Start launches all background goroutines: the event feed, the risk
// manager, the feed dispatcher and the scan loop.
func (e *Engine) Start() error {
	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("transaction feed error", "error", err)
			}
		}()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatchTxEvents()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(e.ctx)
	}()

	if !e.cfg.DryRun {
		e.checkBalance()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanLoop()
	}()

	return nil
}

// Stop gracefully shuts down: cancels all contexts, waits for goroutines,
// persists the learned blacklist when enabled and closes resources. A round
// trip in flight is abandoned after its current request.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	if e.feed != nil {
		e.feed.Close()
	}
	e.syncBlacklist(true)
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// checkBalance logs the wallet's base token balance and warns when it
// cannot cover one round trip.
func (e *Engine) checkBalance() {
	ctx, cancel := context.WithTimeout(e.ctx, balanceCheckTimeout)
	defer cancel()

	bal, err := e.client.Balance(ctx, e.cfg.Strategy.BaseToken)
	if err != nil {
		e.logger.Warn("balance check failed", "error", err)
		return
	}
	e.logger.Info("wallet balance", "token", e.cfg.Strategy.BaseToken, "balance", bal.String())
	if bal.InexactFloat64() < e.cfg.Strategy.TradeSize {
		e.logger.Warn("balance below trade size",
			"balance", bal.String(),
			"trade_size", e.cfg.Strategy.TradeSize,
		)
	}
}

// scanLoop is the main engine loop. It reacts to two events:
// - Scan ticks: evaluate every route and execute the best opportunity.
// - Kill signals from the risk manager.
func (e *Engine) scanLoop() {
	ticker := time.NewTicker(e.cfg.Strategy.ScanInterval)
	defer ticker.Stop()

	e.scanOnce(e.ctx)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce(e.ctx)
		case kill := <-e.riskMgr.KillCh():
			e.handleKillSignal(kill)
		}
	}
}

// scanOnce runs one scan cycle and executes at most one round trip: the
// quotes behind the remaining opportunities are stale once a trade moved
// the pools.
func (e *Engine) scanOnce(ctx context.Context) {
	defer e.syncBlacklist(false)

	if e.riskMgr.IsKillSwitchActive() {
		e.logger.Debug("kill switch active, skipping scan")
		return
	}

	for _, opp := range e.arb.Scan(ctx) {
		if ctx.Err() != nil {
			return
		}
		if !e.arb.Executable(opp) {
			continue
		}
		if err := e.riskMgr.CanTrade(opp.TradeSizeUSD()); err != nil {
			e.logger.Warn("trade vetoed by risk manager",
				"id", opp.ID,
				"pair", opp.Pair,
				"size_usd", usd.FormatMoneyFloat64(opp.TradeSizeUSD()),
				"error", err,
			)
			if errors.Is(err, risk.ErrKillSwitch) {
				return
			}
			continue
		}

		e.recordTrade(e.arb.Execute(ctx, opp))
		return
	}
}

// recordTrade feeds the risk manager, journals the record and keeps it for
// the dashboard.
func (e *Engine) recordTrade(rec types.TradeRecord) {
	e.riskMgr.RecordTrade(rec)
	if err := e.store.SaveTrade(rec); err != nil {
		e.logger.Error("failed to journal trade", "id", rec.ID, "error", err)
	}

	e.tradesMu.Lock()
	e.trades = append(e.trades, rec)
	if len(e.trades) > recentTradesLimit {
		e.trades = slices.Delete(e.trades, 0, len(e.trades)-recentTradesLimit)
	}
	e.tradesMu.Unlock()
}

// syncBlacklist reports growth of the dynamic blacklist to the dashboard
// and, when persistence is enabled, writes it to disk. Nothing happens if
// the size is unchanged since the last sync, unless force is set.
func (e *Engine) syncBlacklist(force bool) {
	size := int64(e.filter.Statistics().DynamicBlacklistSize)
	prev := e.blacklistSize.Load()
	if !force && size == prev {
		return
	}
	if e.cfg.LiquidityFilter.PersistDynamicBlacklist {
		if err := e.store.SaveBlacklist(e.filter.DynamicBlacklist()); err != nil {
			e.logger.Error("failed to persist blacklist", "error", err)
			return
		}
	}
	e.blacklistSize.Store(size)

	if size > prev {
		e.emitDashboardEvent(api.DashboardEvent{
			Type:      api.EventBlacklist,
			Timestamp: time.Now(),
			Data:      api.BlacklistEvent{Action: "added", Entries: int(size - prev)},
		})
	}
}

func (e *Engine) handleKillSignal(kill risk.KillSignal) {
	e.logger.Error("KILL SIGNAL received",
		"reason", kill.Reason,
		"until", kill.Until,
	)

	e.emitDashboardEvent(api.DashboardEvent{
		Type:      api.EventKill,
		Timestamp: time.Now(),
		Data:      api.NewKillEvent(kill.Reason, kill.Until),
	})
}

func (e *Engine) onBreakerStateChange(name string, from, to breaker.State) {
	level := slog.LevelInfo
	if to == breaker.Open {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "circuit state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	)
	e.emitDashboardEvent(api.DashboardEvent{
		Type:      api.EventBreaker,
		Timestamp: time.Now(),
		Data:      api.NewBreakerEvent(name, from.String(), to.String()),
	})
}

// waitForTransaction polls the transaction status and, when the event feed
// is configured, returns as soon as the feed reports a terminal status.
// Polling stays the source of truth when the feed is down.
func (e *Engine) waitForTransaction(ctx context.Context, id string, interval time.Duration) (*types.TxState, error) {
	if e.feed == nil || exchange.IsDryRunID(id) {
		return e.client.WaitForTransaction(ctx, id, interval)
	}

	events := make(chan types.TxState, 4)
	e.waitersMu.Lock()
	e.waiters[id] = events
	e.waitersMu.Unlock()
	defer func() {
		e.waitersMu.Lock()
		delete(e.waiters, id)
		e.waitersMu.Unlock()
		if err := e.feed.Unsubscribe(id); err != nil {
			e.logger.Debug("feed unsubscribe failed", "tx", id, "error", err)
		}
	}()

	if err := e.feed.Subscribe(id); err != nil {
		e.logger.Debug("feed subscribe failed, polling only", "tx", id, "error", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		st  *types.TxState
		err error
	}
	polled := make(chan result, 1)
	go func() {
		st, err := e.client.WaitForTransaction(pollCtx, id, interval)
		polled <- result{st, err}
	}()

	for {
		select {
		case st := <-events:
			if st.Status.Terminal() {
				e.logger.Debug("transaction settled via feed", "tx", id, "status", st.Status)
				return &st, nil
			}
		case r := <-polled:
			return r.st, r.err
		}
	}
}

// dispatchTxEvents routes feed events to the waiting transaction.
func (e *Engine) dispatchTxEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case st := <-e.feed.Events():
			e.waitersMu.Lock()
			ch, ok := e.waiters[st.ID]
			e.waitersMu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- st:
			default:
				e.logger.Warn("transaction waiter full, dropping event", "tx", st.ID)
			}
		}
	}
}

// Dashboard provider

// DashboardEvents returns the dashboard event channel (may be nil).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// RateLimitStatus returns every limiter's state keyed by endpoint.
func (e *Engine) RateLimitStatus() map[string]ratelimit.Status { return e.limiters.AllStatus() }

// BreakerSnapshots returns every circuit breaker's state.
func (e *Engine) BreakerSnapshots() []breaker.Snapshot { return e.breakers.Snapshots() }

// LiquidityStatistics returns the filter's counters.
func (e *Engine) LiquidityStatistics() liquidity.Statistics { return e.filter.Statistics() }

// GasStats returns the gas bidding counters.
func (e *Engine) GasStats() gasbid.Stats { return e.gas.Stats() }

// GasConfig returns the gas bidding configuration in effect.
func (e *Engine) GasConfig() config.GasBiddingConfig { return e.gas.Config() }

// RiskSnapshot returns the risk manager's state.
func (e *Engine) RiskSnapshot() risk.Snapshot { return e.riskMgr.Snapshot() }

// RecentTrades returns the latest journal records, newest first.
func (e *Engine) RecentTrades() []types.TradeRecord {
	e.tradesMu.RLock()
	out := slices.Clone(e.trades)
	e.tradesMu.RUnlock()
	slices.Reverse(out)
	return out
}

// FeedStatus reports the transaction feed's connection state.
func (e *Engine) FeedStatus() api.FeedStatus {
	if e.feed == nil {
		return api.FeedStatus{}
	}
	return api.FeedStatus{Connected: e.feed.Connected(), Subscriptions: e.feed.Subscribed()}
}

// DynamicBlacklist lists the pairs learned from liquidity errors.
func (e *Engine) DynamicBlacklist() []liquidity.Entry { return e.filter.DynamicBlacklist() }

// ResetDynamicBlacklist forgets learned pairs, including any persisted copy.
func (e *Engine) ResetDynamicBlacklist() int {
	n := e.filter.ResetDynamicBlacklist()
	e.syncBlacklist(true)
	return n
}

// ResetRateLimits empties every limiter's window.
func (e *Engine) ResetRateLimits() { e.limiters.ResetAll() }

// ResetBreakers closes every circuit breaker.
func (e *Engine) ResetBreakers() { e.breakers.ResetAll() }

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}

	select {
	case e.dashboardEvents <- evt:
	default:
		// Dashboard can't keep up, drop event
	}
}
