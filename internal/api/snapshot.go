package api

import (
	"time"

	"galaswap-bot/internal/breaker"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/gasbid"
	"galaswap-bot/internal/liquidity"
	"galaswap-bot/internal/ratelimit"
	"galaswap-bot/internal/risk"
	"galaswap-bot/pkg/types"
)

// Provider exposes engine state and the operator controls to the dashboard
type Provider interface {
	RateLimitStatus() map[string]ratelimit.Status
	BreakerSnapshots() []breaker.Snapshot
	LiquidityStatistics() liquidity.Statistics
	GasStats() gasbid.Stats
	GasConfig() config.GasBiddingConfig
	RiskSnapshot() risk.Snapshot
	RecentTrades() []types.TradeRecord
	FeedStatus() FeedStatus

	DynamicBlacklist() []liquidity.Entry
	ResetDynamicBlacklist() int
	ResetRateLimits()
	ResetBreakers()

	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot
func BuildSnapshot(provider Provider, cfg config.Config) DashboardSnapshot {
	trades := provider.RecentTrades()
	if trades == nil {
		trades = []types.TradeRecord{}
	}

	var totalNet float64
	for _, t := range trades {
		if !t.DryRun {
			totalNet += t.NetUSD()
		}
	}

	return DashboardSnapshot{
		Timestamp:    time.Now(),
		DryRun:       cfg.DryRun,
		RateLimits:   provider.RateLimitStatus(),
		Breakers:     provider.BreakerSnapshots(),
		Liquidity:    provider.LiquidityStatistics(),
		Gas:          provider.GasStats(),
		GasConfig:    provider.GasConfig(),
		Risk:         provider.RiskSnapshot(),
		RecentTrades: trades,
		TotalNetUSD:  totalNet,
		Feed:         provider.FeedStatus(),
		Config:       NewConfigSummary(cfg),
	}
}
