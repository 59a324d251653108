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

// DashboardSnapshot represents the complete dashboard state
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`

	// Resilience layer
	RateLimits map[string]ratelimit.Status `json:"rate_limits"`
	Breakers   []breaker.Snapshot          `json:"breakers"`
	Liquidity  liquidity.Statistics        `json:"liquidity"`

	// Gas bidding
	Gas       gasbid.Stats            `json:"gas"`
	GasConfig config.GasBiddingConfig `json:"gas_config"`

	// Risk status
	Risk risk.Snapshot `json:"risk"`

	// Journal
	RecentTrades []types.TradeRecord `json:"recent_trades"`
	TotalNetUSD  float64             `json:"total_net_usd"`

	// Transaction event feed
	Feed FeedStatus `json:"feed"`

	// Configuration
	Config ConfigSummary `json:"config"`
}

// FeedStatus represents the websocket transaction feed state
type FeedStatus struct {
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions"`
}

// ConfigSummary represents strategy and risk configuration
type ConfigSummary struct {
	// Strategy parameters
	BaseToken    string   `json:"base_token"`
	QuoteTokens  []string `json:"quote_tokens"`
	TradeSize    float64  `json:"trade_size"`
	MinProfitUSD float64  `json:"min_profit_usd"`
	SlippageBps  int      `json:"slippage_bps"`
	ScanInterval string   `json:"scan_interval"`
	QuoteTTL     string   `json:"quote_ttl"`

	// Risk parameters
	MaxTradeSizeUSD        float64 `json:"max_trade_size_usd"`
	MaxDailyLoss           float64 `json:"max_daily_loss"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
	CooldownAfterKill      string  `json:"cooldown_after_kill"`

	// Resilience parameters
	FailureThreshold int    `json:"failure_threshold"`
	ResetTimeout     string `json:"reset_timeout"`
	LiquidityFilter  bool   `json:"liquidity_filter"`

	// Operational
	DryRun bool `json:"dry_run"`
}

// NewConfigSummary creates config summary from config
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		// Strategy
		BaseToken:    cfg.Strategy.BaseToken,
		QuoteTokens:  cfg.Strategy.QuoteTokens,
		TradeSize:    cfg.Strategy.TradeSize,
		MinProfitUSD: cfg.Strategy.MinProfitUSD,
		SlippageBps:  cfg.Strategy.SlippageBps,
		ScanInterval: cfg.Strategy.ScanInterval.String(),
		QuoteTTL:     cfg.Strategy.QuoteTTL.String(),

		// Risk
		MaxTradeSizeUSD:        cfg.Risk.MaxTradeSizeUSD,
		MaxDailyLoss:           cfg.Risk.MaxDailyLoss,
		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		CooldownAfterKill:      cfg.Risk.CooldownAfterKill.String(),

		// Resilience
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout.String(),
		LiquidityFilter:  cfg.LiquidityFilter.EnableFiltering,

		// Operational
		DryRun: cfg.DryRun,
	}
}
