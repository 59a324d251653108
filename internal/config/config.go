// Package config defines all configuration for the GalaSwap trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) on top of
// built-in defaults, with every key overridable via GSWAP_* environment
// variables (e.g. GSWAP_GAS_BIDDING_MAX_GAS_BUDGET_PERCENT).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun          bool                  `mapstructure:"dry_run"`
	Wallet          WalletConfig          `mapstructure:"wallet"`
	API             APIConfig             `mapstructure:"api"`
	RateLimit       RateLimitConfig       `mapstructure:"rate_limit"`
	Retry           RetryConfig           `mapstructure:"retry"`
	CircuitBreaker  BreakerConfig         `mapstructure:"circuit_breaker"`
	GasBidding      GasBiddingConfig      `mapstructure:"gas_bidding"`
	LiquidityFilter LiquidityFilterConfig `mapstructure:"liquidity_filter"`
	Strategy        StrategyConfig        `mapstructure:"strategy"`
	Risk            RiskConfig            `mapstructure:"risk"`
	Store           StoreConfig           `mapstructure:"store"`
	Logging         LoggingConfig         `mapstructure:"logging"`
	Dashboard       DashboardConfig       `mapstructure:"dashboard"`
}

// WalletConfig holds the secp256k1 key used to sign swap payloads.
// Address is the GalaChain user ("eth|<hex>"); derived from the key when empty.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	Address    string `mapstructure:"address"`
}

// APIConfig holds GalaSwap endpoints.
//
//   - RequestTimeout bounds every single HTTP attempt.
//   - QuoteCacheTTL is how long an identical quote request is served from memory.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	QuoteCacheTTL  time.Duration `mapstructure:"quote_cache_ttl"`
}

// LimiterConfig configures one token bucket.
// Window is the trailing window of the secondary check; the window admits
// at most max(RequestsPerSecond × Window, BurstLimit) requests.
type LimiterConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BurstLimit        int           `mapstructure:"burst_limit"`
	Window            time.Duration `mapstructure:"window"`
}

// RateLimitConfig is the default bucket plus per-endpoint overrides.
// Zero fields in an override inherit the default.
type RateLimitConfig struct {
	Default   LimiterConfig            `mapstructure:"default"`
	Endpoints map[string]LimiterConfig `mapstructure:"endpoints"`
}

// RetryPreset is one {maxRetries, baseDelay, maxDelay} triple.
type RetryPreset struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// RetryConfig holds the per-category presets used by the API client.
type RetryConfig struct {
	BackoffMultiplier float64     `mapstructure:"backoff_multiplier"`
	Jitter            bool        `mapstructure:"jitter"`
	Fast              RetryPreset `mapstructure:"fast"`
	Standard          RetryPreset `mapstructure:"standard"`
	Slow              RetryPreset `mapstructure:"slow"`
	Transaction       RetryPreset `mapstructure:"transaction"`
}

// BreakerConfig configures every per-operation circuit breaker.
//
//   - FailureThreshold: consecutive failures (inside MonitorWindow) that open the circuit.
//   - ResetTimeout: how long the circuit stays open before a half-open probe.
//   - MonitorWindow: a failure older than this no longer counts toward the threshold.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	MonitorWindow    time.Duration `mapstructure:"monitor_window"`
}

// GasBiddingConfig tunes the gas bidding engine.
//
//   - MaxGasBudgetPercent: hard ceiling on gas as a fraction of expected profit (0.15 = 15%).
//   - BaseGasPremium: fraction added on top of the base gas cost.
//   - CompetitiveFactor: weight of competitive risk and volatility in the multiplier.
//   - EmergencyMultiplier: time-pressure multiplier inside the emergency window.
type GasBiddingConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	MaxGasBudgetPercent     float64 `mapstructure:"max_gas_budget_percent"`
	BaseGasPremium          float64 `mapstructure:"base_gas_premium"`
	CompetitiveFactor       float64 `mapstructure:"competitive_factor"`
	EmergencyMultiplier     float64 `mapstructure:"emergency_multiplier"`
	MarketAnalysisEnabled   bool    `mapstructure:"market_analysis_enabled"`
	ProfitProtectionEnabled bool    `mapstructure:"profit_protection_enabled"`
}

// LiquidityFilterConfig controls the pair pre-flight filter.
// Blacklist and Whitelist extend the built-in lists with "IN/OUT" entries,
// e.g. "SILK/GWBTC" or "GALA|Unit|none|none/GUSDC|Unit|none|none".
// Learned pairs last for the process lifetime unless PersistDynamicBlacklist
// keeps them in the data dir across restarts.
type LiquidityFilterConfig struct {
	EnableFiltering           bool     `mapstructure:"enable_filtering"`
	LogFilteredPairs          bool     `mapstructure:"log_filtered_pairs"`
	UpdateBlacklistFromErrors bool     `mapstructure:"update_blacklist_from_errors"`
	PersistDynamicBlacklist   bool     `mapstructure:"persist_dynamic_blacklist"`
	Blacklist                 []string `mapstructure:"blacklist"`
	Whitelist                 []string `mapstructure:"whitelist"`
}

// StrategyConfig tunes the round-trip arbitrage scanner.
//
//   - BaseToken / QuoteTokens: every cycle trades BaseToken -> quote -> BaseToken.
//   - TradeSize: amount of BaseToken committed per round trip.
//   - MinProfitUSD: net profit (after gas) required to execute.
//   - SlippageBps: minimum-output tolerance applied to each leg.
//   - QuoteTTL: how long a quote is considered executable.
//   - VolatilityWindow: rolling window of prices used for the volatility signal.
type StrategyConfig struct {
	BaseToken        string        `mapstructure:"base_token"`
	QuoteTokens      []string      `mapstructure:"quote_tokens"`
	TradeSize        float64       `mapstructure:"trade_size"`
	MinProfitUSD     float64       `mapstructure:"min_profit_usd"`
	SlippageBps      int           `mapstructure:"slippage_bps"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	QuoteTTL         time.Duration `mapstructure:"quote_ttl"`
	TxPollInterval   time.Duration `mapstructure:"tx_poll_interval"`
	TxTimeout        time.Duration `mapstructure:"tx_timeout"`
	VolatilityWindow time.Duration `mapstructure:"volatility_window"`
}

// RiskConfig sets hard limits that stop trading (kill switch).
//
//   - MaxTradeSizeUSD: cap on the USD value of a single round trip.
//   - MaxDailyLoss: realized loss since midnight UTC that fires the kill switch.
//   - MaxConsecutiveFailures: failed executions in a row that fire the kill switch.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxTradeSizeUSD        float64       `mapstructure:"max_trade_size_usd"`
	MaxDailyLoss           float64       `mapstructure:"max_daily_loss"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	CooldownAfterKill      time.Duration `mapstructure:"cooldown_after_kill"`
}

// StoreConfig sets where the trade journal is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the status/dashboard HTTP server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "https://dex-backend-prod1.defi.gala.com",
			WSURL:          "wss://bundle-backend-prod1.defi.gala.com/ws",
			RequestTimeout: 10 * time.Second,
			QuoteCacheTTL:  2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Default: LimiterConfig{RequestsPerSecond: 5, BurstLimit: 10, Window: time.Minute},
			Endpoints: map[string]LimiterConfig{
				"swap":   {RequestsPerSecond: 1, BurstLimit: 3},
				"assets": {RequestsPerSecond: 0.5, BurstLimit: 2},
			},
		},
		Retry: RetryConfig{
			BackoffMultiplier: 2,
			Jitter:            true,
			Fast:              RetryPreset{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
			Standard:          RetryPreset{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
			Slow:              RetryPreset{MaxRetries: 4, BaseDelay: 2 * time.Second, MaxDelay: 20 * time.Second},
			Transaction:       RetryPreset{MaxRetries: 5, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second},
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			MonitorWindow:    2 * time.Minute,
		},
		GasBidding: GasBiddingConfig{
			Enabled:                 true,
			MaxGasBudgetPercent:     0.15,
			BaseGasPremium:          0.1,
			CompetitiveFactor:       0.5,
			EmergencyMultiplier:     2.5,
			MarketAnalysisEnabled:   true,
			ProfitProtectionEnabled: true,
		},
		LiquidityFilter: LiquidityFilterConfig{
			EnableFiltering:           true,
			LogFilteredPairs:          false,
			UpdateBlacklistFromErrors: true,
			PersistDynamicBlacklist:   false,
		},
		Strategy: StrategyConfig{
			BaseToken:        "GALA",
			QuoteTokens:      []string{"GUSDC", "GUSDT", "GWETH", "GWBTC"},
			TradeSize:        1000,
			MinProfitUSD:     0.5,
			SlippageBps:      50,
			ScanInterval:     15 * time.Second,
			QuoteTTL:         30 * time.Second,
			TxPollInterval:   2 * time.Second,
			TxTimeout:        2 * time.Minute,
			VolatilityWindow: 10 * time.Minute,
		},
		Risk: RiskConfig{
			MaxTradeSizeUSD:        500,
			MaxDailyLoss:           50,
			MaxConsecutiveFailures: 3,
			CooldownAfterKill:      15 * time.Minute,
		},
		Store:     StoreConfig{DataDir: "data"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Dashboard: DashboardConfig{Enabled: false, Port: 8080},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("dry_run", d.DryRun)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.ws_url", d.API.WSURL)
	v.SetDefault("api.request_timeout", d.API.RequestTimeout)
	v.SetDefault("api.quote_cache_ttl", d.API.QuoteCacheTTL)

	v.SetDefault("rate_limit.default.requests_per_second", d.RateLimit.Default.RequestsPerSecond)
	v.SetDefault("rate_limit.default.burst_limit", d.RateLimit.Default.BurstLimit)
	v.SetDefault("rate_limit.default.window", d.RateLimit.Default.Window)
	for name, ep := range d.RateLimit.Endpoints {
		v.SetDefault("rate_limit.endpoints."+name+".requests_per_second", ep.RequestsPerSecond)
		v.SetDefault("rate_limit.endpoints."+name+".burst_limit", ep.BurstLimit)
	}

	v.SetDefault("retry.backoff_multiplier", d.Retry.BackoffMultiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	for name, p := range map[string]RetryPreset{
		"fast":        d.Retry.Fast,
		"standard":    d.Retry.Standard,
		"slow":        d.Retry.Slow,
		"transaction": d.Retry.Transaction,
	} {
		v.SetDefault("retry."+name+".max_retries", p.MaxRetries)
		v.SetDefault("retry."+name+".base_delay", p.BaseDelay)
		v.SetDefault("retry."+name+".max_delay", p.MaxDelay)
	}

	v.SetDefault("circuit_breaker.failure_threshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.reset_timeout", d.CircuitBreaker.ResetTimeout)
	v.SetDefault("circuit_breaker.monitor_window", d.CircuitBreaker.MonitorWindow)

	v.SetDefault("gas_bidding.enabled", d.GasBidding.Enabled)
	v.SetDefault("gas_bidding.max_gas_budget_percent", d.GasBidding.MaxGasBudgetPercent)
	v.SetDefault("gas_bidding.base_gas_premium", d.GasBidding.BaseGasPremium)
	v.SetDefault("gas_bidding.competitive_factor", d.GasBidding.CompetitiveFactor)
	v.SetDefault("gas_bidding.emergency_multiplier", d.GasBidding.EmergencyMultiplier)
	v.SetDefault("gas_bidding.market_analysis_enabled", d.GasBidding.MarketAnalysisEnabled)
	v.SetDefault("gas_bidding.profit_protection_enabled", d.GasBidding.ProfitProtectionEnabled)

	v.SetDefault("liquidity_filter.enable_filtering", d.LiquidityFilter.EnableFiltering)
	v.SetDefault("liquidity_filter.log_filtered_pairs", d.LiquidityFilter.LogFilteredPairs)
	v.SetDefault("liquidity_filter.update_blacklist_from_errors", d.LiquidityFilter.UpdateBlacklistFromErrors)
	v.SetDefault("liquidity_filter.persist_dynamic_blacklist", d.LiquidityFilter.PersistDynamicBlacklist)

	v.SetDefault("strategy.base_token", d.Strategy.BaseToken)
	v.SetDefault("strategy.quote_tokens", d.Strategy.QuoteTokens)
	v.SetDefault("strategy.trade_size", d.Strategy.TradeSize)
	v.SetDefault("strategy.min_profit_usd", d.Strategy.MinProfitUSD)
	v.SetDefault("strategy.slippage_bps", d.Strategy.SlippageBps)
	v.SetDefault("strategy.scan_interval", d.Strategy.ScanInterval)
	v.SetDefault("strategy.quote_ttl", d.Strategy.QuoteTTL)
	v.SetDefault("strategy.tx_poll_interval", d.Strategy.TxPollInterval)
	v.SetDefault("strategy.tx_timeout", d.Strategy.TxTimeout)
	v.SetDefault("strategy.volatility_window", d.Strategy.VolatilityWindow)

	v.SetDefault("risk.max_trade_size_usd", d.Risk.MaxTradeSizeUSD)
	v.SetDefault("risk.max_daily_loss", d.Risk.MaxDailyLoss)
	v.SetDefault("risk.max_consecutive_failures", d.Risk.MaxConsecutiveFailures)
	v.SetDefault("risk.cooldown_after_kill", d.Risk.CooldownAfterKill)

	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
}

// Load reads config from a YAML file with env var overrides. An empty path
// skips the file and uses defaults plus environment.
// Sensitive fields use env vars: GSWAP_PRIVATE_KEY, GSWAP_WALLET_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GSWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("GSWAP_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("GSWAP_WALLET_ADDRESS"); addr != "" {
		cfg.Wallet.Address = addr
	}
	if os.Getenv("GSWAP_DRY_RUN") == "true" || os.Getenv("GSWAP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" && !c.DryRun {
		return fmt.Errorf("wallet.private_key is required (set GSWAP_PRIVATE_KEY)")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be > 0")
	}
	if err := c.RateLimit.Default.Validate(); err != nil {
		return fmt.Errorf("rate_limit.default: %w", err)
	}
	for name, ep := range c.RateLimit.Endpoints {
		if ep.RequestsPerSecond < 0 || ep.BurstLimit < 0 || ep.Window < 0 {
			return fmt.Errorf("rate_limit.endpoints.%s: values must be >= 0", name)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if err := c.GasBidding.Validate(); err != nil {
		return fmt.Errorf("gas_bidding: %w", err)
	}
	if c.Strategy.BaseToken == "" {
		return fmt.Errorf("strategy.base_token is required")
	}
	if len(c.Strategy.QuoteTokens) == 0 {
		return fmt.Errorf("strategy.quote_tokens must not be empty")
	}
	if c.Strategy.TradeSize <= 0 {
		return fmt.Errorf("strategy.trade_size must be > 0")
	}
	if c.Strategy.SlippageBps < 0 || c.Strategy.SlippageBps >= 10000 {
		return fmt.Errorf("strategy.slippage_bps must be in [0, 10000)")
	}
	if c.Strategy.ScanInterval <= 0 {
		return fmt.Errorf("strategy.scan_interval must be > 0")
	}
	if c.Strategy.QuoteTTL <= 0 {
		return fmt.Errorf("strategy.quote_ttl must be > 0")
	}
	if c.Strategy.TxPollInterval <= 0 || c.Strategy.TxTimeout <= 0 {
		return fmt.Errorf("strategy.tx_poll_interval and strategy.tx_timeout must be > 0")
	}
	if c.Strategy.VolatilityWindow <= 0 {
		return fmt.Errorf("strategy.volatility_window must be > 0")
	}
	if c.Risk.MaxTradeSizeUSD <= 0 {
		return fmt.Errorf("risk.max_trade_size_usd must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("risk.max_consecutive_failures must be > 0")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in (0, 65535]")
	}
	return nil
}

// Validate checks a single limiter configuration.
func (l LimiterConfig) Validate() error {
	if l.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be > 0")
	}
	if l.BurstLimit < 1 {
		return fmt.Errorf("burst_limit must be >= 1")
	}
	if l.Window <= 0 {
		return fmt.Errorf("window must be > 0")
	}
	return nil
}

// Merge fills zero fields of an endpoint override from base.
func (l LimiterConfig) Merge(base LimiterConfig) LimiterConfig {
	if l.RequestsPerSecond == 0 {
		l.RequestsPerSecond = base.RequestsPerSecond
	}
	if l.BurstLimit == 0 {
		l.BurstLimit = base.BurstLimit
	}
	if l.Window == 0 {
		l.Window = base.Window
	}
	return l
}

// Validate checks every preset.
func (r RetryConfig) Validate() error {
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1")
	}
	for name, p := range map[string]RetryPreset{
		"fast":        r.Fast,
		"standard":    r.Standard,
		"slow":        r.Slow,
		"transaction": r.Transaction,
	} {
		if p.MaxRetries < 0 {
			return fmt.Errorf("%s.max_retries must be >= 0", name)
		}
		if p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay {
			return fmt.Errorf("%s: need 0 <= base_delay <= max_delay", name)
		}
	}
	return nil
}

// Validate checks breaker thresholds.
func (b BreakerConfig) Validate() error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("reset_timeout must be > 0")
	}
	if b.MonitorWindow <= 0 {
		return fmt.Errorf("monitor_window must be > 0")
	}
	return nil
}

// Validate checks gas bidding ranges.
func (g GasBiddingConfig) Validate() error {
	if g.MaxGasBudgetPercent <= 0 || g.MaxGasBudgetPercent > 1 {
		return fmt.Errorf("max_gas_budget_percent must be in (0, 1]")
	}
	if g.BaseGasPremium < 0 || g.BaseGasPremium > 1 {
		return fmt.Errorf("base_gas_premium must be in [0, 1]")
	}
	if g.CompetitiveFactor < 0 || g.CompetitiveFactor > 2 {
		return fmt.Errorf("competitive_factor must be in [0, 2]")
	}
	// The emergency tier must outbid the 1.5× high-pressure tier.
	if g.EmergencyMultiplier <= 2 || g.EmergencyMultiplier > 10 {
		return fmt.Errorf("emergency_multiplier must be in (2, 10]")
	}
	return nil
}
