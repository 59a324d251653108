// Package gasbid decides how much to spend on transaction priority for an
// arbitrage opportunity without giving away the profit it is chasing.
//
// A bid starts from BaseGasCostUSD plus the configured premium and is scaled by
// two multipliers:
//
//	competitive = 1 + CompetitiveFactor × (riskWeight + volatility)  (× 1.1 on thin liquidity)
//	timePressure = EmergencyMultiplier (≤15s), 1.5 (≤30s), 1.2 (≤60s), 1.0 otherwise
//
// Their product (the priority multiplier) selects the tier. The result is then
// clamped to MaxGasBudgetPercent of the expected profit, so the recommended gas
// price can never exceed that ceiling. CalculateGasBid never fails: a bid that
// would not leave enough profit comes back with IsViable=false and the caller
// must not execute it.
package gasbid

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/leekchan/accounting"

	"galaswap-bot/internal/config"
)

const (
	// BaseGasCostUSD is the cost of one GalaChain transaction fee at normal priority.
	BaseGasCostUSD = 0.03

	// MinProfitRetention is the share of the expected profit that must survive
	// gas when profit protection is enabled.
	MinProfitRetention = 0.10

	emergencyWindow = 15 * time.Second
	highWindow      = 30 * time.Second
	moderateWindow  = 60 * time.Second

	highPressureMultiplier     = 1.5
	moderatePressureMultiplier = 1.2

	aggressiveThreshold = 2.0
	moderateThreshold   = 1.3

	thinLiquidityUSD     = 10_000
	thinLiquidityPremium = 1.1
	highVolatility       = 0.5
)

// CompetitiveRisk is how likely other bots are chasing the same opportunity.
type CompetitiveRisk string

const (
	RiskLow    CompetitiveRisk = "low"
	RiskMedium CompetitiveRisk = "medium"
	RiskHigh   CompetitiveRisk = "high"
)

func (r CompetitiveRisk) weight() float64 {
	switch r {
	case RiskLow:
		return 0
	case RiskHigh:
		return 1
	default:
		return 0.5
	}
}

// Strategy is the bid tier.
type Strategy string

const (
	Conservative Strategy = "conservative"
	Moderate     Strategy = "moderate"
	Aggressive   Strategy = "aggressive"
	Emergency    Strategy = "emergency"
)

// OpportunityMetrics describes one opportunity at evaluation time.
type OpportunityMetrics struct {
	ProfitAmountUSD  float64
	ProfitPercent    float64 // fraction, 0.015 = 1.5%
	TimeToExpiration time.Duration
	CompetitiveRisk  CompetitiveRisk
	MarketVolatility float64 // [0, 1]
	LiquidityDepth   float64 // USD
}

// ProfitProtection is the viability verdict of a bid.
type ProfitProtection struct {
	IsViable                bool    `json:"isViable"`
	MaxGasBudget            float64 `json:"maxGasBudget"`
	RemainingProfitAfterGas float64 `json:"remainingProfitAfterGas"`
}

// GasBid is the engine's recommendation.
type GasBid struct {
	RecommendedGasPrice   float64          `json:"recommendedGasPrice"`
	BidStrategy           Strategy         `json:"bidStrategy"`
	CompetitiveAdjustment float64          `json:"competitiveAdjustment"`
	PriorityMultiplier    float64          `json:"priorityMultiplier"`
	ProfitProtection      ProfitProtection `json:"profitProtection"`
	Reasoning             string           `json:"reasoning"`
}

// Stats aggregates bids since process start.
type Stats struct {
	TotalBids       int     `json:"totalBids"`
	ViableBids      int     `json:"viableBids"`
	ExecutedBids    int     `json:"executedBids"`
	SuccessfulBids  int     `json:"successfulBids"`
	SuccessRate     float64 `json:"successRate"`
	AverageGasPrice float64 `json:"averageGasPrice"`
	AverageProfit   float64 `json:"averageProfit"`
	TotalGasSpent   float64 `json:"totalGasSpent"`
}

// ConfigUpdate carries a partial configuration; nil fields are left unchanged.
type ConfigUpdate struct {
	Enabled                 *bool
	MaxGasBudgetPercent     *float64
	BaseGasPremium          *float64
	CompetitiveFactor       *float64
	EmergencyMultiplier     *float64
	MarketAnalysisEnabled   *bool
	ProfitProtectionEnabled *bool
}

// Engine computes gas bids. Safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	cfg    config.GasBiddingConfig
	logger *slog.Logger

	statsMu     sync.Mutex
	totalBids   int
	viableBids  int
	executed    int
	successful  int
	sumGasPrice float64
	sumProfit   float64
	gasSpent    float64
}

var usd = accounting.Accounting{Symbol: "$", Precision: 2}

// New validates cfg and creates an engine.
func New(cfg config.GasBiddingConfig, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gas bidding: %w", err)
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "gasbid"),
	}, nil
}

// Config returns the live configuration.
func (e *Engine) Config() config.GasBiddingConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig merges u into the live configuration. The update is rejected
// as a whole if the merged result is invalid.
func (e *Engine) UpdateConfig(u ConfigUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.cfg
	if u.Enabled != nil {
		next.Enabled = *u.Enabled
	}
	if u.MaxGasBudgetPercent != nil {
		next.MaxGasBudgetPercent = *u.MaxGasBudgetPercent
	}
	if u.BaseGasPremium != nil {
		next.BaseGasPremium = *u.BaseGasPremium
	}
	if u.CompetitiveFactor != nil {
		next.CompetitiveFactor = *u.CompetitiveFactor
	}
	if u.EmergencyMultiplier != nil {
		next.EmergencyMultiplier = *u.EmergencyMultiplier
	}
	if u.MarketAnalysisEnabled != nil {
		next.MarketAnalysisEnabled = *u.MarketAnalysisEnabled
	}
	if u.ProfitProtectionEnabled != nil {
		next.ProfitProtectionEnabled = *u.ProfitProtectionEnabled
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("gas bidding update: %w", err)
	}
	e.cfg = next
	e.logger.Info("gas bidding config updated",
		"enabled", next.Enabled,
		"max_gas_budget_percent", next.MaxGasBudgetPercent,
		"competitive_factor", next.CompetitiveFactor,
	)
	return nil
}

// CalculateGasBid returns the recommended bid for m.
func (e *Engine) CalculateGasBid(m OpportunityMetrics) GasBid {
	cfg := e.Config()

	var bid GasBid
	if !cfg.Enabled {
		bid = disabledBid(cfg, m)
	} else {
		bid = computeBid(cfg, m)
	}
	e.recordBid(bid, m)

	e.logger.Debug("gas bid calculated",
		"strategy", bid.BidStrategy,
		"gas", bid.RecommendedGasPrice,
		"profit", m.ProfitAmountUSD,
		"viable", bid.ProfitProtection.IsViable,
	)
	return bid
}

func disabledBid(cfg config.GasBiddingConfig, m OpportunityMetrics) GasBid {
	maxBudget := ceiling(cfg, m.ProfitAmountUSD)
	gas := math.Min(BaseGasCostUSD, maxBudget)
	protection := protect(cfg, m.ProfitAmountUSD, gas, maxBudget)
	reasons := []string{"Gas bidding disabled, using base gas cost"}
	if !protection.IsViable {
		reasons = append(reasons, "not viable")
	}
	return GasBid{
		RecommendedGasPrice:   gas,
		BidStrategy:           Conservative,
		CompetitiveAdjustment: 1,
		PriorityMultiplier:    1,
		ProfitProtection:      protection,
		Reasoning:             strings.Join(reasons, "; "),
	}
}

func computeBid(cfg config.GasBiddingConfig, m OpportunityMetrics) GasBid {
	var reasons []string

	// Competitive adjustment.
	vol := clamp01(m.MarketVolatility)
	competitive := 1 + cfg.CompetitiveFactor*(m.CompetitiveRisk.weight()+vol)
	switch m.CompetitiveRisk {
	case RiskHigh:
		reasons = append(reasons, "High competitive risk")
	case RiskMedium:
		reasons = append(reasons, "Moderate competitive risk")
	}
	if vol >= highVolatility {
		reasons = append(reasons, "High market volatility")
	}
	if cfg.MarketAnalysisEnabled && m.LiquidityDepth > 0 && m.LiquidityDepth < thinLiquidityUSD {
		competitive *= thinLiquidityPremium
		reasons = append(reasons, "Thin liquidity")
	}

	// Time pressure.
	pressure, emergency := timePressure(cfg, m.TimeToExpiration)
	switch {
	case emergency:
		reasons = append([]string{"Critical time pressure"}, reasons...)
	case pressure >= highPressureMultiplier:
		reasons = append([]string{"High time pressure"}, reasons...)
	case pressure > 1:
		reasons = append(reasons, "Moderate time pressure")
	}

	priority := competitive * pressure
	strategy := Conservative
	switch {
	case emergency:
		strategy = Emergency
	case priority >= aggressiveThreshold:
		strategy = Aggressive
	case priority >= moderateThreshold:
		strategy = Moderate
	}

	raw := BaseGasCostUSD * (1 + cfg.BaseGasPremium) * priority
	maxBudget := ceiling(cfg, m.ProfitAmountUSD)
	gas := raw
	if gas > maxBudget {
		gas = maxBudget
		reasons = append(reasons, "Capped by profit protection")
	}
	protection := protect(cfg, m.ProfitAmountUSD, gas, maxBudget)

	if len(reasons) == 0 {
		reasons = append(reasons, "Standard conditions")
	}
	reasons = append(reasons, fmt.Sprintf("gas %s of %s profit",
		usd.FormatMoneyFloat64(gas), usd.FormatMoneyFloat64(m.ProfitAmountUSD)))
	if !protection.IsViable {
		reasons = append(reasons, "not viable")
	}

	return GasBid{
		RecommendedGasPrice:   gas,
		BidStrategy:           strategy,
		CompetitiveAdjustment: competitive,
		PriorityMultiplier:    priority,
		ProfitProtection:      protection,
		Reasoning:             strings.Join(reasons, "; "),
	}
}

// timePressure returns the multiplier for ttl and whether it is the emergency tier.
func timePressure(cfg config.GasBiddingConfig, ttl time.Duration) (float64, bool) {
	switch {
	case ttl <= emergencyWindow:
		return cfg.EmergencyMultiplier, true
	case ttl <= highWindow:
		return highPressureMultiplier, false
	case ttl <= moderateWindow:
		return moderatePressureMultiplier, false
	default:
		return 1, false
	}
}

// ceiling is the most gas the profit can pay for. Non-positive profit pays nothing.
func ceiling(cfg config.GasBiddingConfig, profit float64) float64 {
	if profit <= 0 {
		return 0
	}
	return profit * cfg.MaxGasBudgetPercent
}

func protect(cfg config.GasBiddingConfig, profit, gas, maxBudget float64) ProfitProtection {
	remaining := profit - gas
	viable := remaining > 0
	if cfg.ProfitProtectionEnabled && remaining < profit*MinProfitRetention {
		viable = false
	}
	return ProfitProtection{
		IsViable:                viable,
		MaxGasBudget:            maxBudget,
		RemainingProfitAfterGas: remaining,
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *Engine) recordBid(bid GasBid, m OpportunityMetrics) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.totalBids++
	if bid.ProfitProtection.IsViable {
		e.viableBids++
	}
	e.sumGasPrice += bid.RecommendedGasPrice
	e.sumProfit += m.ProfitAmountUSD
}

// RecordOutcome reports whether an executed bid landed.
func (e *Engine) RecordOutcome(bid GasBid, success bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.executed++
	e.gasSpent += bid.RecommendedGasPrice
	if success {
		e.successful++
	}
}

// Stats returns aggregate counters since process start.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := Stats{
		TotalBids:      e.totalBids,
		ViableBids:     e.viableBids,
		ExecutedBids:   e.executed,
		SuccessfulBids: e.successful,
		TotalGasSpent:  e.gasSpent,
	}
	if e.totalBids > 0 {
		s.AverageGasPrice = e.sumGasPrice / float64(e.totalBids)
		s.AverageProfit = e.sumProfit / float64(e.totalBids)
	}
	if e.executed > 0 {
		s.SuccessRate = float64(e.successful) / float64(e.executed)
	}
	return s
}
