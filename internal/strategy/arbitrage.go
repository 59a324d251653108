// Package strategy implements round-trip arbitrage on GalaSwap V3 pools.
//
// Every scan cycle trades TradeSize of the base token around each configured
// quote token (BASE → QUOTE → BASE), using the best fee tier for each leg:
//
//  1. Record the base token's USD price (feeds the volatility tracker).
//  2. Quote the forward leg, then quote the backward leg with its output.
//  3. Profit = backward output − TradeSize, valued in USD.
//  4. Build OpportunityMetrics and ask the gas engine for a bid.
//  5. Execute only when the bid is viable and profit after gas clears
//     MinProfitUSD before the quotes expire.
//
// Routes whose legs the liquidity filter rejects are never quoted.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/leekchan/accounting"
	"github.com/shopspring/decimal"

	"galaswap-bot/internal/api"
	"galaswap-bot/internal/apierr"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/gasbid"
	"galaswap-bot/internal/liquidity"
	"galaswap-bot/pkg/types"
)

const (
	// Competitive risk rises with the spread: wide spreads attract other bots.
	highCompetitionPercent   = 0.02
	mediumCompetitionPercent = 0.005

	// Depth reported when the quote carried no price impact.
	unknownDepthUSD = 1_000_000

	amountPrecision = 8
)

var usd = accounting.Accounting{Symbol: "$", Precision: 2}

// Exchange is the subset of the GalaSwap client the strategy trades through.
type Exchange interface {
	BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*types.Quote, error)
	GetPrice(ctx context.Context, token string) (*types.TokenPrice, error)
	Swap(ctx context.Context, p types.SwapParams) (*types.SwapResult, error)
	WaitForTransaction(ctx context.Context, id string, interval time.Duration) (*types.TxState, error)
}

// Opportunity is one evaluated round trip.
type Opportunity struct {
	ID           string                    `json:"id"`
	Pair         string                    `json:"pair"`
	Base         types.TokenClassKey       `json:"base"`
	Quote        types.TokenClassKey       `json:"quote"`
	AmountIn     decimal.Decimal           `json:"amountIn"`
	Forward      types.Quote               `json:"forward"`
	Backward     types.Quote               `json:"backward"`
	ProfitTokens decimal.Decimal           `json:"profitTokens"`
	BasePriceUSD float64                   `json:"basePriceUsd"`
	ProfitUSD    float64                   `json:"profitUsd"`
	Metrics      gasbid.OpportunityMetrics `json:"-"`
	Bid          gasbid.GasBid             `json:"bid"`
	ExpiresAt    time.Time                 `json:"expiresAt"`
}

// NetUSD is the expected profit after the recommended gas.
func (o *Opportunity) NetUSD() float64 { return o.ProfitUSD - o.Bid.RecommendedGasPrice }

// TradeSizeUSD is the USD value committed by the round trip.
func (o *Opportunity) TradeSizeUSD() float64 {
	return o.AmountIn.InexactFloat64() * o.BasePriceUSD
}

// Arbitrage scans and executes round trips. Safe for concurrent use.
type Arbitrage struct {
	cfg      config.StrategyConfig
	base     types.TokenClassKey
	quotes   []types.TokenClassKey
	size     decimal.Decimal
	slippage decimal.Decimal

	exchange Exchange
	filter   *liquidity.Filter
	gas      *gasbid.Engine
	vol      *VolatilityTracker

	seq atomic.Int64
	now func() time.Time

	// Optional dashboard event channel
	dashboardEvents chan<- api.DashboardEvent

	logger *slog.Logger
}

// NewArbitrage creates the strategy. dashboardEvents may be nil.
func NewArbitrage(
	cfg config.StrategyConfig,
	exchange Exchange,
	filter *liquidity.Filter,
	gas *gasbid.Engine,
	logger *slog.Logger,
	dashboardEvents chan<- api.DashboardEvent,
) (*Arbitrage, error) {
	base, err := types.ParseTokenKey(cfg.BaseToken)
	if err != nil {
		return nil, fmt.Errorf("strategy.base_token: %w", err)
	}
	quotes := make([]types.TokenClassKey, 0, len(cfg.QuoteTokens))
	for _, s := range cfg.QuoteTokens {
		q, err := types.ParseTokenKey(s)
		if err != nil {
			return nil, fmt.Errorf("strategy.quote_tokens: %w", err)
		}
		if q == base {
			return nil, fmt.Errorf("strategy.quote_tokens: %s is the base token", q.Symbol())
		}
		quotes = append(quotes, q)
	}
	if cfg.TradeSize <= 0 {
		return nil, errors.New("strategy.trade_size must be > 0")
	}

	return &Arbitrage{
		cfg:             cfg,
		base:            base,
		quotes:          quotes,
		size:            decimal.NewFromFloat(cfg.TradeSize),
		slippage:        decimal.New(int64(cfg.SlippageBps), -4),
		exchange:        exchange,
		filter:          filter,
		gas:             gas,
		vol:             NewVolatilityTracker(cfg.VolatilityWindow),
		now:             time.Now,
		dashboardEvents: dashboardEvents,
		logger:          logger.With("component", "arbitrage", "base", base.Symbol()),
	}, nil
}

// Routes returns the quote tokens whose forward and backward legs both pass
// the liquidity filter.
func (a *Arbitrage) Routes() []types.TokenClassKey {
	tokens := make([]string, 0, len(a.quotes)+1)
	tokens = append(tokens, a.base.String())
	for _, q := range a.quotes {
		tokens = append(tokens, q.String())
	}

	open := make(map[string]bool)
	for _, p := range a.filter.LiquidPairs(tokens) {
		open[p.String()] = true
	}

	var routes []types.TokenClassKey
	for _, q := range a.quotes {
		if open[liquidity.PairKey(a.base, q)] && open[liquidity.PairKey(q, a.base)] {
			routes = append(routes, q)
		}
	}
	return routes
}

// Scan evaluates every open route and returns the opportunities ordered by
// expected net profit, best first. Routes that fail to evaluate are skipped.
func (a *Arbitrage) Scan(ctx context.Context) []*Opportunity {
	var opps []*Opportunity
	for _, q := range a.Routes() {
		if ctx.Err() != nil {
			break
		}
		opp, err := a.Evaluate(ctx, q)
		if err != nil {
			level := slog.LevelWarn
			switch apierr.KindOf(err) {
			case apierr.Filtered, apierr.Business, apierr.CircuitOpen:
				level = slog.LevelDebug
			}
			a.logger.Log(ctx, level, "route evaluation failed",
				"quote", q.Symbol(),
				"error", apierr.Summarize(err),
			)
			continue
		}
		opps = append(opps, opp)
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].NetUSD() > opps[j].NetUSD() })
	return opps
}

// Evaluate quotes the BASE → quote → BASE round trip and prices its gas bid.
func (a *Arbitrage) Evaluate(ctx context.Context, quote types.TokenClassKey) (*Opportunity, error) {
	price, err := a.exchange.GetPrice(ctx, a.base.String())
	if err != nil {
		return nil, fmt.Errorf("base price: %w", err)
	}
	basePrice := price.PriceUSD.InexactFloat64()
	if basePrice <= 0 {
		return nil, apierr.New(apierr.Business, "price", "base token has no USD price")
	}
	a.vol.AddPrice(a.base.String(), basePrice)

	fwd, err := a.exchange.BestQuote(ctx, a.base.String(), quote.String(), a.size)
	if err != nil {
		return nil, fmt.Errorf("forward quote: %w", err)
	}
	back, err := a.exchange.BestQuote(ctx, quote.String(), a.base.String(), fwd.AmountOut)
	if err != nil {
		return nil, fmt.Errorf("backward quote: %w", err)
	}

	profitTokens := back.AmountOut.Sub(a.size)
	profitUSD := profitTokens.InexactFloat64() * basePrice
	profitPct := profitTokens.Div(a.size).InexactFloat64()

	fetched := fwd.FetchedAt
	if back.FetchedAt.Before(fetched) {
		fetched = back.FetchedAt
	}
	expiresAt := fetched.Add(a.cfg.QuoteTTL)

	opp := &Opportunity{
		ID:           fmt.Sprintf("%s-%s-%d", a.base.Symbol(), quote.Symbol(), a.seq.Add(1)),
		Pair:         a.base.Symbol() + liquidity.Arrow + quote.Symbol() + liquidity.Arrow + a.base.Symbol(),
		Base:         a.base,
		Quote:        quote,
		AmountIn:     a.size,
		Forward:      *fwd,
		Backward:     *back,
		ProfitTokens: profitTokens,
		BasePriceUSD: basePrice,
		ProfitUSD:    profitUSD,
		ExpiresAt:    expiresAt,
	}
	opp.Metrics = gasbid.OpportunityMetrics{
		ProfitAmountUSD:  profitUSD,
		ProfitPercent:    profitPct,
		TimeToExpiration: expiresAt.Sub(a.now()),
		CompetitiveRisk:  competitiveRisk(profitPct),
		MarketVolatility: a.vol.Volatility(a.base.String()),
		LiquidityDepth:   liquidityDepth(opp.TradeSizeUSD(), fwd, back),
	}
	opp.Bid = a.gas.CalculateGasBid(opp.Metrics)

	if a.Executable(opp) {
		a.logger.Info("opportunity found",
			"pair", opp.Pair,
			"profit", usd.FormatMoneyFloat64(profitUSD),
			"gas", usd.FormatMoneyFloat64(opp.Bid.RecommendedGasPrice),
			"bid_strategy", opp.Bid.BidStrategy,
			"reasoning", opp.Bid.Reasoning,
		)
		a.emitDashboardEvent(api.EventOpportunity, opp.Pair, api.NewOpportunityEvent(
			opp.ID, profitUSD, opp.Bid.RecommendedGasPrice, string(opp.Bid.BidStrategy), opp.Bid.Reasoning))
	}
	return opp, nil
}

// Executable reports whether opp should be traded now.
func (a *Arbitrage) Executable(opp *Opportunity) bool {
	return opp.Bid.ProfitProtection.IsViable &&
		opp.NetUSD() >= a.cfg.MinProfitUSD &&
		a.now().Before(opp.ExpiresAt)
}

func competitiveRisk(profitPct float64) gasbid.CompetitiveRisk {
	switch {
	case profitPct >= highCompetitionPercent:
		return gasbid.RiskHigh
	case profitPct >= mediumCompetitionPercent:
		return gasbid.RiskMedium
	default:
		return gasbid.RiskLow
	}
}

// liquidityDepth estimates pool depth in USD from the worse leg's price
// impact: moving the price by impact took tradeUSD.
func liquidityDepth(tradeUSD float64, legs ...*types.Quote) float64 {
	var impact float64
	for _, q := range legs {
		impact = max(impact, q.PriceImpact().InexactFloat64())
	}
	if impact <= 0 {
		return unknownDepthUSD
	}
	return tradeUSD / impact
}

// Execute trades both legs of opp and returns the journal record. The second
// leg spends only the first leg's guaranteed minimum output.
func (a *Arbitrage) Execute(ctx context.Context, opp *Opportunity) types.TradeRecord {
	rec := types.TradeRecord{
		ID:          opp.ID,
		Pair:        opp.Pair,
		StartAmount: opp.AmountIn,
		GasUSD:      opp.Bid.RecommendedGasPrice,
		BidStrategy: string(opp.Bid.BidStrategy),
		StartedAt:   a.now(),
	}

	if !a.Executable(opp) {
		rec.Status = types.TradeFailed
		rec.GasUSD = 0
		rec.Error = "opportunity expired or no longer viable"
		rec.FinishedAt = a.now()
		return rec
	}

	err := a.executeLegs(ctx, opp, &rec)
	rec.FinishedAt = a.now()
	success := err == nil
	a.gas.RecordOutcome(opp.Bid, success)

	switch {
	case !success:
		rec.Status = types.TradeFailed
		rec.Error = apierr.Summarize(err)
	case rec.DryRun:
		rec.Status = types.TradeSimulated
	default:
		rec.Status = types.TradeCompleted
	}
	if success {
		rec.ProfitUSD = rec.EndAmount.Sub(rec.StartAmount).InexactFloat64() * opp.BasePriceUSD
	}

	a.logger.Info("round trip finished",
		"id", rec.ID,
		"pair", rec.Pair,
		"status", rec.Status,
		"net", usd.FormatMoneyFloat64(rec.NetUSD()),
		"error", rec.Error,
	)
	a.emitDashboardEvent(api.EventTrade, rec.Pair, api.NewTradeEvent(rec))
	return rec
}

func (a *Arbitrage) executeLegs(ctx context.Context, opp *Opportunity, rec *types.TradeRecord) error {
	first, dryRun, err := a.executeLeg(ctx, opp.Base, opp.Quote, opp.Forward, opp.AmountIn)
	rec.Legs = append(rec.Legs, first)
	rec.DryRun = dryRun
	if err != nil {
		return fmt.Errorf("forward leg: %w", err)
	}

	second, _, err := a.executeLeg(ctx, opp.Quote, opp.Base, opp.Backward, first.MinAmountOut)
	rec.Legs = append(rec.Legs, second)
	if err != nil {
		return fmt.Errorf("backward leg: %w", err)
	}
	rec.EndAmount = second.QuotedOut
	return nil
}

// executeLeg swaps amountIn at q's rate with the slippage floor and waits for
// the transaction to finish.
func (a *Arbitrage) executeLeg(ctx context.Context, in, out types.TokenClassKey, q types.Quote, amountIn decimal.Decimal) (types.TradeLeg, bool, error) {
	expected := q.Rate().Mul(amountIn).RoundFloor(amountPrecision)
	minOut := expected.Mul(decimal.NewFromInt(1).Sub(a.slippage)).RoundFloor(amountPrecision)

	leg := types.TradeLeg{
		TokenIn:      in.String(),
		TokenOut:     out.String(),
		Fee:          q.Fee,
		AmountIn:     amountIn,
		QuotedOut:    expected,
		MinAmountOut: minOut,
		Status:       types.TxUnknown,
	}

	res, err := a.exchange.Swap(ctx, types.SwapParams{
		TokenIn:          in,
		TokenOut:         out,
		Fee:              q.Fee,
		AmountIn:         amountIn,
		AmountOutMinimum: minOut,
	})
	if err != nil {
		return leg, false, err
	}
	leg.TransactionID = res.TransactionID
	leg.Status = types.TxPending

	wctx := ctx
	if a.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, a.cfg.TxTimeout)
		defer cancel()
	}
	st, err := a.exchange.WaitForTransaction(wctx, res.TransactionID, a.cfg.TxPollInterval)
	if err != nil {
		return leg, res.DryRun, err
	}
	leg.Status = st.Status
	if st.Status == types.TxFailed {
		msg := "transaction " + res.TransactionID + " failed"
		if st.Error != "" {
			msg += ": " + st.Error
		}
		return leg, res.DryRun, apierr.New(apierr.Business, "swap", msg)
	}
	return leg, res.DryRun, nil
}

// Volatility exposes the tracker's score for the base token.
func (a *Arbitrage) Volatility() float64 { return a.vol.Volatility(a.base.String()) }

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (a *Arbitrage) emitDashboardEvent(eventType, pair string, data any) {
	if a.dashboardEvents == nil {
		return
	}
	evt := api.DashboardEvent{
		Type:      eventType,
		Timestamp: a.now(),
		Pair:      pair,
		Data:      data,
	}
	select {
	case a.dashboardEvents <- evt:
	default:
		// Dashboard can't keep up, drop event
	}
}
