// Package exchange implements the GalaSwap V3 REST and WebSocket clients.
//
// The REST client (Client) talks to the GalaSwap DEX backend:
//   - GetQuote / BestQuote:  GET  /v1/trade/quote
//   - GetPrice:              GET  /v1/trade/price
//   - GetPool:               GET  /v1/trade/pool
//   - Swap:                  POST /v1/trade/swap, then POST /v1/trade/bundle
//   - TransactionStatus:     GET  /v1/trade/transaction-status
//   - Balances:              GET  /user/assets
//
// Every call runs inside its operation's circuit breaker. Inside the breaker
// the call is retried with its category preset, and each attempt first waits
// for the endpoint's rate limiter and then runs under RequestTimeout. Quotes
// are additionally checked against the liquidity filter before any network
// traffic and served from a short-lived cache.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"galaswap-bot/internal/apierr"
	"galaswap-bot/internal/breaker"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/liquidity"
	"galaswap-bot/internal/ratelimit"
	"galaswap-bot/internal/retry"
	"galaswap-bot/pkg/types"
)

// endpoint binds an operation to its limiter key, breaker and retry preset.
type endpoint struct {
	limiter  string
	breaker  string
	category retry.Category
}

var (
	epQuote    = endpoint{limiter: "quote", breaker: "quote", category: retry.Fast}
	epPrice    = endpoint{limiter: "price", breaker: "price", category: retry.Standard}
	epPool     = endpoint{limiter: "pool", breaker: "pool", category: retry.Standard}
	epSwap     = endpoint{limiter: "swap", breaker: "swap", category: retry.Transaction}
	epTxStatus = endpoint{limiter: "transaction-status", breaker: "transaction-poll", category: retry.Fast}
	epAssets   = endpoint{limiter: "assets", breaker: "assets", category: retry.Slow}
)

// Deps are the shared resilience components a Client is built around.
type Deps struct {
	Signer   *Signer // may be nil in dry-run mode
	Limiters *ratelimit.Manager
	Breakers *breaker.Manager
	Filter   *liquidity.Filter
}

// Client is the GalaSwap REST API client.
type Client struct {
	http     *resty.Client
	signer   *Signer
	user     string
	limiters *ratelimit.Manager
	breakers *breaker.Manager
	retries  retry.Presets
	filter   *liquidity.Filter
	quotes   *cache.Cache // nil when caching is disabled

	requestTimeout time.Duration
	dryRun         bool
	dryRunSeq      atomic.Int64
	now            func() time.Time
	logger         *slog.Logger
}

// NewClient creates a REST client. resty's own retry is disabled; retries
// are driven by the category presets.
func NewClient(cfg config.Config, deps Deps, logger *slog.Logger) (*Client, error) {
	if deps.Limiters == nil || deps.Breakers == nil || deps.Filter == nil {
		return nil, errors.New("exchange client: limiters, breakers and filter are required")
	}
	if deps.Signer == nil && !cfg.DryRun {
		return nil, errors.New("exchange client: signer is required unless dry_run is set")
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.API.BaseURL, "/")).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	user := ""
	if deps.Signer != nil {
		user = deps.Signer.User()
	} else if cfg.Wallet.Address != "" {
		user = UserID(cfg.Wallet.Address)
	}

	c := &Client{
		http:           httpClient,
		signer:         deps.Signer,
		user:           user,
		limiters:       deps.Limiters,
		breakers:       deps.Breakers,
		retries:        retry.NewPresets(cfg.Retry),
		filter:         deps.Filter,
		requestTimeout: cfg.API.RequestTimeout,
		dryRun:         cfg.DryRun,
		now:            time.Now,
		logger:         logger.With("component", "exchange"),
	}
	if ttl := cfg.API.QuoteCacheTTL; ttl > 0 {
		c.quotes = cache.New(ttl, 2*ttl)
	}
	return c, nil
}

// User returns the GalaChain user id trades are made for.
func (c *Client) User() string { return c.user }

// DryRun reports whether mutating calls are simulated.
func (c *Client) DryRun() bool { return c.dryRun }

// attempt runs one request: limiter wait, then op under the per-attempt timeout.
func attempt[T any](c *Client, ep endpoint, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var zero T
		if err := c.limiters.Wait(ctx, ep.limiter); err != nil {
			return zero, err
		}
		actx := ctx
		if c.requestTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}
		v, err := op(actx)
		return v, retry.Classify(ep.breaker, err)
	}
}

// withRetry retries op with ep's preset.
func withRetry[T any](ctx context.Context, c *Client, ep endpoint, op func(context.Context) (T, error)) (T, error) {
	opts := c.retries.Options(ep.category)
	opts.Label = ep.breaker
	opts.Logger = c.logger
	return retry.Do(ctx, opts, attempt(c, ep, op))
}

// guarded runs op retried inside ep's circuit breaker.
func guarded[T any](ctx context.Context, c *Client, ep endpoint, op func(context.Context) (T, error)) (T, error) {
	return breaker.Execute(ctx, c.breakers.Get(ep.breaker), func(ctx context.Context) (T, error) {
		return withRetry(ctx, c, ep, op)
	})
}

// checkResponse turns a transport error or a non-2xx response into an error.
func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return apierr.FromStatus(op, resp.StatusCode(), resp.String())
	}
	return nil
}

// Quotes

func (c *Client) parsePair(op, tokenIn, tokenOut string) (types.TokenClassKey, types.TokenClassKey, error) {
	in, err := types.ParseTokenKey(tokenIn)
	if err != nil {
		return in, in, apierr.Wrap(apierr.Validation, op, err)
	}
	out, err := types.ParseTokenKey(tokenOut)
	if err != nil {
		return in, out, apierr.Wrap(apierr.Validation, op, err)
	}
	if in == out {
		return in, out, apierr.New(apierr.Validation, op, "token in and token out must differ")
	}
	return in, out, nil
}

func (c *Client) preflight(in, out types.TokenClassKey) error {
	if c.filter.ShouldFilter(in, out) {
		return apierr.New(apierr.Filtered, "quote", "pair "+liquidity.PairKey(in, out)+" is blacklisted")
	}
	return nil
}

// GetQuote quotes swapping amountIn of tokenIn for tokenOut in the fee pool.
// Filtered pairs fail with an apierr.Filtered error before any request.
func (c *Client) GetQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal, fee types.FeeTier) (*types.Quote, error) {
	in, out, err := c.parsePair("quote", tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if !amountIn.IsPositive() {
		return nil, apierr.New(apierr.Validation, "quote", "amount in must be positive")
	}
	if !fee.Valid() {
		return nil, apierr.New(apierr.Validation, "quote", fmt.Sprintf("unsupported fee tier %d", fee))
	}
	if err := c.preflight(in, out); err != nil {
		return nil, err
	}
	return c.quote(ctx, in, out, amountIn, fee)
}

// BestQuote quotes every fee tier concurrently and returns the one with the
// largest output. It fails only if no tier produced a quote.
func (c *Client) BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*types.Quote, error) {
	in, out, err := c.parsePair("quote", tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if !amountIn.IsPositive() {
		return nil, apierr.New(apierr.Validation, "quote", "amount in must be positive")
	}
	if err := c.preflight(in, out); err != nil {
		return nil, err
	}

	quotes := make([]*types.Quote, len(types.FeeTiers))
	errs := make([]error, len(types.FeeTiers))
	var g errgroup.Group
	for i, fee := range types.FeeTiers {
		i, fee := i, fee
		g.Go(func() error {
			quotes[i], errs[i] = c.quote(ctx, in, out, amountIn, fee)
			return nil
		})
	}
	g.Wait()

	var best *types.Quote
	for _, q := range quotes {
		if q != nil && (best == nil || q.AmountOut.GreaterThan(best.AmountOut)) {
			best = q
		}
	}
	if best == nil {
		return nil, errors.Join(errs...)
	}
	return best, nil
}

func quoteCacheKey(in, out types.TokenClassKey, amountIn decimal.Decimal, fee types.FeeTier) string {
	return liquidity.PairKey(in, out) + "#" + strconv.Itoa(int(fee)) + "#" + amountIn.String()
}

func (c *Client) quote(ctx context.Context, in, out types.TokenClassKey, amountIn decimal.Decimal, fee types.FeeTier) (*types.Quote, error) {
	key := quoteCacheKey(in, out, amountIn, fee)
	if c.quotes != nil {
		if v, ok := c.quotes.Get(key); ok {
			q := v.(types.Quote)
			return &q, nil
		}
	}

	q, err := guarded(ctx, c, epQuote, func(ctx context.Context) (types.Quote, error) {
		var result types.QuoteResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"tokenIn":  in.String(),
				"tokenOut": out.String(),
				"amountIn": amountIn.String(),
				"fee":      strconv.Itoa(int(fee)),
			}).
			SetResult(&result).
			Get("/v1/trade/quote")
		if err := checkResponse("quote", resp, err); err != nil {
			return types.Quote{}, err
		}
		return types.Quote{
			TokenIn:          in,
			TokenOut:         out,
			Fee:              fee,
			AmountIn:         amountIn,
			AmountOut:        result.Data.AmountOut.Abs(),
			CurrentSqrtPrice: result.Data.CurrentSqrtPrice,
			NewSqrtPrice:     result.Data.NewSqrtPrice,
			FetchedAt:        c.now(),
		}, nil
	})
	if err != nil {
		c.learnFromQuoteError(in, out, err)
		return nil, err
	}
	if !q.AmountOut.IsPositive() {
		return nil, apierr.New(apierr.Business, "quote", "quote returned no output")
	}

	if c.quotes != nil {
		c.quotes.SetDefault(key, q)
	}
	return &q, nil
}

// learnFromQuoteError feeds insufficient-liquidity rejections to the filter.
func (c *Client) learnFromQuoteError(in, out types.TokenClassKey, err error) {
	if !c.filter.LearnsFromErrors() || !apierr.IsKind(err, apierr.Business) {
		return
	}
	if apierr.IsInsufficientLiquidity(err.Error()) {
		c.filter.AddToBlacklist(in.String(), out.String(), apierr.Summarize(err))
	}
}

// Prices and pools

// GetPrice returns token's USD spot price.
func (c *Client) GetPrice(ctx context.Context, token string) (*types.TokenPrice, error) {
	key, err := types.ParseTokenKey(token)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, "price", err)
	}

	p, err := guarded(ctx, c, epPrice, func(ctx context.Context) (types.TokenPrice, error) {
		var result types.PriceResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("token", key.String()).
			SetResult(&result).
			Get("/v1/trade/price")
		if err := checkResponse("price", resp, err); err != nil {
			return types.TokenPrice{}, err
		}
		return types.TokenPrice{Token: key, PriceUSD: result.Data, FetchedAt: c.now()}, nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPool returns the state of the tokenA/tokenB pool with the given fee.
// Tokens may be passed in either order.
func (c *Client) GetPool(ctx context.Context, tokenA, tokenB string, fee types.FeeTier) (*types.Pool, error) {
	a, b, err := c.parsePair("pool", tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	if !fee.Valid() {
		return nil, apierr.New(apierr.Validation, "pool", fmt.Sprintf("unsupported fee tier %d", fee))
	}
	keys := []types.TokenClassKey{a, b}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	p, err := guarded(ctx, c, epPool, func(ctx context.Context) (types.Pool, error) {
		var result types.PoolResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"token0": keys[0].String(),
				"token1": keys[1].String(),
				"fee":    strconv.Itoa(int(fee)),
			}).
			SetResult(&result).
			Get("/v1/trade/pool")
		if err := checkResponse("pool", resp, err); err != nil {
			return types.Pool{}, err
		}
		return types.Pool{
			Token0:    keys[0],
			Token1:    keys[1],
			Fee:       fee,
			Liquidity: result.Data.Liquidity,
			SqrtPrice: result.Data.SqrtPrice,
			Tick:      result.Data.Tick,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Swaps

// Swap submits an exact-input swap and returns once the bundle is accepted.
// Use WaitForTransaction to follow it to completion. Failures are reported
// as a single bounded, redacted message that keeps the error kind.
func (c *Client) Swap(ctx context.Context, p types.SwapParams) (*types.SwapResult, error) {
	if err := p.Validate(); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "swap", err)
	}

	if c.dryRun {
		id := fmt.Sprintf("dry-run-%d", c.dryRunSeq.Add(1))
		c.logger.Info("DRY-RUN: would swap",
			"token_in", p.TokenIn.Symbol(),
			"token_out", p.TokenOut.Symbol(),
			"amount_in", p.AmountIn.String(),
			"min_out", p.AmountOutMinimum.String(),
			"fee", int(p.Fee),
		)
		return &types.SwapResult{
			TransactionID: id,
			TokenIn:       p.TokenIn,
			TokenOut:      p.TokenOut,
			AmountIn:      p.AmountIn,
			MinAmountOut:  p.AmountOutMinimum,
			DryRun:        true,
			SubmittedAt:   c.now(),
		}, nil
	}
	if c.signer == nil {
		return nil, apierr.New(apierr.Validation, "swap", "no signing key configured")
	}

	txID, err := breaker.Execute(ctx, c.breakers.Get(epSwap.breaker), func(ctx context.Context) (string, error) {
		payload, err := withRetry(ctx, c, epSwap, func(ctx context.Context) ([]byte, error) {
			return c.swapPayload(ctx, p)
		})
		if err != nil {
			return "", err
		}
		sig, err := c.signer.Sign(payload)
		if err != nil {
			return "", apierr.Wrap(apierr.Validation, "swap", err)
		}
		return withRetry(ctx, c, epSwap, func(ctx context.Context) (string, error) {
			return c.submitBundle(ctx, payload, sig)
		})
	})
	if err != nil {
		c.logger.Error("swap failed",
			"token_in", p.TokenIn.Symbol(),
			"token_out", p.TokenOut.Symbol(),
			"kind", apierr.KindOf(err).String(),
			"error", apierr.Summarize(err),
		)
		return nil, apierr.Bounded("swap", err)
	}

	c.logger.Info("swap submitted",
		"tx", txID,
		"token_in", p.TokenIn.Symbol(),
		"token_out", p.TokenOut.Symbol(),
		"amount_in", p.AmountIn.String(),
	)
	return &types.SwapResult{
		TransactionID: txID,
		TokenIn:       p.TokenIn,
		TokenOut:      p.TokenOut,
		AmountIn:      p.AmountIn,
		MinAmountOut:  p.AmountOutMinimum,
		SubmittedAt:   c.now(),
	}, nil
}

func (c *Client) swapPayload(ctx context.Context, p types.SwapParams) ([]byte, error) {
	var result types.SwapPayloadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.SwapRequest{
			TokenIn:          p.TokenIn,
			TokenOut:         p.TokenOut,
			AmountIn:         p.AmountIn.String(),
			Fee:              p.Fee,
			AmountOutMinimum: p.AmountOutMinimum.String(),
			User:             c.user,
		}).
		SetResult(&result).
		Post("/v1/trade/swap")
	if err := checkResponse("swap", resp, err); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 || string(result.Data) == "null" {
		return nil, apierr.New(apierr.Server, "swap", "empty swap payload")
	}
	return result.Data, nil
}

func (c *Client) submitBundle(ctx context.Context, payload []byte, sig string) (string, error) {
	var result types.BundleResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.BundleRequest{
			Payload:   payload,
			Type:      "swap",
			Signature: sig,
			User:      c.user,
		}).
		SetResult(&result).
		Post("/v1/trade/bundle")
	if err := checkResponse("bundle", resp, err); err != nil {
		return "", err
	}
	if result.Data == "" {
		return "", apierr.New(apierr.Server, "bundle", "no transaction id in response")
	}
	return result.Data, nil
}

// Transactions

// IsDryRunID reports whether id was produced by a simulated swap.
func IsDryRunID(id string) bool { return strings.HasPrefix(id, "dry-run-") }

// TransactionStatus returns the latest status of a submitted bundle.
func (c *Client) TransactionStatus(ctx context.Context, id string) (*types.TxState, error) {
	if id == "" {
		return nil, apierr.New(apierr.Validation, "transaction-status", "transaction id is required")
	}
	if IsDryRunID(id) {
		return &types.TxState{ID: id, Status: types.TxProcessed, UpdatedAt: c.now()}, nil
	}

	st, err := guarded(ctx, c, epTxStatus, func(ctx context.Context) (types.TxState, error) {
		var result types.TransactionStatusResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("id", id).
			SetResult(&result).
			Get("/v1/trade/transaction-status")
		if err := checkResponse("transaction-status", resp, err); err != nil {
			return types.TxState{}, err
		}
		return types.TxState{
			ID:        id,
			Status:    types.ParseTxStatus(result.Data.Status),
			Error:     result.Data.Error,
			UpdatedAt: c.now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// WaitForTransaction polls TransactionStatus every interval until the
// transaction is terminal or ctx ends. Transient polling failures (including
// an open circuit) are logged and polling continues.
func (c *Client) WaitForTransaction(ctx context.Context, id string, interval time.Duration) (*types.TxState, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.TransactionStatus(ctx, id)
		switch {
		case err == nil && st.Status.Terminal():
			return st, nil
		case err != nil && (apierr.IsKind(err, apierr.Validation) || ctx.Err() != nil):
			return nil, err
		case err != nil:
			c.logger.Warn("transaction poll failed", "tx", id, "error", apierr.Summarize(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for transaction %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Balances

// Balances returns the wallet's token holdings.
func (c *Client) Balances(ctx context.Context) ([]types.TokenBalance, error) {
	if c.user == "" {
		return nil, apierr.New(apierr.Validation, "assets", "wallet address is not configured")
	}

	return guarded(ctx, c, epAssets, func(ctx context.Context) ([]types.TokenBalance, error) {
		var result types.AssetsResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"address": c.user,
				"page":    "1",
				"limit":   "100",
			}).
			SetResult(&result).
			Get("/user/assets")
		if err := checkResponse("assets", resp, err); err != nil {
			return nil, err
		}
		return result.Data.Token, nil
	})
}

// Balance returns the holding of one token, zero when absent.
func (c *Client) Balance(ctx context.Context, token string) (decimal.Decimal, error) {
	key, err := types.ParseTokenKey(token)
	if err != nil {
		return decimal.Zero, apierr.Wrap(apierr.Validation, "assets", err)
	}
	balances, err := c.Balances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if strings.EqualFold(b.Symbol, key.Symbol()) {
			return b.Quantity, nil
		}
	}
	return decimal.Zero, nil
}
