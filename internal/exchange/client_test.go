package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"galaswap-bot/internal/apierr"
	"galaswap-bot/internal/breaker"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/liquidity"
	"galaswap-bot/internal/ratelimit"
	"galaswap-bot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.DryRun = true
	cfg.API.BaseURL = baseURL
	cfg.API.RequestTimeout = 2 * time.Second
	cfg.API.QuoteCacheTTL = time.Minute
	cfg.RateLimit = config.RateLimitConfig{
		Default: config.LimiterConfig{RequestsPerSecond: 1000, BurstLimit: 1000, Window: time.Minute},
	}
	quick := func(n int) config.RetryPreset {
		return config.RetryPreset{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	cfg.Retry = config.RetryConfig{
		BackoffMultiplier: 2,
		Fast:              quick(2),
		Standard:          quick(3),
		Slow:              quick(4),
		Transaction:       quick(5),
	}
	cfg.CircuitBreaker = config.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute, MonitorWindow: time.Minute}
	return cfg
}

func newTestClient(t *testing.T, cfg config.Config, signer *Signer) *Client {
	t.Helper()
	limiters, err := ratelimit.NewManager(cfg.RateLimit, quietLogger())
	if err != nil {
		t.Fatalf("ratelimit.NewManager: %v", err)
	}
	breakers, err := breaker.NewManager(cfg.CircuitBreaker, quietLogger())
	if err != nil {
		t.Fatalf("breaker.NewManager: %v", err)
	}
	filter, err := liquidity.New(cfg.LiquidityFilter, quietLogger())
	if err != nil {
		t.Fatalf("liquidity.New: %v", err)
	}
	c, err := NewClient(cfg, Deps{Signer: signer, Limiters: limiters, Breakers: breakers, Filter: filter}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

const quoteBody = `{"status":200,"data":{"amountIn":"1000","amountOut":"-25.5","currentSqrtPrice":"0.2","newSqrtPrice":"0.199","fee":3000}}`

func TestGetQuoteAndCache(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		if r.URL.Path != "/v1/trade/quote" || q.Get("tokenIn") != "GALA|Unit|none|none" ||
			q.Get("tokenOut") != "GUSDC|Unit|none|none" || q.Get("fee") != "3000" || q.Get("amountIn") != "1000" {
			writeJSON(w, http.StatusBadRequest, `{"message":"unexpected request `+r.URL.String()+`"}`)
			return
		}
		writeJSON(w, http.StatusOK, quoteBody)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	ctx := context.Background()

	q, err := c.GetQuote(ctx, "GALA", "GUSDC|Unit|none|none", decimal.NewFromInt(1000), types.Fee030)
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if !q.AmountOut.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("AmountOut = %s, want 25.5", q.AmountOut)
	}
	if q.PriceImpact().IsZero() {
		t.Error("expected a non-zero price impact")
	}

	if _, err := c.GetQuote(ctx, "GALA$Unit$none$none", "GUSDC", decimal.NewFromInt(1000), types.Fee030); err != nil {
		t.Fatalf("cached GetQuote: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (second quote served from cache)", got)
	}
}

func TestGetQuoteValidation(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, testConfig("http://127.0.0.1:1"), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		in, out  string
		amount   decimal.Decimal
		fee      types.FeeTier
		wantKind apierr.Kind
	}{
		{"bad token", "GALA|Unit", "GUSDC", decimal.NewFromInt(1), types.Fee030, apierr.Validation},
		{"same token", "GALA", "GALA|Unit|none|none", decimal.NewFromInt(1), types.Fee030, apierr.Validation},
		{"zero amount", "GALA", "GUSDC", decimal.Zero, types.Fee030, apierr.Validation},
		{"bad fee", "GALA", "GUSDC", decimal.NewFromInt(1), 42, apierr.Validation},
		{"blacklisted pair", "SILK", "GWBTC", decimal.NewFromInt(1), types.Fee030, apierr.Filtered},
	}
	for _, tt := range tests {
		_, err := c.GetQuote(ctx, tt.in, tt.out, tt.amount, tt.fee)
		if !apierr.IsKind(err, tt.wantKind) {
			t.Errorf("%s: err = %v, want kind %s", tt.name, err, tt.wantKind)
		}
	}
}

func TestGetQuoteRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			writeJSON(w, http.StatusServiceUnavailable, `{"message":"try later"}`)
			return
		}
		writeJSON(w, http.StatusOK, quoteBody)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	if _, err := c.GetQuote(context.Background(), "GALA", "GUSDC", decimal.NewFromInt(1000), types.Fee030); err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, want 3", got)
	}
}

func TestInsufficientLiquidityFeedsBlacklist(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusBadRequest, `{"status":400,"message":"Insufficient liquidity in pool"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	ctx := context.Background()

	_, err := c.GetQuote(ctx, "GUSDC", "GSOL", decimal.NewFromInt(5), types.Fee100)
	if !apierr.IsKind(err, apierr.Business) {
		t.Fatalf("err = %v, want business", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, business errors must not be retried", got)
	}

	_, err = c.GetQuote(ctx, "GUSDC", "GSOL", decimal.NewFromInt(5), types.Fee100)
	if !apierr.IsKind(err, apierr.Filtered) {
		t.Errorf("second err = %v, want filtered", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, filtered quote must not reach the network", got)
	}
	if c.breakers.Get("quote").State() != breaker.Closed {
		t.Error("business rejections must not open the quote circuit")
	}
}

func TestCircuitOpensAfterExhaustedRetries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, `{"message":"internal"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := c.GetQuote(ctx, "GALA", "GUSDC", decimal.NewFromInt(int64(i)), types.Fee030)
		if !apierr.IsKind(err, apierr.Server) {
			t.Fatalf("call %d: err = %v, want server", i, err)
		}
	}
	if got := hits.Load(); got != 6 {
		t.Errorf("server hits = %d, want 6 (3 attempts per call)", got)
	}

	_, err := c.GetQuote(ctx, "GALA", "GUSDC", decimal.NewFromInt(3), types.Fee030)
	if !apierr.IsKind(err, apierr.CircuitOpen) {
		t.Errorf("err = %v, want circuit open", err)
	}
	if got := hits.Load(); got != 6 {
		t.Errorf("server hits = %d, open circuit must not reach the network", got)
	}
}

func TestBestQuotePicksLargestOutput(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("fee") {
		case "500":
			writeJSON(w, http.StatusOK, `{"status":200,"data":{"amountOut":"10"}}`)
		case "3000":
			writeJSON(w, http.StatusOK, `{"status":200,"data":{"amountOut":"12.5"}}`)
		default:
			writeJSON(w, http.StatusBadRequest, `{"message":"pool not found"}`)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	q, err := c.BestQuote(context.Background(), "GALA", "GWETH", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("BestQuote: %v", err)
	}
	if q.Fee != types.Fee030 || !q.AmountOut.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("best = fee %d out %s, want fee 3000 out 12.5", q.Fee, q.AmountOut)
	}
	if c.filter.ShouldFilterPair("GALA", "GWETH") {
		t.Error("a missing fee tier must not blacklist the pair")
	}
}

func TestGetPriceAndPool(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/trade/price":
			writeJSON(w, http.StatusOK, `{"status":200,"data":"0.01734"}`)
		case "/v1/trade/pool":
			q := r.URL.Query()
			if q.Get("token0") != "GALA|Unit|none|none" || q.Get("token1") != "GUSDC|Unit|none|none" {
				writeJSON(w, http.StatusBadRequest, `{"message":"tokens not sorted"}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"status":200,"data":{"liquidity":"123456.78","sqrtPrice":"0.1316","tick":-40560}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	ctx := context.Background()

	p, err := c.GetPrice(ctx, "GALA")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if !p.PriceUSD.Equal(decimal.RequireFromString("0.01734")) {
		t.Errorf("PriceUSD = %s", p.PriceUSD)
	}

	pool, err := c.GetPool(ctx, "GUSDC", "GALA", types.Fee100)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if pool.Tick != -40560 || pool.Token0.Symbol() != "GALA" {
		t.Errorf("pool = %+v", pool)
	}
}

func TestSwapSignsAndSubmitsBundle(t *testing.T) {
	t.Parallel()
	signer, err := NewSigner(config.WalletConfig{PrivateKey: testKey})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	bundleErr := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/trade/swap":
			var req types.SwapRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.User != signer.User() || req.Fee != types.Fee030 || req.AmountOutMinimum != "24.8" {
				writeJSON(w, http.StatusBadRequest, `{"message":"bad swap request"}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"status":200,"data":{"uniqueKey":"galaswap-operation-1","amountIn":"1000","tokenIn":{"collection":"GALA"}}}`)
		case "/v1/trade/bundle":
			var req types.BundleRequest
			json.NewDecoder(r.Body).Decode(&req)
			bundleErr <- verifyBundle(req, signer)
			writeJSON(w, http.StatusCreated, `{"status":201,"data":"tx-123"}`)
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.DryRun = false
	c := newTestClient(t, cfg, signer)

	res, err := c.Swap(context.Background(), types.SwapParams{
		TokenIn:          types.MustParseTokenKey("GALA"),
		TokenOut:         types.MustParseTokenKey("GUSDC"),
		Fee:              types.Fee030,
		AmountIn:         decimal.NewFromInt(1000),
		AmountOutMinimum: decimal.RequireFromString("24.8"),
	})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if res.TransactionID != "tx-123" || res.DryRun {
		t.Errorf("result = %+v", res)
	}
	if msg := <-bundleErr; msg != "" {
		t.Error(msg)
	}
}

func verifyBundle(req types.BundleRequest, signer *Signer) string {
	if req.Type != "swap" || req.User != signer.User() {
		return "bundle type/user mismatch"
	}
	hash, err := PayloadHash(req.Payload)
	if err != nil {
		return err.Error()
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return err.Error()
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return err.Error()
	}
	if crypto.PubkeyToAddress(*pub) != signer.Address() {
		return "signature does not recover the wallet address"
	}
	return ""
}

func TestSwapFailureIsBoundedAndClassified(t *testing.T) {
	t.Parallel()
	signer, _ := NewSigner(config.WalletConfig{PrivateKey: testKey})

	var bundles atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/trade/swap" {
			writeJSON(w, http.StatusOK, `{"status":200,"data":{"uniqueKey":"k"}}`)
			return
		}
		bundles.Add(1)
		writeJSON(w, http.StatusBadGateway, strings.Repeat("upstream stack frame /home/deploy/app.js:42\n", 200))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.DryRun = false
	c := newTestClient(t, cfg, signer)

	_, err := c.Swap(context.Background(), types.SwapParams{
		TokenIn:  types.MustParseTokenKey("GALA"),
		TokenOut: types.MustParseTokenKey("GUSDC"),
		Fee:      types.Fee100,
		AmountIn: decimal.NewFromInt(10),
	})
	if !apierr.IsKind(err, apierr.Server) {
		t.Fatalf("err = %v, want server kind", err)
	}
	msg := err.Error()
	if len(msg) > apierr.MaxMessageLen {
		t.Errorf("len(err) = %d, want <= %d", len(msg), apierr.MaxMessageLen)
	}
	if strings.Contains(msg, "/home/deploy") || strings.Contains(msg, "\n") {
		t.Errorf("error leaks paths or spans lines: %q", msg)
	}
	if got := bundles.Load(); got != 6 {
		t.Errorf("bundle attempts = %d, want 6 (transaction preset)", got)
	}
}

func TestSwapDryRun(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, testConfig("http://127.0.0.1:1"), nil)

	res, err := c.Swap(context.Background(), types.SwapParams{
		TokenIn:  types.MustParseTokenKey("GALA"),
		TokenOut: types.MustParseTokenKey("GUSDT"),
		Fee:      types.Fee005,
		AmountIn: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if !res.DryRun || !IsDryRunID(res.TransactionID) {
		t.Errorf("result = %+v, want dry-run", res)
	}

	st, err := c.TransactionStatus(context.Background(), res.TransactionID)
	if err != nil || st.Status != types.TxProcessed {
		t.Errorf("dry-run status = %+v, %v", st, err)
	}

	_, err = c.Swap(context.Background(), types.SwapParams{})
	if !apierr.IsKind(err, apierr.Validation) {
		t.Errorf("invalid params err = %v, want validation", err)
	}
}

func TestNewClientRequiresSignerOutsideDryRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://127.0.0.1:1")
	cfg.DryRun = false
	limiters, _ := ratelimit.NewManager(cfg.RateLimit, quietLogger())
	breakers, _ := breaker.NewManager(cfg.CircuitBreaker, quietLogger())
	filter, _ := liquidity.New(cfg.LiquidityFilter, quietLogger())

	if _, err := NewClient(cfg, Deps{Limiters: limiters, Breakers: breakers, Filter: filter}, quietLogger()); err == nil {
		t.Error("expected error without signer")
	}
	if _, err := NewClient(cfg, Deps{}, quietLogger()); err == nil {
		t.Error("expected error without dependencies")
	}
}

func TestWaitForTransaction(t *testing.T) {
	t.Parallel()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "tx-9" {
			writeJSON(w, http.StatusNotFound, `{"message":"unknown transaction"}`)
			return
		}
		if polls.Add(1) < 3 {
			writeJSON(w, http.StatusOK, `{"status":200,"data":{"id":"tx-9","status":"PENDING"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"status":200,"data":{"id":"tx-9","status":"PROCESSED"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.WaitForTransaction(ctx, "tx-9", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTransaction: %v", err)
	}
	if st.Status != types.TxProcessed || polls.Load() != 3 {
		t.Errorf("status = %s after %d polls, want PROCESSED after 3", st.Status, polls.Load())
	}

	if _, err := c.WaitForTransaction(ctx, "tx-missing", 5*time.Millisecond); !apierr.IsKind(err, apierr.Validation) {
		t.Errorf("unknown tx err = %v, want validation", err)
	}
}

func TestBalances(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/assets" || r.URL.Query().Get("address") != "eth|f39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
			writeJSON(w, http.StatusBadRequest, `{"message":"bad address"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"status":200,"data":{"token":[{"symbol":"GALA","name":"Gala","decimals":8,"quantity":"1234.5"},{"symbol":"GUSDC","decimals":6,"quantity":"20"}],"count":2}}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Wallet.Address = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	c := newTestClient(t, cfg, nil)

	balances, err := c.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("len = %d, want 2", len(balances))
	}

	gala, err := c.Balance(context.Background(), "GALA|Unit|none|none")
	if err != nil || !gala.Equal(decimal.RequireFromString("1234.5")) {
		t.Errorf("Balance(GALA) = %s, %v", gala, err)
	}
	weth, err := c.Balance(context.Background(), "GWETH")
	if err != nil || !weth.IsZero() {
		t.Errorf("Balance(GWETH) = %s, %v, want 0", weth, err)
	}
}
