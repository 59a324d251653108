package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"galaswap-bot/internal/api"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/liquidity"
	"galaswap-bot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGalaSwap prices GALA at $0.02 and quotes GALA→GUSDC at 0.02 and
// GUSDC→GALA at 52.5, a 5% round trip. Every other pair is illiquid.
func fakeGalaSwap(t *testing.T, txStatus string, statusPolls *atomic.Int32) *httptest.Server {
	t.Helper()
	rates := map[string]string{
		"GALA>GUSDC": "0.02",
		"GUSDC>GALA": "52.5",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		q := r.URL.Query()
		switch r.URL.Path {
		case "/v1/trade/price":
			w.Write([]byte(`{"status":200,"data":"0.02"}`))
		case "/v1/trade/quote":
			in := strings.SplitN(q.Get("tokenIn"), "|", 2)[0]
			out := strings.SplitN(q.Get("tokenOut"), "|", 2)[0]
			rate, ok := rates[in+">"+out]
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"status":400,"message":"insufficient liquidity"}`))
				return
			}
			amountIn := decimal.RequireFromString(q.Get("amountIn"))
			amountOut := amountIn.Mul(decimal.RequireFromString(rate))
			w.Write([]byte(`{"status":200,"data":{"amountIn":"` + amountIn.String() +
				`","amountOut":"-` + amountOut.String() + `","fee":` + q.Get("fee") + `}}`))
		case "/v1/trade/transaction-status":
			if statusPolls != nil {
				statusPolls.Add(1)
			}
			w.Write([]byte(`{"status":200,"data":{"id":"` + q.Get("id") + `","status":"` + txStatus + `"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEngineConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DryRun = true
	cfg.API.BaseURL = baseURL
	cfg.API.WSURL = ""
	cfg.API.RequestTimeout = 2 * time.Second
	cfg.RateLimit = config.RateLimitConfig{
		Default: config.LimiterConfig{RequestsPerSecond: 1000, BurstLimit: 1000, Window: time.Minute},
	}
	quick := config.RetryPreset{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	cfg.Retry = config.RetryConfig{BackoffMultiplier: 2, Fast: quick, Standard: quick, Slow: quick, Transaction: quick}
	cfg.Strategy.QuoteTokens = []string{"GUSDC", "GSOL"}
	cfg.Strategy.TxPollInterval = 5 * time.Millisecond
	cfg.Strategy.TxTimeout = 2 * time.Second
	cfg.Store.DataDir = t.TempDir()
	cfg.Dashboard.Enabled = true
	return cfg
}

func TestScanOnceExecutesBestOpportunity(t *testing.T) {
	t.Parallel()
	srv := fakeGalaSwap(t, "PROCESSED", nil)
	cfg := testEngineConfig(t, srv.URL)

	e, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.cancel()

	e.scanOnce(context.Background())

	trades := e.RecentTrades()
	if len(trades) != 1 {
		t.Fatalf("RecentTrades = %d, want 1", len(trades))
	}
	rec := trades[0]
	if rec.Status != types.TradeSimulated || len(rec.Legs) != 2 {
		t.Errorf("trade = %+v", rec)
	}
	if rec.Pair != "GALA→GUSDC→GALA" {
		t.Errorf("Pair = %q", rec.Pair)
	}

	// Journaled and counted by the risk manager, without touching PnL.
	saved, err := e.store.LoadTrade(rec.ID)
	if err != nil || saved == nil {
		t.Fatalf("LoadTrade = %v, %v", saved, err)
	}
	if s := e.RiskSnapshot(); s.TradesToday != 1 || s.DailyPnL != 0 {
		t.Errorf("risk snapshot = %+v", s)
	}
	if s := e.GasStats(); s.ExecutedBids != 1 || s.SuccessfulBids != 1 {
		t.Errorf("gas stats = %+v", s)
	}

	// GSOL quotes failed with insufficient liquidity and were learned,
	// in memory only.
	learned := e.DynamicBlacklist()
	if len(learned) != 1 || !strings.HasPrefix(learned[0].Pair, "GALA|Unit|none|none"+liquidity.Arrow+"GSOL") {
		t.Errorf("dynamic blacklist = %+v", learned)
	}
	if entries, err := e.store.LoadBlacklist(); err != nil || len(entries) != 0 {
		t.Errorf("blacklist written to disk without persistence: %+v, %v", entries, err)
	}

	var sawOpportunity, sawTrade, sawBlacklist bool
	for done := false; !done; {
		select {
		case evt := <-e.DashboardEvents():
			switch evt.Type {
			case api.EventOpportunity:
				sawOpportunity = true
			case api.EventTrade:
				sawTrade = true
			case api.EventBlacklist:
				sawBlacklist = true
			}
		default:
			done = true
		}
	}
	if !sawOpportunity || !sawTrade || !sawBlacklist {
		t.Errorf("events: opportunity=%v trade=%v blacklist=%v", sawOpportunity, sawTrade, sawBlacklist)
	}
}

func TestScanOnceSkippedWhileKilled(t *testing.T) {
	t.Parallel()
	srv := fakeGalaSwap(t, "PROCESSED", nil)
	cfg := testEngineConfig(t, srv.URL)
	cfg.Risk.MaxConsecutiveFailures = 1

	e, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.cancel()

	e.recordTrade(types.TradeRecord{ID: "failed-1", Status: types.TradeFailed, FinishedAt: time.Now()})
	if !e.riskMgr.IsKillSwitchActive() {
		t.Fatal("expected kill switch after one failure")
	}

	e.scanOnce(context.Background())
	if n := len(e.RecentTrades()); n != 1 {
		t.Errorf("RecentTrades = %d, want only the failed record", n)
	}
}

func TestNewRestoresJournal(t *testing.T) {
	t.Parallel()
	srv := fakeGalaSwap(t, "PROCESSED", nil)
	cfg := testEngineConfig(t, srv.URL)

	first, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.recordTrade(types.TradeRecord{ID: "a", Status: types.TradeCompleted, ProfitUSD: 2, GasUSD: 0.5, StartedAt: time.Now(), FinishedAt: time.Now()})
	first.filter.AddToBlacklist("GALA", "GSOL", "insufficient liquidity")
	if !first.filter.ShouldFilterPair("GALA", "GSOL") {
		t.Fatal("learned pair should be filtered before restart")
	}
	first.Stop()

	second, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	defer second.cancel()

	if s := second.RiskSnapshot(); s.TradesToday != 1 || s.DailyPnL != 1.5 {
		t.Errorf("restored risk = %+v", s)
	}
	if got := second.RecentTrades(); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("restored trades = %+v", got)
	}

	// Learned pairs last for the process lifetime only.
	if second.filter.ShouldFilterPair("GALA", "GSOL") {
		t.Error("learned pair still filtered after restart")
	}
	if got := second.DynamicBlacklist(); len(got) != 0 {
		t.Errorf("dynamic blacklist after restart = %+v, want empty", got)
	}
}

func TestNewRestoresPersistedBlacklist(t *testing.T) {
	t.Parallel()
	srv := fakeGalaSwap(t, "PROCESSED", nil)
	cfg := testEngineConfig(t, srv.URL)
	cfg.LiquidityFilter.PersistDynamicBlacklist = true

	first, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.filter.AddToBlacklist("GUSDC", "GSOL", "insufficient liquidity")
	first.Stop()

	second, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	defer second.cancel()

	if !second.filter.ShouldFilterPair("GUSDC", "GSOL") {
		t.Error("persisted pair should be filtered after restart")
	}
	if second.ResetDynamicBlacklist() != 1 || len(second.DynamicBlacklist()) != 0 {
		t.Error("reset should clear the restored entry")
	}
	if entries, err := second.store.LoadBlacklist(); err != nil || len(entries) != 0 {
		t.Errorf("reset should clear the persisted copy: %+v, %v", entries, err)
	}
}

func TestWaitForTransactionUsesFeed(t *testing.T) {
	t.Parallel()
	var polls atomic.Int32
	srv := fakeGalaSwap(t, "PENDING", &polls)

	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg types.WSSubscribeMsg
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Operation != "subscribe" {
				continue
			}
			for _, id := range msg.TransactionIDs {
				conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"tx","data":{"transactionId":"`+id+`","status":"CONFIRMED"}}`))
			}
		}
	}))
	t.Cleanup(ws.Close)

	cfg := testEngineConfig(t, srv.URL)
	cfg.API.WSURL = "ws" + strings.TrimPrefix(ws.URL, "http")
	cfg.Strategy.TxPollInterval = time.Hour

	e, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for !e.FeedStatus().Connected {
		if time.Now().After(deadline) {
			t.Fatal("feed never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := e.waitForTransaction(ctx, "tx-feed-1", cfg.Strategy.TxPollInterval)
	if err != nil {
		t.Fatalf("waitForTransaction: %v", err)
	}
	if st.Status != types.TxProcessed {
		t.Errorf("status = %s, want PROCESSED from the feed", st.Status)
	}
	// With an hourly poll interval only the first poll can have happened.
	if n := polls.Load(); n > 1 {
		t.Errorf("status polls = %d, want at most 1", n)
	}
}
