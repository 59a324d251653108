package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"galaswap-bot/internal/breaker"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/gasbid"
	"galaswap-bot/internal/liquidity"
	"galaswap-bot/internal/ratelimit"
	"galaswap-bot/internal/risk"
	"galaswap-bot/pkg/types"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://bot.internal:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "bot.internal:8080",
			want:    true,
		},
		{
			name:    "malformed origin denied",
			origin:  "::not a url",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

type fakeProvider struct {
	mu              sync.Mutex
	blacklist       []liquidity.Entry
	limitResets     int
	breakerResets   int
	killSwitch      bool
	trades          []types.TradeRecord
	events          chan DashboardEvent
	breakerState    string
	tokensAvailable float64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		blacklist: []liquidity.Entry{
			{Pair: "GUSDC|Unit|none|none→GSOL|Unit|none|none", Reason: "insufficient liquidity"},
		},
		trades: []types.TradeRecord{
			{ID: "t1", Status: types.TradeCompleted, ProfitUSD: 1, GasUSD: 0.1, StartAmount: decimal.NewFromInt(1000)},
			{ID: "t2", Status: types.TradeSimulated, DryRun: true, ProfitUSD: 5},
		},
		events:       make(chan DashboardEvent, 8),
		breakerState: "OPEN",
	}
}

func (p *fakeProvider) RateLimitStatus() map[string]ratelimit.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]ratelimit.Status{"quote": {TokensAvailable: p.tokensAvailable}}
}

func (p *fakeProvider) BreakerSnapshots() []breaker.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []breaker.Snapshot{{Name: "quote", State: p.breakerState}}
}

func (p *fakeProvider) LiquidityStatistics() liquidity.Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return liquidity.Statistics{DynamicBlacklistSize: len(p.blacklist)}
}

func (p *fakeProvider) GasStats() gasbid.Stats             { return gasbid.Stats{TotalBids: 3} }
func (p *fakeProvider) GasConfig() config.GasBiddingConfig { return config.Default().GasBidding }

func (p *fakeProvider) RiskSnapshot() risk.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return risk.Snapshot{KillSwitchActive: p.killSwitch}
}

func (p *fakeProvider) RecentTrades() []types.TradeRecord { return p.trades }
func (p *fakeProvider) FeedStatus() FeedStatus            { return FeedStatus{Connected: true, Subscriptions: 2} }

func (p *fakeProvider) DynamicBlacklist() []liquidity.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]liquidity.Entry(nil), p.blacklist...)
}

func (p *fakeProvider) ResetDynamicBlacklist() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.blacklist)
	p.blacklist = nil
	return n
}

func (p *fakeProvider) ResetRateLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limitResets++
	p.tokensAvailable = 10
}

func (p *fakeProvider) ResetBreakers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakerResets++
	p.breakerState = "CLOSED"
}

func (p *fakeProvider) DashboardEvents() <-chan DashboardEvent { return p.events }

func newTestServer(t *testing.T, p *fakeProvider) (*httptest.Server, *Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Default()
	cfg.DryRun = true

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logger)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(NewHandlers(p, cfg, hub, logger)))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, hub
}

func doJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	p := newFakeProvider()
	srv, _ := newTestServer(t, p)

	var body map[string]any
	if code := doJSON(t, http.MethodGet, srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["dry_run"] != true {
		t.Errorf("body = %v", body)
	}

	p.mu.Lock()
	p.killSwitch = true
	p.mu.Unlock()
	doJSON(t, http.MethodGet, srv.URL+"/health", &body)
	if body["status"] != "halted" {
		t.Errorf("status = %v, want halted while the kill switch is active", body["status"])
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, newFakeProvider())

	var snap DashboardSnapshot
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/snapshot", &snap); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !snap.DryRun || snap.Config.BaseToken != "GALA" {
		t.Errorf("snapshot config = %+v", snap.Config)
	}
	if len(snap.Breakers) != 1 || snap.Breakers[0].State != "OPEN" {
		t.Errorf("breakers = %+v", snap.Breakers)
	}
	if len(snap.RecentTrades) != 2 || snap.Gas.TotalBids != 3 || !snap.Feed.Connected {
		t.Errorf("snapshot = %+v", snap)
	}
	// Simulated trades are excluded from the realised total.
	if d := snap.TotalNetUSD - 0.9; d > 1e-9 || d < -1e-9 {
		t.Errorf("TotalNetUSD = %f, want 0.9", snap.TotalNetUSD)
	}
}

func TestBlacklistEndpoints(t *testing.T) {
	t.Parallel()
	p := newFakeProvider()
	srv, _ := newTestServer(t, p)

	var list struct {
		Entries []liquidity.Entry `json:"entries"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/blacklist", &list)
	if len(list.Entries) != 1 || !strings.Contains(list.Entries[0].Pair, "GSOL") {
		t.Fatalf("entries = %+v", list.Entries)
	}

	var reset map[string]int
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/blacklist", &reset); code != http.StatusOK {
		t.Fatalf("DELETE status = %d", code)
	}
	if reset["removed"] != 1 {
		t.Errorf("removed = %d, want 1", reset["removed"])
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/blacklist", &list)
	if len(list.Entries) != 0 {
		t.Errorf("entries after reset = %+v", list.Entries)
	}
}

func TestResetEndpoints(t *testing.T) {
	t.Parallel()
	p := newFakeProvider()
	srv, _ := newTestServer(t, p)

	var limits map[string]ratelimit.Status
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/limits/reset", &limits); code != http.StatusOK {
		t.Fatalf("limits reset status = %d", code)
	}
	if limits["quote"].TokensAvailable != 10 {
		t.Errorf("limits = %+v", limits)
	}

	var breakers []breaker.Snapshot
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/breakers/reset", &breakers); code != http.StatusOK {
		t.Fatalf("breakers reset status = %d", code)
	}
	if len(breakers) != 1 || breakers[0].State != "CLOSED" {
		t.Errorf("breakers = %+v", breakers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limitResets != 1 || p.breakerResets != 1 {
		t.Errorf("resets = %d/%d, want 1/1", p.limitResets, p.breakerResets)
	}
}

func TestRouterRejectsWrongMethod(t *testing.T) {
	t.Parallel()
	p := newFakeProvider()
	srv, _ := newTestServer(t, p)

	if code := doJSON(t, http.MethodGet, srv.URL+"/api/limits/reset", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/limits/reset = %d, want 405", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/blacklist", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/blacklist = %d, want 405", code)
	}
	if p.ResetDynamicBlacklist() != 1 {
		t.Error("rejected requests must not touch the blacklist")
	}
}

func TestWebSocketStreamsSnapshotThenEvents(t *testing.T) {
	t.Parallel()
	srv, hub := newTestServer(t, newFakeProvider())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first DashboardEvent
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != EventSnapshot {
		t.Fatalf("first event = %q, want snapshot", first.Type)
	}

	// The client registers with the hub before the handler returns, so a
	// broadcast issued now reaches it.
	hub.BroadcastEvent(DashboardEvent{
		Type:      EventTrade,
		Timestamp: time.Now(),
		Pair:      "GALA→GUSDC→GALA",
		Data:      NewTradeEvent(types.TradeRecord{ID: "t9", Status: types.TradeCompleted}),
	})

	var evt struct {
		Type string     `json:"type"`
		Pair string     `json:"pair"`
		Data TradeEvent `json:"data"`
	}
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read trade: %v", err)
	}
	if evt.Type != EventTrade || evt.Data.ID != "t9" || evt.Pair != "GALA→GUSDC→GALA" {
		t.Errorf("event = %+v", evt)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, newFakeProvider())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %+v, want 403", resp)
	}
}
