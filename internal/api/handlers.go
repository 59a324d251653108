package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"galaswap-bot/internal/config"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider Provider
	cfg      config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(provider Provider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Dashboard, r.Host)
		},
	}
	return h
}

// isOriginAllowed admits requests without an Origin header (curl, scripts).
// With no allowlist configured only localhost and same-host origins pass.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		return slices.Contains(cfg.AllowedOrigins, origin)
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if u.Host == reqHost {
		return true
	}
	host, _, err := net.SplitHostPort(reqHost)
	return err == nil && host == u.Hostname() && u.Port() == ""
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.provider.RiskSnapshot().KillSwitchActive {
		status = "halted"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"dry_run": h.cfg.DryRun,
	})
}

// HandleSnapshot returns the current dashboard state
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, BuildSnapshot(h.provider, h.cfg))
}

// HandleBlacklist lists the dynamically learned pairs
func (h *Handlers) HandleBlacklist(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"entries":    h.provider.DynamicBlacklist(),
		"statistics": h.provider.LiquidityStatistics(),
	})
}

// HandleResetBlacklist clears the dynamic blacklist
func (h *Handlers) HandleResetBlacklist(w http.ResponseWriter, r *http.Request) {
	removed := h.provider.ResetDynamicBlacklist()
	h.logger.Info("dynamic blacklist reset via dashboard", "removed", removed, "remote", r.RemoteAddr)
	h.hub.BroadcastEvent(DashboardEvent{
		Type:      EventBlacklist,
		Timestamp: time.Now(),
		Data:      BlacklistEvent{Action: "reset", Entries: removed},
	})
	h.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// HandleResetLimits empties every rate limiter
func (h *Handlers) HandleResetLimits(w http.ResponseWriter, r *http.Request) {
	h.provider.ResetRateLimits()
	h.logger.Info("rate limiters reset via dashboard", "remote", r.RemoteAddr)
	h.writeJSON(w, http.StatusOK, h.provider.RateLimitStatus())
}

// HandleResetBreakers closes every circuit breaker
func (h *Handlers) HandleResetBreakers(w http.ResponseWriter, r *http.Request) {
	h.provider.ResetBreakers()
	h.logger.Info("circuit breakers reset via dashboard", "remote", r.RemoteAddr)
	h.writeJSON(w, http.StatusOK, h.provider.BreakerSnapshots())
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Send initial snapshot to the client
	evt := DashboardEvent{
		Type:      EventSnapshot,
		Timestamp: time.Now(),
		Data:      BuildSnapshot(h.provider, h.cfg),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		conn.Close()
		return
	}
	NewClient(h.hub, conn, data)
}
