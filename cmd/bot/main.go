// GalaSwap Bot is a round-trip arbitrage bot for GalaSwap V3 built on a
// resilient API-access layer.
//
// Architecture:
//
//	main.go               entry point: loads .env and config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      orchestrator: wires the resilience layer, client, strategy and risk manager
//	ratelimit/            per-endpoint token buckets with a trailing-window check
//	retry/                exponential backoff presets and error classification
//	breaker/              per-operation circuit breakers (closed → open → half-open)
//	liquidity/filter.go   pair pre-flight filter with static and learned blacklists
//	gasbid/engine.go      gas bid sizing from profit, competition, volatility and time pressure
//	exchange/client.go    REST client for quotes, prices, pools, swaps and transaction status
//	exchange/auth.go      secp256k1 signing of swap payloads
//	exchange/ws.go        bundle event feed with auto-reconnect
//	strategy/arbitrage.go BASE → quote → BASE round trips priced with a gas bid
//	risk/manager.go       trade size, daily loss and failure-streak limits (kill switch)
//	store/store.go        JSON trade journal and persisted blacklist
//	api/                  dashboard HTTP + WebSocket server
//
// How it makes money:
//
//	Each cycle the bot quotes GALA into every quote token and back. When a
//	round trip returns more GALA than it spent, worth more than the gas bid
//	plus the configured minimum profit, it executes both legs with a
//	slippage-bounded minimum output.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"galaswap-bot/internal/api"
	"galaswap-bot/internal/config"
	"galaswap-bot/internal/engine"
)

func main() {
	// Secrets usually live in .env; a missing file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GSWAP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start dashboard API server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: swaps are quoted and simulated, nothing is submitted")
	}

	logger.Info("galaswap arbitrage bot started",
		"base", cfg.Strategy.BaseToken,
		"quotes", cfg.Strategy.QuoteTokens,
		"trade_size", cfg.Strategy.TradeSize,
		"min_profit_usd", cfg.Strategy.MinProfitUSD,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	cancel()

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
