package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"galaswap-bot/internal/config"
)

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      config.DashboardConfig
	provider Provider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(provider Provider, fullCfg config.Config, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", fullCfg.Dashboard.Port),
		Handler:      NewRouter(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      fullCfg.Dashboard,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// NewRouter registers every dashboard route
func NewRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/snapshot", h.HandleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/blacklist", h.HandleBlacklist).Methods(http.MethodGet)
	api.HandleFunc("/blacklist", h.HandleResetBlacklist).Methods(http.MethodDelete)
	api.HandleFunc("/limits/reset", h.HandleResetLimits).Methods(http.MethodPost)
	api.HandleFunc("/breakers/reset", h.HandleResetBreakers).Methods(http.MethodPost)

	return r
}

// Start starts the API server and hub. It blocks until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.consumeEvents(ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents reads events from the engine and broadcasts them
func (s *Server) consumeEvents(ctx context.Context) {
	eventsCh := s.provider.DashboardEvents()
	if eventsCh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-eventsCh:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
