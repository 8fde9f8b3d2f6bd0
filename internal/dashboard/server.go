// Package dashboard serves the engine's HTTP surface: the signal webhook,
// the admin JSON API, and a websocket event stream.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/bus"
	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/exits"
	"github.com/eddiefleurent/mifflin_scalper/internal/pipeline"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
)

// StrategyRefresher rebuilds strategy workers after an admin change.
type StrategyRefresher interface {
	Refresh(ctx context.Context)
}

// Server is the HTTP front of the engine.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	cfg        *config.Config
	store      store.Interface
	pipeline   *pipeline.Pipeline
	exits      *exits.Engine
	overrides  *config.Overrides
	bus        *bus.Bus
	strategies StrategyRefresher
	logger     *logrus.Logger
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, st store.Interface, pipe *pipeline.Pipeline,
	exitEngine *exits.Engine, overrides *config.Overrides, eventBus *bus.Bus,
	strategies StrategyRefresher, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:     chi.NewRouter(),
		cfg:        cfg,
		store:      st,
		pipeline:   pipe,
		exits:      exitEngine,
		overrides:  overrides,
		bus:        eventBus,
		strategies: strategies,
		logger:     logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/webhook", s.handleWebhook)

	s.router.Group(func(r chi.Router) {
		if s.cfg.Server.AdminToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/api/trades", s.handleListTrades)
		r.Get("/api/trades/{id}", s.handleGetTrade)
		r.Get("/api/trades/{id}/events", s.handleTradeEvents)
		r.Post("/api/trades/{id}/close", s.handleCloseTrade)
		r.Get("/api/summary", s.handleSummary)
		r.Get("/api/strategies", s.handleListStrategies)
		r.Post("/api/strategies", s.handleEnableStrategy)
		r.Delete("/api/strategies", s.handleDisableStrategy)
		r.Get("/api/favorites", s.handleListFavorites)
		r.Post("/api/favorites", s.handleSaveFavorite)
		r.Delete("/api/favorites/{id}", s.handleDeleteFavorite)
		r.Get("/api/overrides", s.handleGetOverrides)
		r.Post("/api/overrides", s.handleSetOverrides)
		r.Get("/ws", s.handleWebsocket)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.Server.AdminToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the context is cancelled, then drains with a timeout.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Server.ListenAddr).Info("HTTP server started")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("HTTP server shutdown failed")
		}
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
