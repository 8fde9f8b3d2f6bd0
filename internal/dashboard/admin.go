package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
)

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	trades, err := s.store.ListTrades(limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		s.writeError(w, http.StatusInternalServerError, "listing trades failed")
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) tradeID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trade id")
		return 0, false
	}
	return uint(id), true
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tradeID(w, r)
	if !ok {
		return
	}
	trade, err := s.store.GetTrade(id)
	if err == store.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trade")
		s.writeError(w, http.StatusInternalServerError, "loading trade failed")
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleTradeEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tradeID(w, r)
	if !ok {
		return
	}
	events, err := s.store.TradeEvents(id)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trade events")
		s.writeError(w, http.StatusInternalServerError, "loading events failed")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tradeID(w, r)
	if !ok {
		return
	}
	if err := s.exits.Close(r.Context(), id, models.ExitManual); err != nil {
		s.logger.WithError(err).WithField("trade_id", id).Error("Manual close failed")
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"trade_id": id, "status": "exiting"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	loc, err := s.cfg.Location()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "timezone unavailable")
		return
	}
	day := models.SessionDate(time.Now(), loc)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	summary, err := s.store.GetDailySummary(day)
	if err == store.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "no summary for that date")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load summary")
		s.writeError(w, http.StatusInternalServerError, "loading summary failed")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	strategies, err := s.store.ListEnabledStrategies()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list strategies")
		s.writeError(w, http.StatusInternalServerError, "listing strategies failed")
		return
	}
	s.writeJSON(w, http.StatusOK, strategies)
}

type strategyRequest struct {
	Ticker     string `json:"ticker"`
	Timeframe  string `json:"timeframe"`
	SignalType string `json:"signal_type"`
	Params     string `json:"params"`
}

func (s *Server) handleEnableStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if req.Ticker == "" || req.Timeframe == "" || req.SignalType == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "ticker, timeframe, and signal_type are required")
		return
	}
	es := &models.EnabledStrategy{
		Ticker:     req.Ticker,
		Timeframe:  req.Timeframe,
		SignalType: req.SignalType,
		Params:     req.Params,
		EnabledAt:  time.Now().UTC(),
	}
	if err := s.store.EnableStrategy(es); err != nil {
		s.logger.WithError(err).Error("Failed to enable strategy")
		s.writeError(w, http.StatusInternalServerError, "enabling strategy failed")
		return
	}
	if s.strategies != nil {
		s.strategies.Refresh(r.Context())
	}
	s.writeJSON(w, http.StatusCreated, es)
}

func (s *Server) handleDisableStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if err := s.store.DisableStrategy(req.Ticker, req.Timeframe, req.SignalType); err != nil {
		s.logger.WithError(err).Error("Failed to disable strategy")
		s.writeError(w, http.StatusInternalServerError, "disabling strategy failed")
		return
	}
	if s.strategies != nil {
		s.strategies.Refresh(r.Context())
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleListFavorites(w http.ResponseWriter, _ *http.Request) {
	favorites, err := s.store.ListFavorites()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list favorites")
		s.writeError(w, http.StatusInternalServerError, "listing favorites failed")
		return
	}
	s.writeJSON(w, http.StatusOK, favorites)
}

func (s *Server) handleSaveFavorite(w http.ResponseWriter, r *http.Request) {
	var fav models.Favorite
	if err := json.NewDecoder(r.Body).Decode(&fav); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if fav.Name == "" || fav.Ticker == "" || fav.SignalType == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "name, ticker, and signal_type are required")
		return
	}
	if err := s.store.SaveFavorite(&fav); err != nil {
		s.logger.WithError(err).Error("Failed to save favorite")
		s.writeError(w, http.StatusInternalServerError, "saving favorite failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, fav)
}

func (s *Server) handleDeleteFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid favorite id")
		return
	}
	if err := s.store.DeleteFavorite(uint(id)); err != nil {
		s.logger.WithError(err).Error("Failed to delete favorite")
		s.writeError(w, http.StatusInternalServerError, "deleting favorite failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type overridesRequest struct {
	BypassEntryWindow *bool `json:"bypass_entry_window"`
	HaltEntries       *bool `json:"halt_entries"`
}

func (s *Server) handleGetOverrides(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"bypass_entry_window": s.overrides.BypassEntryWindow(),
		"halt_entries":        s.overrides.HaltEntries(),
	})
}

func (s *Server) handleSetOverrides(w http.ResponseWriter, r *http.Request) {
	var req overridesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if req.BypassEntryWindow != nil {
		s.overrides.SetBypassEntryWindow(*req.BypassEntryWindow)
	}
	if req.HaltEntries != nil {
		s.overrides.SetHaltEntries(*req.HaltEntries)
	}
	s.handleGetOverrides(w, r)
}
