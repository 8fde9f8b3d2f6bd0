package dashboard

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/eddiefleurent/mifflin_scalper/internal/pipeline"
)

// webhookPayload is the inbound signal body.
type webhookPayload struct {
	Secret string  `json:"secret"`
	Ticker string  `json:"ticker"`
	Action string  `json:"action"`
	Price  float64 `json:"price"`
}

// handleWebhook admits an external signal. Malformed JSON is 400, missing
// fields are 422, a bad secret is 401, and pipeline errors are 500;
// accepted and rejected signals both return 200 with the outcome.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	action := strings.ToUpper(strings.TrimSpace(payload.Action))
	switch {
	case strings.TrimSpace(payload.Ticker) == "":
		s.writeError(w, http.StatusUnprocessableEntity, "ticker is required")
		return
	case action != pipeline.ActionCall && action != pipeline.ActionPut && action != pipeline.ActionClose:
		s.writeError(w, http.StatusUnprocessableEntity, "action must be CALL, PUT, or CLOSE")
		return
	}

	if subtle.ConstantTimeCompare([]byte(payload.Secret), []byte(s.cfg.Server.WebhookSecret)) != 1 {
		s.writeError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"ticker": payload.Ticker,
		"action": action,
		"price":  payload.Price,
	})
	outcome := s.pipeline.Process(r.Context(), pipeline.Request{
		Ticker:     payload.Ticker,
		Action:     action,
		Price:      payload.Price,
		Source:     "webhook",
		RawPayload: string(raw),
	})

	// Responses carry {status, message, trade_id}; message holds the
	// rejection reason code when one applies, free-form detail otherwise.
	message := outcome.Detail
	if outcome.Reason != "" {
		message = string(outcome.Reason)
	}
	switch outcome.Kind {
	case pipeline.Errored:
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status":   string(outcome.Kind),
			"message":  message,
			"alert_id": outcome.AlertID,
		})
	default:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   string(outcome.Kind),
			"message":  message,
			"alert_id": outcome.AlertID,
			"trade_id": outcome.TradeID,
		})
	}
}
