// Package pipeline runs signal admission: persist the alert, apply the risk
// gate, pick a contract, size the position, and place the entry order. One
// pipeline instance serializes all admissions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/bars"
	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
	"github.com/eddiefleurent/mifflin_scalper/internal/bus"
	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/exits"
	"github.com/eddiefleurent/mifflin_scalper/internal/indicators"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/retry"
	"github.com/eddiefleurent/mifflin_scalper/internal/risk"
	"github.com/eddiefleurent/mifflin_scalper/internal/selector"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/strategy"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
	"github.com/eddiefleurent/mifflin_scalper/internal/util"
)

// Request actions.
const (
	ActionCall  = "CALL"
	ActionPut   = "PUT"
	ActionClose = "CLOSE"
)

// Request is one inbound signal, external or internal.
type Request struct {
	Ticker     string
	Action     string
	Price      float64
	Source     string // "webhook" or "strategy:<signal_type>"
	RawPayload string
	// Confluence carries scoring from internal signals; nil for webhooks.
	Confluence *strategy.Signal
}

// OutcomeKind classifies the admission result.
type OutcomeKind string

// Admission outcomes.
const (
	Accepted OutcomeKind = "accepted"
	Rejected OutcomeKind = "rejected"
	Errored  OutcomeKind = "errored"
)

// Outcome is the pipeline's result for one request.
type Outcome struct {
	Kind    OutcomeKind
	Reason  risk.Reason
	Detail  string
	AlertID uint
	TradeID uint
}

// Pipeline wires the admission stages together.
type Pipeline struct {
	mu       sync.Mutex
	cfg      *config.Config
	store    store.Interface
	gate     *risk.Gate
	selector *selector.Selector
	broker   broker.Broker
	quotes   *stream.Cache
	bars     *bars.Aggregator
	exits    *exits.Engine
	bus      *bus.Bus
	logger   *logrus.Logger
	loc      *time.Location
	now      func() time.Time
}

// New creates an admission pipeline.
func New(cfg *config.Config, st store.Interface, gate *risk.Gate, sel *selector.Selector,
	b broker.Broker, quotes *stream.Cache, agg *bars.Aggregator, exitEngine *exits.Engine,
	eventBus *bus.Bus, logger *logrus.Logger, loc *time.Location) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		gate:     gate,
		selector: sel,
		broker:   b,
		quotes:   quotes,
		bars:     agg,
		exits:    exitEngine,
		bus:      eventBus,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}
}

// WithClock overrides the pipeline's clock for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Process admits one signal end to end. Requests are serialized so the
// one-position rule cannot race.
func (p *Pipeline) Process(ctx context.Context, req Request) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	action := strings.ToUpper(strings.TrimSpace(req.Action))

	alert := &models.Alert{
		ReceivedAt:  p.now().UTC(),
		RawPayload:  req.RawPayload,
		Ticker:      ticker,
		SignalPrice: req.Price,
		Source:      req.Source,
		Status:      models.AlertReceived,
	}
	if action == ActionCall {
		alert.Direction = models.DirectionCall
	} else if action == ActionPut {
		alert.Direction = models.DirectionPut
	}
	if err := p.store.CreateAlert(alert); err != nil {
		p.logger.WithError(err).Error("Failed to persist alert")
		return Outcome{Kind: Errored, Detail: "persisting alert failed"}
	}
	p.publish(bus.EventAlertReceived, alert)

	log := p.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"ticker":   ticker,
		"action":   action,
		"source":   req.Source,
	})

	if action == ActionClose {
		return p.processClose(ctx, alert, log)
	}
	if alert.Direction == "" {
		p.rejectQuiet(alert.ID, "unknown action "+req.Action, log)
		return Outcome{Kind: Rejected, Detail: "unknown action", AlertID: alert.ID}
	}

	if out, done := p.maybeReverseClose(ctx, alert, log); done {
		return out
	}

	decision, err := p.gate.Check(alert)
	if err != nil {
		log.WithError(err).Error("Risk gate errored")
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}
	}
	if !decision.Allowed {
		log.WithFields(logrus.Fields{
			"reason": decision.Reason,
			"detail": decision.Detail,
		}).Info("Signal rejected by risk gate")
		p.rejectQuiet(alert.ID, fmt.Sprintf("%s: %s", decision.Reason, decision.Detail), log)
		return Outcome{Kind: Rejected, Reason: decision.Reason, Detail: decision.Detail, AlertID: alert.ID}
	}

	return p.enter(ctx, alert, req, log)
}

// enter runs selection, sizing, and order placement for an admitted signal.
func (p *Pipeline) enter(ctx context.Context, alert *models.Alert, req Request, log *logrus.Entry) Outcome {
	underlyingPrice, err := p.underlyingPrice(ctx, alert.Ticker)
	if err != nil {
		log.WithError(err).Error("No underlying price")
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}
	}

	sel, err := p.selector.Select(ctx, alert.Ticker, alert.Direction, underlyingPrice)
	if err != nil {
		if errors.Is(err, selector.ErrNoLiquidContract) {
			p.rejectQuiet(alert.ID, err.Error(), log)
			return Outcome{Kind: Rejected, Detail: err.Error(), AlertID: alert.ID}
		}
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}
	}

	atr := p.atrAtEntry(ctx, alert.Ticker)
	quantity := p.sizePosition(req.Confluence, atr)
	limitPrice := p.entryLimitPrice(req, sel)

	orderID, err := retry.Do(ctx, retry.DefaultConfig, "place entry order",
		func(ctx context.Context) (string, error) {
			return p.broker.PlaceLimitEntry(ctx, sel.OptionSymbol, quantity, limitPrice)
		})
	if err != nil {
		log.WithError(err).Error("Entry order placement failed")
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}
	}

	trade := &models.Trade{
		TradeDate:      models.SessionDate(p.now(), p.loc),
		Direction:      alert.Direction,
		OptionSymbol:   sel.OptionSymbol,
		StrikePrice:    sel.Strike,
		ExpirationDate: sel.Expiration,
		EntryOrderID:   orderID,
		EntryQuantity:  quantity,
		ATRAtEntry:     atr,
		Source:         alert.Source,
	}
	detail := fmt.Sprintf("delta %.2f spread %.1f%% limit %.2f", sel.Delta, sel.SpreadPercent, limitPrice)
	if err := p.store.PromoteAlertToTrade(alert.ID, trade, detail); err != nil {
		log.WithError(err).Error("Failed to promote alert to trade")
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}
	}
	if err := p.store.AppendEvent(&models.TradeEvent{
		TradeID: trade.ID,
		Type:    models.EventContractSelected,
		Message: fmt.Sprintf("selected %s: %s", sel.OptionSymbol, detail),
	}); err != nil {
		log.WithError(err).Warn("Failed to record contract selection event")
	}

	p.quotes.Subscribe(alert.Ticker)
	p.quotes.Subscribe(sel.OptionSymbol)

	log.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   sel.OptionSymbol,
		"quantity": quantity,
		"limit":    limitPrice,
	}).Info("Trade created")
	p.publish(bus.EventTradeCreated, trade)
	return Outcome{Kind: Accepted, AlertID: alert.ID, TradeID: trade.ID}
}

// processClose handles an explicit close signal against the open position.
func (p *Pipeline) processClose(ctx context.Context, alert *models.Alert, log *logrus.Entry) Outcome {
	open, err := p.store.LatestOpenTrade()
	if err == store.ErrNotFound {
		p.rejectQuiet(alert.ID, "no open position to close", log)
		return Outcome{Kind: Rejected, Detail: "no open position", AlertID: alert.ID}
	}
	if err != nil {
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}
	}

	if err := p.exits.Close(ctx, open.ID, models.ExitSignal); err != nil {
		log.WithError(err).Error("Close signal failed")
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}
	}

	if err := p.store.AppendEvent(&models.TradeEvent{
		TradeID: open.ID,
		Type:    models.EventCloseSignal,
		Message: fmt.Sprintf("close signal from %s", alert.Source),
	}); err != nil {
		log.WithError(err).Warn("Failed to record close signal event")
	}
	if err := p.store.MarkAlertProcessed(alert.ID, open.ID); err != nil {
		log.WithError(err).Warn("Failed to mark close alert processed")
	}
	log.WithField("trade_id", open.ID).Info("Close signal accepted")
	return Outcome{Kind: Accepted, AlertID: alert.ID, TradeID: open.ID}
}

// maybeReverseClose exits an open position in the opposite direction before
// the gate sees the new signal. The new entry is still rejected this cycle;
// the closed position frees the slot for the next signal.
func (p *Pipeline) maybeReverseClose(ctx context.Context, alert *models.Alert, log *logrus.Entry) (Outcome, bool) {
	if !p.cfg.Trading.ReverseCloseOnSignal {
		return Outcome{}, false
	}
	open, err := p.store.LatestOpenTrade()
	if err == store.ErrNotFound {
		return Outcome{}, false
	}
	if err != nil {
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}, true
	}
	if open.Direction == alert.Direction || !strings.HasPrefix(open.OptionSymbol, alert.Ticker) {
		return Outcome{}, false
	}

	log.WithField("trade_id", open.ID).Info("Opposite signal, closing open position")
	if err := p.exits.Close(ctx, open.ID, models.ExitSignal); err != nil {
		log.WithError(err).Error("Reverse close failed")
		p.errorQuiet(alert.ID, err.Error(), log)
		return Outcome{Kind: Errored, Detail: err.Error(), AlertID: alert.ID}, true
	}
	detail := fmt.Sprintf("reverse close of trade %d triggered", open.ID)
	p.rejectQuiet(alert.ID, string(risk.ReasonOpenPositionExists)+": "+detail, log)
	return Outcome{Kind: Rejected, Reason: risk.ReasonOpenPositionExists, Detail: detail, AlertID: alert.ID}, true
}

func (p *Pipeline) underlyingPrice(ctx context.Context, ticker string) (float64, error) {
	if quote, fresh := p.quotes.Get(ticker); fresh && quote.Last > 0 {
		return quote.Last, nil
	}
	quote, err := retry.Do(ctx, retry.DefaultConfig, "underlying quote",
		func(ctx context.Context) (*broker.EquityQuote, error) {
			return p.broker.EquityQuote(ctx, ticker)
		})
	if err != nil {
		return 0, fmt.Errorf("quoting %s: %w", ticker, err)
	}
	if quote.Last <= 0 {
		return 0, fmt.Errorf("quoting %s: empty quote", ticker)
	}
	return quote.Last, nil
}

// atrAtEntry computes the underlying's minute-bar ATR, preferring the live
// aggregator and backfilling from broker history. Zero means unavailable.
func (p *Pipeline) atrAtEntry(ctx context.Context, ticker string) float64 {
	period := p.cfg.Trading.ATRPeriod
	if series := p.bars.LastBars(ticker, 1, period+1); len(series) >= period+1 {
		if atr, ok := indicators.ATR(series, period); ok {
			return atr
		}
	}

	end := p.now()
	start := end.Add(-time.Duration(3*(period+1)) * time.Minute)
	series, err := p.broker.PriceHistory(ctx, ticker, 1, start, end)
	if err != nil {
		p.logger.WithError(err).WithField("ticker", ticker).Warn("ATR backfill failed")
		return 0
	}
	if atr, ok := indicators.ATR(series, period); ok {
		return atr
	}
	return 0
}

// sizePosition applies confluence scaling to the default quantity, then
// caps the size by the configured dollar risk per trade.
func (p *Pipeline) sizePosition(sig *strategy.Signal, atr float64) int {
	quantity := p.cfg.Trading.DefaultQuantity

	if sig != nil && sig.ConfluenceScore > 0 {
		switch {
		case sig.ConfluenceScore >= p.cfg.Sizing.DoubleMinScore &&
			sig.RelVolume >= p.cfg.Sizing.DoubleMinRelVol:
			quantity *= 2
		case sig.ConfluenceScore <= p.cfg.Sizing.HalfMaxScore:
			quantity = quantity / 2
			if quantity < 1 {
				quantity = 1
			}
		}
	}

	maxRisk := p.cfg.Risk.MaxRiskPerTrade
	if maxRisk > 0 && atr > 0 {
		riskPerContract := p.cfg.Trading.ATRStopMult * atr * 100
		if riskPerContract > 0 {
			capped := int(maxRisk / riskPerContract)
			if capped < 1 {
				capped = 1
			}
			if quantity > capped {
				quantity = capped
			}
		}
	}
	return quantity
}

// entryLimitPrice prices webhook entries at the ask for immediacy; internal
// signals shade the limit below the mid.
func (p *Pipeline) entryLimitPrice(req Request, sel *selector.Selection) float64 {
	if req.Source == "webhook" || p.cfg.Trading.EntryLimitBelowMidPercent <= 0 {
		return util.RoundToTick(sel.Ask, 0.01)
	}
	mid := (sel.Bid + sel.Ask) / 2
	limit := mid * (1 - p.cfg.Trading.EntryLimitBelowMidPercent/100)
	if limit < 0.05 {
		limit = 0.05
	}
	return util.RoundToTick(limit, 0.01)
}

func (p *Pipeline) rejectQuiet(alertID uint, reason string, log *logrus.Entry) {
	if err := p.store.RejectAlert(alertID, reason); err != nil {
		log.WithError(err).Warn("Failed to mark alert rejected")
	}
}

func (p *Pipeline) errorQuiet(alertID uint, reason string, log *logrus.Entry) {
	if err := p.store.MarkAlertError(alertID, reason); err != nil {
		log.WithError(err).Warn("Failed to mark alert errored")
	}
}

func (p *Pipeline) publish(name string, payload interface{}) {
	if p.bus != nil {
		p.bus.Publish(name, payload)
	}
}
