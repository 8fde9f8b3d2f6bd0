// Package exits evaluates open positions against the exit rules. Conditions
// are checked in strict priority order; the first match wins and the
// position is closed with a market order.
package exits

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
	"github.com/eddiefleurent/mifflin_scalper/internal/bus"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/retry"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
	"github.com/eddiefleurent/mifflin_scalper/internal/util"
)

// Config contains the exit engine's tunables.
type Config struct {
	CheckInterval             time.Duration
	ProfitTargetPercent       float64
	TrailingStopPercent       float64
	TrailingActivationPercent float64
	BreakevenTriggerPercent   float64
	MaxHoldMinutes            int
	ForceExitClock            string // "HH:MM" in Location
	ExitMaxSpreadPercent      float64
	Location                  *time.Location
}

// DefaultConfig is the default exit engine configuration.
var DefaultConfig = Config{
	CheckInterval:             10 * time.Second,
	ProfitTargetPercent:       40,
	TrailingStopPercent:       20,
	TrailingActivationPercent: 15,
	BreakevenTriggerPercent:   10,
	MaxHoldMinutes:            90,
	ForceExitClock:            "15:00",
	ExitMaxSpreadPercent:      30,
}

// Engine watches open trades and triggers exits.
type Engine struct {
	broker broker.Broker
	store  store.Interface
	locks  *store.TradeLocker
	quotes *stream.Cache
	bus    *bus.Bus
	logger *logrus.Logger
	config Config
	now    func() time.Time
}

// NewEngine creates an exit engine.
func NewEngine(b broker.Broker, st store.Interface, locks *store.TradeLocker,
	quotes *stream.Cache, eventBus *bus.Bus, logger *logrus.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig.CheckInterval
	}
	if cfg.ForceExitClock == "" {
		cfg.ForceExitClock = DefaultConfig.ForceExitClock
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		broker: b,
		store:  st,
		locks:  locks,
		quotes: quotes,
		bus:    eventBus,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// WithClock overrides the engine's clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run evaluates exits until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.CheckInterval)
	defer ticker.Stop()

	e.logger.WithField("interval", e.config.CheckInterval).Info("Exit engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Exit engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every open position once.
func (e *Engine) Tick(ctx context.Context) {
	trades, err := e.store.OpenTrades()
	if err != nil {
		e.logger.WithError(err).Error("Failed to list open trades")
		return
	}
	for i := range trades {
		if ctx.Err() != nil {
			return
		}
		trade := trades[i]
		// EXITING trades belong to the order manager.
		if trade.Status != models.StatusFilled && trade.Status != models.StatusStopLossPlaced {
			continue
		}
		e.evaluate(ctx, trade.ID)
	}
}

func (e *Engine) evaluate(ctx context.Context, tradeID uint) {
	unlock := e.locks.Lock(tradeID)
	defer unlock()

	trade, err := e.store.GetTrade(tradeID)
	if err != nil {
		e.logger.WithError(err).WithField("trade_id", tradeID).Error("Failed to load trade")
		return
	}
	if trade.Status != models.StatusFilled && trade.Status != models.StatusStopLossPlaced {
		return
	}

	quote, ok := e.currentQuote(ctx, trade.OptionSymbol)
	if !ok {
		return
	}
	price := quote.Last
	if quote.Bid > 0 && quote.Ask > 0 {
		price = quote.Mid()
	}
	if price <= 0 {
		return
	}

	e.track(trade, price)
	e.applyBreakeven(trade, price)

	reason, triggered := e.checkConditions(trade, price, quote)
	if !triggered {
		return
	}
	e.triggerExit(ctx, trade, reason, price)
}

func (e *Engine) currentQuote(ctx context.Context, symbol string) (stream.Quote, bool) {
	if quote, fresh := e.quotes.Get(symbol); fresh {
		return quote, true
	}
	bq, err := retry.Do(ctx, retry.DefaultConfig, "option quote",
		func(ctx context.Context) (*broker.EquityQuote, error) {
			return e.broker.EquityQuote(ctx, symbol)
		})
	if err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Warn("No price available for open position")
		return stream.Quote{}, false
	}
	return stream.Quote{
		Symbol:     symbol,
		Last:       bq.Last,
		Bid:        bq.Bid,
		Ask:        bq.Ask,
		ReceivedAt: e.now(),
	}, true
}

// track raises the high-water mark and the trailing stop; both only move up.
func (e *Engine) track(trade *models.Trade, price float64) {
	if price <= trade.HighestPriceSeen {
		return
	}
	trade.HighestPriceSeen = price
	trailing := util.RoundToTick(price*(1-e.config.TrailingStopPercent/100), 0.01)
	if trailing > trade.TrailingStopPrice {
		trade.TrailingStopPrice = trailing
	}
	if err := e.store.UpdateTrailing(trade.ID, trade.HighestPriceSeen, trade.TrailingStopPrice); err != nil {
		e.logger.WithError(err).WithField("trade_id", trade.ID).Warn("Failed to persist trailing update")
	}
}

// applyBreakeven moves the app-side stop to entry once the position has
// gained the trigger percentage. A working broker stop keeps its original
// price; the raised stop applies if that order ever dies.
func (e *Engine) applyBreakeven(trade *models.Trade, price float64) {
	if trade.BreakevenApplied || e.config.BreakevenTriggerPercent <= 0 || trade.EntryPrice <= 0 {
		return
	}
	gain := (price - trade.EntryPrice) / trade.EntryPrice * 100
	if gain < e.config.BreakevenTriggerPercent {
		return
	}
	stop := util.RoundToTick(trade.EntryPrice, 0.01)
	if err := e.store.SetBreakevenStop(trade.ID, stop); err != nil {
		e.logger.WithError(err).WithField("trade_id", trade.ID).Warn("Failed to set breakeven stop")
		return
	}
	trade.StopLossPrice = stop
	trade.BreakevenApplied = true
	e.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"stop":     stop,
	}).Info("Stop moved to breakeven")
}

// checkConditions applies the exit rules in priority order.
func (e *Engine) checkConditions(trade *models.Trade, price float64, quote stream.Quote) (models.ExitReason, bool) {
	now := e.now().In(e.config.Location)

	if forced, err := e.pastForceExit(now); err == nil && forced {
		return models.ExitTimeBased, true
	}

	if trade.EntryFilledAt != nil && e.config.MaxHoldMinutes > 0 {
		held := e.now().Sub(*trade.EntryFilledAt)
		if held >= time.Duration(e.config.MaxHoldMinutes)*time.Minute {
			return models.ExitMaxHoldTime, true
		}
	}

	// The app enforces the stop only while no broker stop is working.
	if !trade.StopActive && trade.StopLossPrice > 0 && price <= trade.StopLossPrice {
		return models.ExitStopLoss, true
	}

	if e.config.ProfitTargetPercent > 0 && trade.EntryPrice > 0 {
		target := trade.EntryPrice * (1 + e.config.ProfitTargetPercent/100)
		if price >= target {
			return models.ExitProfitTarget, true
		}
	}

	if e.trailingTriggered(trade, price, quote) {
		return models.ExitTrailingStop, true
	}

	return "", false
}

func (e *Engine) pastForceExit(local time.Time) (bool, error) {
	clock, err := time.ParseInLocation("15:04", e.config.ForceExitClock, e.config.Location)
	if err != nil {
		return false, err
	}
	cutoff := time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), 0, 0, e.config.Location)
	return !local.Before(cutoff), nil
}

// trailingTriggered fires once the position has activated (high-water mark
// reached the activation gain) and the price has pulled back through the
// trailing stop. A blown-out spread makes the mid unreliable, so the check
// is skipped until the market tightens.
func (e *Engine) trailingTriggered(trade *models.Trade, price float64, quote stream.Quote) bool {
	if e.config.TrailingStopPercent <= 0 || trade.EntryPrice <= 0 || trade.TrailingStopPrice <= 0 {
		return false
	}
	activation := trade.EntryPrice * (1 + e.config.TrailingActivationPercent/100)
	if trade.HighestPriceSeen < activation {
		return false
	}
	if quote.Bid > 0 && quote.Ask > 0 && quote.SpreadPercent() > e.config.ExitMaxSpreadPercent {
		e.logger.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"spread":   quote.SpreadPercent(),
		}).Debug("Spread too wide, skipping trailing stop check")
		return false
	}
	return price <= trade.TrailingStopPrice
}

// Close force-exits one trade, used for operator requests and close
// signals. The trade must still hold a position.
func (e *Engine) Close(ctx context.Context, tradeID uint, reason models.ExitReason) error {
	unlock := e.locks.Lock(tradeID)
	defer unlock()

	trade, err := e.store.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != models.StatusFilled && trade.Status != models.StatusStopLossPlaced {
		return fmt.Errorf("trade %d is %s, cannot close", tradeID, trade.Status)
	}
	e.triggerExit(ctx, trade, reason, 0)

	updated, err := e.store.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if updated.Status != models.StatusExiting {
		return fmt.Errorf("trade %d close did not start, status %s", tradeID, updated.Status)
	}
	return nil
}

// triggerExit cancels any working broker stop, places the market exit, and
// records the EXITING transition.
func (e *Engine) triggerExit(ctx context.Context, trade *models.Trade, reason models.ExitReason, price float64) {
	log := e.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"reason":   reason,
		"price":    price,
	})

	if trade.StopActive && trade.StopLossOrderID != "" {
		if _, err := retry.Do(ctx, retry.DefaultConfig, "cancel stop order",
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, e.broker.CancelOrder(ctx, trade.StopLossOrderID)
			}); err != nil {
			log.WithError(err).Warn("Failed to cancel stop order before exit")
		} else {
			if err := e.store.AppendEvent(&models.TradeEvent{
				TradeID: trade.ID,
				Type:    models.EventStopLossCancelled,
				Message: fmt.Sprintf("stop order %s cancelled before exit", trade.StopLossOrderID),
			}); err != nil {
				log.WithError(err).Warn("Failed to record stop cancel event")
			}
			if err := e.store.SetStopInactive(trade.ID); err != nil {
				log.WithError(err).Warn("Failed to deactivate stop")
			}
		}
	}

	orderID, err := retry.Do(ctx, retry.DefaultConfig, "place market exit",
		func(ctx context.Context) (string, error) {
			return e.broker.PlaceMarketExit(ctx, trade.OptionSymbol, trade.EntryQuantity)
		})
	if err != nil {
		log.WithError(err).Error("Failed to place market exit, trade marked ERROR")
		if merr := e.store.MarkTradeError(trade.ID,
			fmt.Sprintf("market exit placement failed: %v", err)); merr != nil {
			log.WithError(merr).Error("Failed to mark trade error")
		}
		return
	}

	if _, err := e.store.RecordExitTrigger(trade.ID, reason, orderID); err != nil {
		log.WithError(err).WithField("order_id", orderID).Error("Failed to record exit trigger")
		return
	}
	log.WithField("order_id", orderID).Info("Exit triggered")
}
