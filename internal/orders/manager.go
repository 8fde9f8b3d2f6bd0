// Package orders reconciles working orders against the broker. A single
// polling loop advances PENDING entries, broker stop orders, and EXITING
// market orders through the trade state machine.
package orders

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
	"github.com/eddiefleurent/mifflin_scalper/internal/util"
)

// minStopPrice is the floor for computed stop prices; option premiums
// cannot stop below a nickel.
const minStopPrice = 0.05

// Config contains the order manager's tunables.
type Config struct {
	PollInterval      time.Duration
	EntryLimitTimeout time.Duration
	StopLossPercent   float64
	ATRStopMult       float64
	MaxTradesPerTick  int
}

// DefaultConfig is the default order manager configuration.
var DefaultConfig = Config{
	PollInterval:      5 * time.Second,
	EntryLimitTimeout: 60 * time.Second,
	StopLossPercent:   60,
	ATRStopMult:       2.0,
	MaxTradesPerTick:  64,
}

// Manager polls working orders and applies fills, cancels, and timeouts.
type Manager struct {
	broker broker.Broker
	store  store.Interface
	locks  *store.TradeLocker
	bus    *bus.Bus
	logger *logrus.Logger
	config Config
	now    func() time.Time
	rotate int
}

// NewManager creates an order manager.
func NewManager(b broker.Broker, st store.Interface, locks *store.TradeLocker,
	eventBus *bus.Bus, logger *logrus.Logger, cfg Config) *Manager {
	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if st == nil {
		panic("orders.NewManager: store must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.EntryLimitTimeout <= 0 {
		cfg.EntryLimitTimeout = DefaultConfig.EntryLimitTimeout
	}
	if cfg.StopLossPercent <= 0 {
		cfg.StopLossPercent = DefaultConfig.StopLossPercent
	}
	if cfg.ATRStopMult <= 0 {
		cfg.ATRStopMult = DefaultConfig.ATRStopMult
	}
	if cfg.MaxTradesPerTick <= 0 {
		cfg.MaxTradesPerTick = DefaultConfig.MaxTradesPerTick
	}
	return &Manager{
		broker: b,
		store:  st,
		locks:  locks,
		bus:    eventBus,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// WithClock overrides the manager's clock for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Run polls until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.config.PollInterval).Info("Order manager started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Order manager stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass over active trades. When more trades
// are active than the per-tick cap, the scan offset rotates so every trade
// is eventually visited.
func (m *Manager) Tick(ctx context.Context) {
	trades, err := m.store.ActiveTrades()
	if err != nil {
		m.logger.WithError(err).Error("Failed to list active trades")
		return
	}
	if len(trades) == 0 {
		return
	}

	n := len(trades)
	limit := m.config.MaxTradesPerTick
	if limit > n {
		limit = n
	}
	start := m.rotate % n
	m.rotate = (start + limit) % n

	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return
		}
		trade := trades[(start+i)%n]
		m.reconcile(ctx, trade.ID)
	}
}

func (m *Manager) reconcile(ctx context.Context, tradeID uint) {
	unlock := m.locks.Lock(tradeID)
	defer unlock()

	trade, err := m.store.GetTrade(tradeID)
	if err != nil {
		m.logger.WithError(err).WithField("trade_id", tradeID).Error("Failed to load trade")
		return
	}

	switch trade.Status {
	case models.StatusPending:
		m.reconcilePending(ctx, trade)
	case models.StatusStopLossPlaced:
		if trade.StopActive {
			m.reconcileStop(ctx, trade)
		}
	case models.StatusExiting:
		m.reconcileExiting(ctx, trade)
	}
}

// reconcilePending handles the entry order: fill, broker-side cancel, or
// limit timeout.
func (m *Manager) reconcilePending(ctx context.Context, trade *models.Trade) {
	log := m.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"order_id": trade.EntryOrderID,
	})

	status, err := retry.Do(ctx, retry.DefaultConfig, "entry order status",
		func(ctx context.Context) (*broker.OrderStatus, error) {
			return m.broker.OrderStatus(ctx, trade.EntryOrderID)
		})
	if err != nil {
		log.WithError(err).Warn("Entry order status unavailable")
		return
	}

	switch status.State {
	case broker.OrderFilled:
		filledAt := status.FilledAt
		if filledAt.IsZero() {
			filledAt = m.now()
		}
		updated, err := m.store.RecordEntryFill(trade.ID, status.FilledPrice, filledAt)
		if err != nil {
			log.WithError(err).Error("Failed to record entry fill")
			return
		}
		log.WithField("price", status.FilledPrice).Info("Entry filled")
		m.publish(bus.EventTradeFilled, updated)
		m.placeStop(ctx, updated)

	case broker.OrderCancelled, broker.OrderRejected, broker.OrderExpired:
		if _, err := m.store.CancelPending(trade.ID, string(status.State)); err != nil {
			log.WithError(err).Error("Failed to cancel trade after broker terminal state")
			return
		}
		log.WithField("state", status.State).Info("Entry order terminated by broker")
		m.publish(bus.EventTradeCancelled, trade)

	case broker.OrderWorking:
		if m.now().Sub(trade.CreatedAt) < m.config.EntryLimitTimeout {
			return
		}
		m.cancelTimedOutEntry(ctx, trade, log)
	}
}

func (m *Manager) cancelTimedOutEntry(ctx context.Context, trade *models.Trade, log *logrus.Entry) {
	if _, err := retry.Do(ctx, retry.DefaultConfig, "cancel entry order",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.broker.CancelOrder(ctx, trade.EntryOrderID)
		}); err != nil {
		log.WithError(err).Error("Failed to cancel timed-out entry order")
		return
	}

	if err := m.store.AppendEvent(&models.TradeEvent{
		TradeID: trade.ID,
		Type:    models.EventEntryLimitTimeout,
		Message: fmt.Sprintf("entry limit unfilled after %s, cancelling", m.config.EntryLimitTimeout),
	}); err != nil {
		log.WithError(err).Warn("Failed to record limit timeout event")
	}
	if _, err := m.store.CancelPending(trade.ID, "LIMIT_TIMEOUT"); err != nil {
		log.WithError(err).Error("Failed to cancel trade after limit timeout")
		return
	}
	log.Info("Entry order cancelled after limit timeout")
	m.publish(bus.EventTradeCancelled, trade)
}

// placeStop computes the stop price and submits a broker stop order. A
// broker rejection still advances the trade; the exit engine then enforces
// the stop price itself.
func (m *Manager) placeStop(ctx context.Context, trade *models.Trade) {
	stopPrice := m.StopPrice(trade)
	log := m.logger.WithFields(logrus.Fields{
		"trade_id":   trade.ID,
		"stop_price": stopPrice,
	})

	orderID, err := retry.Do(ctx, retry.DefaultConfig, "place stop order",
		func(ctx context.Context) (string, error) {
			return m.broker.PlaceStopExit(ctx, trade.OptionSymbol, trade.EntryQuantity, stopPrice)
		})
	if err != nil {
		log.WithError(err).Warn("Broker rejected stop order, falling back to app-managed stop")
		if _, err := m.store.RecordStopPlacement(trade.ID, "", stopPrice, false); err != nil {
			log.WithError(err).Error("Failed to record app-managed stop")
		}
		return
	}

	if _, err := m.store.RecordStopPlacement(trade.ID, orderID, stopPrice, true); err != nil {
		log.WithError(err).WithField("order_id", orderID).Error("Failed to record stop placement")
		return
	}
	log.WithField("order_id", orderID).Info("Stop-loss order placed")
}

// StopPrice derives the stop from ATR at entry when available, otherwise
// from the configured percentage, floored at minStopPrice.
func (m *Manager) StopPrice(trade *models.Trade) float64 {
	var stop float64
	if trade.ATRAtEntry > 0 {
		stop = trade.EntryPrice - m.config.ATRStopMult*trade.ATRAtEntry
	} else {
		stop = trade.EntryPrice * (1 - m.config.StopLossPercent/100)
	}
	if stop < minStopPrice {
		stop = minStopPrice
	}
	return util.RoundToTick(stop, 0.01)
}

// reconcileStop watches the broker stop order while it is believed working.
func (m *Manager) reconcileStop(ctx context.Context, trade *models.Trade) {
	log := m.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"order_id": trade.StopLossOrderID,
	})

	status, err := retry.Do(ctx, retry.DefaultConfig, "stop order status",
		func(ctx context.Context) (*broker.OrderStatus, error) {
			return m.broker.OrderStatus(ctx, trade.StopLossOrderID)
		})
	if err != nil {
		log.WithError(err).Warn("Stop order status unavailable")
		return
	}

	switch status.State {
	case broker.OrderFilled:
		filledAt := status.FilledAt
		if filledAt.IsZero() {
			filledAt = m.now()
		}
		updated, err := m.store.RecordExitFill(trade.ID, status.FilledPrice, filledAt, models.ExitStopLossHit)
		if err != nil {
			log.WithError(err).Error("Failed to record stop fill")
			return
		}
		log.WithField("price", status.FilledPrice).Info("Broker stop filled")
		m.publish(bus.EventTradeClosed, updated)

	case broker.OrderCancelled, broker.OrderRejected, broker.OrderExpired:
		if err := m.store.SetStopInactive(trade.ID); err != nil {
			log.WithError(err).Error("Failed to deactivate stop")
			return
		}
		log.WithField("state", status.State).Warn("Broker stop no longer working, app-managed stop takes over")
	}
}

// reconcileExiting watches the market exit order until it fills.
func (m *Manager) reconcileExiting(ctx context.Context, trade *models.Trade) {
	log := m.logger.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"order_id": trade.ExitOrderID,
	})

	status, err := retry.Do(ctx, retry.DefaultConfig, "exit order status",
		func(ctx context.Context) (*broker.OrderStatus, error) {
			return m.broker.OrderStatus(ctx, trade.ExitOrderID)
		})
	if err != nil {
		log.WithError(err).Warn("Exit order status unavailable")
		return
	}

	switch status.State {
	case broker.OrderFilled:
		filledAt := status.FilledAt
		if filledAt.IsZero() {
			filledAt = m.now()
		}
		updated, err := m.store.RecordExitFill(trade.ID, status.FilledPrice, filledAt, trade.ExitReason)
		if err != nil {
			log.WithError(err).Error("Failed to record exit fill")
			return
		}
		log.WithFields(logrus.Fields{
			"price":  status.FilledPrice,
			"pnl":    updated.PnLDollars,
			"reason": updated.ExitReason,
		}).Info("Exit filled")
		m.publish(bus.EventTradeClosed, updated)

	case broker.OrderCancelled, broker.OrderRejected, broker.OrderExpired:
		// A dead market exit leaves an unmanaged position; flag it for
		// the operator rather than guessing.
		detail := fmt.Sprintf("market exit order %s terminated as %s", trade.ExitOrderID, status.State)
		if err := m.store.MarkTradeError(trade.ID, detail); err != nil {
			log.WithError(err).Error("Failed to mark trade error")
			return
		}
		log.WithField("state", status.State).Error("Market exit order failed, trade marked ERROR")
	}
}

func (m *Manager) publish(name string, trade *models.Trade) {
	if m.bus != nil {
		m.bus.Publish(name, trade)
	}
}
