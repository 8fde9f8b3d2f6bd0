package store

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// Store is the SQLite-backed implementation of Interface.
type Store struct {
	db *gorm.DB
}

// Ensure Store implements Interface at compile time.
var _ Interface = (*Store)(nil)

// Open opens (creating if needed) the SQLite database and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&models.Alert{},
		&models.Trade{},
		&models.TradeEvent{},
		&models.TradePriceSnapshot{},
		&models.DailySummary{},
		&models.EnabledStrategy{},
		&models.Favorite{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateAlert persists a new alert in RECEIVED state.
func (s *Store) CreateAlert(alert *models.Alert) error {
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = time.Now().UTC()
	}
	if alert.Status == "" {
		alert.Status = models.AlertReceived
	}
	return s.db.Create(alert).Error
}

// RejectAlert marks the alert REJECTED with a reason code.
func (s *Store) RejectAlert(alertID uint, reason string) error {
	return s.setAlertStatus(alertID, models.AlertRejected, reason)
}

// MarkAlertError marks the alert ERROR with a descriptive reason.
func (s *Store) MarkAlertError(alertID uint, reason string) error {
	return s.setAlertStatus(alertID, models.AlertError, reason)
}

// MarkAlertProcessed links an alert to the trade it acted on without
// creating a new trade, used for close signals.
func (s *Store) MarkAlertProcessed(alertID, tradeID uint) error {
	res := s.db.Model(&models.Alert{}).
		Where("id = ? AND status = ?", alertID, models.AlertReceived).
		Updates(map[string]interface{}{"status": models.AlertProcessed, "trade_id": tradeID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %d is not in RECEIVED state", alertID)
	}
	return nil
}

func (s *Store) setAlertStatus(alertID uint, status models.AlertStatus, reason string) error {
	res := s.db.Model(&models.Alert{}).
		Where("id = ? AND status = ?", alertID, models.AlertReceived).
		Updates(map[string]interface{}{"status": status, "rejection_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %d is not in RECEIVED state", alertID)
	}
	return nil
}

// GetAlert fetches one alert.
func (s *Store) GetAlert(id uint) (*models.Alert, error) {
	var alert models.Alert
	if err := s.db.First(&alert, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &alert, nil
}

// PromoteAlertToTrade creates the PENDING trade, appends the
// ENTRY_ORDER_PLACED event, and links the alert as PROCESSED, atomically.
func (s *Store) PromoteAlertToTrade(alertID uint, trade *models.Trade, detail string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var alert models.Alert
		if err := tx.First(&alert, alertID).Error; err != nil {
			return wrapNotFound(err)
		}
		if alert.Status != models.AlertReceived && alert.Status != models.AlertAccepted {
			return fmt.Errorf("alert %d is %s, cannot promote", alertID, alert.Status)
		}

		trade.Status = models.StatusPending
		if err := trade.ValidateState(); err != nil {
			return err
		}
		if err := tx.Create(trade).Error; err != nil {
			return err
		}

		if err := tx.Create(&models.TradeEvent{
			TradeID:   trade.ID,
			Timestamp: time.Now().UTC(),
			Type:      models.EventEntryOrderPlaced,
			Message: fmt.Sprintf("entry limit order %s placed for %dx %s",
				trade.EntryOrderID, trade.EntryQuantity, trade.OptionSymbol),
			Details: detail,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&alert).Updates(map[string]interface{}{
			"status":   models.AlertProcessed,
			"trade_id": trade.ID,
		}).Error
	})
}

// transition loads the trade, validates and applies the edge, runs mutate,
// persists, and appends the ledger event, all in one transaction.
func (s *Store) transition(tradeID uint, to models.TradeStatus, event models.EventType,
	message, details string, mutate func(*models.Trade) error) (*models.Trade, error) {
	var out models.Trade
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var trade models.Trade
		if err := tx.First(&trade, tradeID).Error; err != nil {
			return wrapNotFound(err)
		}
		if err := trade.Transition(to); err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(&trade); err != nil {
				return err
			}
		}
		if err := trade.ValidateState(); err != nil {
			return err
		}
		if err := tx.Save(&trade).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.TradeEvent{
			TradeID:   trade.ID,
			Timestamp: time.Now().UTC(),
			Type:      event,
			Message:   message,
			Details:   details,
		}).Error; err != nil {
			return err
		}
		out = trade
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordEntryFill moves PENDING → FILLED and seeds highest_price_seen.
func (s *Store) RecordEntryFill(tradeID uint, price float64, filledAt time.Time) (*models.Trade, error) {
	return s.transition(tradeID, models.StatusFilled, models.EventEntryFilled,
		fmt.Sprintf("entry filled at %.2f", price), "",
		func(t *models.Trade) error {
			t.EntryPrice = price
			t.EntryFilledAt = &filledAt
			t.HighestPriceSeen = price
			return nil
		})
}

// RecordStopPlacement moves FILLED → STOP_LOSS_PLACED. active records
// whether a broker stop order is resting; false means app-managed.
func (s *Store) RecordStopPlacement(tradeID uint, stopOrderID string, stopPrice float64, active bool) (*models.Trade, error) {
	msg := fmt.Sprintf("stop-loss placed at %.2f", stopPrice)
	if !active {
		msg = fmt.Sprintf("app-managed stop-loss at %.2f", stopPrice)
	}
	return s.transition(tradeID, models.StatusStopLossPlaced, models.EventStopLossPlaced,
		msg, "",
		func(t *models.Trade) error {
			t.StopLossOrderID = stopOrderID
			t.StopLossPrice = stopPrice
			t.StopActive = active
			return nil
		})
}

// RecordExitTrigger moves the trade to EXITING and appends both the
// trigger and the exit order events.
func (s *Store) RecordExitTrigger(tradeID uint, reason models.ExitReason, exitOrderID string) (*models.Trade, error) {
	trade, err := s.transition(tradeID, models.StatusExiting, models.EventExitTriggered,
		fmt.Sprintf("exit triggered: %s", reason), "",
		func(t *models.Trade) error {
			t.ExitReason = reason
			t.ExitOrderID = exitOrderID
			return nil
		})
	if err != nil {
		return nil, err
	}
	if err := s.AppendEvent(&models.TradeEvent{
		TradeID: tradeID,
		Type:    models.EventExitOrderPlaced,
		Message: fmt.Sprintf("market exit order %s placed", exitOrderID),
	}); err != nil {
		return nil, err
	}
	return trade, nil
}

// RecordExitFill closes the trade and books PnL. reason distinguishes a
// broker stop fill (STOP_LOSS_HIT) from a triggered exit fill.
func (s *Store) RecordExitFill(tradeID uint, price float64, filledAt time.Time, reason models.ExitReason) (*models.Trade, error) {
	event := models.EventExitFilled
	if reason == models.ExitStopLossHit {
		event = models.EventStopLossHit
	}
	return s.transition(tradeID, models.StatusClosed, event,
		fmt.Sprintf("exit filled at %.2f", price), "",
		func(t *models.Trade) error {
			t.ExitPrice = price
			t.ExitFilledAt = &filledAt
			if reason != "" {
				t.ExitReason = reason
			}
			t.ComputePnL(price)
			return nil
		})
}

// CancelPending moves PENDING → CANCELLED.
func (s *Store) CancelPending(tradeID uint, reason string) (*models.Trade, error) {
	return s.transition(tradeID, models.StatusCancelled, models.EventEntryCancelled,
		fmt.Sprintf("entry cancelled: %s", reason), "", nil)
}

// MarkTradeError force-transitions a trade to ERROR. Used on unrecoverable
// failures; the event carries the diagnostic detail.
func (s *Store) MarkTradeError(tradeID uint, detail string) error {
	_, err := s.transition(tradeID, models.StatusError, models.EventTradeError,
		"trade marked ERROR", detail, nil)
	if err != nil {
		log.WithField("trade_id", tradeID).WithError(err).Error("failed to mark trade ERROR")
	}
	return err
}

// UpdateTrailing persists a new high-water mark and trailing stop.
func (s *Store) UpdateTrailing(tradeID uint, highest, trailing float64) error {
	return s.db.Model(&models.Trade{}).Where("id = ?", tradeID).
		Updates(map[string]interface{}{
			"highest_price_seen":  highest,
			"trailing_stop_price": trailing,
		}).Error
}

// SetStopInactive clears the broker-stop-working flag; from here the exit
// engine enforces the stop price.
func (s *Store) SetStopInactive(tradeID uint) error {
	return s.db.Model(&models.Trade{}).Where("id = ?", tradeID).
		Update("stop_active", false).Error
}

// SetBreakevenStop raises the stop to entry and records the move.
func (s *Store) SetBreakevenStop(tradeID uint, stopPrice float64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Trade{}).
			Where("id = ? AND breakeven_applied = ?", tradeID, false).
			Updates(map[string]interface{}{
				"stop_loss_price":   stopPrice,
				"breakeven_applied": true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Create(&models.TradeEvent{
			TradeID:   tradeID,
			Timestamp: time.Now().UTC(),
			Type:      models.EventBreakevenStopMoved,
			Message:   fmt.Sprintf("stop moved to breakeven %.2f", stopPrice),
		}).Error
	})
}

// AppendEvent appends one ledger row.
func (s *Store) AppendEvent(event *models.TradeEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return s.db.Create(event).Error
}

// RecordPriceSnapshot appends one rate-limited price snapshot.
func (s *Store) RecordPriceSnapshot(snap *models.TradePriceSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return s.db.Create(snap).Error
}

// GetTrade fetches one trade.
func (s *Store) GetTrade(id uint) (*models.Trade, error) {
	var trade models.Trade
	if err := s.db.First(&trade, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &trade, nil
}

// ListTrades returns the most recent trades.
func (s *Store) ListTrades(limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	var trades []models.Trade
	err := s.db.Order("id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// ActiveTrades returns every non-terminal trade, oldest first.
func (s *Store) ActiveTrades() ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.Where("status IN ?", []models.TradeStatus{
		models.StatusPending, models.StatusFilled, models.StatusStopLossPlaced, models.StatusExiting,
	}).Order("id ASC").Find(&trades).Error
	return trades, err
}

// OpenTrades returns trades holding a live position.
func (s *Store) OpenTrades() ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.Where("status IN ?", []models.TradeStatus{
		models.StatusFilled, models.StatusStopLossPlaced, models.StatusExiting,
	}).Order("id ASC").Find(&trades).Error
	return trades, err
}

// LatestOpenTrade returns the most recent trade still holding a position.
func (s *Store) LatestOpenTrade() (*models.Trade, error) {
	var trade models.Trade
	err := s.db.Where("status IN ?", []models.TradeStatus{
		models.StatusFilled, models.StatusStopLossPlaced,
	}).Order("id DESC").First(&trade).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &trade, nil
}

// LastClosedTrade returns the most recently closed trade for a ticker's
// options, for cooldown checks. Ticker matches the option symbol prefix.
func (s *Store) LastClosedTrade(ticker string) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.Where("status = ? AND option_symbol LIKE ?", models.StatusClosed, ticker+"%").
		Order("exit_filled_at DESC").First(&trade).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &trade, nil
}

// CountTradesToday counts non-CANCELLED trades for the session date.
func (s *Store) CountTradesToday(day time.Time) (int, error) {
	var count int64
	err := s.db.Model(&models.Trade{}).
		Where("trade_date = ? AND status != ?", day, models.StatusCancelled).
		Count(&count).Error
	return int(count), err
}

// ConsecutiveLosses counts losing CLOSED trades for the session date,
// walking back from the most recent until a winner breaks the run.
func (s *Store) ConsecutiveLosses(day time.Time) (int, error) {
	trades, err := s.ClosedTrades(day)
	if err != nil {
		return 0, err
	}
	losses := 0
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].PnLDollars >= 0 {
			break
		}
		losses++
	}
	return losses, nil
}

// DailyRealizedPnL sums pnl_dollars of CLOSED trades for the session date.
func (s *Store) DailyRealizedPnL(day time.Time) (float64, error) {
	var total float64
	err := s.db.Model(&models.Trade{}).
		Select("COALESCE(SUM(pn_l_dollars), 0)").
		Where("trade_date = ? AND status = ?", day, models.StatusClosed).
		Scan(&total).Error
	return total, err
}

// ClosedTrades returns the session's CLOSED trades ordered by exit time.
func (s *Store) ClosedTrades(day time.Time) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.Where("trade_date = ? AND status = ?", day, models.StatusClosed).
		Order("exit_filled_at ASC").Find(&trades).Error
	return trades, err
}

// TradeEvents returns the full ledger for one trade in order.
func (s *Store) TradeEvents(tradeID uint) ([]models.TradeEvent, error) {
	var events []models.TradeEvent
	err := s.db.Where("trade_id = ?", tradeID).Order("id ASC").Find(&events).Error
	return events, err
}

// RecentAlerts returns alerts for a ticker received since the given time,
// for debounce checks.
func (s *Store) RecentAlerts(ticker string, since time.Time) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.Where("ticker = ? AND received_at >= ?", ticker, since).
		Order("received_at DESC").Find(&alerts).Error
	return alerts, err
}

// UpsertDailySummary inserts or replaces the session's summary row.
func (s *Store) UpsertDailySummary(summary *models.DailySummary) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.DailySummary
		err := tx.Where("trade_date = ?", summary.TradeDate).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			summary.CreatedAt = time.Now().UTC()
			return tx.Create(summary).Error
		case err != nil:
			return err
		default:
			summary.ID = existing.ID
			summary.CreatedAt = existing.CreatedAt
			return tx.Save(summary).Error
		}
	})
}

// GetDailySummary fetches one session's summary.
func (s *Store) GetDailySummary(day time.Time) (*models.DailySummary, error) {
	var summary models.DailySummary
	if err := s.db.Where("trade_date = ?", day).First(&summary).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &summary, nil
}

// ListEnabledStrategies returns the enabled strategy set.
func (s *Store) ListEnabledStrategies() ([]models.EnabledStrategy, error) {
	var list []models.EnabledStrategy
	err := s.db.Order("id ASC").Find(&list).Error
	return list, err
}

// EnableStrategy adds or replaces an enabled strategy tuple.
func (s *Store) EnableStrategy(es *models.EnabledStrategy) error {
	if es.EnabledAt.IsZero() {
		es.EnabledAt = time.Now().UTC()
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.EnabledStrategy
		err := tx.Where("ticker = ? AND timeframe = ? AND signal_type = ?",
			es.Ticker, es.Timeframe, es.SignalType).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(es).Error
		case err != nil:
			return err
		default:
			es.ID = existing.ID
			return tx.Save(es).Error
		}
	})
}

// DisableStrategy removes one enabled strategy tuple.
func (s *Store) DisableStrategy(ticker, timeframe, signalType string) error {
	return s.db.Where("ticker = ? AND timeframe = ? AND signal_type = ?",
		ticker, timeframe, signalType).Delete(&models.EnabledStrategy{}).Error
}

// ListFavorites returns the saved optimizer favorites.
func (s *Store) ListFavorites() ([]models.Favorite, error) {
	var list []models.Favorite
	err := s.db.Order("id DESC").Find(&list).Error
	return list, err
}

// SaveFavorite persists one favorite.
func (s *Store) SaveFavorite(f *models.Favorite) error {
	return s.db.Create(f).Error
}

// DeleteFavorite removes one favorite.
func (s *Store) DeleteFavorite(id uint) error {
	return s.db.Delete(&models.Favorite{}, id).Error
}
