// Package store persists trades, alerts, and the append-only event ledger.
// Every lifecycle operation runs in a single transaction and validates the
// trade state machine before writing.
package store

import (
	"sync"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// Interface is the persistence contract shared by the SQLite store and the
// in-memory mock.
type Interface interface {
	// Alert admission
	CreateAlert(alert *models.Alert) error
	RejectAlert(alertID uint, reason string) error
	MarkAlertError(alertID uint, reason string) error
	MarkAlertProcessed(alertID, tradeID uint) error
	GetAlert(id uint) (*models.Alert, error)

	// Trade lifecycle. Each call validates the source state, advances the
	// trade, and appends exactly one matching TradeEvent in the same
	// transaction.
	PromoteAlertToTrade(alertID uint, trade *models.Trade, detail string) error
	RecordEntryFill(tradeID uint, price float64, filledAt time.Time) (*models.Trade, error)
	RecordStopPlacement(tradeID uint, stopOrderID string, stopPrice float64, active bool) (*models.Trade, error)
	RecordExitTrigger(tradeID uint, reason models.ExitReason, exitOrderID string) (*models.Trade, error)
	RecordExitFill(tradeID uint, price float64, filledAt time.Time, reason models.ExitReason) (*models.Trade, error)
	CancelPending(tradeID uint, reason string) (*models.Trade, error)
	MarkTradeError(tradeID uint, detail string) error

	// Open-position tracking
	UpdateTrailing(tradeID uint, highest, trailing float64) error
	SetStopInactive(tradeID uint) error
	SetBreakevenStop(tradeID uint, stopPrice float64) error
	AppendEvent(event *models.TradeEvent) error
	RecordPriceSnapshot(snap *models.TradePriceSnapshot) error

	// Queries
	GetTrade(id uint) (*models.Trade, error)
	ListTrades(limit int) ([]models.Trade, error)
	ActiveTrades() ([]models.Trade, error)
	OpenTrades() ([]models.Trade, error)
	LatestOpenTrade() (*models.Trade, error)
	LastClosedTrade(ticker string) (*models.Trade, error)
	CountTradesToday(day time.Time) (int, error)
	ConsecutiveLosses(day time.Time) (int, error)
	DailyRealizedPnL(day time.Time) (float64, error)
	ClosedTrades(day time.Time) ([]models.Trade, error)
	TradeEvents(tradeID uint) ([]models.TradeEvent, error)
	RecentAlerts(ticker string, since time.Time) ([]models.Alert, error)

	// Daily summary
	UpsertDailySummary(summary *models.DailySummary) error
	GetDailySummary(day time.Time) (*models.DailySummary, error)

	// Admin surface
	ListEnabledStrategies() ([]models.EnabledStrategy, error)
	EnableStrategy(es *models.EnabledStrategy) error
	DisableStrategy(ticker, timeframe, signalType string) error
	ListFavorites() ([]models.Favorite, error)
	SaveFavorite(f *models.Favorite) error
	DeleteFavorite(id uint) error

	Close() error
}

// TradeLocker serializes mutations per trade ID. Callers locking multiple
// trades must acquire in ascending ID order.
type TradeLocker struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// NewTradeLocker creates an empty lock registry.
func NewTradeLocker() *TradeLocker {
	return &TradeLocker{locks: make(map[uint]*sync.Mutex)}
}

// Lock acquires the per-trade lock and returns its release function.
func (l *TradeLocker) Lock(tradeID uint) func() {
	l.mu.Lock()
	m, ok := l.locks[tradeID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tradeID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
