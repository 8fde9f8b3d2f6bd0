// Package models provides the persisted entities and trade state machine
// for the intraday options engine.
package models

import (
	"time"
)

// Direction is the option side of a trade.
type Direction string

const (
	// DirectionCall represents a long call trade.
	DirectionCall Direction = "CALL"
	// DirectionPut represents a long put trade.
	DirectionPut Direction = "PUT"
)

// AlertStatus tracks an inbound signal through admission.
type AlertStatus string

const (
	AlertReceived  AlertStatus = "RECEIVED"
	AlertAccepted  AlertStatus = "ACCEPTED"
	AlertRejected  AlertStatus = "REJECTED"
	AlertProcessed AlertStatus = "PROCESSED"
	AlertError     AlertStatus = "ERROR"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending        TradeStatus = "PENDING"
	StatusFilled         TradeStatus = "FILLED"
	StatusStopLossPlaced TradeStatus = "STOP_LOSS_PLACED"
	StatusExiting        TradeStatus = "EXITING"
	StatusClosed         TradeStatus = "CLOSED"
	StatusCancelled      TradeStatus = "CANCELLED"
	StatusError          TradeStatus = "ERROR"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled || s == StatusError
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitProfitTarget ExitReason = "PROFIT_TARGET"
	ExitMaxHoldTime  ExitReason = "MAX_HOLD_TIME"
	ExitTimeBased    ExitReason = "TIME_BASED"
	ExitStopLossHit  ExitReason = "STOP_LOSS_HIT"
	ExitManual       ExitReason = "MANUAL"
	ExitSignal       ExitReason = "SIGNAL"
)

// EventType labels entries in the append-only trade event log.
type EventType string

const (
	EventAlertReceived      EventType = "ALERT_RECEIVED"
	EventContractSelected   EventType = "CONTRACT_SELECTED"
	EventEntryOrderPlaced   EventType = "ENTRY_ORDER_PLACED"
	EventEntryFilled        EventType = "ENTRY_FILLED"
	EventEntryCancelled     EventType = "ENTRY_CANCELLED"
	EventStopLossPlaced     EventType = "STOP_LOSS_PLACED"
	EventStopLossCancelled  EventType = "STOP_LOSS_CANCELLED"
	EventExitTriggered      EventType = "EXIT_TRIGGERED"
	EventExitOrderPlaced    EventType = "EXIT_ORDER_PLACED"
	EventExitFilled         EventType = "EXIT_FILLED"
	EventStopLossHit        EventType = "STOP_LOSS_HIT"
	EventCloseSignal        EventType = "CLOSE_SIGNAL"
	EventManualClose        EventType = "MANUAL_CLOSE"
	EventEntryLimitTimeout  EventType = "ENTRY_LIMIT_TIMEOUT"
	EventBreakevenStopMoved EventType = "BREAKEVEN_STOP_MOVED"
	EventTradeError         EventType = "TRADE_ERROR"
)

// Alert is an inbound signal, external or internal, persisted before admission.
type Alert struct {
	ID              uint        `gorm:"primaryKey"`
	ReceivedAt      time.Time   `gorm:"not null"`
	RawPayload      string      `gorm:"type:text;not null"`
	Ticker          string      `gorm:"size:10;not null;index"`
	Direction       Direction   `gorm:"size:4"`
	SignalPrice     float64     `gorm:""`
	Source          string      `gorm:"size:20"`
	Status          AlertStatus `gorm:"size:10;not null;default:RECEIVED"`
	RejectionReason string      `gorm:"size:255"`
	TradeID         *uint       `gorm:"index"`
}

// Trade is a single option position from entry order to booked PnL.
type Trade struct {
	ID             uint      `gorm:"primaryKey"`
	TradeDate      time.Time `gorm:"type:date;not null;index"`
	Direction      Direction `gorm:"size:4;not null"`
	OptionSymbol   string    `gorm:"size:30;not null"`
	StrikePrice    float64   `gorm:"not null"`
	ExpirationDate time.Time `gorm:"type:date;not null"`

	// Entry
	EntryOrderID  string `gorm:"size:50;uniqueIndex"`
	EntryPrice    float64
	EntryQuantity int `gorm:"not null;default:1"`
	EntryFilledAt *time.Time
	ATRAtEntry    float64

	// Stop-loss. StopActive is true while a broker stop order is believed
	// to be working; cleared when the stop is cancelled or observed dead,
	// at which point the exit engine enforces the stop price itself.
	StopLossOrderID string `gorm:"size:50"`
	StopLossPrice   float64
	StopActive      bool

	// Trailing stop tracking
	TrailingStopPrice float64
	HighestPriceSeen  float64
	BreakevenApplied  bool

	// Exit
	ExitOrderID  string `gorm:"size:50"`
	ExitPrice    float64
	ExitFilledAt *time.Time
	ExitReason   ExitReason `gorm:"size:20"`

	PnLDollars float64
	PnLPercent float64

	Status TradeStatus `gorm:"size:20;not null;default:PENDING;index"`
	Source string      `gorm:"size:20"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOpen reports whether the trade holds (or is acquiring) a live position.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusFilled || t.Status == StatusStopLossPlaced || t.Status == StatusExiting
}

// ComputePnL books realized profit/loss from the exit price.
// Options carry a 100-share multiplier per contract.
func (t *Trade) ComputePnL(exitPrice float64) {
	t.PnLDollars = (exitPrice - t.EntryPrice) * float64(t.EntryQuantity) * 100
	if t.EntryPrice > 0 {
		t.PnLPercent = (exitPrice - t.EntryPrice) / t.EntryPrice * 100
	}
}

// TradeEvent is one row of the append-only lifecycle ledger. Events carry
// trade_id only; the trade row holds no back-reference.
type TradeEvent struct {
	ID        uint      `gorm:"primaryKey"`
	TradeID   uint      `gorm:"not null;index"`
	Timestamp time.Time `gorm:"not null"`
	Type      EventType `gorm:"size:30;not null"`
	Message   string    `gorm:"size:500;not null"`
	Details   string    `gorm:"type:text"`
}

// TradePriceSnapshot records the option price while a trade is open,
// rate-limited, for post-trade chart reconstruction.
type TradePriceSnapshot struct {
	ID               uint      `gorm:"primaryKey"`
	TradeID          uint      `gorm:"not null;index:ix_price_snap_trade_time"`
	Timestamp        time.Time `gorm:"not null;index:ix_price_snap_trade_time"`
	Price            float64   `gorm:"not null"`
	HighestPriceSeen float64   `gorm:"not null"`
}

// DailySummary aggregates one session's closed trades.
type DailySummary struct {
	ID                 uint      `gorm:"primaryKey"`
	TradeDate          time.Time `gorm:"type:date;uniqueIndex;not null"`
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	TotalPnL           float64
	LargestWin         float64
	LargestLoss        float64
	WinRate            float64
	AvgHoldTimeMinutes float64
	CreatedAt          time.Time
}

// EnabledStrategy is an admin-managed (ticker, timeframe, signal type) tuple
// the strategy supervisor runs a worker for. Params is a JSON blob of
// per-strategy overrides.
type EnabledStrategy struct {
	ID         uint   `gorm:"primaryKey"`
	Ticker     string `gorm:"size:10;not null;uniqueIndex:ux_enabled_strategy,priority:1"`
	Timeframe  string `gorm:"size:4;not null;uniqueIndex:ux_enabled_strategy,priority:2"`
	SignalType string `gorm:"size:30;not null;uniqueIndex:ux_enabled_strategy,priority:3"`
	Params     string `gorm:"type:text"`
	EnabledAt  time.Time
}

// Favorite is a saved parameter set from the optimizer; the engine only
// stores and serves these.
type Favorite struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"size:100;not null"`
	Ticker     string `gorm:"size:10;not null"`
	Timeframe  string `gorm:"size:4;not null"`
	SignalType string `gorm:"size:30;not null"`
	Params     string `gorm:"type:text"`
	CreatedAt  time.Time
}

// Bar is one OHLCV bar in the market's local zone.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// SessionDate truncates t to the session date in loc.
func SessionDate(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
