package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// MockStore is an in-memory Interface implementation for tests. It applies
// the same state-machine validation as the SQLite store.
type MockStore struct {
	mu         sync.Mutex
	alerts     map[uint]*models.Alert
	trades     map[uint]*models.Trade
	events     []models.TradeEvent
	snapshots  []models.TradePriceSnapshot
	summaries  map[string]*models.DailySummary
	strategies map[string]*models.EnabledStrategy
	favorites  map[uint]*models.Favorite
	nextAlert  uint
	nextTrade  uint
	nextFav    uint
	nextEvent  uint
}

// Ensure MockStore implements Interface at compile time.
var _ Interface = (*MockStore)(nil)

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		alerts:     make(map[uint]*models.Alert),
		trades:     make(map[uint]*models.Trade),
		summaries:  make(map[string]*models.DailySummary),
		strategies: make(map[string]*models.EnabledStrategy),
		favorites:  make(map[uint]*models.Favorite),
	}
}

func dayKey(day time.Time) string { return day.Format("2006-01-02") }

func stratKey(ticker, timeframe, signalType string) string {
	return ticker + "/" + timeframe + "/" + signalType
}

// CreateAlert persists a new alert in RECEIVED state.
func (m *MockStore) CreateAlert(alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAlert++
	alert.ID = m.nextAlert
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = time.Now().UTC()
	}
	if alert.Status == "" {
		alert.Status = models.AlertReceived
	}
	copied := *alert
	m.alerts[alert.ID] = &copied
	return nil
}

// RejectAlert marks the alert REJECTED.
func (m *MockStore) RejectAlert(alertID uint, reason string) error {
	return m.setAlertStatus(alertID, models.AlertRejected, reason)
}

// MarkAlertError marks the alert ERROR.
func (m *MockStore) MarkAlertError(alertID uint, reason string) error {
	return m.setAlertStatus(alertID, models.AlertError, reason)
}

// MarkAlertProcessed links an alert to the trade it acted on.
func (m *MockStore) MarkAlertProcessed(alertID, tradeID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	if alert.Status != models.AlertReceived {
		return fmt.Errorf("alert %d is not in RECEIVED state", alertID)
	}
	alert.Status = models.AlertProcessed
	alert.TradeID = &tradeID
	return nil
}

func (m *MockStore) setAlertStatus(alertID uint, status models.AlertStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	if alert.Status != models.AlertReceived {
		return fmt.Errorf("alert %d is not in RECEIVED state", alertID)
	}
	alert.Status = status
	alert.RejectionReason = reason
	return nil
}

// GetAlert fetches one alert.
func (m *MockStore) GetAlert(id uint) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *alert
	return &copied, nil
}

// PromoteAlertToTrade creates the PENDING trade and links the alert.
func (m *MockStore) PromoteAlertToTrade(alertID uint, trade *models.Trade, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	if alert.Status != models.AlertReceived && alert.Status != models.AlertAccepted {
		return fmt.Errorf("alert %d is %s, cannot promote", alertID, alert.Status)
	}

	m.nextTrade++
	trade.ID = m.nextTrade
	trade.Status = models.StatusPending
	trade.CreatedAt = time.Now().UTC()
	if err := trade.ValidateState(); err != nil {
		return err
	}
	copied := *trade
	m.trades[trade.ID] = &copied
	m.appendEventLocked(trade.ID, models.EventEntryOrderPlaced,
		fmt.Sprintf("entry limit order %s placed for %dx %s",
			trade.EntryOrderID, trade.EntryQuantity, trade.OptionSymbol), detail)

	alert.Status = models.AlertProcessed
	alert.TradeID = &trade.ID
	return nil
}

func (m *MockStore) appendEventLocked(tradeID uint, eventType models.EventType, message, details string) {
	m.nextEvent++
	m.events = append(m.events, models.TradeEvent{
		ID:        m.nextEvent,
		TradeID:   tradeID,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Message:   message,
		Details:   details,
	})
}

func (m *MockStore) transition(tradeID uint, to models.TradeStatus, event models.EventType,
	message, details string, mutate func(*models.Trade) error) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := trade.Transition(to); err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(trade); err != nil {
			return nil, err
		}
	}
	if err := trade.ValidateState(); err != nil {
		return nil, err
	}
	trade.UpdatedAt = time.Now().UTC()
	m.appendEventLocked(tradeID, event, message, details)
	copied := *trade
	return &copied, nil
}

// RecordEntryFill moves PENDING → FILLED.
func (m *MockStore) RecordEntryFill(tradeID uint, price float64, filledAt time.Time) (*models.Trade, error) {
	return m.transition(tradeID, models.StatusFilled, models.EventEntryFilled,
		fmt.Sprintf("entry filled at %.2f", price), "",
		func(t *models.Trade) error {
			t.EntryPrice = price
			t.EntryFilledAt = &filledAt
			t.HighestPriceSeen = price
			return nil
		})
}

// RecordStopPlacement moves FILLED → STOP_LOSS_PLACED.
func (m *MockStore) RecordStopPlacement(tradeID uint, stopOrderID string, stopPrice float64, active bool) (*models.Trade, error) {
	return m.transition(tradeID, models.StatusStopLossPlaced, models.EventStopLossPlaced,
		fmt.Sprintf("stop-loss placed at %.2f", stopPrice), "",
		func(t *models.Trade) error {
			t.StopLossOrderID = stopOrderID
			t.StopLossPrice = stopPrice
			t.StopActive = active
			return nil
		})
}

// RecordExitTrigger moves the trade to EXITING.
func (m *MockStore) RecordExitTrigger(tradeID uint, reason models.ExitReason, exitOrderID string) (*models.Trade, error) {
	trade, err := m.transition(tradeID, models.StatusExiting, models.EventExitTriggered,
		fmt.Sprintf("exit triggered: %s", reason), "",
		func(t *models.Trade) error {
			t.ExitReason = reason
			t.ExitOrderID = exitOrderID
			return nil
		})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.appendEventLocked(tradeID, models.EventExitOrderPlaced,
		fmt.Sprintf("market exit order %s placed", exitOrderID), "")
	m.mu.Unlock()
	return trade, nil
}

// RecordExitFill closes the trade and books PnL.
func (m *MockStore) RecordExitFill(tradeID uint, price float64, filledAt time.Time, reason models.ExitReason) (*models.Trade, error) {
	event := models.EventExitFilled
	if reason == models.ExitStopLossHit {
		event = models.EventStopLossHit
	}
	return m.transition(tradeID, models.StatusClosed, event,
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
func (m *MockStore) CancelPending(tradeID uint, reason string) (*models.Trade, error) {
	return m.transition(tradeID, models.StatusCancelled, models.EventEntryCancelled,
		fmt.Sprintf("entry cancelled: %s", reason), "", nil)
}

// MarkTradeError force-transitions a trade to ERROR.
func (m *MockStore) MarkTradeError(tradeID uint, detail string) error {
	_, err := m.transition(tradeID, models.StatusError, models.EventTradeError,
		"trade marked ERROR", detail, nil)
	return err
}

// UpdateTrailing persists a new high-water mark and trailing stop.
func (m *MockStore) UpdateTrailing(tradeID uint, highest, trailing float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[tradeID]
	if !ok {
		return ErrNotFound
	}
	trade.HighestPriceSeen = highest
	trade.TrailingStopPrice = trailing
	return nil
}

// SetStopInactive clears the broker-stop-working flag.
func (m *MockStore) SetStopInactive(tradeID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[tradeID]
	if !ok {
		return ErrNotFound
	}
	trade.StopActive = false
	return nil
}

// SetBreakevenStop raises the stop to entry once.
func (m *MockStore) SetBreakevenStop(tradeID uint, stopPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[tradeID]
	if !ok {
		return ErrNotFound
	}
	if trade.BreakevenApplied {
		return nil
	}
	trade.StopLossPrice = stopPrice
	trade.BreakevenApplied = true
	m.appendEventLocked(tradeID, models.EventBreakevenStopMoved,
		fmt.Sprintf("stop moved to breakeven %.2f", stopPrice), "")
	return nil
}

// AppendEvent appends one ledger row.
func (m *MockStore) AppendEvent(event *models.TradeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(event.TradeID, event.Type, event.Message, event.Details)
	return nil
}

// RecordPriceSnapshot appends one price snapshot.
func (m *MockStore) RecordPriceSnapshot(snap *models.TradePriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

// Snapshots returns the recorded price snapshots for assertions.
func (m *MockStore) Snapshots() []models.TradePriceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TradePriceSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// GetTrade fetches one trade.
func (m *MockStore) GetTrade(id uint) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *trade
	return &copied, nil
}

func (m *MockStore) tradesWhere(pred func(*models.Trade) bool) []models.Trade {
	var out []models.Trade
	for _, t := range m.trades {
		if pred(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTrades returns the most recent trades.
func (m *MockStore) ListTrades(limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.tradesWhere(func(*models.Trade) bool { return true })
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ActiveTrades returns every non-terminal trade.
func (m *MockStore) ActiveTrades() ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradesWhere(func(t *models.Trade) bool { return !t.Status.IsTerminal() }), nil
}

// OpenTrades returns trades holding a live position.
func (m *MockStore) OpenTrades() ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradesWhere(func(t *models.Trade) bool { return t.IsOpen() }), nil
}

// LatestOpenTrade returns the most recent trade still holding a position.
func (m *MockStore) LatestOpenTrade() (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.tradesWhere(func(t *models.Trade) bool {
		return t.Status == models.StatusFilled || t.Status == models.StatusStopLossPlaced
	})
	if len(open) == 0 {
		return nil, ErrNotFound
	}
	latest := open[len(open)-1]
	return &latest, nil
}

// LastClosedTrade returns the most recently closed trade for a ticker.
func (m *MockStore) LastClosedTrade(ticker string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	closed := m.tradesWhere(func(t *models.Trade) bool {
		return t.Status == models.StatusClosed && strings.HasPrefix(t.OptionSymbol, ticker)
	})
	if len(closed) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ExitFilledAt.After(*closed[j].ExitFilledAt)
	})
	latest := closed[0]
	return &latest, nil
}

// CountTradesToday counts non-CANCELLED trades for the session date.
func (m *MockStore) CountTradesToday(day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trades := m.tradesWhere(func(t *models.Trade) bool {
		return t.TradeDate.Equal(day) && t.Status != models.StatusCancelled
	})
	return len(trades), nil
}

// ConsecutiveLosses counts the trailing run of losing closed trades.
func (m *MockStore) ConsecutiveLosses(day time.Time) (int, error) {
	trades, err := m.ClosedTrades(day)
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
func (m *MockStore) DailyRealizedPnL(day time.Time) (float64, error) {
	trades, err := m.ClosedTrades(day)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, t := range trades {
		total += t.PnLDollars
	}
	return total, nil
}

// ClosedTrades returns the session's CLOSED trades ordered by exit time.
func (m *MockStore) ClosedTrades(day time.Time) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trades := m.tradesWhere(func(t *models.Trade) bool {
		return t.TradeDate.Equal(day) && t.Status == models.StatusClosed
	})
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExitFilledAt.Before(*trades[j].ExitFilledAt)
	})
	return trades, nil
}

// TradeEvents returns the ledger for one trade.
func (m *MockStore) TradeEvents(tradeID uint) ([]models.TradeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TradeEvent
	for _, e := range m.events {
		if e.TradeID == tradeID {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecentAlerts returns alerts for a ticker received since the given time.
func (m *MockStore) RecentAlerts(ticker string, since time.Time) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.Ticker == ticker && !a.ReceivedAt.Before(since) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

// UpsertDailySummary inserts or replaces the session's summary row.
func (m *MockStore) UpsertDailySummary(summary *models.DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *summary
	m.summaries[dayKey(summary.TradeDate)] = &copied
	return nil
}

// GetDailySummary fetches one session's summary.
func (m *MockStore) GetDailySummary(day time.Time) (*models.DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.summaries[dayKey(day)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *summary
	return &copied, nil
}

// ListEnabledStrategies returns the enabled strategy set.
func (m *MockStore) ListEnabledStrategies() ([]models.EnabledStrategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EnabledStrategy
	for _, es := range m.strategies {
		out = append(out, *es)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EnableStrategy adds or replaces an enabled strategy tuple.
func (m *MockStore) EnableStrategy(es *models.EnabledStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if es.EnabledAt.IsZero() {
		es.EnabledAt = time.Now().UTC()
	}
	key := stratKey(es.Ticker, es.Timeframe, es.SignalType)
	if existing, ok := m.strategies[key]; ok {
		es.ID = existing.ID
	} else {
		m.nextFav++
		es.ID = m.nextFav
	}
	copied := *es
	m.strategies[key] = &copied
	return nil
}

// DisableStrategy removes one enabled strategy tuple.
func (m *MockStore) DisableStrategy(ticker, timeframe, signalType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, stratKey(ticker, timeframe, signalType))
	return nil
}

// ListFavorites returns the saved favorites.
func (m *MockStore) ListFavorites() ([]models.Favorite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Favorite
	for _, f := range m.favorites {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// SaveFavorite persists one favorite.
func (m *MockStore) SaveFavorite(f *models.Favorite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFav++
	f.ID = m.nextFav
	copied := *f
	m.favorites[f.ID] = &copied
	return nil
}

// DeleteFavorite removes one favorite.
func (m *MockStore) DeleteFavorite(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.favorites, id)
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error { return nil }
