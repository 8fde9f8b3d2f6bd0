// Package risk implements the pre-trade admission gate. Every inbound
// signal passes the full ordered rule set before an order may be placed;
// the first failing rule's reason code is recorded on the alert.
package risk

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
)

// Reason is a machine-readable rejection code.
type Reason string

// Rejection reason codes, in evaluation order.
const (
	ReasonTickerNotAllowed   Reason = "ticker_not_allowed"
	ReasonEntriesHalted      Reason = "entries_halted"
	ReasonOutsideEntryWindow Reason = "outside_entry_window"
	ReasonVIXCircuitBreaker  Reason = "vix_circuit_breaker"
	ReasonEventCalendarBlock Reason = "event_calendar_block"
	ReasonDailyTradeLimit    Reason = "daily_trade_limit"
	ReasonConsecutiveLossLim Reason = "consecutive_loss_limit"
	ReasonDailyLossLimit     Reason = "daily_loss_limit"
	ReasonOpenPositionExists Reason = "no_open_position"
	ReasonTradeCooldown      Reason = "trade_cooldown"
	ReasonDuplicateSignal    Reason = "duplicate_signal"
)

// Decision is the gate's verdict on one signal.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

func reject(reason Reason, format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Gate evaluates admission rules against config, persisted history, and the
// live quote cache.
type Gate struct {
	cfg       *config.Config
	overrides *config.Overrides
	store     store.Interface
	quotes    *stream.Cache
	calendar  *Calendar
	logger    *logrus.Logger
	now       func() time.Time
}

// NewGate creates the admission gate.
func NewGate(cfg *config.Config, overrides *config.Overrides, st store.Interface,
	quotes *stream.Cache, calendar *Calendar, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{
		cfg:       cfg,
		overrides: overrides,
		store:     st,
		quotes:    quotes,
		calendar:  calendar,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the gate's clock for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check runs every rule in order and returns the first rejection, or an
// allowed decision. A store read failure aborts with an error; a VIX quote
// failure permits entry.
func (g *Gate) Check(alert *models.Alert) (Decision, error) {
	now := g.now()
	loc, err := g.cfg.Location()
	if err != nil {
		return Decision{}, fmt.Errorf("loading market timezone: %w", err)
	}
	local := now.In(loc)
	day := models.SessionDate(now, loc)

	if !g.tickerAllowed(alert.Ticker) {
		return reject(ReasonTickerNotAllowed, "ticker %s is not in allowed_tickers", alert.Ticker), nil
	}

	if g.overrides.HaltEntries() {
		return reject(ReasonEntriesHalted, "operator halted new entries"), nil
	}

	if !g.overrides.BypassEntryWindow() && !g.cfg.IsWithinEntryWindow(now) {
		return reject(ReasonOutsideEntryWindow, "%s outside entry window %s-%s",
			local.Format("15:04"), g.cfg.Schedule.FirstEntry, g.cfg.Schedule.LastEntry), nil
	}

	if d, blocked := g.vixBlocked(); blocked {
		return d, nil
	}

	if g.calendar != nil && g.calendar.BlocksAfternoon(local) {
		return reject(ReasonEventCalendarBlock, "afternoon of %s is blocked by the event calendar",
			local.Format("2006-01-02")), nil
	}

	count, err := g.store.CountTradesToday(day)
	if err != nil {
		return Decision{}, fmt.Errorf("counting today's trades: %w", err)
	}
	if count >= g.cfg.Risk.MaxDailyTrades {
		return reject(ReasonDailyTradeLimit, "%d trades today reached the limit of %d",
			count, g.cfg.Risk.MaxDailyTrades), nil
	}

	losses, err := g.store.ConsecutiveLosses(day)
	if err != nil {
		return Decision{}, fmt.Errorf("counting consecutive losses: %w", err)
	}
	if losses >= g.cfg.Risk.MaxConsecutiveLosses {
		return reject(ReasonConsecutiveLossLim, "%d consecutive losses reached the limit of %d",
			losses, g.cfg.Risk.MaxConsecutiveLosses), nil
	}

	pnl, err := g.store.DailyRealizedPnL(day)
	if err != nil {
		return Decision{}, fmt.Errorf("reading daily realized pnl: %w", err)
	}
	if pnl <= -g.cfg.Risk.MaxDailyLoss {
		return reject(ReasonDailyLossLimit, "daily realized pnl %.2f breached the -%.2f limit",
			pnl, g.cfg.Risk.MaxDailyLoss), nil
	}

	active, err := g.store.ActiveTrades()
	if err != nil {
		return Decision{}, fmt.Errorf("listing active trades: %w", err)
	}
	if len(active) > 0 {
		return reject(ReasonOpenPositionExists, "trade %d is still %s; one position at a time",
			active[0].ID, active[0].Status), nil
	}

	if d, blocked, err := g.cooldownBlocked(alert.Ticker, now); err != nil {
		return Decision{}, err
	} else if blocked {
		return d, nil
	}

	if d, blocked, err := g.duplicateBlocked(alert, now); err != nil {
		return Decision{}, err
	} else if blocked {
		return d, nil
	}

	return Decision{Allowed: true}, nil
}

func (g *Gate) tickerAllowed(ticker string) bool {
	for _, t := range g.cfg.Risk.AllowedTickers {
		if t == ticker {
			return true
		}
	}
	return false
}

// vixBlocked rejects when the VIX quote is fresh and above the threshold.
// A missing or stale quote permits entry.
func (g *Gate) vixBlocked() (Decision, bool) {
	quote, fresh := g.quotes.Get(g.cfg.Risk.VIXSymbol)
	if !fresh || quote.Last <= 0 {
		g.logger.WithField("symbol", g.cfg.Risk.VIXSymbol).
			Warn("VIX quote unavailable, permitting entry")
		return Decision{}, false
	}
	if quote.Last > g.cfg.Risk.VIXThreshold {
		return reject(ReasonVIXCircuitBreaker, "VIX %.2f above threshold %.2f",
			quote.Last, g.cfg.Risk.VIXThreshold), true
	}
	return Decision{}, false
}

func (g *Gate) cooldownBlocked(ticker string, now time.Time) (Decision, bool, error) {
	cooldown := config.Duration(g.cfg.Risk.CooldownAfterExit, 5*time.Minute)
	if cooldown <= 0 {
		return Decision{}, false, nil
	}
	last, err := g.store.LastClosedTrade(ticker)
	if err == store.ErrNotFound {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("reading last closed trade: %w", err)
	}
	if last.ExitFilledAt == nil {
		return Decision{}, false, nil
	}
	if elapsed := now.Sub(*last.ExitFilledAt); elapsed < cooldown {
		return reject(ReasonTradeCooldown, "last %s exit was %s ago, cooldown is %s",
			ticker, elapsed.Round(time.Second), cooldown), true, nil
	}
	return Decision{}, false, nil
}

// duplicateBlocked debounces repeated signals: same ticker and direction
// already accepted within the window.
func (g *Gate) duplicateBlocked(alert *models.Alert, now time.Time) (Decision, bool, error) {
	window := config.Duration(g.cfg.Risk.DuplicateWindow, 2*time.Minute)
	if window <= 0 {
		return Decision{}, false, nil
	}
	recent, err := g.store.RecentAlerts(alert.Ticker, now.Add(-window))
	if err != nil {
		return Decision{}, false, fmt.Errorf("reading recent alerts: %w", err)
	}
	for _, a := range recent {
		if a.ID == alert.ID {
			continue
		}
		if a.Direction == alert.Direction &&
			(a.Status == models.AlertProcessed || a.Status == models.AlertAccepted) {
			return reject(ReasonDuplicateSignal, "duplicate %s %s signal within %s (alert %d)",
				alert.Ticker, alert.Direction, window, a.ID), true, nil
		}
	}
	return Decision{}, false, nil
}
