package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
)

// Monday 11:00 UTC, inside the 10:00-14:45 entry window.
var gateNow = time.Date(2026, 8, 3, 11, 0, 0, 0, time.UTC)

func gateConfig() *config.Config {
	return &config.Config{
		Schedule: config.ScheduleConfig{
			Timezone:   "UTC",
			FirstEntry: "10:00",
			LastEntry:  "14:45",
			ForceExit:  "15:00",
		},
		Risk: config.RiskConfig{
			AllowedTickers:       []string{"SPY", "QQQ"},
			MaxDailyTrades:       10,
			MaxDailyLoss:         700,
			MaxConsecutiveLosses: 3,
			VIXSymbol:            "$VIX.X",
			VIXThreshold:         28,
			CooldownAfterExit:    "5m",
			DuplicateWindow:      "2m",
		},
	}
}

type gateFixture struct {
	gate      *Gate
	store     *store.MockStore
	quotes    *stream.Cache
	overrides *config.Overrides
	cfg       *config.Config
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	cfg := gateConfig()
	st := store.NewMockStore()
	quotes := stream.NewCache(5 * time.Second).
		WithClock(func() time.Time { return gateNow })
	overrides := &config.Overrides{}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	gate := NewGate(cfg, overrides, st, quotes, nil, logger).
		WithClock(func() time.Time { return gateNow })
	return &gateFixture{gate: gate, store: st, quotes: quotes, overrides: overrides, cfg: cfg}
}

func (f *gateFixture) setVIX(last float64, at time.Time) {
	f.quotes.Update(stream.Quote{Symbol: "$VIX.X", Last: last, ReceivedAt: at})
}

func (f *gateFixture) newAlert(t *testing.T, ticker string, dir models.Direction) *models.Alert {
	t.Helper()
	alert := &models.Alert{
		ReceivedAt: gateNow,
		RawPayload: "{}",
		Ticker:     ticker,
		Direction:  dir,
		Source:     "webhook",
	}
	if err := f.store.CreateAlert(alert); err != nil {
		t.Fatalf("creating alert: %v", err)
	}
	return alert
}

// closedTrade drives a full lifecycle so the mock books realized PnL. The
// admission alert is backdated past the duplicate window.
func (f *gateFixture) closedTrade(t *testing.T, symbol string, entry, exit float64, exitAt time.Time) {
	t.Helper()
	alert := &models.Alert{
		ReceivedAt: gateNow.Add(-4 * time.Hour),
		RawPayload: "{}",
		Ticker:     "SPY",
		Direction:  models.DirectionCall,
		Source:     "webhook",
	}
	if err := f.store.CreateAlert(alert); err != nil {
		t.Fatalf("creating alert: %v", err)
	}
	day := models.SessionDate(gateNow, time.UTC)
	trade := &models.Trade{
		TradeDate:      day,
		Direction:      models.DirectionCall,
		OptionSymbol:   symbol,
		StrikePrice:    500,
		ExpirationDate: day,
		EntryOrderID:   "ORD-" + symbol,
		EntryQuantity:  1,
	}
	if err := f.store.PromoteAlertToTrade(alert.ID, trade, ""); err != nil {
		t.Fatalf("promoting trade: %v", err)
	}
	if _, err := f.store.RecordEntryFill(trade.ID, entry, exitAt.Add(-10*time.Minute)); err != nil {
		t.Fatalf("filling entry: %v", err)
	}
	if _, err := f.store.RecordExitTrigger(trade.ID, models.ExitProfitTarget, "X-"+symbol); err != nil {
		t.Fatalf("triggering exit: %v", err)
	}
	if _, err := f.store.RecordExitFill(trade.ID, exit, exitAt, models.ExitProfitTarget); err != nil {
		t.Fatalf("filling exit: %v", err)
	}
}

func (f *gateFixture) check(t *testing.T, alert *models.Alert) Decision {
	t.Helper()
	d, err := f.gate.Check(alert)
	if err != nil {
		t.Fatalf("gate check errored: %v", err)
	}
	return d
}

func TestGate_AllowsCleanSignal(t *testing.T) {
	f := newGateFixture(t)
	f.setVIX(18, gateNow)

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if !d.Allowed {
		t.Fatalf("expected allowed, got %s: %s", d.Reason, d.Detail)
	}
}

func TestGate_TickerNotAllowed(t *testing.T) {
	f := newGateFixture(t)
	d := f.check(t, f.newAlert(t, "TSLA", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonTickerNotAllowed {
		t.Fatalf("expected %s, got %+v", ReasonTickerNotAllowed, d)
	}
}

func TestGate_EntriesHalted(t *testing.T) {
	f := newGateFixture(t)
	f.overrides.SetHaltEntries(true)

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonEntriesHalted {
		t.Fatalf("expected %s, got %+v", ReasonEntriesHalted, d)
	}
}

func TestGate_OutsideEntryWindow(t *testing.T) {
	f := newGateFixture(t)
	early := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	f.gate.WithClock(func() time.Time { return early })

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonOutsideEntryWindow {
		t.Fatalf("expected %s, got %+v", ReasonOutsideEntryWindow, d)
	}

	// The operator bypass admits signals outside the window.
	f.overrides.SetBypassEntryWindow(true)
	d = f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if !d.Allowed {
		t.Fatalf("bypass should admit, got %s: %s", d.Reason, d.Detail)
	}
}

func TestGate_VIXCircuitBreaker(t *testing.T) {
	f := newGateFixture(t)
	f.setVIX(33.5, gateNow)

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonVIXCircuitBreaker {
		t.Fatalf("expected %s, got %+v", ReasonVIXCircuitBreaker, d)
	}
}

func TestGate_StaleVIXPermitsEntry(t *testing.T) {
	f := newGateFixture(t)
	f.setVIX(33.5, gateNow.Add(-time.Hour))

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if !d.Allowed {
		t.Fatalf("stale VIX should permit entry, got %s: %s", d.Reason, d.Detail)
	}
}

func TestGate_EventCalendarBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.json")
	if err := os.WriteFile(path, []byte(`{"blocked_afternoons":["2026-08-03"]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cal := LoadCalendar(path, logger)

	f := newGateFixture(t)
	afternoon := time.Date(2026, 8, 3, 13, 0, 0, 0, time.UTC)
	gate := NewGate(f.cfg, f.overrides, f.store, f.quotes, cal, logger).
		WithClock(func() time.Time { return afternoon })

	d, err := gate.Check(f.newAlert(t, "SPY", models.DirectionCall))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonEventCalendarBlock {
		t.Fatalf("expected %s, got %+v", ReasonEventCalendarBlock, d)
	}

	// The same calendar does not block the morning.
	morning := time.Date(2026, 8, 3, 10, 30, 0, 0, time.UTC)
	gate.WithClock(func() time.Time { return morning })
	d, err = gate.Check(f.newAlert(t, "SPY", models.DirectionCall))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("morning should be admitted, got %s: %s", d.Reason, d.Detail)
	}
}

func TestGate_DailyTradeLimit(t *testing.T) {
	f := newGateFixture(t)
	f.cfg.Risk.MaxDailyTrades = 2
	longAgo := gateNow.Add(-3 * time.Hour)
	f.closedTrade(t, "SPY-A", 1.00, 1.40, longAgo)
	f.closedTrade(t, "SPY-B", 1.00, 1.40, longAgo.Add(time.Minute))

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonDailyTradeLimit {
		t.Fatalf("expected %s, got %+v", ReasonDailyTradeLimit, d)
	}
}

func TestGate_ConsecutiveLossLimit(t *testing.T) {
	f := newGateFixture(t)
	f.cfg.Risk.MaxConsecutiveLosses = 2
	longAgo := gateNow.Add(-3 * time.Hour)
	f.closedTrade(t, "SPY-A", 1.00, 0.80, longAgo)
	f.closedTrade(t, "SPY-B", 1.00, 0.70, longAgo.Add(time.Minute))

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonConsecutiveLossLim {
		t.Fatalf("expected %s, got %+v", ReasonConsecutiveLossLim, d)
	}
}

func TestGate_WinResetsLossStreak(t *testing.T) {
	f := newGateFixture(t)
	f.cfg.Risk.MaxConsecutiveLosses = 2
	longAgo := gateNow.Add(-3 * time.Hour)
	f.closedTrade(t, "SPY-A", 1.00, 0.80, longAgo)
	f.closedTrade(t, "SPY-B", 1.00, 0.70, longAgo.Add(time.Minute))
	f.closedTrade(t, "SPY-C", 1.00, 1.40, longAgo.Add(2*time.Minute))

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if !d.Allowed {
		t.Fatalf("win should reset the streak, got %s: %s", d.Reason, d.Detail)
	}
}

func TestGate_DailyLossLimit(t *testing.T) {
	f := newGateFixture(t)
	// One big loser: (1.00 - 9.00) x 1 x 100 = -800.
	f.closedTrade(t, "SPY-A", 9.00, 1.00, gateNow.Add(-3*time.Hour))

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonDailyLossLimit {
		t.Fatalf("expected %s, got %+v", ReasonDailyLossLimit, d)
	}
}

func TestGate_OpenPositionBlocks(t *testing.T) {
	f := newGateFixture(t)
	alert := f.newAlert(t, "SPY", models.DirectionCall)
	day := models.SessionDate(gateNow, time.UTC)
	trade := &models.Trade{
		TradeDate:      day,
		Direction:      models.DirectionCall,
		OptionSymbol:   "SPY-open",
		StrikePrice:    500,
		ExpirationDate: day,
		EntryOrderID:   "ORD-open",
		EntryQuantity:  1,
	}
	if err := f.store.PromoteAlertToTrade(alert.ID, trade, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.RecordEntryFill(trade.ID, 1.50, gateNow.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	d := f.check(t, f.newAlert(t, "QQQ", models.DirectionPut))
	if d.Allowed || d.Reason != ReasonOpenPositionExists {
		t.Fatalf("expected %s, got %+v", ReasonOpenPositionExists, d)
	}
}

func TestGate_TradeCooldown(t *testing.T) {
	f := newGateFixture(t)
	f.closedTrade(t, "SPY-A", 1.00, 1.40, gateNow.Add(-2*time.Minute))

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonTradeCooldown {
		t.Fatalf("expected %s, got %+v", ReasonTradeCooldown, d)
	}

	// Another ticker is not held back by SPY's cooldown.
	d = f.check(t, f.newAlert(t, "QQQ", models.DirectionCall))
	if !d.Allowed {
		t.Fatalf("other ticker should pass, got %s: %s", d.Reason, d.Detail)
	}
}

func TestGate_DuplicateSignal(t *testing.T) {
	f := newGateFixture(t)
	prior := f.newAlert(t, "SPY", models.DirectionCall)
	if err := f.store.MarkAlertProcessed(prior.ID, 1); err != nil {
		t.Fatal(err)
	}

	d := f.check(t, f.newAlert(t, "SPY", models.DirectionCall))
	if d.Allowed || d.Reason != ReasonDuplicateSignal {
		t.Fatalf("expected %s, got %+v", ReasonDuplicateSignal, d)
	}

	// The opposite direction is not a duplicate.
	d = f.check(t, f.newAlert(t, "SPY", models.DirectionPut))
	if !d.Allowed {
		t.Fatalf("opposite direction should pass, got %s: %s", d.Reason, d.Detail)
	}
}

func TestCalendar_BlocksAfternoonOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.json")
	if err := os.WriteFile(path, []byte(`{"blocked_afternoons":["2026-08-03","bogus"]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cal := LoadCalendar(path, logger)

	if cal.BlocksAfternoon(time.Date(2026, 8, 3, 11, 59, 0, 0, time.UTC)) {
		t.Error("morning should not be blocked")
	}
	if !cal.BlocksAfternoon(time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)) {
		t.Error("noon onward should be blocked")
	}
	if cal.BlocksAfternoon(time.Date(2026, 8, 4, 13, 0, 0, 0, time.UTC)) {
		t.Error("unlisted date should not be blocked")
	}
}

func TestLoadCalendar_MissingFile(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cal := LoadCalendar(filepath.Join(t.TempDir(), "nope.json"), logger)
	if cal.BlocksAfternoon(time.Date(2026, 8, 3, 13, 0, 0, 0, time.UTC)) {
		t.Error("empty calendar should block nothing")
	}
}
