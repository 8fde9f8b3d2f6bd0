package sched

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/bars"
	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
)

const schedSymbol = "SPY   260803C00500000"

// Monday 16:10 UTC, past the 16:05 summary clock.
var schedNow = time.Date(2026, 8, 3, 16, 10, 0, 0, time.UTC)

func quietSchedLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	l.SetOutput(io.Discard)
	return l
}

type schedFixture struct {
	sched  *Scheduler
	store  *store.MockStore
	quotes *stream.Cache
	now    time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	cfg := &config.Config{
		Schedule: config.ScheduleConfig{
			Timezone:         "UTC",
			DailySummaryAt:   "16:05",
			SnapshotInterval: "15s",
		},
	}
	f := &schedFixture{
		store: store.NewMockStore(),
		now:   schedNow,
	}
	f.quotes = stream.NewCache(5 * time.Second).WithClock(func() time.Time { return f.now })
	f.sched = New(cfg, f.store, f.quotes, bars.NewAggregator(time.UTC), quietSchedLogger(), time.UTC).
		WithClock(func() time.Time { return f.now })
	return f
}

// closedTrade books one full lifecycle with the given PnL-determining fills.
func (f *schedFixture) closedTrade(t *testing.T, seq int, entry, exit float64, heldMinutes int) {
	t.Helper()
	alert := &models.Alert{
		ReceivedAt: schedNow.Add(-5 * time.Hour),
		RawPayload: "{}",
		Ticker:     "SPY",
		Direction:  models.DirectionCall,
		Source:     "webhook",
	}
	if err := f.store.CreateAlert(alert); err != nil {
		t.Fatal(err)
	}
	day := models.SessionDate(schedNow, time.UTC)
	trade := &models.Trade{
		TradeDate:      day,
		Direction:      models.DirectionCall,
		OptionSymbol:   schedSymbol,
		StrikePrice:    500,
		ExpirationDate: day,
		EntryOrderID:   "ORD-" + string(rune('A'+seq)),
		EntryQuantity:  1,
	}
	if err := f.store.PromoteAlertToTrade(alert.ID, trade, ""); err != nil {
		t.Fatal(err)
	}
	exitAt := schedNow.Add(-1 * time.Hour)
	entryAt := exitAt.Add(-time.Duration(heldMinutes) * time.Minute)
	if _, err := f.store.RecordEntryFill(trade.ID, entry, entryAt); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.RecordExitTrigger(trade.ID, models.ExitProfitTarget, "X-"+string(rune('A'+seq))); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.RecordExitFill(trade.ID, exit, exitAt, models.ExitProfitTarget); err != nil {
		t.Fatal(err)
	}
}

func TestBuildSummary(t *testing.T) {
	f := newSchedFixture(t)
	// +100, -50, +30 on one contract each; held 20, 40, 60 minutes.
	f.closedTrade(t, 0, 1.00, 2.00, 20)
	f.closedTrade(t, 1, 1.00, 0.50, 40)
	f.closedTrade(t, 2, 1.00, 1.30, 60)

	day := models.SessionDate(schedNow, time.UTC)
	summary, err := f.sched.BuildSummary(day)
	if err != nil {
		t.Fatal(err)
	}

	if summary.TotalTrades != 3 || summary.WinningTrades != 2 || summary.LosingTrades != 1 {
		t.Errorf("counts = %d/%d/%d", summary.TotalTrades, summary.WinningTrades, summary.LosingTrades)
	}
	if summary.TotalPnL < 79.99 || summary.TotalPnL > 80.01 {
		t.Errorf("total pnl = %v, expected 80", summary.TotalPnL)
	}
	if summary.LargestWin < 99.99 || summary.LargestWin > 100.01 {
		t.Errorf("largest win = %v", summary.LargestWin)
	}
	if summary.LargestLoss > -49.99 || summary.LargestLoss < -50.01 {
		t.Errorf("largest loss = %v", summary.LargestLoss)
	}
	if summary.WinRate < 66.6 || summary.WinRate > 66.7 {
		t.Errorf("win rate = %v", summary.WinRate)
	}
	if summary.AvgHoldTimeMinutes < 39.99 || summary.AvgHoldTimeMinutes > 40.01 {
		t.Errorf("avg hold = %v, expected 40", summary.AvgHoldTimeMinutes)
	}
}

func TestBuildSummary_EmptyDay(t *testing.T) {
	f := newSchedFixture(t)
	summary, err := f.sched.BuildSummary(models.SessionDate(schedNow, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalTrades != 0 || summary.WinRate != 0 {
		t.Errorf("summary = %+v, expected zeros", summary)
	}
}

func TestMaybeWriteSummary_OncePastClock(t *testing.T) {
	f := newSchedFixture(t)
	f.closedTrade(t, 0, 1.00, 2.00, 20)
	day := models.SessionDate(schedNow, time.UTC)

	// Before the clock nothing is written.
	f.now = time.Date(2026, 8, 3, 15, 0, 0, 0, time.UTC)
	f.sched.maybeWriteSummary(nil)
	if _, err := f.store.GetDailySummary(day); err != store.ErrNotFound {
		t.Fatalf("summary written early: %v", err)
	}

	f.now = schedNow
	f.sched.maybeWriteSummary(nil)
	summary, err := f.store.GetDailySummary(day)
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	if summary.TotalTrades != 1 {
		t.Errorf("summary = %+v", summary)
	}

	// Another pass on the same day is a no-op, not a rewrite.
	f.closedTrade(t, 1, 1.00, 0.50, 10)
	f.sched.maybeWriteSummary(nil)
	summary, _ = f.store.GetDailySummary(day)
	if summary.TotalTrades != 1 {
		t.Errorf("summary rewritten: %+v", summary)
	}
}

func TestMaybeWriteSummary_SkipsWeekend(t *testing.T) {
	f := newSchedFixture(t)
	f.now = time.Date(2026, 8, 1, 17, 0, 0, 0, time.UTC) // Saturday
	f.sched.maybeWriteSummary(nil)
	if _, err := f.store.GetDailySummary(models.SessionDate(f.now, time.UTC)); err != store.ErrNotFound {
		t.Errorf("weekend summary written: %v", err)
	}
}

func TestRecordSnapshots(t *testing.T) {
	f := newSchedFixture(t)

	alert := &models.Alert{
		ReceivedAt: schedNow, RawPayload: "{}", Ticker: "SPY",
		Direction: models.DirectionCall, Source: "webhook",
	}
	if err := f.store.CreateAlert(alert); err != nil {
		t.Fatal(err)
	}
	day := models.SessionDate(schedNow, time.UTC)
	trade := &models.Trade{
		TradeDate: day, Direction: models.DirectionCall, OptionSymbol: schedSymbol,
		StrikePrice: 500, ExpirationDate: day, EntryOrderID: "ORD-SNAP", EntryQuantity: 1,
	}
	if err := f.store.PromoteAlertToTrade(alert.ID, trade, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.RecordEntryFill(trade.ID, 1.50, schedNow.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	// Stale quote: nothing recorded.
	f.quotes.Update(stream.Quote{Symbol: schedSymbol, Bid: 1.50, Ask: 1.60, ReceivedAt: schedNow.Add(-time.Minute)})
	f.sched.recordSnapshots(nil)

	// Fresh quote: one snapshot at the mid.
	f.quotes.Update(stream.Quote{Symbol: schedSymbol, Bid: 1.50, Ask: 1.60, ReceivedAt: schedNow})
	f.sched.recordSnapshots(nil)

	snaps := f.store.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, expected 1", len(snaps))
	}
	if snaps[0].Price < 1.549 || snaps[0].Price > 1.551 {
		t.Errorf("snapshot price = %v, expected the 1.55 mid", snaps[0].Price)
	}
}
