package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/bars"
	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
	"github.com/eddiefleurent/mifflin_scalper/internal/bus"
	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/exits"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/orders"
	"github.com/eddiefleurent/mifflin_scalper/internal/risk"
	"github.com/eddiefleurent/mifflin_scalper/internal/selector"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/strategy"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
)

// Full admission -> fill -> exit walks over the paper broker, with the
// pipeline, order manager and exit engine sharing one store and lock table.

const lcSymbol = "SPY   260803C00694000"

var lcNow = time.Date(2026, 8, 3, 11, 0, 0, 0, time.UTC)

func lcConfig() *config.Config {
	cfg := pipeConfig()
	cfg.Trading.DefaultQuantity = 1
	cfg.Trading.ProfitTargetPercent = 60
	cfg.Trading.TrailingStopPercent = 15
	cfg.Trading.TrailingActivationPercent = 15
	cfg.Trading.MaxHoldMinutes = 180
	return cfg
}

type lcFixture struct {
	cfg    *config.Config
	broker *broker.PaperBroker
	store  *store.MockStore
	quotes *stream.Cache
	exits  *exits.Engine
	orders *orders.Manager
	pipe   *Pipeline
	now    time.Time
}

func newLCFixture(t *testing.T, cfg *config.Config) *lcFixture {
	t.Helper()
	logger := quietPipeLogger()
	f := &lcFixture{cfg: cfg, store: store.NewMockStore(), now: lcNow}
	clock := func() time.Time { return f.now }

	f.broker = broker.NewPaperBroker().WithClock(clock)
	f.quotes = stream.NewCache(5 * time.Second).WithClock(clock)
	locks := store.NewTradeLocker()
	eventBus := bus.New(logger)

	gate := risk.NewGate(cfg, &config.Overrides{}, f.store, f.quotes, nil, logger).WithClock(clock)
	sel := selector.New(f.broker, selector.Config{
		DeltaTarget:      cfg.Selection.DeltaTarget,
		MaxSpreadPercent: cfg.Selection.MaxSpreadPercent,
		StrikeCount:      cfg.Selection.StrikeCount,
	}, time.UTC).WithClock(clock)
	f.exits = exits.NewEngine(f.broker, f.store, locks, f.quotes, eventBus, logger, exits.Config{
		ProfitTargetPercent:       cfg.Trading.ProfitTargetPercent,
		TrailingStopPercent:       cfg.Trading.TrailingStopPercent,
		TrailingActivationPercent: cfg.Trading.TrailingActivationPercent,
		BreakevenTriggerPercent:   cfg.Trading.BreakevenTriggerPercent,
		MaxHoldMinutes:            cfg.Trading.MaxHoldMinutes,
		ForceExitClock:            cfg.Schedule.ForceExit,
		ExitMaxSpreadPercent:      cfg.Trading.ExitMaxSpreadPercent,
		Location:                  time.UTC,
	}).WithClock(clock)
	f.orders = orders.NewManager(f.broker, f.store, locks, eventBus, logger, orders.Config{
		EntryLimitTimeout: time.Minute,
		StopLossPercent:   cfg.Trading.StopLossPercent,
		ATRStopMult:       cfg.Trading.ATRStopMult,
		MaxTradesPerTick:  cfg.Trading.MaxTradesPerTick,
	}).WithClock(clock)

	f.pipe = New(cfg, f.store, gate, sel, f.broker, f.quotes, bars.NewAggregator(time.UTC),
		f.exits, eventBus, logger, time.UTC).WithClock(clock)
	return f
}

// seedEntryMarket seeds the underlying quote, a near-the-money call at
// 0.41/0.42, and minute bars holding a constant 0.10 true range.
func (f *lcFixture) seedEntryMarket() {
	f.broker.SetQuote("SPY", broker.EquityQuote{Last: 694.50})
	f.broker.SetChain("SPY", models.DirectionCall, []broker.ChainContract{
		{
			Symbol:     lcSymbol,
			Strike:     694,
			Expiration: models.SessionDate(lcNow, time.UTC),
			Bid:        0.41,
			Ask:        0.42,
			Delta:      0.48,
		},
	})
	var series []models.Bar
	for i := 0; i < 16; i++ {
		series = append(series, models.Bar{
			Timestamp: lcNow.Add(time.Duration(i-16) * time.Minute),
			Open:      694.50, High: 694.55, Low: 694.45, Close: 694.50,
			Volume: 1000,
		})
	}
	f.broker.SetBars("SPY", series)
}

// setOptionQuote moves the option's streamed price and the paper fill price.
func (f *lcFixture) setOptionQuote(last float64) {
	f.quotes.Update(stream.Quote{Symbol: lcSymbol, Last: last, ReceivedAt: f.now})
	f.broker.SetQuote(lcSymbol, broker.EquityQuote{Last: last})
}

// enter runs admission and the first order tick, returning the trade with
// its broker stop resting.
func (f *lcFixture) enter(t *testing.T) *models.Trade {
	t.Helper()
	out := f.pipe.Process(context.Background(), Request{
		Ticker:     "SPY",
		Action:     "CALL",
		Price:      694.50,
		Source:     "webhook",
		RawPayload: "{}",
	})
	if out.Kind != Accepted {
		t.Fatalf("admission outcome = %+v", out)
	}
	f.orders.Tick(context.Background())
	trade, err := f.store.GetTrade(out.TradeID)
	if err != nil {
		t.Fatal(err)
	}
	return trade
}

func TestLifecycle_TrailingStopRide(t *testing.T) {
	f := newLCFixture(t, lcConfig())
	f.seedEntryMarket()
	ctx := context.Background()

	trade := f.enter(t)
	if trade.Status != models.StatusStopLossPlaced {
		t.Fatalf("status = %s, expected STOP_LOSS_PLACED", trade.Status)
	}
	if trade.EntryPrice != 0.42 {
		t.Errorf("entry = %v, expected the 0.42 ask", trade.EntryPrice)
	}
	if trade.ATRAtEntry < 0.099 || trade.ATRAtEntry > 0.101 {
		t.Errorf("ATR at entry = %v, expected 0.10", trade.ATRAtEntry)
	}
	// Stop at entry minus two ATR.
	if trade.StopLossPrice < 0.219 || trade.StopLossPrice > 0.221 {
		t.Errorf("stop = %v, expected 0.22", trade.StopLossPrice)
	}

	// Run-up to 0.60 arms the trail at 0.51 without triggering anything.
	f.setOptionQuote(0.60)
	f.exits.Tick(ctx)
	got, _ := f.store.GetTrade(trade.ID)
	if got.Status != models.StatusStopLossPlaced {
		t.Fatalf("status after run-up = %s", got.Status)
	}
	if got.HighestPriceSeen != 0.60 {
		t.Errorf("high-water = %v, expected 0.60", got.HighestPriceSeen)
	}
	if got.TrailingStopPrice < 0.509 || got.TrailingStopPrice > 0.511 {
		t.Errorf("trailing stop = %v, expected 0.51", got.TrailingStopPrice)
	}

	// Pull back to the trail.
	f.setOptionQuote(0.51)
	f.exits.Tick(ctx)
	got, _ = f.store.GetTrade(trade.ID)
	if got.Status != models.StatusExiting || got.ExitReason != models.ExitTrailingStop {
		t.Fatalf("got %s/%s, expected EXITING/TRAILING_STOP", got.Status, got.ExitReason)
	}

	f.orders.Tick(ctx)
	got, _ = f.store.GetTrade(trade.ID)
	if got.Status != models.StatusClosed {
		t.Fatalf("status = %s, expected CLOSED", got.Status)
	}
	if got.PnLDollars < 8.99 || got.PnLDollars > 9.01 {
		t.Errorf("pnl = %v, expected 9.00", got.PnLDollars)
	}

	// The broker stop was cancelled before the market exit went out.
	status, err := f.broker.OrderStatus(ctx, trade.StopLossOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != broker.OrderCancelled {
		t.Errorf("stop order state = %s, expected CANCELLED", status.State)
	}
}

func TestLifecycle_ForceExitAtSessionEnd(t *testing.T) {
	f := newLCFixture(t, lcConfig())
	ctx := context.Background()

	// Position filled two minutes before the force-exit clock; max hold is
	// three hours and nowhere near reached.
	f.now = time.Date(2026, 8, 3, 15, 0, 0, 0, time.UTC)
	alert := &models.Alert{
		ReceivedAt: f.now.Add(-3 * time.Minute), RawPayload: "{}",
		Ticker: "SPY", Direction: models.DirectionCall, Source: "webhook",
	}
	if err := f.store.CreateAlert(alert); err != nil {
		t.Fatal(err)
	}
	trade := &models.Trade{
		TradeDate:      models.SessionDate(f.now, time.UTC),
		Direction:      models.DirectionCall,
		OptionSymbol:   lcSymbol,
		StrikePrice:    694,
		ExpirationDate: models.SessionDate(f.now, time.UTC),
		EntryOrderID:   "ENT-LATE",
		EntryQuantity:  1,
	}
	if err := f.store.PromoteAlertToTrade(alert.ID, trade, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.RecordEntryFill(trade.ID, 0.42, f.now.Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	f.setOptionQuote(0.40)
	f.exits.Tick(ctx)
	got, _ := f.store.GetTrade(trade.ID)
	if got.Status != models.StatusExiting || got.ExitReason != models.ExitTimeBased {
		t.Fatalf("got %s/%s, expected EXITING/TIME_BASED", got.Status, got.ExitReason)
	}

	f.orders.Tick(ctx)
	got, _ = f.store.GetTrade(trade.ID)
	if got.Status != models.StatusClosed || got.ExitReason != models.ExitTimeBased {
		t.Errorf("got %s/%s, expected CLOSED/TIME_BASED", got.Status, got.ExitReason)
	}
}

func TestLifecycle_EntryLimitTimeout(t *testing.T) {
	f := newLCFixture(t, lcConfig())
	f.seedEntryMarket()
	f.broker.HoldEntries(true)
	ctx := context.Background()

	out := f.pipe.Process(ctx, Request{
		Ticker: "SPY", Action: "CALL", Price: 694.50,
		Source: "webhook", RawPayload: "{}",
	})
	if out.Kind != Accepted {
		t.Fatalf("admission outcome = %+v", out)
	}

	f.orders.Tick(ctx)
	got, _ := f.store.GetTrade(out.TradeID)
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, expected PENDING while the order works", got.Status)
	}

	// Past the limit timeout the order is cancelled, not replaced.
	f.now = time.Now().UTC().Add(5 * time.Minute)
	f.orders.Tick(ctx)
	got, _ = f.store.GetTrade(out.TradeID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, expected CANCELLED", got.Status)
	}
	if got.StopLossOrderID != "" || got.ExitOrderID != "" {
		t.Errorf("follow-up orders placed: stop=%q exit=%q", got.StopLossOrderID, got.ExitOrderID)
	}

	status, err := f.broker.OrderStatus(ctx, got.EntryOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != broker.OrderCancelled {
		t.Errorf("entry order state = %s, expected CANCELLED", status.State)
	}

	events, _ := f.store.TradeEvents(out.TradeID)
	var sawTimeout bool
	for _, ev := range events {
		if ev.Type == models.EventEntryLimitTimeout {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("no ENTRY_LIMIT_TIMEOUT event recorded")
	}
}

func TestLifecycle_VIXHaltsAdmission(t *testing.T) {
	f := newLCFixture(t, lcConfig())
	// No market data seeded: a broker call past the gate would error out.
	f.quotes.Update(stream.Quote{Symbol: "$VIX.X", Last: 32.1, ReceivedAt: f.now})

	out := f.pipe.Process(context.Background(), Request{
		Ticker: "SPY", Action: "CALL", Price: 694.50,
		Source: "webhook", RawPayload: "{}",
	})
	if out.Kind != Rejected || out.Reason != risk.ReasonVIXCircuitBreaker {
		t.Fatalf("outcome = %+v, expected the VIX circuit breaker", out)
	}
	trades, _ := f.store.ListTrades(10)
	if len(trades) != 0 {
		t.Errorf("trades created under the circuit breaker: %d", len(trades))
	}
}

func TestLifecycle_ConfluenceDoubleSize(t *testing.T) {
	cfg := lcConfig()
	cfg.Trading.DefaultQuantity = 2
	f := newLCFixture(t, cfg)
	f.seedEntryMarket()
	ctx := context.Background()

	out := f.pipe.Process(ctx, Request{
		Ticker: "SPY", Action: "CALL",
		Source: "strategy:confluence_score", RawPayload: "{}",
		Confluence: &strategy.Signal{
			Direction:       models.DirectionCall,
			ConfluenceScore: 6,
			ConfluenceMax:   6,
			RelVolume:       2.5,
		},
	})
	if out.Kind != Accepted {
		t.Fatalf("admission outcome = %+v", out)
	}

	f.orders.Tick(ctx)
	got, _ := f.store.GetTrade(out.TradeID)
	if got.EntryQuantity != 4 {
		t.Errorf("quantity = %d, expected double size 4", got.EntryQuantity)
	}
	if got.Status != models.StatusStopLossPlaced {
		t.Errorf("status = %s, expected STOP_LOSS_PLACED", got.Status)
	}
}

func TestLifecycle_BrokerStopFill(t *testing.T) {
	f := newLCFixture(t, lcConfig())
	f.seedEntryMarket()
	ctx := context.Background()

	trade := f.enter(t)
	if trade.Status != models.StatusStopLossPlaced {
		t.Fatalf("status = %s, expected STOP_LOSS_PLACED", trade.Status)
	}

	if err := f.broker.FillOrder(trade.StopLossOrderID, 0.22, f.now); err != nil {
		t.Fatal(err)
	}
	f.orders.Tick(ctx)

	got, _ := f.store.GetTrade(trade.ID)
	if got.Status != models.StatusClosed || got.ExitReason != models.ExitStopLossHit {
		t.Fatalf("got %s/%s, expected CLOSED/STOP_LOSS_HIT", got.Status, got.ExitReason)
	}
	if got.PnLDollars < -20.01 || got.PnLDollars > -19.99 {
		t.Errorf("pnl = %v, expected -20.00", got.PnLDollars)
	}

	events, _ := f.store.TradeEvents(trade.ID)
	var sawStopHit bool
	for _, ev := range events {
		if ev.Type == models.EventStopLossHit {
			sawStopHit = true
		}
	}
	if !sawStopHit {
		t.Error("no STOP_LOSS_HIT event recorded")
	}
}
