package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/bars"
	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
	"github.com/eddiefleurent/mifflin_scalper/internal/bus"
	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/dashboard"
	"github.com/eddiefleurent/mifflin_scalper/internal/exits"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/orders"
	"github.com/eddiefleurent/mifflin_scalper/internal/pipeline"
	"github.com/eddiefleurent/mifflin_scalper/internal/risk"
	"github.com/eddiefleurent/mifflin_scalper/internal/sched"
	"github.com/eddiefleurent/mifflin_scalper/internal/selector"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/strategy"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
)

// signalSink adapts internal strategy signals onto the admission pipeline.
type signalSink struct {
	pipe *pipeline.Pipeline
}

func (s *signalSink) SubmitSignal(ctx context.Context, ticker, signalType string, sig *strategy.Signal) {
	action := pipeline.ActionCall
	if sig.Direction == models.DirectionPut {
		action = pipeline.ActionPut
	}
	s.pipe.Process(ctx, pipeline.Request{
		Ticker:     ticker,
		Action:     action,
		Price:      sig.Price,
		Source:     "strategy:" + signalType,
		RawPayload: sig.Reason,
		Confluence: sig,
	})
}

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load market timezone")
	}

	logger.WithField("mode", cfg.Environment.Mode).Info("Starting scalper engine")
	if !cfg.IsPaperTrading() {
		logger.Warn("LIVE TRADING MODE - real money at risk, starting in 10 seconds")
		time.Sleep(10 * time.Second)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("Store close failed")
		}
	}()

	var brk broker.Broker
	if cfg.IsPaperTrading() {
		brk = broker.NewPaperBroker()
	} else {
		schwab := broker.NewSchwabClient(cfg.Broker.AccessToken, cfg.Broker.AccountHash).
			WithBaseURLs(cfg.Broker.TraderEndpoint, cfg.Broker.MarketDataEndpoint)
		brk = broker.NewCircuitBreakerBroker(schwab)
	}

	staleAfter := config.Duration(cfg.Schedule.StaleQuoteAfter, stream.DefaultStaleAfter)
	quotes := stream.NewCache(staleAfter)
	agg := bars.NewAggregator(loc)
	quotes.OnUpdate(func(q stream.Quote) {
		agg.AddTick(q.Symbol, q.Last, q.Volume, q.ReceivedAt)
	})

	// The VIX circuit breaker and the allowed underlyings always stream.
	quotes.Subscribe(cfg.Risk.VIXSymbol)
	for _, ticker := range cfg.Risk.AllowedTickers {
		quotes.Subscribe(ticker)
	}

	eventBus := bus.New(logger)
	locks := store.NewTradeLocker()
	overrides := &config.Overrides{}
	calendar := risk.LoadCalendar(cfg.Risk.EventCalendarPath, logger)

	gate := risk.NewGate(cfg, overrides, st, quotes, calendar, logger)
	sel := selector.New(brk, selector.Config{
		DeltaTarget:      cfg.Selection.DeltaTarget,
		MaxSpreadPercent: cfg.Selection.MaxSpreadPercent,
		StrikeCount:      cfg.Selection.StrikeCount,
	}, loc)

	exitEngine := exits.NewEngine(brk, st, locks, quotes, eventBus, logger, exits.Config{
		CheckInterval:             config.Duration(cfg.Schedule.ExitCheckInterval, exits.DefaultConfig.CheckInterval),
		ProfitTargetPercent:       cfg.Trading.ProfitTargetPercent,
		TrailingStopPercent:       cfg.Trading.TrailingStopPercent,
		TrailingActivationPercent: cfg.Trading.TrailingActivationPercent,
		BreakevenTriggerPercent:   cfg.Trading.BreakevenTriggerPercent,
		MaxHoldMinutes:            cfg.Trading.MaxHoldMinutes,
		ForceExitClock:            cfg.Schedule.ForceExit,
		ExitMaxSpreadPercent:      cfg.Trading.ExitMaxSpreadPercent,
		Location:                  loc,
	})

	orderManager := orders.NewManager(brk, st, locks, eventBus, logger, orders.Config{
		PollInterval:      config.Duration(cfg.Schedule.OrderPollInterval, orders.DefaultConfig.PollInterval),
		EntryLimitTimeout: config.Duration(cfg.Trading.EntryLimitTimeout, orders.DefaultConfig.EntryLimitTimeout),
		StopLossPercent:   cfg.Trading.StopLossPercent,
		ATRStopMult:       cfg.Trading.ATRStopMult,
		MaxTradesPerTick:  cfg.Trading.MaxTradesPerTick,
	})

	pipe := pipeline.New(cfg, st, gate, sel, brk, quotes, agg, exitEngine, eventBus, logger, loc)
	supervisor := strategy.NewSupervisor(cfg, st, brk, agg, quotes, &signalSink{pipe: pipe}, logger, loc)

	poller := stream.NewPoller(quotes, brk, config.Duration(cfg.Schedule.QuotePollInterval, 2*time.Second))
	server := dashboard.NewServer(cfg, st, pipe, exitEngine, overrides, eventBus, supervisor, logger)

	scheduler := sched.New(cfg, st, quotes, agg, logger, loc,
		poller, orderManager, exitEngine, supervisor, server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
		logger.WithError(err).Error("Engine stopped with error")
		os.Exit(1)
	}
	logger.Info("Engine stopped")
}
