package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/bars"
	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
)

// SignalSink receives fired signals; the admission pipeline sits behind it.
type SignalSink interface {
	SubmitSignal(ctx context.Context, ticker, signalType string, sig *Signal)
}

const (
	// warmupBars is how many completed bars are backfilled per worker so
	// indicators are live from the first session minute.
	warmupBars = 60
	// pendingTTL bounds how long an unconfirmed signal stays pending.
	pendingTTL = 5 * time.Minute
	// refreshInterval is how often the enabled-strategy set is re-read.
	refreshInterval = 30 * time.Second
)

type workerKey struct {
	ticker     string
	tf         int
	signalType string
}

// Supervisor runs one worker per enabled (ticker, timeframe, signal type)
// tuple and rebuilds the set when the admin surface changes it.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *config.Config
	store   store.Interface
	broker  broker.Broker
	bars    *bars.Aggregator
	quotes  *stream.Cache
	sink    SignalSink
	logger  *logrus.Logger
	loc     *time.Location
	now     func() time.Time
	workers map[workerKey]*worker
	baseCtx context.Context
}

// NewSupervisor creates the strategy supervisor.
func NewSupervisor(cfg *config.Config, st store.Interface, b broker.Broker,
	agg *bars.Aggregator, quotes *stream.Cache, sink SignalSink,
	logger *logrus.Logger, loc *time.Location) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		broker:  b,
		bars:    agg,
		quotes:  quotes,
		sink:    sink,
		logger:  logger,
		loc:     loc,
		now:     time.Now,
		workers: make(map[workerKey]*worker),
	}
}

// WithClock overrides the supervisor's clock for tests.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// Run refreshes the worker set until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.Refresh(ctx)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Strategy supervisor stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh reconciles running workers against the persisted enabled set.
func (s *Supervisor) Refresh(ctx context.Context) {
	enabled, err := s.store.ListEnabledStrategies()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list enabled strategies")
		return
	}

	desired := make(map[workerKey]models.EnabledStrategy, len(enabled))
	for _, es := range enabled {
		tf, err := TimeframeMinutes(es.Timeframe)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"ticker":    es.Ticker,
				"timeframe": es.Timeframe,
			}).Warn("Skipping strategy with unknown timeframe")
			continue
		}
		desired[workerKey{es.Ticker, tf, es.SignalType}] = es
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.workers {
		if _, keep := desired[key]; !keep {
			w.disable()
			s.quotes.Unsubscribe(key.ticker)
			delete(s.workers, key)
			s.logger.WithFields(logrus.Fields{
				"ticker":      key.ticker,
				"timeframe":   key.tf,
				"signal_type": key.signalType,
			}).Info("Strategy worker stopped")
		}
	}

	for key, es := range desired {
		if _, running := s.workers[key]; running {
			continue
		}
		s.startWorker(ctx, key, es)
	}
}

func (s *Supervisor) startWorker(ctx context.Context, key workerKey, es models.EnabledStrategy) {
	params, err := ParseParams(key.signalType, es.Params)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"ticker":      key.ticker,
			"signal_type": key.signalType,
		}).Error("Strategy params unparseable, worker not started")
		return
	}

	eval := NewEvaluator(params, s.loc)
	if high, low, closePrice, ok := s.priorDay(ctx, key.ticker); ok {
		eval.SetPriorDay(high, low, closePrice)
	}

	w := &worker{
		key:     key,
		params:  params,
		eval:    eval,
		sup:     s,
		enabled: true,
		fired:   make(map[int64]bool),
	}
	s.workers[key] = w

	s.bars.Register(key.ticker, key.tf)
	s.backfill(ctx, key)
	s.quotes.Subscribe(key.ticker)
	s.bars.OnBarClose(key.ticker, key.tf, w.onBarClose)

	s.logger.WithFields(logrus.Fields{
		"ticker":      key.ticker,
		"timeframe":   key.tf,
		"signal_type": key.signalType,
	}).Info("Strategy worker started")
}

// backfill seeds the series from broker history so indicators have warmup.
func (s *Supervisor) backfill(ctx context.Context, key workerKey) {
	end := s.now()
	start := end.Add(-time.Duration(warmupBars*key.tf) * time.Minute)
	history, err := s.broker.PriceHistory(ctx, key.ticker, key.tf, start, end)
	if err != nil {
		s.logger.WithError(err).WithField("ticker", key.ticker).Warn("Bar backfill failed")
		return
	}
	for _, bar := range history {
		s.bars.AddBar(key.ticker, key.tf, bar)
	}
}

// priorDay derives the previous session's high, low, and close from 30
// minute history.
func (s *Supervisor) priorDay(ctx context.Context, ticker string) (high, low, closePrice float64, ok bool) {
	end := s.now()
	history, err := s.broker.PriceHistory(ctx, ticker, 30, end.AddDate(0, 0, -7), end)
	if err != nil || len(history) == 0 {
		return 0, 0, 0, false
	}

	today := end.In(s.loc).Format("2006-01-02")
	byDay := make(map[string][]models.Bar)
	var days []string
	for _, bar := range history {
		day := bar.Timestamp.In(s.loc).Format("2006-01-02")
		if day == today {
			continue
		}
		if _, seen := byDay[day]; !seen {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], bar)
	}
	if len(days) == 0 {
		return 0, 0, 0, false
	}

	last := days[0]
	for _, day := range days[1:] {
		if day > last {
			last = day
		}
	}
	for i, bar := range byDay[last] {
		if i == 0 || bar.High > high {
			high = bar.High
		}
		if i == 0 || bar.Low < low {
			low = bar.Low
		}
		closePrice = bar.Close
	}
	return high, low, closePrice, true
}

func (s *Supervisor) submit(ticker, signalType string, sig *Signal) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.sink.SubmitSignal(ctx, ticker, signalType, sig)
}

type pendingSignal struct {
	sig          *Signal
	confirmsLeft int
	expiresAt    time.Time
}

// worker evaluates one strategy tuple on each completed bar. Signals are
// deduplicated per bar timestamp and reset at the session roll.
type worker struct {
	mu      sync.Mutex
	key     workerKey
	params  Params
	eval    *Evaluator
	sup     *Supervisor
	enabled bool
	curDay  string
	fired   map[int64]bool
	pending *pendingSignal
}

func (w *worker) disable() {
	w.mu.Lock()
	w.enabled = false
	w.mu.Unlock()
}

func (w *worker) onBarClose(symbol string, tf int, bar models.Bar) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return
	}

	day := bar.Timestamp.In(w.sup.loc).Format("2006-01-02")
	if day != w.curDay {
		w.curDay = day
		w.fired = make(map[int64]bool)
		w.pending = nil
	}

	barClose := bar.Timestamp.Add(time.Duration(tf) * time.Minute)
	if !w.sup.cfg.IsWithinEntryWindow(barClose) {
		w.pending = nil
		return
	}

	series := w.sup.bars.LastBars(symbol, tf, 0)
	raw := w.eval.Evaluate(series)

	if w.pending != nil {
		if w.sup.now().After(w.pending.expiresAt) {
			w.pending = nil
		} else if raw != nil && raw.Direction != w.pending.sig.Direction {
			// Opposite signal voids the pending one.
			w.pending = nil
		} else if w.confirms(bar) {
			w.pending.confirmsLeft--
			if w.pending.confirmsLeft <= 0 {
				w.fire(w.pending.sig)
				w.pending = nil
			}
			return
		} else {
			// Every follow-through bar must agree; one bar against the
			// pending direction rejects the signal outright.
			w.pending = nil
			return
		}
	}

	if raw == nil || w.fired[raw.Timestamp.Unix()] {
		return
	}
	if w.params.ConfirmBars <= 0 {
		w.fire(raw)
		return
	}
	w.pending = &pendingSignal{
		sig:          raw,
		confirmsLeft: w.params.ConfirmBars,
		expiresAt:    w.sup.now().Add(pendingTTL),
	}
}

// confirms reports whether the bar agrees with the pending direction: a
// green bar confirms a call, a red bar confirms a put.
func (w *worker) confirms(bar models.Bar) bool {
	if w.pending.sig.Direction == models.DirectionCall {
		return bar.Close > bar.Open
	}
	return bar.Close < bar.Open
}

func (w *worker) fire(sig *Signal) {
	w.fired[sig.Timestamp.Unix()] = true
	w.sup.logger.WithFields(logrus.Fields{
		"ticker":      w.key.ticker,
		"timeframe":   w.key.tf,
		"signal_type": w.key.signalType,
		"direction":   sig.Direction,
		"reason":      sig.Reason,
	}).Info("Signal fired")
	w.sup.submit(w.key.ticker, w.key.signalType, sig)
}
