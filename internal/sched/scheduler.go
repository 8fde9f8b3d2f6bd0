// Package sched supervises the engine's background loops under one
// errgroup: quote polling, bar completion, order reconciliation, exit
// checks, strategy workers, price snapshots, and the daily summary.
package sched

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/mifflin_scalper/internal/bars"
	"github.com/eddiefleurent/mifflin_scalper/internal/config"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
	"github.com/eddiefleurent/mifflin_scalper/internal/store"
	"github.com/eddiefleurent/mifflin_scalper/internal/stream"
)

// Runner is a long-running loop owned by the scheduler.
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler owns the background loops.
type Scheduler struct {
	cfg     *config.Config
	store   store.Interface
	quotes  *stream.Cache
	bars    *bars.Aggregator
	runners []Runner
	logger  *logrus.Logger
	loc     *time.Location
	now     func() time.Time
}

// New creates a scheduler over the given long-running loops.
func New(cfg *config.Config, st store.Interface, quotes *stream.Cache,
	agg *bars.Aggregator, logger *logrus.Logger, loc *time.Location, runners ...Runner) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		quotes:  quotes,
		bars:    agg,
		runners: runners,
		logger:  logger,
		loc:     loc,
		now:     time.Now,
	}
}

// WithClock overrides the scheduler's clock for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run starts every loop and blocks until the context is cancelled or a
// loop fails with a non-cancellation error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, r := range s.runners {
		r := r
		g.Go(func() error {
			err := r.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error { return s.every(ctx, "bar close", time.Second, s.closeDueBars) })
	g.Go(func() error {
		interval := config.Duration(s.cfg.Schedule.SnapshotInterval, 15*time.Second)
		return s.every(ctx, "price snapshot", interval, s.recordSnapshots)
	})
	g.Go(func() error { return s.every(ctx, "daily summary", 30*time.Second, s.maybeWriteSummary) })

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// every runs fn on an interval with up to 10% jitter so the loops do not
// align their broker calls.
func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) error {
	for {
		wait := interval + time.Duration(rand.Int63n(int64(interval)/10+1)) // #nosec G404 -- timing jitter only
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.WithField("task", name).Debug("Periodic task stopped")
			return ctx.Err()
		case <-timer.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) closeDueBars(_ context.Context) {
	s.bars.CloseDue(s.now())
}

// recordSnapshots captures the option price for each open position.
func (s *Scheduler) recordSnapshots(_ context.Context) {
	trades, err := s.store.OpenTrades()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list open trades for snapshots")
		return
	}
	for _, trade := range trades {
		quote, fresh := s.quotes.Get(trade.OptionSymbol)
		if !fresh {
			continue
		}
		price := quote.Mid()
		if price <= 0 {
			continue
		}
		if err := s.store.RecordPriceSnapshot(&models.TradePriceSnapshot{
			TradeID:          trade.ID,
			Timestamp:        s.now().UTC(),
			Price:            price,
			HighestPriceSeen: trade.HighestPriceSeen,
		}); err != nil {
			s.logger.WithError(err).WithField("trade_id", trade.ID).Warn("Failed to record price snapshot")
		}
	}
}

// maybeWriteSummary writes the daily summary once after the configured
// clock on weekdays.
func (s *Scheduler) maybeWriteSummary(_ context.Context) {
	now := s.now().In(s.loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return
	}
	due, err := config.ClockOnDay(s.cfg.Schedule.DailySummaryAt, now, s.loc)
	if err != nil || now.Before(due) {
		return
	}

	day := models.SessionDate(now, s.loc)
	if _, err := s.store.GetDailySummary(day); err == nil {
		return
	} else if err != store.ErrNotFound {
		s.logger.WithError(err).Error("Failed to read daily summary")
		return
	}

	summary, err := s.BuildSummary(day)
	if err != nil {
		s.logger.WithError(err).Error("Failed to build daily summary")
		return
	}
	if err := s.store.UpsertDailySummary(summary); err != nil {
		s.logger.WithError(err).Error("Failed to write daily summary")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"date":   day.Format("2006-01-02"),
		"trades": summary.TotalTrades,
		"pnl":    summary.TotalPnL,
	}).Info("Daily summary written")
}

// BuildSummary aggregates the session's closed trades.
func (s *Scheduler) BuildSummary(day time.Time) (*models.DailySummary, error) {
	trades, err := s.store.ClosedTrades(day)
	if err != nil {
		return nil, err
	}

	summary := &models.DailySummary{TradeDate: day, TotalTrades: len(trades)}
	var holdMinutes float64
	var held int
	for _, t := range trades {
		summary.TotalPnL += t.PnLDollars
		if t.PnLDollars >= 0 {
			summary.WinningTrades++
		} else {
			summary.LosingTrades++
		}
		if t.PnLDollars > summary.LargestWin {
			summary.LargestWin = t.PnLDollars
		}
		if t.PnLDollars < summary.LargestLoss {
			summary.LargestLoss = t.PnLDollars
		}
		if t.EntryFilledAt != nil && t.ExitFilledAt != nil {
			holdMinutes += t.ExitFilledAt.Sub(*t.EntryFilledAt).Minutes()
			held++
		}
	}
	if summary.TotalTrades > 0 {
		summary.WinRate = float64(summary.WinningTrades) / float64(summary.TotalTrades) * 100
	}
	if held > 0 {
		summary.AvgHoldTimeMinutes = holdMinutes / float64(held)
	}
	return summary, nil
}
