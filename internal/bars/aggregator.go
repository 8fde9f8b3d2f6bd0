// Package bars aggregates ticks into aligned N-minute OHLCV bars per symbol
// and serves the most recent completed bars on demand.
package bars

import (
	"sync"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// Handler is invoked exactly once per completed bar, after the bar has been
// appended to the series.
type Handler func(symbol string, timeframeMinutes int, bar models.Bar)

const defaultMaxBars = 500

type seriesKey struct {
	symbol string
	tf     int
}

type series struct {
	bars    []models.Bar
	pending *models.Bar
	bucket  time.Time
}

// Aggregator maintains one series per (symbol, timeframe). Bars align to
// timeframe boundaries in the market's local zone and complete when the
// wall clock crosses the boundary.
type Aggregator struct {
	mu       sync.Mutex
	loc      *time.Location
	maxBars  int
	series   map[seriesKey]*series
	handlers map[seriesKey][]Handler
}

// NewAggregator creates an aggregator anchored to loc.
func NewAggregator(loc *time.Location) *Aggregator {
	return &Aggregator{
		loc:      loc,
		maxBars:  defaultMaxBars,
		series:   make(map[seriesKey]*series),
		handlers: make(map[seriesKey][]Handler),
	}
}

// Register creates an empty series for (symbol, timeframe) if absent.
func (a *Aggregator) Register(symbol string, timeframeMinutes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := seriesKey{symbol, timeframeMinutes}
	if _, ok := a.series[key]; !ok {
		a.series[key] = &series{}
	}
}

// OnBarClose registers a handler for completed bars of (symbol, timeframe).
func (a *Aggregator) OnBarClose(symbol string, timeframeMinutes int, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := seriesKey{symbol, timeframeMinutes}
	a.handlers[key] = append(a.handlers[key], h)
}

// bucketFor aligns t down to the timeframe boundary in the aggregator zone.
func (a *Aggregator) bucketFor(t time.Time, tfMinutes int) time.Time {
	local := t.In(a.loc)
	minutes := local.Hour()*60 + local.Minute()
	aligned := minutes - minutes%tfMinutes
	return time.Date(local.Year(), local.Month(), local.Day(), aligned/60, aligned%60, 0, 0, a.loc)
}

// AddTick folds a trade tick into every registered series for the symbol.
// Crossing a bar boundary completes the in-progress bar first.
func (a *Aggregator) AddTick(symbol string, price float64, volume int64, at time.Time) {
	var fired []func()
	a.mu.Lock()
	for key, s := range a.series {
		if key.symbol != symbol {
			continue
		}
		bucket := a.bucketFor(at, key.tf)
		if s.pending != nil && !bucket.Equal(s.bucket) {
			fired = append(fired, a.completeLocked(key, s)...)
		}
		if s.pending == nil {
			s.pending = &models.Bar{
				Timestamp: bucket,
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
				Volume:    volume,
			}
			s.bucket = bucket
			continue
		}
		if price > s.pending.High {
			s.pending.High = price
		}
		if price < s.pending.Low {
			s.pending.Low = price
		}
		s.pending.Close = price
		s.pending.Volume += volume
	}
	a.mu.Unlock()
	for _, f := range fired {
		f()
	}
}

// AddBar appends a pre-built completed bar (history backfill, tests).
func (a *Aggregator) AddBar(symbol string, timeframeMinutes int, bar models.Bar) {
	var fired []func()
	a.mu.Lock()
	key := seriesKey{symbol, timeframeMinutes}
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}
	s.bars = append(s.bars, bar)
	if len(s.bars) > a.maxBars {
		s.bars = s.bars[len(s.bars)-a.maxBars:]
	}
	fired = a.notifyLocked(key, bar)
	a.mu.Unlock()
	for _, f := range fired {
		f()
	}
}

// CloseDue completes any in-progress bar whose boundary the clock has
// crossed, even when no further tick arrived.
func (a *Aggregator) CloseDue(now time.Time) {
	var fired []func()
	a.mu.Lock()
	for key, s := range a.series {
		if s.pending == nil {
			continue
		}
		end := s.bucket.Add(time.Duration(key.tf) * time.Minute)
		if !now.In(a.loc).Before(end) {
			fired = append(fired, a.completeLocked(key, s)...)
		}
	}
	a.mu.Unlock()
	for _, f := range fired {
		f()
	}
}

// completeLocked moves the pending bar into the series and returns the
// handler invocations to run outside the lock.
func (a *Aggregator) completeLocked(key seriesKey, s *series) []func() {
	bar := *s.pending
	s.pending = nil
	s.bars = append(s.bars, bar)
	if len(s.bars) > a.maxBars {
		s.bars = s.bars[len(s.bars)-a.maxBars:]
	}
	return a.notifyLocked(key, bar)
}

func (a *Aggregator) notifyLocked(key seriesKey, bar models.Bar) []func() {
	hs := a.handlers[key]
	out := make([]func(), 0, len(hs))
	for _, h := range hs {
		h := h
		out = append(out, func() { h(key.symbol, key.tf, bar) })
	}
	return out
}

// LastBars returns up to n most recent completed bars, oldest first.
func (a *Aggregator) LastBars(symbol string, timeframeMinutes int, n int) []models.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[seriesKey{symbol, timeframeMinutes}]
	if !ok {
		return nil
	}
	bars := s.bars
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]models.Bar, len(bars))
	copy(out, bars)
	return out
}
