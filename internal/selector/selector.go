// Package selector chooses the single best option contract for a
// directional entry: same-day expiration where available, scored by delta
// distance and spread.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// ErrNoLiquidContract is returned when every chain entry fails the
// liveness filters.
var ErrNoLiquidContract = errors.New("no liquid contract")

// zeroDTETickers trade same-day expirations; everything else falls back to
// the nearest weekly.
var zeroDTETickers = map[string]bool{
	"SPY": true,
	"QQQ": true,
}

// Selection is the chosen contract for an entry.
type Selection struct {
	OptionSymbol  string
	Strike        float64
	Expiration    time.Time
	Delta         float64
	Bid           float64
	Ask           float64
	SpreadPercent float64
}

// Config bounds contract selection.
type Config struct {
	DeltaTarget      float64
	MaxSpreadPercent float64
	StrikeCount      int
}

// Selector queries the broker chain and scores candidates.
type Selector struct {
	broker broker.Broker
	cfg    Config
	loc    *time.Location
	now    func() time.Time
}

// New creates a contract selector.
func New(b broker.Broker, cfg Config, loc *time.Location) *Selector {
	if cfg.StrikeCount <= 0 {
		cfg.StrikeCount = 20
	}
	return &Selector{
		broker: b,
		cfg:    cfg,
		loc:    loc,
		now:    func() time.Time { return time.Now() },
	}
}

// WithClock overrides the expiration clock for tests.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// ExpirationFor returns today's session date for 0-DTE tickers and the next
// Friday otherwise.
func (s *Selector) ExpirationFor(ticker string) time.Time {
	today := s.now().In(s.loc)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, s.loc)
	if zeroDTETickers[strings.ToUpper(ticker)] {
		return day
	}
	daysAhead := (int(time.Friday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, daysAhead)
}

// Select picks the contract with the smallest |delta − target| +
// spread%/100 score among entries passing the liveness filters. Ties break
// by smaller spread, then by strike closest to the underlying.
func (s *Selector) Select(ctx context.Context, underlying string, direction models.Direction,
	underlyingPrice float64) (*Selection, error) {
	expiration := s.ExpirationFor(underlying)
	chain, err := s.broker.OptionChain(ctx, underlying, direction, s.cfg.StrikeCount, expiration)
	if err != nil {
		return nil, fmt.Errorf("fetching chain for %s: %w", underlying, err)
	}

	type scored struct {
		sel   Selection
		score float64
	}
	var candidates []scored

	for _, c := range chain {
		if c.Bid <= 0 || c.Ask <= 0 {
			continue
		}
		mid := (c.Bid + c.Ask) / 2
		spreadPct := (c.Ask - c.Bid) / mid * 100
		if spreadPct > s.cfg.MaxSpreadPercent {
			continue
		}
		score := math.Abs(math.Abs(c.Delta)-s.cfg.DeltaTarget) + spreadPct/100
		candidates = append(candidates, scored{
			sel: Selection{
				OptionSymbol:  c.Symbol,
				Strike:        c.Strike,
				Expiration:    c.Expiration,
				Delta:         c.Delta,
				Bid:           c.Bid,
				Ask:           c.Ask,
				SpreadPercent: spreadPct,
			},
			score: score,
		})
	}

	if len(candidates) == 0 {
		log.WithFields(log.Fields{
			"underlying": underlying,
			"direction":  direction,
			"chain_size": len(chain),
		}).Warn("no contract passed liquidity filters")
		return nil, fmt.Errorf("%w: %s %s", ErrNoLiquidContract, underlying, direction)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.sel.SpreadPercent != b.sel.SpreadPercent {
			return a.sel.SpreadPercent < b.sel.SpreadPercent
		}
		return math.Abs(a.sel.Strike-underlyingPrice) < math.Abs(b.sel.Strike-underlyingPrice)
	})

	best := candidates[0].sel
	log.WithFields(log.Fields{
		"underlying": underlying,
		"direction":  direction,
		"symbol":     best.OptionSymbol,
		"strike":     best.Strike,
		"delta":      best.Delta,
		"spread_pct": fmt.Sprintf("%.2f", best.SpreadPercent),
	}).Info("contract selected")
	return &best, nil
}
