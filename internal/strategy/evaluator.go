package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/indicators"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// Evaluator decides whether the latest completed bar produces a signal.
// It is stateless across bars apart from the cached prior-day OHLC used by
// the pivot and gap-fade filters.
type Evaluator struct {
	params Params
	loc    *time.Location

	prevDayHigh  float64
	prevDayLow   float64
	prevDayClose float64
}

// NewEvaluator creates an evaluator for one strategy parameter set.
func NewEvaluator(params Params, loc *time.Location) *Evaluator {
	return &Evaluator{params: params, loc: loc}
}

// SetPriorDay caches the previous session's OHLC for pivot points and the
// gap-fade filter. Zero values disable those filters.
func (e *Evaluator) SetPriorDay(high, low, closePrice float64) {
	e.prevDayHigh = high
	e.prevDayLow = low
	e.prevDayClose = closePrice
}

// Evaluate inspects the close of the last bar and returns a signal or nil.
// It never fires on insufficient data: every indicator gates on warmup.
func (e *Evaluator) Evaluate(bars []models.Bar) *Signal {
	if len(bars) < 2 {
		return nil
	}
	switch e.params.SignalType {
	case SignalEMACross:
		return e.emaCross(bars)
	case SignalVWAPCross:
		return e.vwapCross(bars)
	case SignalEMAVWAP:
		return e.emaVWAP(bars)
	case SignalORB:
		return e.orb(bars, false)
	case SignalORBDirection:
		return e.orb(bars, true)
	case SignalVWAPRSI:
		return e.vwapRSI(bars)
	case SignalBBSqueeze:
		return e.bbSqueeze(bars)
	case SignalRSIReversal:
		return e.rsiReversal(bars)
	case SignalConfluence:
		return e.confluence(bars)
	default:
		return nil
	}
}

func (e *Evaluator) signal(bar models.Bar, dir models.Direction, reason string) *Signal {
	return &Signal{
		Timestamp: bar.Timestamp,
		Direction: dir,
		Price:     bar.Close,
		Reason:    reason,
	}
}

func (e *Evaluator) emaCross(bars []models.Bar) *Signal {
	closes := indicators.Closes(bars)
	fast, okF := indicators.EMASeries(closes, e.params.EMAFast)
	slow, okS := indicators.EMASeries(closes, e.params.EMASlow)
	if !okF || !okS || len(closes) < e.params.EMASlow+1 {
		return nil
	}
	i := len(closes) - 1
	last := bars[i]
	if fast[i] > slow[i] && fast[i-1] <= slow[i-1] {
		return e.signal(last, models.DirectionCall,
			fmt.Sprintf("EMA%d crossed above EMA%d", e.params.EMAFast, e.params.EMASlow))
	}
	if fast[i] < slow[i] && fast[i-1] >= slow[i-1] {
		return e.signal(last, models.DirectionPut,
			fmt.Sprintf("EMA%d crossed below EMA%d", e.params.EMAFast, e.params.EMASlow))
	}
	return nil
}

func (e *Evaluator) vwapCross(bars []models.Bar) *Signal {
	vwap := indicators.SessionVWAP(bars, e.loc)
	i := len(bars) - 1
	last := bars[i]
	if last.Close > vwap[i] && bars[i-1].Close <= vwap[i-1] {
		return e.signal(last, models.DirectionCall, "close crossed above VWAP")
	}
	if last.Close < vwap[i] && bars[i-1].Close >= vwap[i-1] {
		return e.signal(last, models.DirectionPut, "close crossed below VWAP")
	}
	return nil
}

func (e *Evaluator) emaVWAP(bars []models.Bar) *Signal {
	sig := e.emaCross(bars)
	if sig == nil {
		return nil
	}
	vwap := indicators.SessionVWAP(bars, e.loc)
	i := len(bars) - 1
	if sig.Direction == models.DirectionCall && bars[i].Close <= vwap[i] {
		return nil
	}
	if sig.Direction == models.DirectionPut && bars[i].Close >= vwap[i] {
		return nil
	}
	sig.Reason += " with VWAP alignment"
	return sig
}

func (e *Evaluator) orb(bars []models.Bar, directional bool) *Signal {
	high, low, ok := indicators.ORB(bars, e.params.ORBMinutes, e.loc)
	if !ok {
		return nil
	}
	i := len(bars) - 1
	last := bars[i]

	// No breakouts while the opening range is still forming.
	sessionOpen := sessionOpenFor(last.Timestamp, e.loc)
	if last.Timestamp.In(e.loc).Before(sessionOpen.Add(time.Duration(e.params.ORBMinutes) * time.Minute)) {
		return nil
	}

	var dir models.Direction
	switch {
	case last.Close > high && bars[i-1].Close <= high:
		dir = models.DirectionCall
	case last.Close < low && bars[i-1].Close >= low:
		dir = models.DirectionPut
	default:
		return nil
	}

	if directional {
		if indicators.BodyPercent(last) < e.params.ORBBodyMinPct {
			return nil
		}
		bodyUp := last.Close > last.Open
		if dir == models.DirectionCall && !bodyUp || dir == models.DirectionPut && bodyUp {
			return nil
		}
		if e.params.ORBVWAPFilter {
			vwap := indicators.SessionVWAP(bars, e.loc)
			if dir == models.DirectionCall && last.Close <= vwap[i] {
				return nil
			}
			if dir == models.DirectionPut && last.Close >= vwap[i] {
				return nil
			}
		}
		if e.params.ORBGapFadeFilter && !e.gapFadePasses(bars, dir) {
			return nil
		}
	}

	reason := fmt.Sprintf("ORB breakout %s of %d-minute range [%.2f, %.2f]",
		map[models.Direction]string{models.DirectionCall: "above", models.DirectionPut: "below"}[dir],
		e.params.ORBMinutes, low, high)
	return e.signal(last, dir, reason)
}

// gapFadePasses rejects breakouts that merely fill an opening gap: after a
// gap up, a CALL breakout must also clear the prior-day high; after a gap
// down, a PUT breakout must also break the prior-day low. Without prior-day
// data the filter passes.
func (e *Evaluator) gapFadePasses(bars []models.Bar, dir models.Direction) bool {
	if e.prevDayClose <= 0 {
		return true
	}
	sessionOpen := bars[0].Open
	last := bars[len(bars)-1]
	gappedUp := sessionOpen > e.prevDayClose
	gappedDown := sessionOpen < e.prevDayClose
	if dir == models.DirectionCall && gappedUp && e.prevDayHigh > 0 {
		return last.Close > e.prevDayHigh
	}
	if dir == models.DirectionPut && gappedDown && e.prevDayLow > 0 {
		return last.Close < e.prevDayLow
	}
	return true
}

func (e *Evaluator) vwapRSI(bars []models.Bar) *Signal {
	closes := indicators.Closes(bars)
	rsi, ok := indicators.RSISeries(closes, e.params.RSIPeriod)
	if !ok || len(closes) < e.params.RSIPeriod+2 {
		return nil
	}
	vwap := indicators.SessionVWAP(bars, e.loc)
	i := len(bars) - 1
	last := bars[i]
	if last.Close > vwap[i] && rsi[i] > e.params.RSIOversold && rsi[i-1] <= e.params.RSIOversold {
		return e.signal(last, models.DirectionCall,
			fmt.Sprintf("RSI recovered above %.0f with price above VWAP", e.params.RSIOversold))
	}
	if last.Close < vwap[i] && rsi[i] < e.params.RSIOverbought && rsi[i-1] >= e.params.RSIOverbought {
		return e.signal(last, models.DirectionPut,
			fmt.Sprintf("RSI dropped below %.0f with price below VWAP", e.params.RSIOverbought))
	}
	return nil
}

func (e *Evaluator) bbSqueeze(bars []models.Bar) *Signal {
	closes := indicators.Closes(bars)
	period, mult := e.params.BBPeriod, e.params.BBStdMult
	if len(closes) < 2*period {
		return nil
	}
	i := len(closes) - 1
	upperNow, _, lowerNow, ok := indicators.Bollinger(closes, period, mult)
	if !ok {
		return nil
	}
	upperPrev, _, lowerPrev, ok := indicators.Bollinger(closes[:i], period, mult)
	if !ok {
		return nil
	}

	// Compression: the pre-breakout band width sits well below its recent mean.
	bwPrev, ok := indicators.BandWidth(closes[:i], period, mult)
	if !ok {
		return nil
	}
	var bwSum float64
	var bwN int
	for j := i - period; j < i; j++ {
		if bw, ok := indicators.BandWidth(closes[:j+1], period, mult); ok {
			bwSum += bw
			bwN++
		}
	}
	if bwN == 0 || bwPrev > 0.8*(bwSum/float64(bwN)) {
		return nil
	}

	last := bars[i]
	if last.Close > upperNow && bars[i-1].Close <= upperPrev {
		return e.signal(last, models.DirectionCall, "breakout above upper Bollinger band after squeeze")
	}
	if last.Close < lowerNow && bars[i-1].Close >= lowerPrev {
		return e.signal(last, models.DirectionPut, "breakdown below lower Bollinger band after squeeze")
	}
	return nil
}

func (e *Evaluator) rsiReversal(bars []models.Bar) *Signal {
	closes := indicators.Closes(bars)
	rsi, ok := indicators.RSISeries(closes, e.params.RSIPeriod)
	if !ok || len(closes) < e.params.RSIPeriod+2 {
		return nil
	}
	i := len(closes) - 1
	last := bars[i]
	if rsi[i] > e.params.RSIOversold && rsi[i-1] <= e.params.RSIOversold {
		return e.signal(last, models.DirectionCall,
			fmt.Sprintf("RSI reversal up through %.0f", e.params.RSIOversold))
	}
	if rsi[i] < e.params.RSIOverbought && rsi[i-1] >= e.params.RSIOverbought {
		return e.signal(last, models.DirectionPut,
			fmt.Sprintf("RSI reversal down through %.0f", e.params.RSIOverbought))
	}
	return nil
}

// confluence scores a fixed factor set in both directions and fires when
// the winning side reaches min_confluence. A tie yields no signal.
func (e *Evaluator) confluence(bars []models.Bar) *Signal {
	closes := indicators.Closes(bars)
	i := len(closes) - 1
	last := bars[i]

	fast, okF := indicators.EMA(closes, e.params.EMAFast)
	slow, okS := indicators.EMA(closes, e.params.EMASlow)
	rsi, okR := indicators.RSI(closes, e.params.RSIPeriod)
	_, _, hist, okM := indicators.MACDSeries(closes, e.params.MACDFast, e.params.MACDSlow, e.params.MACDSignal)
	if !okF || !okS || !okR || !okM {
		return nil
	}
	vwap := indicators.SessionVWAP(bars, e.loc)
	relVol, okV := indicators.RelativeVolume(bars, e.params.VolPeriod)

	bull, bear := 0, 0
	maxScore := 6

	tally := func(isBull, isBear bool) {
		if isBull {
			bull++
		}
		if isBear {
			bear++
		}
	}

	tally(fast > slow, fast < slow)
	tally(last.Close > vwap[i], last.Close < vwap[i])
	tally(rsi > 50, rsi < 50)
	tally(hist[i] > 0, hist[i] < 0)
	// Elevated volume confirms participation in either direction.
	highVol := okV && relVol >= e.params.VolThreshold
	tally(highVol, highVol)
	tally(last.Close > last.Open, last.Close < last.Open)

	if e.params.PivotEnabled && e.prevDayClose > 0 {
		maxScore++
		pivot, r1, s1 := indicators.Pivot(e.prevDayHigh, e.prevDayLow, e.prevDayClose)
		prox := e.params.PivotProximityPct / 100
		nearSupport := math.Abs(last.Close-s1)/last.Close <= prox || math.Abs(last.Close-pivot)/last.Close <= prox && last.Close > pivot
		nearResistance := math.Abs(last.Close-r1)/last.Close <= prox || math.Abs(last.Close-pivot)/last.Close <= prox && last.Close < pivot
		tally(nearSupport, nearResistance)
	}

	if bull == bear || (bull < e.params.MinConfluence && bear < e.params.MinConfluence) {
		return nil
	}

	dir := models.DirectionCall
	score := bull
	if bear > bull {
		dir = models.DirectionPut
		score = bear
	}
	if score < e.params.MinConfluence {
		return nil
	}

	sig := e.signal(last, dir, fmt.Sprintf("confluence %d/%d", score, maxScore))
	sig.ConfluenceScore = score
	sig.ConfluenceMax = maxScore
	if okV {
		sig.RelVolume = relVol
	}
	return sig
}

func sessionOpenFor(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, loc)
}
