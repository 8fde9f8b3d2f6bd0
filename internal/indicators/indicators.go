// Package indicators provides pure, deterministic functions over bar and
// price sequences. Every function reports insufficient data through its
// ok return instead of emitting a partial value.
package indicators

import (
	"math"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMASeries returns the exponential moving average aligned with values.
// Entries before index period-1 are seed values and should not be read;
// ok is false when the series is shorter than the period.
func EMASeries(values []float64, period int) ([]float64, bool) {
	if period <= 0 || len(values) < period {
		return nil, false
	}
	out := make([]float64, len(values))
	// Seed with the SMA of the first period.
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
		out[i] = sum / float64(i+1)
	}
	out[period-1] = sum / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out, true
}

// EMA returns the latest exponential moving average value.
func EMA(values []float64, period int) (float64, bool) {
	series, ok := EMASeries(values, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// RSISeries returns the Wilder-smoothed relative strength index aligned
// with values. The first valid entry is at index period.
func RSISeries(values []float64, period int) ([]float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return nil, false
	}
	out := make([]float64, len(values))

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out, true
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RSI returns the latest RSI value.
func RSI(values []float64, period int) (float64, bool) {
	series, ok := RSISeries(values, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// ATR returns the Wilder-smoothed average true range of the bars.
func ATR(bars []models.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		trs = append(trs, trueRange(bars[i], bars[i-1].Close))
	}

	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

func trueRange(bar models.Bar, prevClose float64) float64 {
	tr := bar.High - bar.Low
	if d := math.Abs(bar.High - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(bar.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// SessionVWAP returns the volume-weighted average price aligned with bars,
// anchored at the session open. The accumulator resets whenever the bar's
// local date changes, even across missing bars.
func SessionVWAP(bars []models.Bar, loc *time.Location) []float64 {
	out := make([]float64, len(bars))
	var cumPV, cumVol float64
	var day int
	for i, b := range bars {
		local := b.Timestamp.In(loc)
		d := local.Year()*1000 + local.YearDay()
		if i == 0 || d != day {
			cumPV, cumVol = 0, 0
			day = d
		}
		typical := (b.High + b.Low + b.Close) / 3
		cumPV += typical * float64(b.Volume)
		cumVol += float64(b.Volume)
		if cumVol > 0 {
			out[i] = cumPV / cumVol
		} else {
			out[i] = b.Close
		}
	}
	return out
}

// Bollinger returns the upper, middle, and lower bands over the last period.
func Bollinger(values []float64, period int, stdMult float64) (upper, middle, lower float64, ok bool) {
	mean, ok := SMA(values, period)
	if !ok {
		return 0, 0, 0, false
	}
	var variance float64
	for _, v := range values[len(values)-period:] {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(period))
	return mean + stdMult*std, mean, mean - stdMult*std, true
}

// BandWidth returns the Bollinger band width relative to the middle band,
// used to detect low-volatility compressions.
func BandWidth(values []float64, period int, stdMult float64) (float64, bool) {
	upper, middle, lower, ok := Bollinger(values, period, stdMult)
	if !ok || middle == 0 {
		return 0, false
	}
	return (upper - lower) / middle, true
}

// MACDSeries returns the MACD line, signal line, and histogram aligned with
// values. The first valid entry is at index slow+signalPeriod-2.
func MACDSeries(values []float64, fast, slow, signalPeriod int) (macd, signal, hist []float64, ok bool) {
	if fast <= 0 || slow <= fast || signalPeriod <= 0 {
		return nil, nil, nil, false
	}
	if len(values) < slow+signalPeriod {
		return nil, nil, nil, false
	}
	fastEMA, _ := EMASeries(values, fast)
	slowEMA, _ := EMASeries(values, slow)

	macd = make([]float64, len(values))
	for i := range values {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	signal, _ = EMASeries(macd, signalPeriod)
	hist = make([]float64, len(values))
	for i := range values {
		hist[i] = macd[i] - signal[i]
	}
	return macd, signal, hist, true
}

// ORB returns the high and low of the opening range: all bars within the
// first rangeMinutes of the session in loc.
func ORB(bars []models.Bar, rangeMinutes int, loc *time.Location) (high, low float64, ok bool) {
	if len(bars) == 0 || rangeMinutes <= 0 {
		return 0, 0, false
	}
	first := bars[0].Timestamp.In(loc)
	open := time.Date(first.Year(), first.Month(), first.Day(), 9, 30, 0, 0, loc)
	cutoff := open.Add(time.Duration(rangeMinutes) * time.Minute)

	for _, b := range bars {
		t := b.Timestamp.In(loc)
		if t.Before(open) || !t.Before(cutoff) {
			continue
		}
		if !ok {
			high, low, ok = b.High, b.Low, true
			continue
		}
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low, ok
}

// RelativeVolume returns the last bar's volume relative to the mean volume
// of the preceding period bars. At least one full prior period is required.
func RelativeVolume(bars []models.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	var sum float64
	for _, b := range bars[len(bars)-period-1 : len(bars)-1] {
		sum += float64(b.Volume)
	}
	mean := sum / float64(period)
	if mean == 0 {
		return 0, false
	}
	return float64(bars[len(bars)-1].Volume) / mean, true
}

// BodyPercent returns the candle body as a percentage of its full range.
func BodyPercent(bar models.Bar) float64 {
	r := bar.High - bar.Low
	if r <= 0 {
		return 0
	}
	return math.Abs(bar.Close-bar.Open) / r * 100
}

// Pivot returns the classic floor-trader pivot and first resistance and
// support levels from the prior session's high, low, and close.
func Pivot(prevHigh, prevLow, prevClose float64) (pivot, r1, s1 float64) {
	pivot = (prevHigh + prevLow + prevClose) / 3
	r1 = 2*pivot - prevLow
	s1 = 2*pivot - prevHigh
	return pivot, r1, s1
}

// Closes extracts the close series from bars.
func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
