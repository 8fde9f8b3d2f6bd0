package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

func almostEqual(t *testing.T, got, want, tol float64, label string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, expected %v (±%v)", label, got, want, tol)
	}
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}

	got, ok := SMA(values, 3)
	if !ok {
		t.Fatal("SMA should have enough data")
	}
	almostEqual(t, got, 4, 1e-9, "SMA(…,3)")

	if _, ok := SMA(values, 6); ok {
		t.Error("SMA with period > len should report not ok")
	}
	if _, ok := SMA(values, 0); ok {
		t.Error("SMA with zero period should report not ok")
	}
}

func TestEMA(t *testing.T) {
	// EMA(3) over 1..5: seed SMA=2, k=0.5, then 3, 4.
	values := []float64{1, 2, 3, 4, 5}
	got, ok := EMA(values, 3)
	if !ok {
		t.Fatal("EMA should have enough data")
	}
	almostEqual(t, got, 4, 1e-9, "EMA(1..5, 3)")

	if _, ok := EMA([]float64{1, 2}, 3); ok {
		t.Error("short series should report not ok")
	}
}

func TestRSI_MonotonicSeries(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	got, ok := RSI(up, 5)
	if !ok {
		t.Fatal("RSI should have enough data")
	}
	almostEqual(t, got, 100, 1e-9, "RSI of all gains")

	down := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	got, ok = RSI(down, 5)
	if !ok {
		t.Fatal("RSI should have enough data")
	}
	almostEqual(t, got, 0, 1e-9, "RSI of all losses")

	flat := []float64{5, 5, 5, 5, 5, 5}
	got, ok = RSI(flat, 5)
	if !ok {
		t.Fatal("RSI should have enough data")
	}
	almostEqual(t, got, 50, 1e-9, "RSI of flat series")
}

func TestATR(t *testing.T) {
	bars := []models.Bar{
		{High: 10, Low: 9, Close: 9.5},
		{High: 10.5, Low: 9.5, Close: 10},
		{High: 11, Low: 10, Close: 10.5},
		{High: 11.5, Low: 10.5, Close: 11},
	}
	// All true ranges are 1.0, so ATR(3) is 1.0.
	got, ok := ATR(bars, 3)
	if !ok {
		t.Fatal("ATR should have enough data")
	}
	almostEqual(t, got, 1.0, 1e-9, "ATR")

	if _, ok := ATR(bars[:2], 3); ok {
		t.Error("short series should report not ok")
	}
}

func TestATR_GapUsesTrueRange(t *testing.T) {
	bars := []models.Bar{
		{High: 10, Low: 9, Close: 10},
		// Gap up: high-prevClose dominates.
		{High: 13, Low: 12.5, Close: 12.8},
	}
	trs := trueRange(bars[1], bars[0].Close)
	almostEqual(t, trs, 3.0, 1e-9, "true range with gap")
}

func TestSessionVWAP_ResetsOnNewDay(t *testing.T) {
	loc := time.UTC
	day1 := time.Date(2026, 8, 3, 14, 30, 0, 0, loc)
	day2 := time.Date(2026, 8, 4, 14, 30, 0, 0, loc)
	bars := []models.Bar{
		{Timestamp: day1, High: 10, Low: 10, Close: 10, Volume: 100},
		{Timestamp: day1.Add(time.Minute), High: 20, Low: 20, Close: 20, Volume: 100},
		{Timestamp: day2, High: 30, Low: 30, Close: 30, Volume: 100},
	}
	vwap := SessionVWAP(bars, loc)
	almostEqual(t, vwap[1], 15, 1e-9, "day1 VWAP")
	almostEqual(t, vwap[2], 30, 1e-9, "day2 VWAP resets")
}

func TestBollinger(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	upper, middle, lower, ok := Bollinger(values, 8, 2)
	if !ok {
		t.Fatal("Bollinger should have enough data")
	}
	almostEqual(t, middle, 5, 1e-9, "middle band")
	almostEqual(t, upper, 9, 1e-9, "upper band")
	almostEqual(t, lower, 1, 1e-9, "lower band")

	bw, ok := BandWidth(values, 8, 2)
	if !ok {
		t.Fatal("BandWidth should have enough data")
	}
	almostEqual(t, bw, 1.6, 1e-9, "band width")
}

func TestMACDSeries(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = float64(i + 1)
	}
	macd, signal, hist, ok := MACDSeries(values, 12, 26, 9)
	if !ok {
		t.Fatal("MACD should have enough data")
	}
	if len(macd) != len(values) || len(signal) != len(values) || len(hist) != len(values) {
		t.Fatal("MACD series must align with input")
	}
	// In a steady uptrend the fast EMA stays above the slow EMA.
	last := len(values) - 1
	if macd[last] <= 0 {
		t.Errorf("MACD in uptrend should be positive, got %v", macd[last])
	}
	almostEqual(t, hist[last], macd[last]-signal[last], 1e-9, "histogram")
}

func TestORB(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	open := time.Date(2026, 8, 3, 9, 30, 0, 0, loc)
	bars := []models.Bar{
		{Timestamp: open, High: 101, Low: 99},
		{Timestamp: open.Add(5 * time.Minute), High: 102, Low: 100},
		{Timestamp: open.Add(10 * time.Minute), High: 101.5, Low: 98.5},
		// Outside the 15-minute range.
		{Timestamp: open.Add(20 * time.Minute), High: 110, Low: 90},
	}
	high, low, ok := ORB(bars, 15, loc)
	if !ok {
		t.Fatal("ORB should find range bars")
	}
	almostEqual(t, high, 102, 1e-9, "ORB high")
	almostEqual(t, low, 98.5, 1e-9, "ORB low")
}

func TestRelativeVolume(t *testing.T) {
	bars := []models.Bar{
		{Volume: 100}, {Volume: 100}, {Volume: 100}, {Volume: 100}, {Volume: 300},
	}
	got, ok := RelativeVolume(bars, 4)
	if !ok {
		t.Fatal("RelativeVolume should have enough data")
	}
	almostEqual(t, got, 3, 1e-9, "relative volume")

	if _, ok := RelativeVolume(bars[:3], 4); ok {
		t.Error("short series should report not ok")
	}
}

func TestBodyPercent(t *testing.T) {
	bar := models.Bar{Open: 10, High: 11, Low: 10, Close: 10.5}
	almostEqual(t, BodyPercent(bar), 50, 1e-9, "body percent")

	doji := models.Bar{Open: 10, High: 10, Low: 10, Close: 10}
	almostEqual(t, BodyPercent(doji), 0, 1e-9, "doji body percent")
}

func TestPivot(t *testing.T) {
	pivot, r1, s1 := Pivot(110, 90, 100)
	almostEqual(t, pivot, 100, 1e-9, "pivot")
	almostEqual(t, r1, 110, 1e-9, "r1")
	almostEqual(t, s1, 90, 1e-9, "s1")
}
