// Package strategy evaluates directional signals from bar sequences and
// runs one worker per enabled (ticker, timeframe, signal type) tuple.
package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// Signal type names.
const (
	SignalEMACross     = "ema_cross"
	SignalVWAPCross    = "vwap_cross"
	SignalEMAVWAP      = "ema_vwap"
	SignalORB          = "orb"
	SignalORBDirection = "orb_direction"
	SignalVWAPRSI      = "vwap_rsi"
	SignalBBSqueeze    = "bb_squeeze"
	SignalRSIReversal  = "rsi_reversal"
	SignalConfluence   = "confluence"
)

// Params configures one strategy evaluation. Exit fields override the
// engine defaults per trade and are carried through admission.
type Params struct {
	SignalType string `json:"signal_type"`

	EMAFast int `json:"ema_fast"`
	EMASlow int `json:"ema_slow"`

	RSIPeriod     int     `json:"rsi_period"`
	RSIOverbought float64 `json:"rsi_ob"`
	RSIOversold   float64 `json:"rsi_os"`

	ORBMinutes       int     `json:"orb_minutes"`
	ORBBodyMinPct    float64 `json:"orb_body_min_pct"`
	ORBVWAPFilter    bool    `json:"orb_vwap_filter"`
	ORBGapFadeFilter bool    `json:"orb_gap_fade_filter"`

	BBPeriod  int     `json:"bb_period"`
	BBStdMult float64 `json:"bb_std_mult"`

	MACDFast   int `json:"macd_fast"`
	MACDSlow   int `json:"macd_slow"`
	MACDSignal int `json:"macd_signal_period"`

	MinConfluence int     `json:"min_confluence"`
	VolPeriod     int     `json:"vol_period"`
	VolThreshold  float64 `json:"vol_threshold"`

	PivotEnabled      bool    `json:"pivot_enabled"`
	PivotProximityPct float64 `json:"pivot_proximity_pct"`

	// Subsequent bars that must confirm a signal before it fires; 0 fires
	// immediately at the signal bar close.
	ConfirmBars int `json:"confirm_bars"`

	// Per-trade exit overrides; zero falls back to the engine config.
	StopLossPercent     float64 `json:"stop_loss_percent"`
	ProfitTargetPercent float64 `json:"profit_target_percent"`
	TrailingStopPercent float64 `json:"trailing_stop_percent"`
	MaxHoldMinutes      int     `json:"max_hold_minutes"`
	ATRPeriod           int     `json:"atr_period"`
	ATRStopMult         float64 `json:"atr_stop_mult"`
}

// DefaultParams returns the working defaults for a signal type.
func DefaultParams(signalType string) Params {
	return Params{
		SignalType:        signalType,
		EMAFast:           8,
		EMASlow:           21,
		RSIPeriod:         14,
		RSIOverbought:     70,
		RSIOversold:       30,
		ORBMinutes:        15,
		ORBBodyMinPct:     40,
		ORBVWAPFilter:     true,
		ORBGapFadeFilter:  true,
		BBPeriod:          20,
		BBStdMult:         2.0,
		MACDFast:          12,
		MACDSlow:          26,
		MACDSignal:        9,
		MinConfluence:     5,
		VolPeriod:         20,
		VolThreshold:      1.5,
		PivotProximityPct: 0.3,
		ATRPeriod:         14,
		ATRStopMult:       2.0,
	}
}

// ParseParams decodes an EnabledStrategy params blob over the defaults.
func ParseParams(signalType, blob string) (Params, error) {
	p := DefaultParams(signalType)
	if blob == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return p, fmt.Errorf("parsing strategy params: %w", err)
	}
	p.SignalType = signalType
	return p, nil
}

// TimeframeMinutes converts a timeframe label ("1m", "5m", "15m") to minutes.
func TimeframeMinutes(timeframe string) (int, error) {
	switch timeframe {
	case "1m":
		return 1, nil
	case "5m":
		return 5, nil
	case "10m":
		return 10, nil
	case "15m":
		return 15, nil
	case "30m":
		return 30, nil
	default:
		return 0, fmt.Errorf("unknown timeframe %q", timeframe)
	}
}

// Signal is one directional entry signal emitted at a bar close.
type Signal struct {
	Timestamp       time.Time
	Direction       models.Direction
	Price           float64
	Reason          string
	ConfluenceScore int
	ConfluenceMax   int
	RelVolume       float64
}
