package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from  TradeStatus
		to    TradeStatus
		valid bool
	}{
		{StatusPending, StatusFilled, true},
		{StatusPending, StatusCancelled, true},
		{StatusFilled, StatusStopLossPlaced, true},
		{StatusFilled, StatusExiting, true},
		{StatusStopLossPlaced, StatusExiting, true},
		{StatusStopLossPlaced, StatusClosed, true},
		{StatusExiting, StatusClosed, true},
		{StatusPending, StatusError, true},
		{StatusExiting, StatusError, true},

		{StatusPending, StatusClosed, false},
		{StatusPending, StatusStopLossPlaced, false},
		{StatusFilled, StatusClosed, false},
		{StatusFilled, StatusCancelled, false},
		{StatusClosed, StatusExiting, false},
		{StatusCancelled, StatusFilled, false},
		{StatusError, StatusPending, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.valid {
			t.Errorf("CanTransition(%s, %s) = %v, expected %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTransition_InvalidKeepsState(t *testing.T) {
	trade := &Trade{ID: 7, Status: StatusPending}

	err := trade.Transition(StatusClosed)
	if err == nil {
		t.Fatal("PENDING -> CLOSED should fail")
	}
	if _, ok := err.(*InvariantViolation); !ok {
		t.Errorf("expected *InvariantViolation, got %T", err)
	}
	if trade.Status != StatusPending {
		t.Errorf("status changed after failed transition: %s", trade.Status)
	}
}

func TestTransition_FullLifecycle(t *testing.T) {
	trade := &Trade{Status: StatusPending}
	for _, to := range []TradeStatus{StatusFilled, StatusStopLossPlaced, StatusExiting, StatusClosed} {
		if err := trade.Transition(to); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}
	if !trade.Status.IsTerminal() {
		t.Errorf("CLOSED should be terminal")
	}
}

func TestTransition_StopHitShortcut(t *testing.T) {
	trade := &Trade{Status: StatusStopLossPlaced}
	if err := trade.Transition(StatusClosed); err != nil {
		t.Fatalf("STOP_LOSS_PLACED -> CLOSED failed: %v", err)
	}
}

func TestValidateState(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		trade   Trade
		wantErr bool
	}{
		{
			name:  "pending with order id",
			trade: Trade{Status: StatusPending, EntryOrderID: "ORD-1"},
		},
		{
			name:    "pending without order id",
			trade:   Trade{Status: StatusPending},
			wantErr: true,
		},
		{
			name:  "filled",
			trade: Trade{Status: StatusFilled, EntryPrice: 1.50, EntryFilledAt: &now},
		},
		{
			name:    "filled without price",
			trade:   Trade{Status: StatusFilled, EntryFilledAt: &now},
			wantErr: true,
		},
		{
			name: "stop placed",
			trade: Trade{
				Status: StatusStopLossPlaced, EntryPrice: 1.50, EntryFilledAt: &now,
				StopLossPrice: 0.60, HighestPriceSeen: 1.50,
			},
		},
		{
			name: "stop placed without stop price",
			trade: Trade{
				Status: StatusStopLossPlaced, EntryPrice: 1.50, EntryFilledAt: &now,
				HighestPriceSeen: 1.50,
			},
			wantErr: true,
		},
		{
			name: "highest below entry",
			trade: Trade{
				Status: StatusStopLossPlaced, EntryPrice: 1.50, EntryFilledAt: &now,
				StopLossPrice: 0.60, HighestPriceSeen: 1.00,
			},
			wantErr: true,
		},
		{
			name:    "exiting without exit order",
			trade:   Trade{Status: StatusExiting},
			wantErr: true,
		},
		{
			name:    "closed without exit fill",
			trade:   Trade{Status: StatusClosed},
			wantErr: true,
		},
		{
			name:  "closed",
			trade: Trade{Status: StatusClosed, ExitPrice: 2.10, ExitFilledAt: &now},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trade.ValidateState()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestComputePnL(t *testing.T) {
	trade := Trade{EntryPrice: 1.50, EntryQuantity: 2}
	trade.ComputePnL(2.10)

	if got, want := trade.PnLDollars, 120.0; !closeEnough(got, want) {
		t.Errorf("PnLDollars = %v, expected %v", got, want)
	}
	if got, want := trade.PnLPercent, 40.0; !closeEnough(got, want) {
		t.Errorf("PnLPercent = %v, expected %v", got, want)
	}

	loser := Trade{EntryPrice: 2.00, EntryQuantity: 1}
	loser.ComputePnL(0.80)
	if got, want := loser.PnLDollars, -120.0; !closeEnough(got, want) {
		t.Errorf("PnLDollars = %v, expected %v", got, want)
	}
}

func TestIsOpen(t *testing.T) {
	open := []TradeStatus{StatusFilled, StatusStopLossPlaced, StatusExiting}
	closed := []TradeStatus{StatusPending, StatusClosed, StatusCancelled, StatusError}

	for _, st := range open {
		if !(&Trade{Status: st}).IsOpen() {
			t.Errorf("%s should be open", st)
		}
	}
	for _, st := range closed {
		if (&Trade{Status: st}).IsOpen() {
			t.Errorf("%s should not be open", st)
		}
	}
}

func TestEventForTransition(t *testing.T) {
	tests := []struct {
		from   TradeStatus
		to     TradeStatus
		reason ExitReason
		want   EventType
	}{
		{StatusPending, StatusFilled, "", EventEntryFilled},
		{StatusPending, StatusCancelled, "", EventEntryCancelled},
		{StatusFilled, StatusStopLossPlaced, "", EventStopLossPlaced},
		{StatusStopLossPlaced, StatusExiting, "", EventExitTriggered},
		{StatusStopLossPlaced, StatusClosed, ExitStopLossHit, EventStopLossHit},
		{StatusExiting, StatusClosed, ExitProfitTarget, EventExitFilled},
	}
	for _, tt := range tests {
		if got := EventForTransition(tt.from, tt.to, tt.reason); got != tt.want {
			t.Errorf("EventForTransition(%s, %s, %s) = %s, expected %s",
				tt.from, tt.to, tt.reason, got, tt.want)
		}
	}
}

func TestSessionDate(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 23:30 UTC is 19:30 ET same day in summer.
	at := time.Date(2026, 7, 10, 23, 30, 0, 0, time.UTC)
	day := SessionDate(at, loc)
	if day.Day() != 10 || day.Month() != time.July {
		t.Errorf("SessionDate = %v, expected July 10", day)
	}

	// 01:30 UTC is still the prior session in ET.
	at = time.Date(2026, 7, 11, 1, 30, 0, 0, time.UTC)
	day = SessionDate(at, loc)
	if day.Day() != 10 {
		t.Errorf("SessionDate = %v, expected July 10", day)
	}
}

func closeEnough(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
