package models

import (
	"fmt"
)

// StatusTransition defines one legal edge of the trade lifecycle.
type StatusTransition struct {
	From        TradeStatus
	To          TradeStatus
	Condition   string
	Description string
}

// ValidTransitions is the complete trade lifecycle. Every persisted status
// change must match one of these edges; anything else is an invariant
// violation, not a silent no-op.
var ValidTransitions = []StatusTransition{
	// Entry
	{StatusPending, StatusFilled, "entry_filled", "Entry order filled at the broker"},
	{StatusPending, StatusCancelled, "entry_cancelled", "Entry order cancelled, rejected, or expired"},
	{StatusPending, StatusCancelled, "limit_timeout", "Entry limit order unfilled past the timeout"},

	// Protection
	{StatusFilled, StatusStopLossPlaced, "stop_placed", "Stop-loss order placed (broker or app-managed)"},

	// Exit
	{StatusStopLossPlaced, StatusExiting, "exit_triggered", "Exit condition triggered, closing order placed"},
	{StatusStopLossPlaced, StatusClosed, "stop_hit", "Broker stop order filled"},
	{StatusFilled, StatusExiting, "exit_triggered", "Exit triggered before stop placement completed"},
	{StatusExiting, StatusClosed, "exit_filled", "Closing order filled, PnL booked"},

	// Failure from any non-terminal state
	{StatusPending, StatusError, "unrecoverable", "Unrecoverable failure"},
	{StatusFilled, StatusError, "unrecoverable", "Unrecoverable failure"},
	{StatusStopLossPlaced, StatusError, "unrecoverable", "Unrecoverable failure"},
	{StatusExiting, StatusError, "unrecoverable", "Unrecoverable failure"},
}

// CanTransition reports whether from → to is a defined edge.
func CanTransition(from, to TradeStatus) bool {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

// Transition moves the trade to a new status after validating the edge.
func (t *Trade) Transition(to TradeStatus) error {
	if !CanTransition(t.Status, to) {
		return &InvariantViolation{
			TradeID: t.ID,
			From:    t.Status,
			To:      to,
		}
	}
	t.Status = to
	return nil
}

// InvariantViolation signals an illegal state transition was attempted.
// This is a bug signal, not a normal path.
type InvariantViolation struct {
	TradeID uint
	From    TradeStatus
	To      TradeStatus
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invalid trade %d transition from %s to %s", e.TradeID, e.From, e.To)
}

// EventForTransition returns the event type the ledger records for an edge.
func EventForTransition(from, to TradeStatus, reason ExitReason) EventType {
	switch {
	case from == StatusPending && to == StatusFilled:
		return EventEntryFilled
	case from == StatusPending && to == StatusCancelled:
		return EventEntryCancelled
	case to == StatusStopLossPlaced:
		return EventStopLossPlaced
	case to == StatusExiting:
		return EventExitTriggered
	case from == StatusStopLossPlaced && to == StatusClosed && reason == ExitStopLossHit:
		return EventStopLossHit
	case to == StatusClosed:
		return EventExitFilled
	default:
		return EventType("")
	}
}

// ValidateState checks per-status field invariants before persisting.
func (t *Trade) ValidateState() error {
	switch t.Status {
	case StatusPending:
		if t.EntryOrderID == "" {
			return fmt.Errorf("trade %d PENDING without entry order id", t.ID)
		}
	case StatusFilled, StatusStopLossPlaced:
		if t.EntryPrice <= 0 {
			return fmt.Errorf("trade %d %s with entry price %.4f", t.ID, t.Status, t.EntryPrice)
		}
		if t.EntryFilledAt == nil {
			return fmt.Errorf("trade %d %s without fill timestamp", t.ID, t.Status)
		}
		if t.Status == StatusStopLossPlaced {
			if t.StopLossPrice <= 0 {
				return fmt.Errorf("trade %d STOP_LOSS_PLACED without stop price", t.ID)
			}
			if t.HighestPriceSeen < t.EntryPrice {
				return fmt.Errorf("trade %d highest price %.4f below entry %.4f",
					t.ID, t.HighestPriceSeen, t.EntryPrice)
			}
		}
	case StatusExiting:
		if t.ExitOrderID == "" {
			return fmt.Errorf("trade %d EXITING without exit order id", t.ID)
		}
	case StatusClosed:
		if t.ExitPrice <= 0 || t.ExitFilledAt == nil {
			return fmt.Errorf("trade %d CLOSED without exit fill", t.ID)
		}
	}
	return nil
}
