package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// chainStub serves a canned option chain; every other broker call panics.
type chainStub struct {
	broker.Broker
	chain         []broker.ChainContract
	err           error
	gotExpiration time.Time
}

func (s *chainStub) OptionChain(_ context.Context, _ string, _ models.Direction,
	_ int, expiration time.Time) ([]broker.ChainContract, error) {
	s.gotExpiration = expiration
	return s.chain, s.err
}

func newTestSelector(stub *chainStub, at time.Time) *Selector {
	return New(stub, Config{
		DeltaTarget:      0.40,
		MaxSpreadPercent: 10,
		StrikeCount:      20,
	}, time.UTC).WithClock(func() time.Time { return at })
}

func TestExpirationFor(t *testing.T) {
	wednesday := time.Date(2026, 8, 5, 11, 0, 0, 0, time.UTC)
	sel := newTestSelector(&chainStub{}, wednesday)

	if got := sel.ExpirationFor("SPY"); got.Day() != 5 {
		t.Errorf("SPY expiration = %v, expected same day", got)
	}
	if got := sel.ExpirationFor("spy"); got.Day() != 5 {
		t.Errorf("ticker matching should be case insensitive, got %v", got)
	}
	// Non 0-DTE underlyings roll to the coming Friday.
	if got := sel.ExpirationFor("IWM"); got.Weekday() != time.Friday || got.Day() != 7 {
		t.Errorf("IWM expiration = %v, expected Friday the 7th", got)
	}

	friday := time.Date(2026, 8, 7, 11, 0, 0, 0, time.UTC)
	sel = newTestSelector(&chainStub{}, friday)
	if got := sel.ExpirationFor("IWM"); got.Day() != 7 {
		t.Errorf("Friday should map to itself, got %v", got)
	}
}

func TestSelect_ScoresDeltaAndSpread(t *testing.T) {
	exp := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	stub := &chainStub{chain: []broker.ChainContract{
		{Symbol: "SPY   260805C00501000", Strike: 501, Expiration: exp, Bid: 1.00, Ask: 1.04, Delta: 0.40},
		{Symbol: "SPY   260805C00503000", Strike: 503, Expiration: exp, Bid: 1.00, Ask: 1.02, Delta: 0.45},
		{Symbol: "SPY   260805C00505000", Strike: 505, Expiration: exp, Bid: 0, Ask: 1.00, Delta: 0.40},
		{Symbol: "SPY   260805C00507000", Strike: 507, Expiration: exp, Bid: 1.00, Ask: 1.15, Delta: 0.40},
	}}
	sel := newTestSelector(stub, time.Date(2026, 8, 5, 11, 0, 0, 0, time.UTC))

	got, err := sel.Select(context.Background(), "SPY", models.DirectionCall, 501.50)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got.Strike != 501 {
		t.Errorf("selected strike %v, expected 501 (best delta, acceptable spread)", got.Strike)
	}
	if got.SpreadPercent < 3.9 || got.SpreadPercent > 4.0 {
		t.Errorf("spread percent = %v, expected ~3.92", got.SpreadPercent)
	}
	if !stub.gotExpiration.Equal(exp) {
		t.Errorf("chain queried for %v, expected %v", stub.gotExpiration, exp)
	}
}

func TestSelect_PutDeltaUsesMagnitude(t *testing.T) {
	exp := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	stub := &chainStub{chain: []broker.ChainContract{
		{Symbol: "SPY   260805P00499000", Strike: 499, Expiration: exp, Bid: 1.00, Ask: 1.02, Delta: -0.41},
		{Symbol: "SPY   260805P00495000", Strike: 495, Expiration: exp, Bid: 1.00, Ask: 1.02, Delta: -0.20},
	}}
	sel := newTestSelector(stub, time.Date(2026, 8, 5, 11, 0, 0, 0, time.UTC))

	got, err := sel.Select(context.Background(), "SPY", models.DirectionPut, 500)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got.Strike != 499 {
		t.Errorf("selected strike %v, expected 499 (|delta| nearest target)", got.Strike)
	}
}

func TestSelect_TieBreaksByStrikeProximity(t *testing.T) {
	exp := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	// Identical delta and identical spread ratio; only strike differs.
	stub := &chainStub{chain: []broker.ChainContract{
		{Symbol: "far", Strike: 505, Expiration: exp, Bid: 2.00, Ask: 2.04, Delta: 0.40},
		{Symbol: "near", Strike: 500, Expiration: exp, Bid: 1.00, Ask: 1.02, Delta: 0.40},
	}}
	sel := newTestSelector(stub, time.Date(2026, 8, 5, 11, 0, 0, 0, time.UTC))

	got, err := sel.Select(context.Background(), "SPY", models.DirectionCall, 501)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got.OptionSymbol != "near" {
		t.Errorf("selected %q, expected the strike nearest the underlying", got.OptionSymbol)
	}
}

func TestSelect_NoLiquidContract(t *testing.T) {
	exp := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	stub := &chainStub{chain: []broker.ChainContract{
		{Symbol: "dead", Strike: 500, Expiration: exp, Bid: 0, Ask: 0, Delta: 0.40},
		{Symbol: "wide", Strike: 501, Expiration: exp, Bid: 0.50, Ask: 1.50, Delta: 0.40},
	}}
	sel := newTestSelector(stub, time.Date(2026, 8, 5, 11, 0, 0, 0, time.UTC))

	_, err := sel.Select(context.Background(), "SPY", models.DirectionCall, 500)
	if !errors.Is(err, ErrNoLiquidContract) {
		t.Fatalf("expected ErrNoLiquidContract, got %v", err)
	}
}

func TestSelect_ChainError(t *testing.T) {
	stub := &chainStub{err: errors.New("chain unavailable")}
	sel := newTestSelector(stub, time.Date(2026, 8, 5, 11, 0, 0, 0, time.UTC))

	if _, err := sel.Select(context.Background(), "SPY", models.DirectionCall, 500); err == nil {
		t.Fatal("expected chain error to propagate")
	}
}
