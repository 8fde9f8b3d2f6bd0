package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// PaperBroker is a deterministic in-memory simulator. Limit and market
// orders fill immediately (limit orders at the limit price, market orders
// at the last seeded quote); stop orders stay WORKING until a test or the
// paper feed fills them explicitly.
type PaperBroker struct {
	mu          sync.Mutex
	seq         int
	orders      map[string]*paperOrder
	quotes      map[string]EquityQuote
	chains      map[string][]ChainContract
	history     map[string][]models.Bar
	holdEntries bool
	now         func() time.Time
}

type paperOrder struct {
	status OrderStatus
	symbol string
}

// NewPaperBroker creates an empty simulator.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		orders:  make(map[string]*paperOrder),
		quotes:  make(map[string]EquityQuote),
		chains:  make(map[string][]ChainContract),
		history: make(map[string][]models.Bar),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the simulator clock.
func (p *PaperBroker) WithClock(now func() time.Time) *PaperBroker {
	p.now = now
	return p
}

// HoldEntries keeps new limit entry orders in WORKING state instead of
// filling them, so timeout paths can be exercised.
func (p *PaperBroker) HoldEntries(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdEntries = hold
}

// SetQuote seeds the snapshot quote for a symbol.
func (p *PaperBroker) SetQuote(symbol string, q EquityQuote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.Symbol = symbol
	p.quotes[strings.ToUpper(symbol)] = q
}

// SetChain seeds the option chain served for (underlying, direction).
func (p *PaperBroker) SetChain(underlying string, direction models.Direction, contracts []ChainContract) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[chainKey(underlying, direction)] = contracts
}

// SetBars seeds price history for a symbol.
func (p *PaperBroker) SetBars(symbol string, bars []models.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[strings.ToUpper(symbol)] = bars
}

// FillOrder force-fills a working order, e.g. a resting stop.
func (p *PaperBroker) FillOrder(orderID string, price float64, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper order %s not found", orderID)
	}
	if o.status.State != OrderWorking {
		return fmt.Errorf("paper order %s is %s, not WORKING", orderID, o.status.State)
	}
	o.status.State = OrderFilled
	o.status.FilledPrice = price
	o.status.FilledAt = at
	return nil
}

func chainKey(underlying string, direction models.Direction) string {
	return strings.ToUpper(underlying) + "/" + string(direction)
}

func (p *PaperBroker) nextID() string {
	p.seq++
	return fmt.Sprintf("PAPER-%d", p.seq)
}

// PlaceLimitEntry fills at the limit price unless entries are held.
func (p *PaperBroker) PlaceLimitEntry(_ context.Context, symbol string, _ int, limitPrice float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID()
	status := OrderStatus{ID: id, State: OrderFilled, FilledPrice: limitPrice, FilledAt: p.now()}
	if p.holdEntries {
		status = OrderStatus{ID: id, State: OrderWorking}
	}
	p.orders[id] = &paperOrder{status: status, symbol: symbol}
	return id, nil
}

// PlaceStopExit leaves the stop resting in WORKING state indefinitely.
func (p *PaperBroker) PlaceStopExit(_ context.Context, symbol string, _ int, _ float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID()
	p.orders[id] = &paperOrder{status: OrderStatus{ID: id, State: OrderWorking}, symbol: symbol}
	return id, nil
}

// PlaceMarketExit fills at the last seeded quote for the symbol.
func (p *PaperBroker) PlaceMarketExit(_ context.Context, symbol string, _ int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID()
	price := 0.0
	if q, ok := p.quotes[strings.ToUpper(symbol)]; ok {
		price = q.Last
		if price <= 0 && q.Bid > 0 && q.Ask > 0 {
			price = (q.Bid + q.Ask) / 2
		}
	}
	p.orders[id] = &paperOrder{
		status: OrderStatus{ID: id, State: OrderFilled, FilledPrice: price, FilledAt: p.now()},
		symbol: symbol,
	}
	return id, nil
}

// CancelOrder cancels a working order; terminal orders are left untouched.
func (p *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return &APIError{Status: 404, Message: "order not found"}
	}
	if o.status.State == OrderWorking {
		o.status.State = OrderCancelled
	}
	return nil
}

// OrderStatus returns the simulator's view of an order.
func (p *PaperBroker) OrderStatus(_ context.Context, orderID string) (*OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, &APIError{Status: 404, Message: "order not found"}
	}
	status := o.status
	return &status, nil
}

// OptionChain serves the seeded chain for (underlying, direction).
func (p *PaperBroker) OptionChain(_ context.Context, underlying string, direction models.Direction,
	_ int, _ time.Time) ([]ChainContract, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	contracts, ok := p.chains[chainKey(underlying, direction)]
	if !ok {
		return nil, nil
	}
	out := make([]ChainContract, len(contracts))
	copy(out, contracts)
	return out, nil
}

// EquityQuote serves the seeded quote.
func (p *PaperBroker) EquityQuote(_ context.Context, symbol string) (*EquityQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil, &APIError{Status: 404, Message: "no quote for " + symbol}
	}
	out := q
	return &out, nil
}

// PriceHistory serves seeded bars within [start, end].
func (p *PaperBroker) PriceHistory(_ context.Context, symbol string, _ int,
	start, end time.Time) ([]models.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Bar
	for _, b := range p.history[strings.ToUpper(symbol)] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}
