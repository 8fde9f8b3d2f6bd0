// Package stream maintains the in-memory quote cache fed by the market
// data feed. Callers fall back to the broker's REST quote on a stale read.
package stream

import (
	"sync"
	"time"
)

// DefaultStaleAfter is how old a quote may be before Get reports it stale.
const DefaultStaleAfter = 5 * time.Second

// Quote is the freshest known market for a symbol.
type Quote struct {
	Symbol     string
	Last       float64
	Bid        float64
	Ask        float64
	Volume     int64
	ReceivedAt time.Time
}

// Mid returns the bid/ask midpoint, falling back to last when one side is empty.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadPercent returns the bid/ask spread as a percentage of the midpoint.
func (q Quote) SpreadPercent() float64 {
	mid := q.Mid()
	if mid > 0 && q.Bid > 0 && q.Ask > 0 {
		return (q.Ask - q.Bid) / mid * 100
	}
	return 0
}

// Cache stores the most recent quote per subscribed symbol. A single feed
// goroutine writes per symbol; reads are concurrent.
type Cache struct {
	mu         sync.RWMutex
	quotes     map[string]Quote
	refs       map[string]int
	staleAfter time.Duration
	now        func() time.Time
	handlers   []func(Quote)
}

// NewCache creates a quote cache with the given staleness window.
func NewCache(staleAfter time.Duration) *Cache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Cache{
		quotes:     make(map[string]Quote),
		refs:       make(map[string]int),
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the staleness clock for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Subscribe adds a symbol to the active set. Subscriptions are reference
// counted: a symbol stays subscribed while any open trade or enabled
// strategy still needs it.
func (c *Cache) Subscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[symbol]++
}

// Unsubscribe drops one reference; the symbol leaves the active set when
// the count reaches zero.
func (c *Cache) Unsubscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[symbol] <= 1 {
		delete(c.refs, symbol)
		delete(c.quotes, symbol)
		return
	}
	c.refs[symbol]--
}

// Subscribed returns the current active symbol set.
func (c *Cache) Subscribed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	symbols := make([]string, 0, len(c.refs))
	for s := range c.refs {
		symbols = append(symbols, s)
	}
	return symbols
}

// OnUpdate registers a handler invoked after every quote update, used to
// feed the bar aggregator. Register before the feed starts.
func (c *Cache) OnUpdate(h func(Quote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Update stores a new quote for a symbol.
func (c *Cache) Update(q Quote) {
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = c.now()
	}
	c.mu.Lock()
	c.quotes[q.Symbol] = q
	handlers := c.handlers
	c.mu.Unlock()
	for _, h := range handlers {
		h(q)
	}
}

// Get returns the cached quote and whether it is fresh. A missing symbol
// reads as stale; callers then fall back to the broker REST quote.
func (c *Cache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok {
		return Quote{Symbol: symbol}, false
	}
	fresh := c.now().Sub(q.ReceivedAt) <= c.staleAfter
	return q, fresh
}
