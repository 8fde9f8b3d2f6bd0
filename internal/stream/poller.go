package stream

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
)

// Poller keeps the cache warm by polling the broker's snapshot quotes for
// every subscribed symbol. It stands in for a streaming connection; the
// cache API is the same either way.
type Poller struct {
	cache    *Cache
	broker   broker.Broker
	interval time.Duration
}

// NewPoller creates a quote poller.
func NewPoller(cache *Cache, b broker.Broker, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{cache: cache, broker: b, interval: interval}
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	for _, symbol := range p.cache.Subscribed() {
		if ctx.Err() != nil {
			return
		}
		q, err := p.broker.EquityQuote(ctx, symbol)
		if err != nil {
			log.WithField("symbol", symbol).WithError(err).Debug("quote poll failed")
			continue
		}
		p.cache.Update(Quote{
			Symbol: symbol,
			Last:   q.Last,
			Bid:    q.Bid,
			Ask:    q.Ask,
			Volume: q.Volume,
		})
	}
}
