// Package bus provides a small in-process pub/sub fanout used to push
// lifecycle events to dashboard websocket clients.
package bus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event names published by the engine.
const (
	EventAlertReceived  = "alert_received"
	EventTradeCreated   = "trade_created"
	EventTradeFilled    = "trade_filled"
	EventTradeClosed    = "trade_closed"
	EventTradeCancelled = "trade_cancelled"
)

// Event is one published message. Payload must be JSON-serializable.
type Event struct {
	Name      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

const subscriberBuffer = 256

// Bus fans events out to subscribers over bounded channels. Publish never
// blocks: when a subscriber's buffer is full the oldest event is dropped
// and counted.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	dropped uint64
	logger  *logrus.Logger
}

// New creates an empty bus.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(name string, payload interface{}) {
	ev := Event{Name: name, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Buffer full: drop the oldest so the newest still lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			b.dropped++
			b.logger.WithFields(logrus.Fields{
				"event":         name,
				"dropped_total": b.dropped,
			}).Warn("Event bus subscriber lagging, dropped oldest event")
		}
	}
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
