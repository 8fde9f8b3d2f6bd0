// Package broker defines the brokerage interface and its implementations:
// a Schwab REST client, a deterministic paper simulator, and a circuit
// breaker decorator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

// OrderState is the broker-side lifecycle of an order.
type OrderState string

const (
	OrderWorking   OrderState = "WORKING"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
	OrderExpired   OrderState = "EXPIRED"
)

// IsTerminal reports whether the order can no longer fill.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected || s == OrderExpired
}

// OrderStatus is the broker's view of an order.
type OrderStatus struct {
	ID          string
	State       OrderState
	FilledPrice float64
	FilledAt    time.Time
}

// ChainContract is one option contract from a chain query.
type ChainContract struct {
	Symbol     string
	Strike     float64
	Expiration time.Time
	Bid        float64
	Ask        float64
	Delta      float64
}

// EquityQuote is a REST snapshot quote for an equity or index symbol.
type EquityQuote struct {
	Symbol        string
	Last          float64
	Bid           float64
	Ask           float64
	Change        float64
	ChangePercent float64
	Volume        int64
}

// Broker defines the operations the engine needs from a brokerage.
// All calls carry a deadline via ctx; implementations default to 5s.
type Broker interface {
	// Order placement. Returns the broker order ID.
	PlaceLimitEntry(ctx context.Context, symbol string, quantity int, limitPrice float64) (string, error)
	PlaceStopExit(ctx context.Context, symbol string, quantity int, stopPrice float64) (string, error)
	PlaceMarketExit(ctx context.Context, symbol string, quantity int) (string, error)

	// Order management
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)

	// Market data
	OptionChain(ctx context.Context, underlying string, direction models.Direction,
		strikeCount int, expiration time.Time) ([]ChainContract, error)
	EquityQuote(ctx context.Context, symbol string) (*EquityQuote, error)
	PriceHistory(ctx context.Context, symbol string, frequencyMinutes int,
		start, end time.Time) ([]models.Bar, error)
}

// APIError is a non-2xx response from the broker API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error %d: %s", e.Status, e.Message)
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, rate limits, and 5xx responses. Protocol rejections (other
// 4xx) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"rate limit",
		"eof",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure implementations satisfy Broker at compile time.
var (
	_ Broker = (*SchwabClient)(nil)
	_ Broker = (*PaperBroker)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// PlaceLimitEntry wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceLimitEntry(ctx context.Context, symbol string, quantity int, limitPrice float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceLimitEntry(ctx, symbol, quantity, limitPrice)
	})
}

// PlaceStopExit wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceStopExit(ctx context.Context, symbol string, quantity int, stopPrice float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceStopExit(ctx, symbol, quantity, stopPrice)
	})
}

// PlaceMarketExit wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceMarketExit(ctx context.Context, symbol string, quantity int) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceMarketExit(ctx, symbol, quantity)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// OrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.OrderStatus(ctx, orderID)
	})
}

// OptionChain wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OptionChain(ctx context.Context, underlying string, direction models.Direction,
	strikeCount int, expiration time.Time) ([]ChainContract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]ChainContract, error) {
		return b.OptionChain(ctx, underlying, direction, strikeCount, expiration)
	})
}

// EquityQuote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) EquityQuote(ctx context.Context, symbol string) (*EquityQuote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*EquityQuote, error) {
		return b.EquityQuote(ctx, symbol)
	})
}

// PriceHistory wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PriceHistory(ctx context.Context, symbol string, frequencyMinutes int,
	start, end time.Time) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Bar, error) {
		return b.PriceHistory(ctx, symbol, frequencyMinutes, start, end)
	})
}
