// Package retry wraps broker calls with bounded exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mifflin_scalper/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig retries transient failures at 0.5s, 1s, 2s, then gives up.
var DefaultConfig = Config{
	MaxAttempts:    4,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     4 * time.Second,
}

// Do runs fn until it succeeds, fails permanently, or exhausts attempts.
// Only errors broker.IsTransient classifies as retryable are retried.
func Do[T any](ctx context.Context, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !broker.IsTransient(err) || attempt == cfg.MaxAttempts {
			break
		}

		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).WithError(err).Warn("transient broker error, retrying")

		select {
		case <-time.After(withJitter(backoff)):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}

// withJitter adds up to 25% random jitter so retries from concurrent loops
// do not land on the broker in lockstep.
func withJitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(jitterVal.Int64())
}
