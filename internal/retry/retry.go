// Package retry implements a bounded retry decorator with jittered backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// Policy retries an operation up to a fixed attempt ceiling, logging each
// failed attempt with its count.
type Policy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *zap.Logger
}

// New builds a policy with the given attempt ceiling and sane delay defaults.
func New(attempts int, logger *zap.Logger) *Policy {
	if attempts <= 0 {
		attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		attempts:  attempts,
		baseDelay: 250 * time.Millisecond,
		maxDelay:  5 * time.Second,
		logger:    logger,
	}
}

// WithDelays overrides the backoff window.
func (p *Policy) WithDelays(base, max time.Duration) *Policy {
	p.baseDelay = base
	p.maxDelay = max
	return p
}

// Do runs fn until it succeeds, the attempt ceiling is reached, or the
// context ends. Each failure is logged at warn level with the attempt count.
func (p *Policy) Do(ctx context.Context, label string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s canceled after %d attempts: %w", label, attempt-1, lastErr)
			}
			return fmt.Errorf("%s canceled: %w", label, err)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		p.logger.Warn("retry attempt failed",
			zap.String("op", label),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == p.attempts {
			break
		}
		select {
		case <-time.After(p.backoff(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled after %d attempts: %w", label, attempt, lastErr)
		}
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", label, p.attempts, lastErr)
}

func (p *Policy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
