package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrRetriesExhausted wraps the last transient error once the budget is spent.
var ErrRetriesExhausted = errors.New("geocode: retries exhausted")

// RetryPolicy is a fixed-delay retry budget. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy matches what the hamdb service tolerates.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}
}

// Do runs fn until it succeeds, reports ErrNotFound, the context ends, or the
// budget is spent. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, clock clockwork.Clock, fn func(context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 1; i <= attempts; i++ {
		last = fn(ctx)
		if last == nil || errors.Is(last, ErrNotFound) {
			return i, last
		}
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if i == attempts || p.Delay <= 0 {
			continue
		}
		select {
		case <-clock.After(p.Delay):
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last)
}
