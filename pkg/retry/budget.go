package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorBudget paces a loop that keeps going after transient failures. Each
// consecutive failure waits one step of an exponential backoff; a success
// resets both the delay and the count. Once max consecutive failures are
// reached the budget reports a FatalError. max <= 0 means unlimited.
type ErrorBudget struct {
	max         int
	consecutive int
	backoff     backoff.BackOff
}

func NewErrorBudget(max int, initialInterval, maxInterval time.Duration, multiplier float64) *ErrorBudget {
	return &ErrorBudget{
		max:     max,
		backoff: ExponentialBackoff(initialInterval, maxInterval, multiplier),
	}
}

// Failure records err and sleeps for the next backoff step. It returns a
// FatalError once the budget is exhausted, or ctx.Err() if ctx ends first.
func (b *ErrorBudget) Failure(ctx context.Context, err error) error {
	b.consecutive++
	if b.max > 0 && b.consecutive >= b.max {
		return NewFatalError(fmt.Errorf("%d consecutive failures: %w", b.consecutive, err))
	}

	delay := b.backoff.NextBackOff()
	if delay == backoff.Stop {
		return NewFatalError(err)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *ErrorBudget) Success() {
	if b.consecutive == 0 {
		return
	}
	b.consecutive = 0
	b.backoff.Reset()
}

func (b *ErrorBudget) Consecutive() int {
	return b.consecutive
}
