package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds an asynchronous operation: each attempt runs under its own
// timeout, and a timed-out or failed attempt consumes one of MaxAttempts.
// No delay is inserted between attempts beyond what the timeout imposes.
type Policy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 5 * time.Second
	}
	return p
}

// Do runs op until it succeeds or the attempt budget is exhausted, surfacing
// the last failure. Parent-context cancellation stops immediately.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.normalized()
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		last = err
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, last)
}

// Result is Do for value-returning operations.
func Result[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
