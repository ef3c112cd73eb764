package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoStopsAfterFirstSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 3, AttemptTimeout: time.Second}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoSurfacesLastFailureAfterExhaustion(t *testing.T) {
	p := Policy{MaxAttempts: 2, AttemptTimeout: time.Second}
	boom := errors.New("upstream 503")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, boom)
}

func TestDoTimedOutAttemptConsumesBudget(t *testing.T) {
	p := Policy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoHonorsParentCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 5, AttemptTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail once")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultReturnsValue(t *testing.T) {
	p := Policy{MaxAttempts: 2, AttemptTimeout: time.Second}
	calls := 0
	v, err := Result(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
