package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed("test", 3, time.Millisecond, nil), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReportsExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed("test", 2, time.Millisecond, nil), func() error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTransient)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := Fixed("test", 5, time.Millisecond, nil)
	cfg.Retryable = func(err error) bool { return errors.Is(err, errTransient) }

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return permanent
	})

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestDoUsesDelayOverride(t *testing.T) {
	var seen []int
	cfg := Fixed("test", 3, time.Hour, nil)
	cfg.Delay = func(attempt int, err error) time.Duration {
		seen = append(seen, attempt)
		return time.Millisecond
	}

	err := Do(context.Background(), cfg, func() error { return errTransient })

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Fixed("test", 5, time.Hour, nil)

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func() error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	got, err := DoWithResult(context.Background(), DefaultConfig(), func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
