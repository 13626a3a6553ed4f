package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	var waits []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, _ time.Duration, err error) {
		waits = append(waits, attempt)
		assert.ErrorIs(t, err, apperr.ErrIO)
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return Retryable(apperr.ErrIO)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, waits)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return apperr.ErrNotFound
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return Retryable(errors.New("still down"))
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestDoSingleAttemptWhenUnset(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{}, func() error {
		calls++
		return Retryable(errors.New("down"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 5, InitialWait: time.Second, Multiplier: 2}
	err := Do(ctx, cfg, func() error {
		return Retryable(errors.New("down"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitIsCapped(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 250 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.wait(1))
	assert.Equal(t, 200*time.Millisecond, cfg.wait(2))
	assert.Equal(t, 250*time.Millisecond, cfg.wait(3))
	assert.True(t, IsRetryable(fmtWrap(Retryable(apperr.ErrIO))))
	assert.Nil(t, Retryable(nil))
}

func fmtWrap(err error) error { return errors.Join(errors.New("ctx"), err) }
