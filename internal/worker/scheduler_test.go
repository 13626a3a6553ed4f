package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/lock"
)

type busyLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	calls int
}

func (l *busyLocker) Acquire(_ context.Context, name string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.held[name] {
		return nil, lock.ErrBusy
	}
	return func(context.Context) error { return nil }, nil
}

func TestSchedulerRunsAndStops(t *testing.T) {
	var runs atomic.Int32
	done := make(chan struct{})
	s := NewScheduler(nil, Task{
		Name:       "tick",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 3 {
				close(done)
			}
			return errors.New("failures are logged, not fatal")
		},
	})
	s.Start(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run three times")
	}
	s.Stop()

	n := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, runs.Load(), "no runs after Stop")
}

func TestSchedulerSkipsWhenLeaseBusy(t *testing.T) {
	l := &busyLocker{held: map[string]bool{"sweep": true}}
	ran := false
	s := NewScheduler(l, Task{Name: "sweep", Interval: time.Hour, Run: func(context.Context) error {
		ran = true
		return nil
	}})

	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.False(t, ran)
	assert.Equal(t, 1, l.calls)

	l.held["sweep"] = false
	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.True(t, ran)
}

func TestRunNowUnknownTask(t *testing.T) {
	s := NewScheduler(nil)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), apperr.ErrNotFound)
}

func TestDisabledTaskNeverRuns(t *testing.T) {
	s := NewScheduler(nil, Task{Name: "off", Interval: 0, RunOnStart: true, Run: func(context.Context) error {
		t.Error("disabled task ran")
		return nil
	}})
	s.Start(context.Background())
	s.Stop()
}
