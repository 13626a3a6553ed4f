// Package worker runs periodic background tasks, each on its own ticker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/lock"
	"github.com/fruitsalade/pantry/internal/logging"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task once right after Start instead of waiting a
	// full interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Locker grants a named lease across replicas. lock.Redis implements it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// Scheduler owns the task goroutines. Tasks share nothing with each other.
type Scheduler struct {
	tasks  []Task
	locker Locker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewScheduler creates a scheduler. locker may be nil for single-replica
// deployments.
func NewScheduler(locker Locker, tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks:  tasks,
		locker: locker,
		log:    logging.Named("worker"),
	}
}

// Start launches one goroutine per task. Tasks with a non-positive
// interval are disabled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		if t.Interval <= 0 {
			s.log.Info("task disabled", zap.String("task", t.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow runs the named task once in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, t := range s.tasks {
		if t.Name == name {
			return s.run(ctx, t)
		}
	}
	return fmt.Errorf("unknown task %q: %w", name, apperr.ErrNotFound)
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	if t.RunOnStart {
		s.runLogged(ctx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx, t)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context, t Task) {
	if err := s.run(ctx, t); err != nil && ctx.Err() == nil {
		s.log.Error("task failed", zap.String("task", t.Name), zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) error {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, t.Name, t.Interval)
		if errors.Is(err, lock.ErrBusy) {
			s.log.Debug("task running elsewhere", zap.String("task", t.Name))
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release lease", zap.String("task", t.Name), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	err := t.Run(ctx)
	s.log.Debug("task finished", zap.String("task", t.Name), zap.Duration("took", time.Since(start)))
	return err
}
