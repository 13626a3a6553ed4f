package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/worker"
)

const refPageSize = 1000

// OrphanReport summarizes one orphan sweep.
type OrphanReport struct {
	Objects  int `json:"objects"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
	Young    int `json:"young"`
	Dangling int `json:"dangling"`
	Temp     int `json:"temp"`
}

// OrphanSweeper deletes managed objects that no row references. Objects
// younger than Grace are kept: an upload writes its object before it
// inserts the row. Temp files that interrupted writes left behind are
// reclaimed once they are older than Grace too.
type OrphanSweeper struct {
	store   metadata.Queries
	backend storage.Backend
	Grace   time.Duration
	limiter *rate.Limiter
	now     func() time.Time
	log     *zap.Logger
}

// NewOrphanSweeper creates a sweeper over the managed backend. Deletes are
// throttled to deletesPerSecond; 0 means unthrottled.
func NewOrphanSweeper(store metadata.Queries, backend storage.Backend, grace time.Duration, deletesPerSecond float64) *OrphanSweeper {
	limit := rate.Inf
	if deletesPerSecond > 0 {
		limit = rate.Limit(deletesPerSecond)
	}
	return &OrphanSweeper{
		store:   store,
		backend: backend,
		Grace:   grace,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		log:     logging.Named("orphan-sweep"),
	}
}

// referenced loads every managed storage key a row points at, trash
// included.
func (s *OrphanSweeper) referenced(ctx context.Context) (map[string]metadata.StorageRef, error) {
	refs := make(map[string]metadata.StorageRef)
	after := ""
	for {
		page, err := s.store.ListStorageRefs(ctx, models.LocationManaged, after, refPageSize)
		if err != nil {
			return nil, fmt.Errorf("list storage refs: %w", err)
		}
		for _, r := range page {
			refs[r.Key] = r
		}
		if len(page) < refPageSize {
			return refs, nil
		}
		after = page[len(page)-1].EntryID
	}
}

// Sweep runs one pass. Running it twice in a row deletes nothing the
// second time.
func (s *OrphanSweeper) Sweep(ctx context.Context) (OrphanReport, error) {
	start := time.Now()
	var rep OrphanReport
	cutoff := s.now().Add(-s.Grace)

	refs, err := s.referenced(ctx)
	if err != nil {
		return rep, err
	}

	seen := make(map[string]bool, len(refs))
	err = s.backend.Walk(ctx, "", func(obj storage.ObjectInfo) error {
		if obj.IsDir {
			return nil
		}
		rep.Objects++
		if _, ok := refs[obj.Key]; ok {
			seen[obj.Key] = true
			return nil
		}
		if obj.ModTime.After(cutoff) {
			rep.Young++
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.backend.DeleteObject(ctx, obj.Key); err != nil {
			rep.Failed++
			s.log.Warn("delete orphan failed", zap.String("key", obj.Key), zap.Error(err))
			return nil
		}
		rep.Deleted++
		s.log.Debug("orphan deleted", zap.String("key", obj.Key), zap.Int64("size", obj.Size))
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("walk managed storage: %w", err)
	}

	if rep.Temp, err = storage.ReclaimTemp(ctx, s.backend, cutoff); err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		s.log.Warn("reclaim temp files failed", zap.Error(err))
	}

	// Rows created inside the grace window may still be mid-write.
	for key, r := range refs {
		if seen[key] || r.CreatedAt.After(cutoff) {
			continue
		}
		rep.Dangling++
		s.log.Warn("row has no object", zap.String("id", r.EntryID), zap.String("owner", r.OwnerID), zap.String("key", key))
	}
	metrics.SetDanglingRows(rep.Dangling)
	metrics.RecordSweep("orphan", time.Since(start), map[string]int{
		"deleted": rep.Deleted, "failed": rep.Failed, "temp": rep.Temp,
	})
	if rep.Deleted > 0 || rep.Failed > 0 || rep.Dangling > 0 || rep.Temp > 0 {
		s.log.Info("orphan sweep finished",
			zap.Int("objects", rep.Objects), zap.Int("deleted", rep.Deleted),
			zap.Int("failed", rep.Failed), zap.Int("dangling", rep.Dangling),
			zap.Int("temp", rep.Temp))
	}
	return rep, nil
}

// Task wraps the sweep for the scheduler.
func (s *OrphanSweeper) Task(interval time.Duration) worker.Task {
	return worker.Task{
		Name:     "orphan-sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	}
}
