// Package reconcile holds the background sweeps that bring storage and
// metadata back in line: expired trash is purged, and managed objects no
// row references are deleted.
//
// Sweeps never fail on one item. They log it, count it and move on.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/worker"
)

// DefaultRetention is how long trash is kept before it is purged.
const DefaultRetention = 15 * 24 * time.Hour

// Purger permanently deletes a trashed entry regardless of owner.
type Purger interface {
	PurgeTrashed(ctx context.Context, id string) (filetree.PurgeReport, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned         int `json:"scanned"`
	Deleted         int `json:"deleted"`
	Failed          int `json:"failed"`
	Objects         int `json:"objects"`
	CleanupFailures int `json:"cleanup_failures"`
}

// TrashSweeper purges trash roots older than Retention.
type TrashSweeper struct {
	store     metadata.Queries
	purger    Purger
	Retention time.Duration
	BatchSize int
	now       func() time.Time
	log       *zap.Logger
}

// NewTrashSweeper creates a sweeper with the default retention.
func NewTrashSweeper(store metadata.Queries, purger Purger) *TrashSweeper {
	return &TrashSweeper{
		store:     store,
		purger:    purger,
		Retention: DefaultRetention,
		BatchSize: 100,
		now:       time.Now,
		log:       logging.Named("trash-sweep"),
	}
}

// Sweep purges every expired trash root. It returns an error only when the
// candidates cannot be listed.
func (s *TrashSweeper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	var rep Report
	cutoff := s.now().Add(-s.Retention)
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}

	for {
		// Purged roots leave the listing, failed ones stay in front.
		roots, err := s.store.ListTrashRoots(ctx, metadata.TrashQuery{
			DeletedBefore: &cutoff,
			Limit:         batch,
			Offset:        rep.Failed,
		})
		if err != nil {
			return rep, err
		}
		if len(roots) == 0 {
			break
		}
		for _, r := range roots {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			rep.Scanned++
			pr, err := s.purger.PurgeTrashed(ctx, r.ID)
			switch {
			case err != nil && s.leftTrash(ctx, r.ID):
				// Went with an ancestor purged earlier in this sweep, or
				// was restored or purged by a request meanwhile.
			case err != nil:
				rep.Failed++
				s.log.Warn("purge failed", zap.String("id", r.ID), zap.String("owner", r.OwnerID), zap.Error(err))
			default:
				rep.Deleted++
				rep.Objects += pr.Objects
				rep.CleanupFailures += pr.CleanupFailures
			}
		}
	}

	metrics.RecordSweep("trash", time.Since(start), map[string]int{
		"deleted": rep.Deleted, "failed": rep.Failed, "cleanup_failed": rep.CleanupFailures,
	})
	if rep.Scanned > 0 {
		s.log.Info("trash sweep finished",
			zap.Int("scanned", rep.Scanned), zap.Int("deleted", rep.Deleted),
			zap.Int("failed", rep.Failed), zap.Int("objects", rep.Objects))
	}
	return rep, nil
}

// leftTrash reports whether id is gone or live again.
func (s *TrashSweeper) leftTrash(ctx context.Context, id string) bool {
	e, err := s.store.GetEntry(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return true
	}
	return err == nil && !e.Trashed()
}

// Task wraps the sweep for the scheduler.
func (s *TrashSweeper) Task(interval time.Duration) worker.Task {
	return worker.Task{
		Name:     "trash-sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	}
}
