// Package quota computes effective storage limits and checks writes
// against live usage.
//
// Usage is read from the metadata store at check time, never cached. Two
// concurrent uploads can both pass the check; that window is accepted.
package quota

import (
	"context"
	"fmt"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
)

// Usage is a user's managed storage consumption.
type Usage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"` // 0 = unlimited
}

// Remaining returns the bytes still available, or -1 when unlimited.
func (u Usage) Remaining() int64 {
	if u.Limit == 0 {
		return -1
	}
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// Service applies storage limits.
type Service struct {
	defaultLimit int64
}

// New returns a Service where users without an override get defaultLimit
// bytes. 0 means unlimited.
func New(defaultLimit int64) *Service {
	return &Service{defaultLimit: defaultLimit}
}

// Limit returns the user's effective storage limit.
func (s *Service) Limit(u *models.User) int64 {
	if u.StorageLimit != nil {
		return *u.StorageLimit
	}
	return s.defaultLimit
}

// Usage reads the user's live usage through q.
func (s *Service) Usage(ctx context.Context, q metadata.Queries, u *models.User) (Usage, error) {
	used, err := q.StorageUsed(ctx, u.ID)
	if err != nil {
		return Usage{}, fmt.Errorf("storage used: %w", err)
	}
	return Usage{Used: used, Limit: s.Limit(u)}, nil
}

// Check fails with ErrQuotaExceeded when adding additional bytes to u's
// managed storage would pass the limit.
func (s *Service) Check(ctx context.Context, q metadata.Queries, u *models.User, additional int64) error {
	limit := s.Limit(u)
	if limit == 0 || additional <= 0 {
		return nil
	}
	used, err := q.StorageUsed(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("storage used: %w", err)
	}
	if used+additional > limit {
		metrics.RecordQuotaExceeded("storage")
		return fmt.Errorf("%d bytes used, %d requested, limit %d: %w", used, additional, limit, apperr.ErrQuotaExceeded)
	}
	return nil
}

// CheckUploadSize enforces the global max upload size. 0 means unlimited.
func CheckUploadSize(size, max int64) error {
	if max > 0 && size > max {
		metrics.RecordQuotaExceeded("upload_size")
		return fmt.Errorf("upload of %d bytes exceeds max upload size %d: %w", size, max, apperr.ErrQuotaExceeded)
	}
	return nil
}
