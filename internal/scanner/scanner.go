// Package scanner reconciles custom-drive rows with what is on disk. Files
// added, changed or removed outside the server show up in the tree after
// the next scan.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/worker"
)

// DefaultSettleTime is how long a path must be left alone before it is
// indexed.
const DefaultSettleTime = time.Minute

// Drives opens the backend rooted at a drive path.
type Drives interface {
	Drive(path string) (storage.Backend, error)
}

// Vanisher trashes the rows of content that disappeared from disk. It
// returns filetree.ErrContentPresent when the content is back.
type Vanisher interface {
	MarkVanished(ctx context.Context, owner, id string) (*models.Entry, error)
}

// Report summarizes a scan.
type Report struct {
	Users   int `json:"users"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Trashed int `json:"trashed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Users += o.Users
	r.Created += o.Created
	r.Updated += o.Updated
	r.Trashed += o.Trashed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Scanner indexes custom drives.
type Scanner struct {
	store      metadata.Store
	drives     Drives
	vanisher   Vanisher
	SettleTime time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// New creates a Scanner.
func New(store metadata.Store, drives Drives, vanisher Vanisher) *Scanner {
	return &Scanner{
		store:      store,
		drives:     drives,
		vanisher:   vanisher,
		SettleTime: DefaultSettleTime,
		now:        time.Now,
		log:        logging.Named("scanner"),
	}
}

// ScanAll scans every user with an enabled drive. One user's failure does
// not stop the others.
func (s *Scanner) ScanAll(ctx context.Context) (Report, error) {
	start := time.Now()
	users, err := s.store.ListDriveUsers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list drive users: %w", err)
	}
	var total Report
	for _, u := range users {
		rep, err := s.ScanUser(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			total.Failed++
			s.log.Warn("drive scan failed", zap.String("user", u.ID), zap.String("path", u.CustomDrivePath), zap.Error(err))
			continue
		}
		total.add(rep)
	}
	metrics.RecordSweep("drive-scan", time.Since(start), map[string]int{
		"created": total.Created, "updated": total.Updated, "trashed": total.Trashed, "failed": total.Failed,
	})
	return total, nil
}

type diskEntry struct {
	info     storage.ObjectInfo
	settling bool
}

// ScanUser brings u's drive rows in line with the directory. A missing or
// unreadable root aborts the scan before anything changes, so an unmounted
// disk never empties a tree.
func (s *Scanner) ScanUser(ctx context.Context, u *models.User) (Report, error) {
	if u.Location() != models.LocationDrive {
		return Report{}, fmt.Errorf("user %s has no active drive: %w", u.ID, apperr.ErrInvalid)
	}
	fi, err := os.Stat(u.CustomDrivePath)
	if err != nil || !fi.IsDir() {
		return Report{}, fmt.Errorf("drive root %s unavailable: %w", u.CustomDrivePath, apperr.ErrIO)
	}
	b, err := s.drives.Drive(u.CustomDrivePath)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Users: 1}
	disk, err := s.walk(ctx, b, &rep)
	if err != nil {
		return Report{}, fmt.Errorf("walk drive %s: %w", u.CustomDrivePath, err)
	}

	rows, err := s.store.ListNamespace(ctx, u.ID, models.LocationDrive)
	if err != nil {
		return Report{}, err
	}
	live := make(map[string]*models.Entry, len(rows))
	for _, e := range rows {
		if !e.Trashed() && e.StorageKey != nil {
			live[*e.StorageKey] = e
		}
	}

	s.index(ctx, b, u.ID, disk, live, &rep)
	s.vanish(ctx, u.ID, disk, live, &rep)

	if rep.Created+rep.Updated+rep.Trashed > 0 {
		s.log.Info("drive scanned",
			zap.String("user", u.ID), zap.Int("created", rep.Created),
			zap.Int("updated", rep.Updated), zap.Int("trashed", rep.Trashed))
	}
	return rep, nil
}

// walk lists the drive in lexical order, so parents precede children.
func (s *Scanner) walk(ctx context.Context, b storage.Backend, rep *Report) ([]diskEntry, error) {
	settleCut := s.now().Add(-s.SettleTime)
	var out []diskEntry
	err := b.Walk(ctx, "", func(obj storage.ObjectInfo) error {
		if obj.Key == filetree.TrashDir {
			return storage.SkipDir
		}
		if _, err := filetree.ValidateName(path.Base(obj.Key)); err != nil {
			rep.Skipped++
			if obj.IsDir {
				return storage.SkipDir
			}
			return nil
		}
		out = append(out, diskEntry{info: obj, settling: obj.ModTime.After(settleCut)})
		return nil
	})
	return out, err
}

func parentKey(key string) string {
	if d := path.Dir(key); d != "." {
		return d
	}
	return ""
}

// errMovedOn marks a path that changed between the walk and the write.
var errMovedOn = errors.New("path changed during scan")

// index adds rows for new paths and refreshes edited files. Each write runs
// under the owner's lock and re-checks the path, since requests may have
// moved or trashed things since the walk.
func (s *Scanner) index(ctx context.Context, b storage.Backend, owner string, disk []diskEntry, live map[string]*models.Entry, rep *Report) {
	ids := make(map[string]string, len(live)) // key -> id
	for k, e := range live {
		ids[k] = e.ID
	}

	for _, d := range disk {
		key := d.info.Key
		typ := models.TypeFile
		if d.info.IsDir {
			typ = models.TypeFolder
		}

		if e, ok := live[key]; ok {
			if e.Type != typ {
				// Replaced by the other type; the old row vanishes below.
				continue
			}
			if typ == models.TypeFile && !d.settling && changed(e, d.info) {
				err := s.store.InTx(ctx, func(q metadata.Queries) error {
					if err := q.LockUser(ctx, owner); err != nil {
						return err
					}
					cur, err := q.GetEntry(ctx, e.ID)
					if err != nil {
						return err
					}
					if cur.Trashed() || cur.Key() != key {
						return errMovedOn
					}
					cur.Size = d.info.Size
					cur.ModifiedAt = d.info.ModTime.UTC().Truncate(time.Microsecond)
					cur.Checksum = ""
					return q.UpdateEntry(ctx, cur)
				})
				if s.benign(err, key, rep) {
					continue
				}
				if err != nil {
					rep.Failed++
					s.log.Warn("update row", zap.String("key", key), zap.Error(err))
					continue
				}
				rep.Updated++
			}
			continue
		}
		if d.settling {
			rep.Skipped++
			continue
		}

		var parentID *string
		if pk := parentKey(key); pk != "" {
			id, ok := ids[pk]
			if !ok {
				// Parent not indexed yet; it will be on a later scan.
				rep.Skipped++
				continue
			}
			parentID = models.StringPtr(id)
		}

		mod := d.info.ModTime.UTC().Truncate(time.Microsecond)
		e := &models.Entry{
			ID:         uuid.NewString(),
			OwnerID:    owner,
			ParentID:   parentID,
			Name:       path.Base(key),
			Type:       typ,
			Location:   models.LocationDrive,
			StorageKey: models.StringPtr(key),
			CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
			ModifiedAt: mod,
		}
		if typ == models.TypeFile {
			e.Size = d.info.Size
			e.MimeType = filetree.SniffMime(e.Name, "")
		}
		err := s.store.InTx(ctx, func(q metadata.Queries) error {
			if err := q.LockUser(ctx, owner); err != nil {
				return err
			}
			if parentID != nil {
				p, err := q.GetEntry(ctx, *parentID)
				if err != nil {
					return err
				}
				if p.Trashed() || p.Key() != parentKey(key) {
					return errMovedOn
				}
			}
			ok, err := b.ObjectExists(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				return errMovedOn
			}
			return q.InsertEntry(ctx, e)
		})
		if s.benign(err, key, rep) {
			continue
		}
		if err != nil {
			rep.Failed++
			s.log.Warn("insert row", zap.String("key", key), zap.Error(err))
			continue
		}
		ids[key] = e.ID
		rep.Created++
	}
}

// benign reports, and counts as skipped, errors that mean a request got to
// the path first. The next scan sees the settled state.
func (s *Scanner) benign(err error, key string, rep *Report) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errMovedOn),
		errors.Is(err, apperr.ErrNameConflict),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, filetree.ErrContentPresent):
		rep.Skipped++
		s.log.Debug("path changed during scan", zap.String("key", key), zap.Error(err))
		return true
	}
	return false
}

// changed reports an edit made outside the server. Server writes land on
// disk before their row is stamped, so only a later mtime counts.
func changed(e *models.Entry, info storage.ObjectInfo) bool {
	return e.Size != info.Size || info.ModTime.UTC().Truncate(time.Microsecond).After(e.ModifiedAt)
}

// vanish trashes live rows whose path is gone. Only the topmost vanished
// entry is trashed; the cascade takes its descendants. Rows written by
// requests after the walk are spared: MarkVanished checks the disk again.
func (s *Scanner) vanish(ctx context.Context, owner string, disk []diskEntry, live map[string]*models.Entry, rep *Report) {
	present := make(map[string]models.EntryType, len(disk))
	for _, d := range disk {
		typ := models.TypeFile
		if d.info.IsDir {
			typ = models.TypeFolder
		}
		present[d.info.Key] = typ
	}

	var gone []string
	for k, e := range live {
		if typ, ok := present[k]; !ok || typ != e.Type {
			gone = append(gone, k)
		}
	}
	sort.Strings(gone)

	trashed := make(map[string]bool)
	for _, k := range gone {
		if underAny(k, trashed) {
			continue
		}
		_, err := s.vanisher.MarkVanished(ctx, owner, live[k].ID)
		if s.benign(err, k, rep) {
			continue
		}
		if err != nil {
			rep.Failed++
			s.log.Warn("trash vanished row", zap.String("key", k), zap.Error(err))
			continue
		}
		trashed[k] = true
		rep.Trashed++
	}
}

func underAny(key string, roots map[string]bool) bool {
	for k := parentKey(key); k != ""; k = parentKey(k) {
		if roots[k] {
			return true
		}
	}
	return false
}

// Task wraps ScanAll for the scheduler.
func (s *Scanner) Task(interval time.Duration) worker.Task {
	return worker.Task{
		Name:       "drive-scan",
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := s.ScanAll(ctx)
			return err
		},
	}
}
