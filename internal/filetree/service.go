// Package filetree is the transactional core of the file tree: create,
// upload, rename, move, copy, trash, restore and permanent delete.
//
// Every operation commits one metadata transaction. Physical I/O is ordered
// around it so that a failure never leaves a committed row pointing at
// missing content: writes happen before the insert, destructive deletes
// after the commit. Post-commit cleanup is best effort; what it misses the
// orphan sweep reclaims.
//
// Trash is an eager cascade: trashing a folder stamps the same deleted_at
// on every live descendant, and restore clears exactly the descendants that
// carry the root's stamp.
package filetree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/audit"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/quota"
	"github.com/fruitsalade/pantry/internal/retry"
	"github.com/fruitsalade/pantry/internal/storage"
)

// Backends resolves the storage backend holding a namespace.
type Backends interface {
	ForLocation(u *models.User, loc models.Location) (storage.Backend, error)
	Forget(path string)
}

// SettingsSource supplies the server-wide upload limit.
type SettingsSource interface {
	Get(ctx context.Context) (models.AppSettings, error)
}

// Publisher receives tree change events.
type Publisher interface {
	Publish(e events.Event)
}

// Auditor receives audit events. It must not block.
type Auditor interface {
	Record(e audit.Event)
}

// Config wires a Service. Settings, Events and Audit are optional.
type Config struct {
	Store    metadata.Store
	Backends Backends
	Quota    *quota.Service
	Settings SettingsSource
	Events   Publisher
	Audit    Auditor
}

// Service performs file-tree mutations.
type Service struct {
	store    metadata.Store
	backends Backends
	quota    *quota.Service
	settings SettingsSource
	events   Publisher
	audit    Auditor
	resolver Resolver
	cleanup  retry.Config
	log      *zap.Logger
	dirs     dirLocks
}

// New creates a Service.
func New(cfg Config) *Service {
	q := cfg.Quota
	if q == nil {
		q = quota.New(0)
	}
	return &Service{
		store:    cfg.Store,
		backends: cfg.Backends,
		quota:    q,
		settings: cfg.Settings,
		events:   cfg.Events,
		audit:    cfg.Audit,
		cleanup:  retry.DefaultConfig(),
		log:      logging.Named("filetree"),
	}
}

// ItemResult is the outcome of one item of a bulk operation.
type ItemResult struct {
	ID    string        `json:"id"`
	Entry *models.Entry `json:"entry,omitempty"`
	Err   error         `json:"-"`
}

// PurgeReport summarizes permanent deletion.
type PurgeReport struct {
	Roots           int `json:"roots"`
	Entries         int `json:"entries"`
	Objects         int `json:"objects"`
	CleanupFailures int `json:"cleanup_failures"`
	Failed          int `json:"failed"`
}

func (r *PurgeReport) add(o PurgeReport) {
	r.Roots += o.Roots
	r.Entries += o.Entries
	r.Objects += o.Objects
	r.CleanupFailures += o.CleanupFailures
	r.Failed += o.Failed
}

// ListQuery selects what List returns. Trashed wins over Starred, which
// wins over ParentID.
type ListQuery struct {
	ParentID *string
	Starred  bool
	Trashed  bool
	Limit    int
	Offset   int
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newEntry(owner string, loc models.Location, parentID *string, name string, typ models.EntryType) *models.Entry {
	t := now()
	return &models.Entry{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		ParentID:   parentID,
		Name:       name,
		Type:       typ,
		Location:   loc,
		CreatedAt:  t,
		ModifiedAt: t,
	}
}

// ─── Lookups ────────────────────────────────────────────────────────────────

// owned loads id and checks it belongs to owner.
func owned(ctx context.Context, q metadata.Queries, owner, id string) (*models.Entry, error) {
	e, err := q.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != owner {
		return nil, fmt.Errorf("entry %s: %w", id, apperr.ErrPermissionDenied)
	}
	return e, nil
}

// inTx runs fn in a transaction that first takes owner's row lock. Every
// mutation of an owner's tree goes through here, so a move's cycle check, a
// purge and an insert under a folder each see the others' commits.
func (s *Service) inTx(ctx context.Context, owner string, fn func(q metadata.Queries) error) error {
	return s.store.InTx(ctx, func(q metadata.Queries) error {
		if err := q.LockUser(ctx, owner); err != nil {
			return err
		}
		return fn(q)
	})
}

// live loads an owned entry that is not in the trash.
func live(ctx context.Context, q metadata.Queries, owner, id string) (*models.Entry, error) {
	e, err := owned(ctx, q, owner, id)
	if err != nil {
		return nil, err
	}
	if e.Trashed() {
		return nil, fmt.Errorf("entry %s is in the trash: %w", id, apperr.ErrNotFound)
	}
	return e, nil
}

// folder loads the live destination folder parentID in loc. A nil id is
// the root and returns nil.
func folder(ctx context.Context, q metadata.Queries, owner string, loc models.Location, parentID *string) (*models.Entry, error) {
	if parentID == nil {
		return nil, nil
	}
	p, err := live(ctx, q, owner, *parentID)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if !p.IsFolder() {
		return nil, fmt.Errorf("destination %s is not a folder: %w", p.ID, apperr.ErrInvalid)
	}
	if p.Location != loc {
		return nil, fmt.Errorf("destination %s is in another storage location: %w", p.ID, apperr.ErrInvalid)
	}
	return p, nil
}

func keyOf(e *models.Entry) string {
	if e == nil {
		return ""
	}
	return e.Key()
}

func idOf(e *models.Entry) *string {
	if e == nil {
		return nil
	}
	return models.StringPtr(e.ID)
}

func (s *Service) backend(u *models.User, loc models.Location) (storage.Backend, error) {
	b, err := s.backends.ForLocation(u, loc)
	if err != nil {
		return nil, fmt.Errorf("storage for %s: %w", loc, err)
	}
	return b, nil
}

// physicalTaken reports names present on the drive under parentKey.
func physicalTaken(ctx context.Context, b storage.Backend, loc models.Location, parentKey string) func(string) (bool, error) {
	if loc != models.LocationDrive {
		return nil
	}
	return func(name string) (bool, error) {
		return b.ObjectExists(ctx, DriveKey(parentKey, name))
	}
}

// subtree returns root and its descendants, parents first. Trashed
// descendants are included only when includeTrashed is set.
func subtree(ctx context.Context, q metadata.Queries, root *models.Entry, includeTrashed bool) ([]*models.Entry, error) {
	type item struct {
		e     *models.Entry
		depth int
	}
	out := []*models.Entry{root}
	if !root.IsFolder() {
		return out, nil
	}
	stack := []item{{root, 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.depth >= MaxDepth {
			return nil, fmt.Errorf("subtree of %s deeper than %d: %w", root.ID, MaxDepth, apperr.ErrInvariant)
		}
		children, err := q.ListChildren(ctx, metadata.ChildQuery{
			OwnerID:        root.OwnerID,
			Location:       root.Location,
			ParentID:       &it.e.ID,
			IncludeTrashed: includeTrashed,
		})
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", it.e.ID, err)
		}
		for _, c := range children {
			out = append(out, c)
			if c.IsFolder() {
				stack = append(stack, item{c, it.depth + 1})
			}
		}
	}
	return out, nil
}

// withinSubtree reports whether dest is id or one of its descendants, by
// walking dest's ancestors to the root.
func withinSubtree(ctx context.Context, q metadata.Queries, dest *string, id string) (bool, error) {
	cur := dest
	for depth := 0; cur != nil; depth++ {
		if *cur == id {
			return true, nil
		}
		if depth >= MaxDepth {
			return false, fmt.Errorf("ancestry of %s deeper than %d: %w", *dest, MaxDepth, apperr.ErrInvariant)
		}
		e, err := q.GetEntry(ctx, *cur)
		if err != nil {
			return false, fmt.Errorf("ancestor %s: %w", *cur, err)
		}
		cur = e.ParentID
	}
	return false, nil
}

// rekeyDescendants rewrites storage keys under oldPrefix for every entry of
// nodes except the first (the root, which callers update themselves).
func rekeyDescendants(ctx context.Context, q metadata.Queries, nodes []*models.Entry, oldPrefix, newPrefix string) error {
	for _, n := range nodes[1:] {
		if n.StorageKey == nil {
			continue
		}
		k, ok := rekey(*n.StorageKey, oldPrefix, newPrefix)
		if !ok {
			continue
		}
		n.StorageKey = &k
		if err := q.UpdateEntry(ctx, n); err != nil {
			return fmt.Errorf("rekey %s: %w", n.ID, err)
		}
	}
	return nil
}

// ─── Post-commit plumbing ───────────────────────────────────────────────────

// deleteObjects removes keys best effort and returns how many failed.
func (s *Service) deleteObjects(ctx context.Context, b storage.Backend, keys []string) (deleted, failed int) {
	for _, k := range keys {
		cfg := s.cleanup
		cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
			s.log.Debug("retrying physical delete", zap.String("key", k),
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}
		err := retry.Do(ctx, cfg, func() error { return b.DeleteObject(ctx, k) })
		if err != nil {
			failed++
			metrics.RecordCleanupFailure()
			s.log.Warn("physical delete failed, left for orphan sweep",
				zap.String("key", k), zap.String("backend", b.Type()), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, failed
}

// finish records metrics, audit and events for one operation.
func (s *Service) finish(op, owner, id string, e *models.Entry, eventType string, err error) {
	metrics.RecordMutation(op, err)

	if s.audit != nil {
		ev := audit.Event{Action: op, ResourceID: id, OwnerID: owner, Status: audit.StatusSuccess}
		if err != nil {
			ev.Status = audit.StatusFailure
			ev.Metadata = map[string]any{"error": apperr.Kind(err)}
		} else if e != nil {
			ev.Metadata = map[string]any{"name": e.Name, "type": string(e.Type)}
		}
		s.audit.Record(ev)
	}

	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrNameConflict) {
			s.log.Debug("operation failed", zap.String("op", op), zap.String("id", id), zap.Error(err))
		}
		return
	}
	if s.events != nil && eventType != "" {
		ev := events.Event{Type: eventType, OwnerID: owner, EntryID: id}
		if e != nil {
			ev.ParentID, ev.Name, ev.Size = e.ParentID, e.Name, e.Size
		}
		s.events.Publish(ev)
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get returns an owned entry, trashed or not.
func (s *Service) Get(ctx context.Context, owner, id string) (*models.Entry, error) {
	return owned(ctx, s.store, owner, id)
}

// List returns entries of the owner's active namespace.
func (s *Service) List(ctx context.Context, owner string, lq ListQuery) ([]*models.Entry, error) {
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	loc := u.Location()

	switch {
	case lq.Trashed:
		return s.store.ListTrashRoots(ctx, metadata.TrashQuery{
			OwnerID: owner, Location: loc, Limit: lq.Limit, Offset: lq.Offset,
		})
	case lq.Starred:
		return s.store.ListStarred(ctx, owner, loc, lq.Limit, lq.Offset)
	}
	if _, err := folder(ctx, s.store, owner, loc, lq.ParentID); err != nil {
		return nil, err
	}
	return s.store.ListChildren(ctx, metadata.ChildQuery{
		OwnerID:  owner,
		Location: loc,
		ParentID: lq.ParentID,
		Limit:    lq.Limit,
		Offset:   lq.Offset,
	})
}

// Open streams a live file.
func (s *Service) Open(ctx context.Context, owner, id string, offset, length int64) (io.ReadCloser, int64, *models.Entry, error) {
	e, err := live(ctx, s.store, owner, id)
	if err != nil {
		return nil, 0, nil, err
	}
	if e.IsFolder() || e.StorageKey == nil {
		return nil, 0, nil, fmt.Errorf("entry %s has no content: %w", id, apperr.ErrInvalid)
	}
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, 0, nil, err
	}
	b, err := s.backend(u, e.Location)
	if err != nil {
		return nil, 0, nil, err
	}
	rc, n, err := b.GetObject(ctx, e.Key(), offset, length)
	if err != nil {
		return nil, 0, nil, err
	}
	metrics.RecordContentDownload(n)
	return rc, n, e, nil
}

// Usage returns the owner's managed storage usage and limit.
func (s *Service) Usage(ctx context.Context, owner string) (quota.Usage, error) {
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return quota.Usage{}, err
	}
	return s.quota.Usage(ctx, s.store, u)
}

// SetStarred flags or unflags a live entry.
func (s *Service) SetStarred(ctx context.Context, owner, id string, starred bool) (*models.Entry, error) {
	var out *models.Entry
	err := s.inTx(ctx, owner, func(q metadata.Queries) error {
		e, err := live(ctx, q, owner, id)
		if err != nil {
			return err
		}
		if e.Starred == starred {
			out = e
			return nil
		}
		e.Starred = starred
		if err := q.UpdateEntry(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	s.finish("star", owner, id, out, events.EventModify, err)
	return out, err
}
