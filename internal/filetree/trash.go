package filetree

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/storage"
)

// Trash soft-deletes an entry and every live descendant with one shared
// timestamp. Trashing an entry already in the trash is a no-op.
func (s *Service) Trash(ctx context.Context, owner, id string) (*models.Entry, error) {
	e, err := s.trash(ctx, owner, id, true)
	s.finish("trash", owner, id, e, events.EventTrash, err)
	return e, err
}

// TrashMany trashes each id independently.
func (s *Service) TrashMany(ctx context.Context, owner string, ids []string) []ItemResult {
	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		e, err := s.Trash(ctx, owner, id)
		results = append(results, ItemResult{ID: id, Entry: e, Err: err})
	}
	return results
}

// ErrContentPresent is returned by MarkVanished when the entry's content is
// on disk after all, for instance because a request wrote or moved it while
// a scan was running.
var ErrContentPresent = errors.New("content is present on disk")

// MarkVanished trashes a drive entry whose content disappeared from disk.
// Only rows change; there is nothing left to move. The disk is checked
// again under the owner's lock first.
func (s *Service) MarkVanished(ctx context.Context, owner, id string) (*models.Entry, error) {
	e, err := s.trash(ctx, owner, id, false)
	s.finish("trash_vanished", owner, id, e, events.EventTrash, err)
	return e, err
}

func (s *Service) trash(ctx context.Context, owner, id string, physical bool) (*models.Entry, error) {
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	var (
		out *models.Entry
		mv  *physicalMove
	)
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		e, err := owned(ctx, q, owner, id)
		if err != nil {
			return err
		}
		if e.Trashed() {
			out = e
			return nil
		}
		nodes, err := subtree(ctx, q, e, false)
		if err != nil {
			return err
		}

		// Park drive content so the original path is free for new entries.
		if e.Location == models.LocationDrive && e.StorageKey != nil {
			trashKey := TrashKey(e.ID, e.Name)
			b, err := s.backend(u, e.Location)
			if err != nil {
				return err
			}
			if physical {
				if mv, err = relocate(ctx, q, b, nodes, trashKey); err != nil {
					return err
				}
			} else {
				info, err := b.StatObject(ctx, e.Key())
				switch {
				case err == nil && info.IsDir == e.IsFolder():
					return fmt.Errorf("%s: %w", e.Key(), ErrContentPresent)
				case err != nil && !errors.Is(err, apperr.ErrNotFound):
					return err
				}
				oldKey := e.Key()
				for _, n := range nodes {
					if n.StorageKey != nil {
						k, _ := rekey(*n.StorageKey, oldKey, trashKey)
						n.StorageKey = &k
					}
				}
			}
		}

		ts := now()
		for _, n := range nodes {
			n.DeletedAt = &ts
			if err := q.UpdateEntry(ctx, n); err != nil {
				return fmt.Errorf("trash %s: %w", n.ID, err)
			}
		}
		out = e
		return nil
	})
	if err != nil {
		mv.revert(ctx, s.log)
		return nil, err
	}
	return out, nil
}

// restoreSet returns root and the descendants trashed together with it.
// Descendants trashed on their own, before or after, keep their state.
func restoreSet(ctx context.Context, q metadata.Queries, root *models.Entry) ([]*models.Entry, error) {
	all, err := subtree(ctx, q, root, true)
	if err != nil {
		return nil, err
	}
	in := map[string]bool{root.ID: true}
	out := []*models.Entry{root}
	for _, n := range all[1:] {
		if n.ParentID == nil || !in[*n.ParentID] {
			continue
		}
		if n.DeletedAt != nil && n.DeletedAt.Equal(*root.DeletedAt) {
			in[n.ID] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// Restore brings an entry and its co-trashed descendants back. When the
// original parent is gone or trashed, the entry lands in the root-level
// "Recovered" folder. Name collisions are auto-renamed.
func (s *Service) Restore(ctx context.Context, owner, id string) (*models.Entry, error) {
	e, err := s.restore(ctx, owner, id)
	s.finish("restore", owner, id, e, events.EventRestore, err)
	return e, err
}

func (s *Service) restore(ctx context.Context, owner, id string) (*models.Entry, error) {
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	var (
		out     *models.Entry
		mv      *physicalMove
		madeDir string
		b       storage.Backend
	)
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		e, err := owned(ctx, q, owner, id)
		if err != nil {
			return err
		}
		if !e.Trashed() {
			return fmt.Errorf("entry %s is not in the trash: %w", id, apperr.ErrInvariant)
		}
		nodes, err := restoreSet(ctx, q, e)
		if err != nil {
			return err
		}
		if e.Location == models.LocationDrive {
			if b, err = s.backend(u, e.Location); err != nil {
				return err
			}
			// Entries the scanner trashed because they vanished from disk
			// have nothing parked to bring back.
			if e.StorageKey != nil {
				ok, err := b.ObjectExists(ctx, e.Key())
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("content of %q is gone from disk and cannot be restored: %w", e.Name, apperr.ErrInvariant)
				}
			}
		}

		parent, err := restoreTarget(ctx, q, e)
		if err != nil {
			return err
		}
		if parent == nil && e.ParentID != nil {
			if parent, madeDir, err = s.recoveredFolder(ctx, q, owner, e.Location, b); err != nil {
				return err
			}
		}

		final, err := s.resolver.Resolve(ctx, q, ResolveRequest{
			Owner:         owner,
			Location:      e.Location,
			ParentID:      idOf(parent),
			Name:          e.Name,
			Type:          e.Type,
			AutoRename:    true,
			ExcludeID:     e.ID,
			PhysicalTaken: physicalTaken(ctx, b, e.Location, keyOf(parent)),
		})
		if err != nil {
			return err
		}

		if e.Location == models.LocationDrive && e.StorageKey != nil {
			if mv, err = relocate(ctx, q, b, nodes, DriveKey(keyOf(parent), final)); err != nil {
				return err
			}
		}
		e.ParentID = idOf(parent)
		e.Name = final
		for _, n := range nodes {
			n.DeletedAt = nil
			if err := q.UpdateEntry(ctx, n); err != nil {
				return fmt.Errorf("restore %s: %w", n.ID, err)
			}
		}
		out = e
		return nil
	})
	if err != nil {
		mv.revert(ctx, s.log)
		if madeDir != "" {
			s.deleteObjects(context.WithoutCancel(ctx), b, []string{madeDir})
		}
		return nil, err
	}
	if madeDir != "" {
		s.log.Info("created recovered folder", zap.String("owner", owner), zap.String("key", madeDir))
	}
	return out, nil
}

// restoreTarget returns the live original parent of e, or nil when e
// belongs at the root or its parent is unavailable.
func restoreTarget(ctx context.Context, q metadata.Queries, e *models.Entry) (*models.Entry, error) {
	if e.ParentID == nil {
		return nil, nil
	}
	p, err := q.GetEntry(ctx, *e.ParentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Trashed() {
		return nil, nil
	}
	return p, nil
}

// recoveredFolder finds or creates the root-level Recovered folder. made is
// the drive directory created for it, if any.
func (s *Service) recoveredFolder(ctx context.Context, q metadata.Queries, owner string, loc models.Location, b storage.Backend) (f *models.Entry, made string, err error) {
	f, err = q.FindLiveChild(ctx, owner, loc, nil, RecoveredFolder, models.TypeFolder)
	if err == nil {
		return f, "", nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, "", err
	}
	if _, err := s.resolver.Resolve(ctx, q, ResolveRequest{
		Owner:    owner,
		Location: loc,
		Name:     RecoveredFolder,
		Type:     models.TypeFolder,
	}); err != nil {
		return nil, "", fmt.Errorf("recovered folder: %w", err)
	}

	f = newEntry(owner, loc, nil, RecoveredFolder, models.TypeFolder)
	if loc == models.LocationDrive {
		// An untracked directory of that name is adopted as is.
		key := DriveKey("", RecoveredFolder)
		f.StorageKey = &key
		existed, err := b.ObjectExists(ctx, key)
		if err != nil {
			return nil, "", err
		}
		if err := b.MakeDir(ctx, key); err != nil {
			return nil, "", fmt.Errorf("create recovered folder: %w", err)
		}
		if !existed {
			made = key
		}
	}
	if err := q.InsertEntry(ctx, f); err != nil {
		return nil, made, err
	}
	return f, made, nil
}

// DeletePermanently removes a trashed entry and its whole subtree. Rows go
// first; physical content is reclaimed after the commit, best effort.
func (s *Service) DeletePermanently(ctx context.Context, owner, id string) (PurgeReport, error) {
	rep, err := s.purge(ctx, owner, id)
	s.finish("delete_permanently", owner, id, nil, events.EventDelete, err)
	return rep, err
}

// DeleteManyPermanently deletes each id independently.
func (s *Service) DeleteManyPermanently(ctx context.Context, owner string, ids []string) []ItemResult {
	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		_, err := s.DeletePermanently(ctx, owner, id)
		results = append(results, ItemResult{ID: id, Err: err})
	}
	return results
}

// EmptyTrash permanently deletes every trash root the owner has, in any
// location. Per-root failures are counted, not returned.
func (s *Service) EmptyTrash(ctx context.Context, owner string) (PurgeReport, error) {
	var total PurgeReport
	for {
		roots, err := s.store.ListTrashRoots(ctx, metadata.TrashQuery{
			OwnerID: owner, Limit: 100, Offset: total.Failed,
		})
		if err != nil {
			return total, err
		}
		if len(roots) == 0 {
			break
		}
		for _, r := range roots {
			rep, err := s.DeletePermanently(ctx, owner, r.ID)
			if err != nil && s.leftTrash(ctx, r.ID) {
				// Purged or restored by another request meanwhile.
				continue
			}
			if err != nil {
				total.Failed++
				s.log.Warn("empty trash: purge failed", zap.String("id", r.ID), zap.Error(err))
				continue
			}
			total.add(rep)
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// leftTrash reports whether id is gone or live again.
func (s *Service) leftTrash(ctx context.Context, id string) bool {
	e, err := s.store.GetEntry(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return true
	}
	return err == nil && !e.Trashed()
}

// PurgeTrashed permanently deletes a trashed entry on behalf of the system,
// whoever owns it. Used by the trash sweep.
func (s *Service) PurgeTrashed(ctx context.Context, id string) (PurgeReport, error) {
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return PurgeReport{}, err
	}
	rep, err := s.purge(ctx, e.OwnerID, id)
	s.finish("purge", e.OwnerID, id, nil, events.EventDelete, err)
	return rep, err
}

func (s *Service) purge(ctx context.Context, owner, id string) (PurgeReport, error) {
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return PurgeReport{}, err
	}

	var (
		keys []string
		b    storage.Backend
		rep  = PurgeReport{Roots: 1}
	)
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		e, err := owned(ctx, q, owner, id)
		if err != nil {
			return err
		}
		if !e.Trashed() {
			return fmt.Errorf("entry %s must be trashed before permanent delete: %w", id, apperr.ErrInvariant)
		}
		nodes, err := subtree(ctx, q, e, true)
		if err != nil {
			return err
		}
		if b, err = s.backend(u, e.Location); err != nil {
			return err
		}
		keys = physicalTargets(nodes)

		// Children before parents.
		for i := len(nodes) - 1; i >= 0; i-- {
			if err := q.DeleteEntry(ctx, nodes[i].ID); err != nil {
				return fmt.Errorf("delete %s: %w", nodes[i].ID, err)
			}
		}
		rep.Entries = len(nodes)
		return nil
	})
	if err != nil {
		return PurgeReport{}, err
	}

	rep.Objects, rep.CleanupFailures = s.deleteObjects(context.WithoutCancel(ctx), b, keys)
	return rep, nil
}

// physicalTargets lists what to delete for a purged subtree. Managed files
// each have an object. Drive content is removed per trash container, which
// covers everything parked beneath it.
func physicalTargets(nodes []*models.Entry) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, n := range nodes {
		if n.StorageKey == nil {
			continue
		}
		k := *n.StorageKey
		if n.Location == models.LocationDrive {
			k = trashContainer(k)
		} else if n.IsFolder() {
			continue
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// trashContainer maps ".pantry-trash/<id>/..." to ".pantry-trash/<id>".
func trashContainer(key string) string {
	if !strings.HasPrefix(key, TrashDir+"/") {
		return key
	}
	rest := strings.TrimPrefix(key, TrashDir+"/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return path.Join(TrashDir, rest)
}
