package filetree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/storage"
)

// physicalMove tracks a drive relocation so it can be undone when the
// transaction that follows it fails.
type physicalMove struct {
	b        storage.Backend
	src, dst string
}

func (m *physicalMove) revert(ctx context.Context, log *zap.Logger) {
	if m == nil {
		return
	}
	if err := m.b.MoveObject(context.WithoutCancel(ctx), m.dst, m.src); err != nil {
		log.Error("could not revert drive move",
			zap.String("from", m.dst), zap.String("to", m.src), zap.Error(err))
	}
}

// relocate moves the drive content of nodes[0] to newKey and rewrites the
// keys of its descendants. Callers update nodes[0] themselves.
func relocate(ctx context.Context, q metadata.Queries, b storage.Backend, nodes []*models.Entry, newKey string) (*physicalMove, error) {
	oldKey := nodes[0].Key()
	if oldKey == newKey {
		return nil, nil
	}
	if err := b.MoveObject(ctx, oldKey, newKey); err != nil {
		return nil, fmt.Errorf("move %s: %w", oldKey, err)
	}
	mv := &physicalMove{b: b, src: oldKey, dst: newKey}
	if err := rekeyDescendants(ctx, q, nodes, oldKey, newKey); err != nil {
		return mv, err
	}
	nodes[0].StorageKey = &newKey
	return mv, nil
}

// Rename changes an entry's name. Managed entries only change metadata;
// drive entries are renamed on disk first.
func (s *Service) Rename(ctx context.Context, owner, id, newName string) (*models.Entry, error) {
	e, err := s.rename(ctx, owner, id, newName)
	s.finish("rename", owner, id, e, events.EventModify, err)
	return e, err
}

func (s *Service) rename(ctx context.Context, owner, id, newName string) (*models.Entry, error) {
	name, err := ValidateName(newName)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	var (
		out *models.Entry
		mv  *physicalMove
	)
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		e, err := live(ctx, q, owner, id)
		if err != nil {
			return err
		}
		if e.Name == name {
			out = e
			return nil
		}

		var b storage.Backend
		if e.Location == models.LocationDrive {
			if b, err = s.backend(u, e.Location); err != nil {
				return err
			}
		}
		pk := parentKey(e.Key())
		if _, err := s.resolver.Resolve(ctx, q, ResolveRequest{
			Owner:         owner,
			Location:      e.Location,
			ParentID:      e.ParentID,
			Name:          name,
			Type:          e.Type,
			ExcludeID:     e.ID,
			PhysicalTaken: physicalTaken(ctx, b, e.Location, pk),
		}); err != nil {
			return err
		}

		if e.Location == models.LocationDrive {
			nodes, err := subtree(ctx, q, e, true)
			if err != nil {
				return err
			}
			if mv, err = relocate(ctx, q, b, nodes, DriveKey(pk, name)); err != nil {
				return err
			}
		}
		e.Name = name
		e.ModifiedAt = now()
		if err := q.UpdateEntry(ctx, e); err != nil {
			return err
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

// Move reparents an entry under destID (nil for the root). Moving a folder
// into itself or one of its descendants fails with ErrCycle.
func (s *Service) Move(ctx context.Context, owner, id string, destID *string, autoRename bool) (*models.Entry, error) {
	e, err := s.move(ctx, owner, id, destID, autoRename)
	s.finish("move", owner, id, e, events.EventMove, err)
	return e, err
}

// checkCycle fails when dest is id or lies beneath it.
func checkCycle(ctx context.Context, q metadata.Queries, dest *string, id string) error {
	inside, err := withinSubtree(ctx, q, dest, id)
	if err != nil {
		return err
	}
	if inside {
		return fmt.Errorf("cannot place %s inside itself: %w", id, apperr.ErrCycle)
	}
	return nil
}

func (s *Service) move(ctx context.Context, owner, id string, destID *string, autoRename bool) (*models.Entry, error) {
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	var (
		out *models.Entry
		mv  *physicalMove
	)
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		e, err := live(ctx, q, owner, id)
		if err != nil {
			return err
		}
		dest, err := folder(ctx, q, owner, e.Location, destID)
		if err != nil {
			return err
		}
		if err := checkCycle(ctx, q, destID, e.ID); err != nil {
			return err
		}
		if models.SameParent(e.ParentID, destID) {
			out = e
			return nil
		}

		var b storage.Backend
		if e.Location == models.LocationDrive {
			if b, err = s.backend(u, e.Location); err != nil {
				return err
			}
		}
		final, err := s.resolver.Resolve(ctx, q, ResolveRequest{
			Owner:         owner,
			Location:      e.Location,
			ParentID:      destID,
			Name:          e.Name,
			Type:          e.Type,
			AutoRename:    autoRename,
			ExcludeID:     e.ID,
			PhysicalTaken: physicalTaken(ctx, b, e.Location, keyOf(dest)),
		})
		if err != nil {
			return err
		}

		if e.Location == models.LocationDrive {
			nodes, err := subtree(ctx, q, e, true)
			if err != nil {
				return err
			}
			if mv, err = relocate(ctx, q, b, nodes, DriveKey(keyOf(dest), final)); err != nil {
				return err
			}
		}
		e.ParentID = idOf(dest)
		e.Name = final
		e.ModifiedAt = now()
		if err := q.UpdateEntry(ctx, e); err != nil {
			return err
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

// MoveMany moves several entries into destID. If any of them would create a
// cycle the whole request is rejected before anything changes; other
// failures are reported per item.
func (s *Service) MoveMany(ctx context.Context, owner string, ids []string, destID *string, autoRename bool) ([]ItemResult, error) {
	err := s.inTx(ctx, owner, func(q metadata.Queries) error {
		for _, id := range ids {
			if err := checkCycle(ctx, q, destID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.finish("move_many", owner, "", nil, "", err)
		return nil, err
	}

	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		e, err := s.Move(ctx, owner, id, destID, autoRename)
		results = append(results, ItemResult{ID: id, Entry: e, Err: err})
	}
	return results, nil
}

// Copy duplicates an entry (recursively for folders) under destID. Every
// copied file gets its own physical object.
func (s *Service) Copy(ctx context.Context, owner, id string, destID *string, autoRename bool) (*models.Entry, error) {
	e, err := s.copy(ctx, owner, id, destID, autoRename)
	cid := id
	if e != nil {
		cid = e.ID
	}
	s.finish("copy", owner, cid, e, events.EventCreate, err)
	return e, err
}

func (s *Service) copy(ctx context.Context, owner, id string, destID *string, autoRename bool) (*models.Entry, error) {
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	if u.Location() == models.LocationDrive {
		defer s.dirs.lock(owner, destID)()
	}

	// Plan against a consistent snapshot.
	var (
		src     []*models.Entry
		dest    *models.Entry
		planned string
		b       storage.Backend
	)
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		root, err := live(ctx, q, owner, id)
		if err != nil {
			return err
		}
		if dest, err = folder(ctx, q, owner, root.Location, destID); err != nil {
			return err
		}
		if err := checkCycle(ctx, q, destID, root.ID); err != nil {
			return err
		}
		if b, err = s.backend(u, root.Location); err != nil {
			return err
		}
		if src, err = subtree(ctx, q, root, false); err != nil {
			return err
		}
		planned, err = s.resolver.Resolve(ctx, q, ResolveRequest{
			Owner:         owner,
			Location:      root.Location,
			ParentID:      destID,
			Name:          root.Name,
			Type:          root.Type,
			AutoRename:    autoRename,
			PhysicalTaken: physicalTaken(ctx, b, root.Location, keyOf(dest)),
		})
		if err != nil {
			return err
		}
		if root.Location == models.LocationManaged {
			return s.quota.Check(ctx, q, u, totalSize(src))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	copies, created, err := s.copyObjects(ctx, b, src, dest, planned)
	if err != nil {
		s.deleteObjects(context.WithoutCancel(ctx), b, created)
		return nil, err
	}

	loc := src[0].Location
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		if _, err := folder(ctx, q, owner, loc, destID); err != nil {
			return err
		}
		final, err := s.confirm(ctx, q, ResolveRequest{
			Owner:      owner,
			Location:   loc,
			ParentID:   destID,
			Name:       src[0].Name,
			Type:       src[0].Type,
			AutoRename: autoRename,
		}, planned)
		if err != nil {
			return err
		}
		copies[0].Name = final
		if loc == models.LocationManaged {
			if err := s.quota.Check(ctx, q, u, totalSize(copies)); err != nil {
				return err
			}
		}
		for _, c := range copies {
			if err := q.InsertEntry(ctx, c); err != nil {
				return fmt.Errorf("insert copy of %s: %w", c.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		s.deleteObjects(context.WithoutCancel(ctx), b, created)
		return nil, err
	}
	return copies[0], nil
}

func totalSize(es []*models.Entry) int64 {
	var n int64
	for _, e := range es {
		if e.Type == models.TypeFile {
			n += e.Size
		}
	}
	return n
}

// copyObjects builds the new rows for src (parents first) and duplicates
// their content. created lists what was written, for cleanup; for drives
// it is the new root alone.
func (s *Service) copyObjects(ctx context.Context, b storage.Backend, src []*models.Entry, dest *models.Entry, rootName string) (copies []*models.Entry, created []string, err error) {
	loc := src[0].Location
	newIDs := make(map[string]*models.Entry, len(src))
	copies = make([]*models.Entry, 0, len(src))

	for i, o := range src {
		c := newEntry(o.OwnerID, loc, nil, o.Name, o.Type)
		c.Size, c.MimeType, c.Checksum = o.Size, o.MimeType, o.Checksum
		var parent *models.Entry
		if i == 0 {
			c.Name = rootName
			c.ParentID = idOf(dest)
			parent = dest
		} else {
			parent = newIDs[*o.ParentID]
			c.ParentID = idOf(parent)
		}
		newIDs[o.ID] = c

		switch {
		case loc == models.LocationDrive:
			key := DriveKey(keyOf(parent), c.Name)
			c.StorageKey = &key
			if c.IsFolder() {
				err = b.MakeDir(ctx, key)
			} else {
				err = b.CopyObject(ctx, o.Key(), key)
			}
			if i == 0 && err == nil {
				created = append(created, key)
			}
		case c.Type == models.TypeFile && o.StorageKey != nil:
			key := ManagedKey(c.OwnerID, c.ID)
			c.StorageKey = &key
			if err = b.CopyObject(ctx, o.Key(), key); err == nil {
				created = append(created, key)
			}
		}
		if err != nil {
			return nil, created, fmt.Errorf("copy %s: %w", o.Name, err)
		}
		c.ModifiedAt = now()
		copies = append(copies, c)
	}
	return copies, created, nil
}
