package filetree

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/quota"
	"github.com/fruitsalade/pantry/internal/storage"
)

// CreateFolder creates a folder under parentID (nil for the root) in the
// owner's active namespace.
func (s *Service) CreateFolder(ctx context.Context, owner string, parentID *string, name string, autoRename bool) (*models.Entry, error) {
	e, err := s.createFolder(ctx, owner, parentID, name, autoRename)
	id := ""
	if e != nil {
		id = e.ID
	}
	s.finish("create_folder", owner, id, e, events.EventCreate, err)
	return e, err
}

func (s *Service) createFolder(ctx context.Context, owner string, parentID *string, name string, autoRename bool) (*models.Entry, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	loc := u.Location()

	var b storage.Backend
	if loc == models.LocationDrive {
		if b, err = s.backend(u, loc); err != nil {
			return nil, err
		}
		defer s.dirs.lock(owner, parentID)()
	}

	var (
		out  *models.Entry
		made string // drive directory created by this call
	)
	err = s.inTx(ctx, owner, func(q metadata.Queries) error {
		parent, err := folder(ctx, q, owner, loc, parentID)
		if err != nil {
			return err
		}
		final, err := s.resolver.Resolve(ctx, q, ResolveRequest{
			Owner:         owner,
			Location:      loc,
			ParentID:      parentID,
			Name:          name,
			Type:          models.TypeFolder,
			AutoRename:    autoRename,
			PhysicalTaken: physicalTaken(ctx, b, loc, keyOf(parent)),
		})
		if err != nil {
			return err
		}

		e := newEntry(owner, loc, parentID, final, models.TypeFolder)
		if loc == models.LocationDrive {
			key := DriveKey(keyOf(parent), final)
			e.StorageKey = &key
			if err := b.MakeDir(ctx, key); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			made = key
		}
		if err := q.InsertEntry(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		if made != "" {
			s.deleteObjects(context.WithoutCancel(ctx), b, []string{made})
		}
		return nil, err
	}
	return out, nil
}

// UploadRequest describes a file write.
type UploadRequest struct {
	Owner    string
	ParentID *string
	Name     string
	Size     int64 // declared size; the body must match it
	Body     io.Reader
	MimeType string // sniffed from the extension when empty
	// AutoRename picks a free name instead of failing on collision.
	AutoRename bool
	// ReplaceID overwrites the content of an existing live file in place.
	// ParentID, Name and AutoRename are ignored.
	ReplaceID string
}

// Upload writes a file. Limits are checked before any byte is written; the
// row is inserted only after the content is durable.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Entry, error) {
	var (
		e   *models.Entry
		err error
		op  = "upload"
		ev  = events.EventCreate
	)
	if req.ReplaceID != "" {
		op, ev = "replace", events.EventModify
		e, err = s.replace(ctx, req)
	} else {
		e, err = s.upload(ctx, req)
	}
	id := req.ReplaceID
	if e != nil {
		id = e.ID
	}
	s.finish(op, req.Owner, id, e, ev, err)
	return e, err
}

func (s *Service) maxUploadSize(ctx context.Context) (int64, error) {
	if s.settings == nil {
		return 0, nil
	}
	st, err := s.settings.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	return st.MaxUploadSize, nil
}

// checkLimits enforces the upload size and, for managed storage, the
// owner's remaining allowance. additional may differ from size on replace.
func (s *Service) checkLimits(ctx context.Context, q metadata.Queries, u *models.User, loc models.Location, max, size, additional int64) error {
	if err := quota.CheckUploadSize(size, max); err != nil {
		return err
	}
	if loc == models.LocationManaged {
		return s.quota.Check(ctx, q, u, additional)
	}
	return nil
}

// SniffMime returns given, or a type guessed from the extension of name.
func SniffMime(name, given string) string {
	if given != "" {
		return given
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (s *Service) upload(ctx context.Context, req UploadRequest) (*models.Entry, error) {
	name, err := ValidateName(req.Name)
	if err != nil {
		return nil, err
	}
	if req.Size < 0 || req.Body == nil {
		return nil, fmt.Errorf("upload needs a body and a declared size: %w", apperr.ErrInvalid)
	}
	u, err := s.store.GetUser(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	loc := u.Location()
	b, err := s.backend(u, loc)
	if err != nil {
		return nil, err
	}
	if loc == models.LocationDrive {
		defer s.dirs.lock(req.Owner, req.ParentID)()
	}

	// Pre-flight: reject before writing anything.
	max, err := s.maxUploadSize(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkLimits(ctx, s.store, u, loc, max, req.Size, req.Size); err != nil {
		return nil, err
	}
	parent, err := folder(ctx, s.store, req.Owner, loc, req.ParentID)
	if err != nil {
		return nil, err
	}
	resolve := ResolveRequest{
		Owner:         req.Owner,
		Location:      loc,
		ParentID:      req.ParentID,
		Name:          name,
		Type:          models.TypeFile,
		AutoRename:    req.AutoRename,
		PhysicalTaken: physicalTaken(ctx, b, loc, keyOf(parent)),
	}
	planned, err := s.resolver.Resolve(ctx, s.store, resolve)
	if err != nil {
		return nil, err
	}

	e := newEntry(req.Owner, loc, req.ParentID, planned, models.TypeFile)
	key := ManagedKey(req.Owner, e.ID)
	if loc == models.LocationDrive {
		key = DriveKey(keyOf(parent), planned)
	}
	e.StorageKey = &key
	e.MimeType = SniffMime(planned, req.MimeType)

	info, err := b.PutObject(ctx, key, req.Body, req.Size)
	if err != nil {
		return nil, fmt.Errorf("write content: %w", err)
	}
	e.Size, e.Checksum = info.Size, info.Checksum
	// Stamped after the write, so a scan never mistakes it for an outside edit.
	e.ModifiedAt = now()

	err = s.inTx(ctx, req.Owner, func(q metadata.Queries) error {
		if _, err := folder(ctx, q, req.Owner, loc, req.ParentID); err != nil {
			return err
		}
		if err := s.checkLimits(ctx, q, u, loc, max, e.Size, e.Size); err != nil {
			return err
		}
		final, err := s.confirm(ctx, q, resolve, planned)
		if err != nil {
			return err
		}
		e.Name = final
		return q.InsertEntry(ctx, e)
	})
	if err != nil {
		s.deleteObjects(context.WithoutCancel(ctx), b, []string{key})
		return nil, err
	}

	metrics.RecordContentUpload(e.Size)
	s.log.Debug("file uploaded", zap.String("id", e.ID), zap.Int64("size", e.Size), zap.String("location", string(loc)))
	return e, nil
}

// replace overwrites an existing file's content at its key. Concurrent
// replaces of one file race; the last writer wins.
func (s *Service) replace(ctx context.Context, req UploadRequest) (*models.Entry, error) {
	if req.Size < 0 || req.Body == nil {
		return nil, fmt.Errorf("upload needs a body and a declared size: %w", apperr.ErrInvalid)
	}
	cur, err := live(ctx, s.store, req.Owner, req.ReplaceID)
	if err != nil {
		return nil, err
	}
	if cur.IsFolder() || cur.StorageKey == nil {
		return nil, fmt.Errorf("entry %s is not a file: %w", cur.ID, apperr.ErrInvalid)
	}
	u, err := s.store.GetUser(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	b, err := s.backend(u, cur.Location)
	if err != nil {
		return nil, err
	}
	max, err := s.maxUploadSize(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkLimits(ctx, s.store, u, cur.Location, max, req.Size, req.Size-cur.Size); err != nil {
		return nil, err
	}

	info, err := b.PutObject(ctx, cur.Key(), req.Body, req.Size)
	if err != nil {
		return nil, fmt.Errorf("write content: %w", err)
	}

	var out *models.Entry
	err = s.inTx(ctx, req.Owner, func(q metadata.Queries) error {
		e, err := live(ctx, q, req.Owner, cur.ID)
		if err != nil {
			return err
		}
		if e.Key() != cur.Key() {
			return fmt.Errorf("entry %s moved during replace: %w", e.ID, apperr.ErrNameConflict)
		}
		if err := s.checkLimits(ctx, q, u, e.Location, max, info.Size, info.Size-e.Size); err != nil {
			return err
		}
		e.Size, e.Checksum = info.Size, info.Checksum
		if req.MimeType != "" {
			e.MimeType = req.MimeType
		}
		e.ModifiedAt = now()
		if err := q.UpdateEntry(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		// The old bytes are gone; the row keeps describing them until the
		// next replace or a drive rescan.
		s.log.Warn("replace committed content but not metadata",
			zap.String("id", cur.ID), zap.Error(err))
		return nil, err
	}
	metrics.RecordContentUpload(out.Size)
	return out, nil
}
