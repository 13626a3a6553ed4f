package filetree

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
)

const (
	// MaxDepth bounds every ancestor and subtree walk.
	MaxDepth = 256

	// TrashDir holds trashed drive content, one directory per trash root.
	TrashDir = ".pantry-trash"

	// RecoveredFolder receives restored entries whose parent is gone or trashed.
	RecoveredFolder = "Recovered"

	maxNameBytes       = 255
	maxRenameAttempts  = 10000
	reservedNamePrefix = ".pantry-"
)

// ValidateName trims name and rejects names that cannot be stored.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("invalid name %q: %w", name, apperr.ErrInvalid)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("name %q contains a path separator or NUL: %w", name, apperr.ErrInvalid)
	case len(name) > maxNameBytes:
		return "", fmt.Errorf("name is %d bytes, limit %d: %w", len(name), maxNameBytes, apperr.ErrInvalid)
	case strings.HasPrefix(name, reservedNamePrefix):
		return "", fmt.Errorf("name %q is reserved: %w", name, apperr.ErrInvalid)
	}
	return name, nil
}

// ResolveRequest asks for a free sibling name.
type ResolveRequest struct {
	Owner      string
	Location   models.Location
	ParentID   *string
	Name       string
	Type       models.EntryType
	AutoRename bool
	// ExcludeID is ignored when found, so an entry does not collide with itself.
	ExcludeID string
	// PhysicalTaken reports names occupied on a drive but not yet known to
	// the store. Optional.
	PhysicalTaken func(name string) (bool, error)
}

// Resolver finds free names. It has no state; it reads the snapshot q sees.
type Resolver struct{}

// Resolve returns req.Name if free. Otherwise, with AutoRename, it returns
// the first free candidate "stem (n).ext" (files) or "name (n)" (folders);
// without it, ErrNameConflict.
func (Resolver) Resolve(ctx context.Context, q metadata.Queries, req ResolveRequest) (string, error) {
	for n := 0; n <= maxRenameAttempts; n++ {
		cand := req.Name
		if n > 0 {
			cand = Candidate(req.Name, req.Type, n)
		}
		taken, err := taken(ctx, q, req, cand)
		if err != nil {
			return "", err
		}
		if !taken {
			return cand, nil
		}
		if !req.AutoRename {
			return "", fmt.Errorf("%q already exists: %w", cand, apperr.ErrNameConflict)
		}
	}
	return "", fmt.Errorf("no free name for %q after %d attempts: %w", req.Name, maxRenameAttempts, apperr.ErrNameConflict)
}

// confirm re-checks, inside the transaction that records it, a name planned
// before content was written. Drive content already sits at planned, so only
// planned itself is checked against the store. Managed names may still move
// to the next free candidate.
func (s *Service) confirm(ctx context.Context, q metadata.Queries, req ResolveRequest, planned string) (string, error) {
	req.PhysicalTaken = nil
	if req.Location != models.LocationDrive {
		return s.resolver.Resolve(ctx, q, req)
	}
	req.Name, req.AutoRename = planned, false
	if _, err := s.resolver.Resolve(ctx, q, req); err != nil {
		return "", fmt.Errorf("%q was taken meanwhile: %w", planned, err)
	}
	return planned, nil
}

func taken(ctx context.Context, q metadata.Queries, req ResolveRequest, name string) (bool, error) {
	// A directory cannot hold a file and a folder of one name, so drive
	// entries collide across types.
	typ := req.Type
	if req.Location == models.LocationDrive {
		typ = ""
	}
	e, err := q.FindLiveChild(ctx, req.Owner, req.Location, req.ParentID, name, typ)
	switch {
	case err == nil:
		return e.ID != req.ExcludeID, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return false, fmt.Errorf("lookup %q: %w", name, err)
	}
	if req.PhysicalTaken != nil {
		return req.PhysicalTaken(name)
	}
	return false, nil
}

// Candidate returns the n-th disambiguated form of name.
func Candidate(name string, typ models.EntryType, n int) string {
	if typ == models.TypeFile {
		ext := path.Ext(name)
		if ext != "" && ext != name {
			return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
		}
	}
	return fmt.Sprintf("%s (%d)", name, n)
}

// ManagedKey is the physical key of a managed file. It depends only on the
// owner and id, so renames and moves never touch storage.
func ManagedKey(owner, id string) string {
	shard := id
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return owner + "/" + shard + "/" + id
}

// DriveKey is the relative path of a drive entry named name under the
// folder with key parentKey ("" for the drive root).
func DriveKey(parentKey, name string) string {
	if parentKey == "" {
		return name
	}
	return parentKey + "/" + name
}

// TrashKey is where a trashed drive entry's content is parked.
func TrashKey(rootID, name string) string {
	return TrashDir + "/" + rootID + "/" + name
}

// parentKey returns the key of the folder containing key.
func parentKey(key string) string {
	dir := path.Dir(key)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// rekey rewrites key when it is oldPrefix or lies beneath it.
func rekey(key, oldPrefix, newPrefix string) (string, bool) {
	if key == oldPrefix {
		return newPrefix, true
	}
	if strings.HasPrefix(key, oldPrefix+"/") {
		return newPrefix + key[len(oldPrefix):], true
	}
	return key, false
}
