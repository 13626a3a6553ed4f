// Package smb stores managed objects on a pre-mounted SMB/CIFS share.
//
// I/O goes through a local backend at the mount path. The difference is
// the mount guard: a share that drops off leaves an empty directory behind,
// and writing there would silently fill the host disk while the orphan
// sweep saw every object as missing. A marker file written on first use
// must be present before any write or walk.
package smb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/storage/local"
)

// MarkerName is the file that identifies an attached share.
const MarkerName = ".pantry-volume"

// Config holds SMB backend settings.
type Config struct {
	MountPath    string `json:"mount_path"`
	MinFreeBytes int64  `json:"min_free_bytes"`
	// Init writes the marker when the share is empty. Without it, New
	// requires an existing marker.
	Init bool `json:"init"`
}

// SMBBackend is a local backend behind a mount guard.
type SMBBackend struct {
	*local.LocalBackend
	marker string
}

var _ storage.Backend = (*SMBBackend)(nil)

// New opens the share. The mount point is never created.
func New(cfg Config) (*SMBBackend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required: %w", apperr.ErrInvalid)
	}
	lb, err := local.New(local.Config{RootPath: cfg.MountPath, MinFreeBytes: cfg.MinFreeBytes})
	if err != nil {
		return nil, fmt.Errorf("smb share at %s: %w", cfg.MountPath, err)
	}
	b := &SMBBackend{LocalBackend: lb, marker: filepath.Join(lb.Root(), MarkerName)}

	if err := b.attached(); err != nil {
		if !cfg.Init || !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if err := b.initMarker(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewFromJSON creates an SMBBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*SMBBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// initMarker writes the marker, refusing a non-empty directory that lacks
// one since that is most likely the host side of a detached mount.
func (b *SMBBackend) initMarker() error {
	entries, err := os.ReadDir(b.Root())
	if err != nil {
		return storage.ClassifyFSError("read share", b.Root(), err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("share at %s has content but no %s: %w", b.Root(), MarkerName, apperr.ErrInvalid)
	}
	if err := os.WriteFile(b.marker, []byte("pantry\n"), 0o644); err != nil {
		return storage.ClassifyFSError("write marker", MarkerName, err)
	}
	return nil
}

// attached reports ErrNotFound when the marker is missing.
func (b *SMBBackend) attached() error {
	if _, err := os.Stat(b.marker); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("smb share at %s not mounted (no %s): %w", b.Root(), MarkerName, apperr.ErrNotFound)
		}
		return storage.ClassifyFSError("stat marker", MarkerName, err)
	}
	return nil
}

// detached is what callers see while the share is away: a retryable IO
// error, so cleanup retries and sweeps skip the round.
func (b *SMBBackend) detached() error {
	if err := b.attached(); err != nil {
		return storage.IOError("check mount", b.Root(), err)
	}
	return nil
}

func (b *SMBBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (*storage.ObjectInfo, error) {
	if err := b.detached(); err != nil {
		return nil, err
	}
	return b.LocalBackend.PutObject(ctx, key, body, size)
}

func (b *SMBBackend) DeleteObject(ctx context.Context, key string) error {
	if err := b.detached(); err != nil {
		return err
	}
	return b.LocalBackend.DeleteObject(ctx, key)
}

func (b *SMBBackend) MoveObject(ctx context.Context, srcKey, dstKey string) error {
	if err := b.detached(); err != nil {
		return err
	}
	return b.LocalBackend.MoveObject(ctx, srcKey, dstKey)
}

func (b *SMBBackend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if err := b.detached(); err != nil {
		return err
	}
	return b.LocalBackend.CopyObject(ctx, srcKey, dstKey)
}

func (b *SMBBackend) MakeDir(ctx context.Context, key string) error {
	if err := b.detached(); err != nil {
		return err
	}
	return b.LocalBackend.MakeDir(ctx, key)
}

// Walk hides the marker from callers.
func (b *SMBBackend) Walk(ctx context.Context, prefix string, fn storage.WalkFunc) error {
	if err := b.detached(); err != nil {
		return err
	}
	return b.LocalBackend.Walk(ctx, prefix, func(info storage.ObjectInfo) error {
		if info.Key == MarkerName {
			return nil
		}
		return fn(info)
	})
}

func (b *SMBBackend) ReclaimTemp(ctx context.Context, olderThan time.Time) (int, error) {
	if err := b.detached(); err != nil {
		return 0, err
	}
	return b.LocalBackend.ReclaimTemp(ctx, olderThan)
}

// Type returns "smb".
func (b *SMBBackend) Type() string { return "smb" }
