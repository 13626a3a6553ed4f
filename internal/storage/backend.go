// Package storage defines the Backend interface for content storage.
//
// Managed backends own an opaque, id-keyed tree. A custom drive is a local
// backend rooted at a user's host directory, where keys are relative paths
// that mirror the user's folder structure.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	ModTime  time.Time
	Checksum string // sha256 hex, set by PutObject
	IsDir    bool
}

// WalkFunc is called for each object found by Walk. Returning SkipDir from a
// directory entry skips its contents.
type WalkFunc func(info ObjectInfo) error

// SkipDir may be returned by a WalkFunc to skip a directory.
var SkipDir = errors.New("skip this directory")

// TempReclaimer is implemented by backends that stage writes in temp files.
// ReclaimTemp removes the ones last touched before olderThan, which an
// interrupted write left behind, and reports how many it removed.
type TempReclaimer interface {
	ReclaimTemp(ctx context.Context, olderThan time.Time) (int, error)
}

// ReclaimTemp runs b's ReclaimTemp, looking through Instrument. Backends
// without temp files report zero.
func ReclaimTemp(ctx context.Context, b Backend, olderThan time.Time) (int, error) {
	if i, ok := b.(*Instrumented); ok {
		b = i.Backend
	}
	if r, ok := b.(TempReclaimer); ok {
		return r.ReclaimTemp(ctx, olderThan)
	}
	return 0, nil
}

// Backend is the interface for content storage backends.
//
// Errors are classified with apperr kinds: ErrNotFound, ErrPermissionDenied,
// ErrQuotaExceeded, and ErrIO (wrapped as retryable).
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject writes content to the given key and reports the stored size
	// and sha256. A negative size means unknown.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) (*ObjectInfo, error)

	// DeleteObject removes an object. Deleting an absent key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// MoveObject relocates an object, failing if dstKey is taken.
	MoveObject(ctx context.Context, srcKey, dstKey string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// StatObject returns size and modification time.
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// MakeDir creates a directory. Object stores have no directories and
	// treat it as a no-op.
	MakeDir(ctx context.Context, key string) error

	// Walk visits every object under prefix.
	Walk(ctx context.Context, prefix string, fn WalkFunc) error

	// Type returns the backend type identifier ("local", "s3", "minio", "smb").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
