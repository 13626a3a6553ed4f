// Package local provides a local filesystem storage backend.
//
// It serves both managed storage and custom drives: a custom drive is a
// LocalBackend rooted at the user's host directory.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/storage"
)

// TempPrefix marks in-progress writes. Walk skips them.
const TempPrefix = ".pantry-"

func isTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix) && strings.HasSuffix(name, ".tmp")
}

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
	// MinFreeBytes rejects writes that would leave less than this much free
	// space on the filesystem. 0 disables the check.
	MinFreeBytes int64 `json:"min_free_bytes"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath     string
	minFreeBytes int64
}

var _ storage.Backend = (*LocalBackend)(nil)

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, storage.ClassifyFSError("stat root", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory: %w", root, apperr.ErrInvalid)
	}

	return &LocalBackend{rootPath: root, minFreeBytes: cfg.MinFreeBytes}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the absolute root directory.
func (b *LocalBackend) Root() string { return b.rootPath }

// fullPath resolves key under the root, rejecting keys that escape it.
func (b *LocalBackend) fullPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("key %q addresses the storage root: %w", key, apperr.ErrInvalid)
	}
	return filepath.Join(b.rootPath, filepath.FromSlash(clean[1:])), nil
}

// GetObject reads a file from the local filesystem with range support.
func (b *LocalBackend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	p, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, storage.ClassifyFSError("open", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, storage.ClassifyFSError("stat", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: is a directory: %w", key, apperr.ErrInvalid)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, storage.ClassifyFSError("seek", key, err)
		}
	}

	remaining := info.Size() - offset
	if remaining < 0 {
		remaining = 0
	}
	if length > 0 && length < remaining {
		return &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}, length, nil
	}
	return f, remaining, nil
}

// PutObject writes content atomically through a temp file and rename.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) (*storage.ObjectInfo, error) {
	p, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	if err := b.checkFree(key, size); err != nil {
		return nil, err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storage.ClassifyFSError("create dirs for", key, err)
	}
	tmpName, info, err := b.writeTemp(dir, key, body)
	if err != nil {
		return nil, err
	}
	if size >= 0 && info.Size != size {
		os.Remove(tmpName)
		return nil, storage.ShortWrite(key, size, info.Size)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return nil, storage.ClassifyFSError("rename temp to", key, err)
	}

	if st, err := os.Stat(p); err == nil {
		info.ModTime = st.ModTime()
	}
	info.Key = key
	return info, nil
}

func (b *LocalBackend) writeTemp(dir, key string, body io.Reader) (string, *storage.ObjectInfo, error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"*.tmp")
	if err != nil {
		return "", nil, storage.ClassifyFSError("create temp for", key, err)
	}
	tmpName := tmp.Name()

	hr := storage.NewHashingReader(body)
	if _, err := io.Copy(tmp, hr); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", nil, storage.ClassifyFSError("write", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", nil, storage.ClassifyFSError("close temp for", key, err)
	}
	return tmpName, &storage.ObjectInfo{Size: hr.Size(), Checksum: hr.Sum()}, nil
}

func (b *LocalBackend) checkFree(key string, size int64) error {
	if b.minFreeBytes <= 0 || size < 0 {
		return nil
	}
	free, err := diskFree(b.rootPath)
	if err != nil || free < 0 {
		return nil
	}
	if free-size < b.minFreeBytes {
		return fmt.Errorf("write %s: %d bytes would leave %d free, floor is %d: %w",
			key, size, free-size, b.minFreeBytes, apperr.ErrQuotaExceeded)
	}
	return nil
}

// DeleteObject removes a file or a directory tree. Missing keys are ignored.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	p, err := b.fullPath(key)
	if err != nil {
		return err
	}
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storage.ClassifyFSError("stat", key, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil && !os.IsNotExist(err) {
		return storage.ClassifyFSError("delete", key, err)
	}
	return nil
}

// MoveObject renames a file or directory, creating parent directories.
func (b *LocalBackend) MoveObject(_ context.Context, srcKey, dstKey string) error {
	src, err := b.fullPath(srcKey)
	if err != nil {
		return err
	}
	dst, err := b.fullPath(dstKey)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if _, err := os.Lstat(src); err != nil {
		return storage.ClassifyFSError("move", srcKey, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("move %s -> %s: destination exists: %w", srcKey, dstKey, apperr.ErrNameConflict)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return storage.ClassifyFSError("create dirs for", dstKey, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return storage.ClassifyFSError("move "+srcKey+" ->", dstKey, err)
	}
	return nil
}

// CopyObject copies a file on the local filesystem.
func (b *LocalBackend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	srcPath, err := b.fullPath(srcKey)
	if err != nil {
		return err
	}
	dstPath, err := b.fullPath(dstKey)
	if err != nil {
		return err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return storage.ClassifyFSError("open src", srcKey, err)
	}
	defer src.Close()

	if st, err := src.Stat(); err == nil {
		if err := b.checkFree(dstKey, st.Size()); err != nil {
			return err
		}
	}

	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.ClassifyFSError("create dirs for", dstKey, err)
	}
	tmpName, _, err := b.writeTemp(dir, dstKey, src)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return storage.ClassifyFSError("rename temp to", dstKey, err)
	}
	return nil
}

// StatObject returns size and modification time.
func (b *LocalBackend) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	p, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, storage.ClassifyFSError("stat", key, err)
	}
	return &storage.ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

// ObjectExists checks if a file exists on the local filesystem.
func (b *LocalBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.StatObject(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MakeDir creates a directory and its parents.
func (b *LocalBackend) MakeDir(_ context.Context, key string) error {
	p, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return storage.ClassifyFSError("mkdir", key, err)
	}
	return nil
}

// Walk visits files and directories under prefix in lexical order. Temp
// files from in-progress writes are skipped.
func (b *LocalBackend) Walk(ctx context.Context, prefix string, fn storage.WalkFunc) error {
	start := b.rootPath
	if prefix != "" {
		p, err := b.fullPath(prefix)
		if err != nil {
			return err
		}
		start = p
	}
	if _, err := os.Stat(start); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return storage.ClassifyFSError("walk", p, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == b.rootPath {
			return nil
		}
		if isTemp(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(b.rootPath, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return storage.ClassifyFSError("walk", rel, err)
		}
		obj := storage.ObjectInfo{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   d.IsDir(),
		}
		if obj.IsDir {
			obj.Size = 0
		}
		if err := fn(obj); err != nil {
			if errors.Is(err, storage.SkipDir) && d.IsDir() {
				return filepath.SkipDir
			}
			return err
		}
		return nil
	})
}

// ReclaimTemp deletes temp files not modified since olderThan. A write in
// progress keeps touching its temp file, so only abandoned ones qualify.
func (b *LocalBackend) ReclaimTemp(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(b.rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return storage.ClassifyFSError("walk", p, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !isTemp(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(olderThan) {
			return nil
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return storage.ClassifyFSError("remove temp", p, err)
		}
		removed++
		return nil
	})
	return removed, err
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
