package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/storage/local"
)

// Router resolves which storage backend holds an owner's content. Managed
// content lives on one shared backend; each custom drive gets a local
// backend rooted at its path.
type Router struct {
	mu           sync.RWMutex
	managed      storage.Backend
	drives       map[string]storage.Backend // drive path -> backend
	minFreeBytes int64
}

// NewRouter wraps the managed backend with metrics and returns a Router.
func NewRouter(managed storage.Backend, minFreeBytes int64) *Router {
	return &Router{
		managed:      storage.Instrument(managed),
		drives:       make(map[string]storage.Backend),
		minFreeBytes: minFreeBytes,
	}
}

// Managed returns the shared managed backend.
func (r *Router) Managed() storage.Backend { return r.managed }

// ForUser returns the backend for the user's active location.
func (r *Router) ForUser(u *models.User) (storage.Backend, error) {
	if u.Location() == models.LocationDrive {
		return r.Drive(u.CustomDrivePath)
	}
	return r.managed, nil
}

// ForLocation returns the backend holding entries of loc for u.
func (r *Router) ForLocation(u *models.User, loc models.Location) (storage.Backend, error) {
	if loc == models.LocationDrive {
		if u.CustomDrivePath == "" {
			return nil, fmt.Errorf("user %s has no drive path: %w", u.ID, apperr.ErrInvalid)
		}
		return r.Drive(u.CustomDrivePath)
	}
	return r.managed, nil
}

// Drive returns the cached backend for a drive path, creating it on first use.
// A missing directory is reported as ErrNotFound and never created.
func (r *Router) Drive(path string) (storage.Backend, error) {
	r.mu.RLock()
	b, ok := r.drives[path]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.drives[path]; ok {
		return b, nil
	}
	lb, err := local.New(local.Config{RootPath: path, MinFreeBytes: r.minFreeBytes})
	if err != nil {
		return nil, fmt.Errorf("open drive %s: %w", path, err)
	}
	b = storage.Instrument(lb)
	r.drives[path] = b
	logging.Debug("drive backend opened", zap.String("path", path))
	return b, nil
}

// Forget drops the cached backend for a drive path.
func (r *Router) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.drives[path]; ok {
		b.Close()
		delete(r.drives, path)
	}
}

// Close closes all backend connections.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, b := range r.drives {
		b.Close()
		delete(r.drives, path)
	}
	return r.managed.Close()
}

// Open is a convenience for building the managed backend and its router.
func Open(ctx context.Context, backendType string, config []byte, minFreeBytes int64) (*Router, error) {
	b, err := NewBackendFromConfig(ctx, backendType, config)
	if err != nil {
		return nil, fmt.Errorf("managed backend: %w", err)
	}
	return NewRouter(b, minFreeBytes), nil
}
