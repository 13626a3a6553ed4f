package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
)

// Channel is the Redis pub/sub channel replicas use to invalidate each
// other's caches.
const Channel = "pantry:settings"

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	SignupEnabled  *bool   `json:"signup_enabled,omitempty"`
	MaxUploadSize  *int64  `json:"max_upload_size,omitempty"`
	HideExtensions *bool   `json:"hide_extensions,omitempty"`
	ElectronOnly   *bool   `json:"electron_only,omitempty"`
	EditorURL      *string `json:"editor_url,omitempty"`
	EditorSecret   *string `json:"editor_secret,omitempty"`
}

func (p Patch) apply(s *models.AppSettings) {
	if p.SignupEnabled != nil {
		s.SignupEnabled = *p.SignupEnabled
	}
	if p.MaxUploadSize != nil {
		s.MaxUploadSize = *p.MaxUploadSize
	}
	if p.HideExtensions != nil {
		s.HideExtensions = *p.HideExtensions
	}
	if p.ElectronOnly != nil {
		s.ElectronOnly = *p.ElectronOnly
	}
	if p.EditorURL != nil {
		s.EditorURL = *p.EditorURL
	}
	if p.EditorSecret != nil {
		s.EditorSecret = *p.EditorSecret
	}
}

// Service reads and updates the settings singleton.
type Service struct {
	store metadata.Store
	cache *Cache
	rdb   *redis.Client // nil without Redis

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewService creates a settings service. rdb may be nil.
func NewService(store metadata.Store, ttl time.Duration, rdb *redis.Client) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:  store,
		cache:  NewCache(store.GetSettings, ttl),
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.Named("settings"),
	}
}

// Get returns the cached settings.
func (s *Service) Get(ctx context.Context) (models.AppSettings, error) {
	return s.cache.Get(ctx)
}

// Update applies p. Only the first registered user may update settings.
func (s *Service) Update(ctx context.Context, actorID string, p Patch) (models.AppSettings, error) {
	if p.MaxUploadSize != nil && *p.MaxUploadSize < 0 {
		return models.AppSettings{}, fmt.Errorf("max_upload_size must be >= 0: %w", apperr.ErrInvalid)
	}

	var out models.AppSettings
	err := s.store.InTx(ctx, func(q metadata.Queries) error {
		first, err := q.FirstUserID(ctx)
		if err != nil {
			return fmt.Errorf("first user: %w", err)
		}
		if first != actorID {
			return fmt.Errorf("only the first user may change settings: %w", apperr.ErrPermissionDenied)
		}
		cur, err := q.GetSettings(ctx)
		if err != nil {
			return err
		}
		p.apply(cur)
		if err := q.SaveSettings(ctx, cur); err != nil {
			return err
		}
		out = *cur
		return nil
	})
	if err != nil {
		return models.AppSettings{}, err
	}

	s.cache.Invalidate()
	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, Channel, "invalidate").Err(); err != nil {
			s.log.Warn("publish settings invalidation failed", zap.Error(err))
		}
	}
	s.log.Info("settings updated", zap.String("actor", actorID))
	return out, nil
}

// Start subscribes to invalidations from other replicas. It is a no-op
// without Redis.
func (s *Service) Start() {
	if s.rdb == nil {
		return
	}
	pubsub := s.rdb.Subscribe(s.ctx, Channel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-s.ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				s.cache.Invalidate()
				s.log.Debug("settings cache invalidated by peer")
			}
		}
	}()
}

// Stop ends the subscription.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}
