// Package settings serves the AppSettings singleton through a scoped cache.
package settings

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
)

// Loader reads the current settings from the system of record.
type Loader func(ctx context.Context) (*models.AppSettings, error)

// Cache holds one settings value with stale-while-revalidate semantics.
//
// Within TTL the cached value is returned. Between TTL and the hard expiry
// the stale value is returned and one background refresh is started.
// Past the hard expiry, or when empty, Get loads synchronously.
type Cache struct {
	load Loader
	ttl  time.Duration
	hard time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	val     *models.AppSettings
	fetched time.Time
	gen     uint64

	group singleflight.Group
}

// NewCache returns a cache that serves values for ttl and tolerates stale
// values up to four times ttl.
func NewCache(load Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{load: load, ttl: ttl, hard: 4 * ttl, now: time.Now}
}

// Get returns the settings.
func (c *Cache) Get(ctx context.Context) (models.AppSettings, error) {
	c.mu.RLock()
	val, fetched := c.val, c.fetched
	c.mu.RUnlock()

	if val != nil {
		age := c.now().Sub(fetched)
		if age < c.ttl {
			metrics.RecordSettingsCache("hit")
			return *val, nil
		}
		if age < c.hard {
			metrics.RecordSettingsCache("stale")
			c.refreshAsync()
			return *val, nil
		}
	}

	metrics.RecordSettingsCache("miss")
	v, err, _ := c.group.Do("settings", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return models.AppSettings{}, err
	}
	return *(v.(*models.AppSettings)), nil
}

// Invalidate drops the cached value so the next Get reloads it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.val = nil
	c.gen++
	c.mu.Unlock()
}

func (c *Cache) refreshAsync() {
	c.group.DoChan("settings", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v, err := c.refresh(ctx)
		if err != nil {
			logging.Warn("settings refresh failed, serving stale value", zap.Error(err))
		}
		return v, err
	})
}

// refresh loads and stores a value unless an Invalidate happened meanwhile.
func (c *Cache) refresh(ctx context.Context) (*models.AppSettings, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	v, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.val = v
		c.fetched = c.now()
	}
	c.mu.Unlock()
	return v, nil
}
