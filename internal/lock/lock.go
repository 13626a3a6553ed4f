// Package lock provides a Redis lease used to run a periodic task on one
// replica at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when another holder owns the lease.
var ErrBusy = errors.New("lock is busy")

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis grants leases stored as keys with a TTL. A holder that dies loses
// its lease when the TTL runs out.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis returns a Redis locker whose keys start with prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// Acquire takes the lease name for ttl. It returns ErrBusy if someone else
// holds it, and a release function otherwise.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}, nil
}
