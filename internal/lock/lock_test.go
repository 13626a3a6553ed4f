package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestAcquireRelease(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	l := NewRedis(rdb, "pantry-test:"+uuid.NewString()+":")

	release, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, release(ctx))
	release, err = l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestReleaseAfterExpiryKeepsNewHolder(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	l := NewRedis(rdb, "pantry-test:"+uuid.NewString()+":")

	stale, err := l.Acquire(ctx, "sweep", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	fresh, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.NoError(t, stale(ctx))

	_, err = l.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrBusy, "stale release must not drop the new lease")
	require.NoError(t, fresh(ctx))
}
