package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata/memory"
	"github.com/fruitsalade/pantry/internal/metadata/metadatatest"
	"github.com/fruitsalade/pantry/internal/models"
)

func TestLimitOverride(t *testing.T) {
	s := New(100)
	u := &models.User{ID: "u"}
	assert.Equal(t, int64(100), s.Limit(u))

	override := int64(0)
	u.StorageLimit = &override
	assert.Equal(t, int64(0), s.Limit(u), "explicit 0 means unlimited")
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	u := metadatatest.NewUser(t, store)

	f := metadatatest.NewEntry(u.ID, nil, "a", models.TypeFile)
	f.Size = 60
	f.StorageKey = models.StringPtr("k1")
	require.NoError(t, store.InsertEntry(ctx, f))

	s := New(100)
	assert.NoError(t, s.Check(ctx, store, u, 40))
	assert.ErrorIs(t, s.Check(ctx, store, u, 41), apperr.ErrQuotaExceeded)

	now := time.Now().UTC().Truncate(time.Microsecond)
	f.DeletedAt = &now
	require.NoError(t, store.UpdateEntry(ctx, f))
	assert.ErrorIs(t, s.Check(ctx, store, u, 41), apperr.ErrQuotaExceeded, "trash still counts")

	usage, err := s.Usage(ctx, store, u)
	require.NoError(t, err)
	assert.Equal(t, Usage{Used: 60, Limit: 100}, usage)
	assert.Equal(t, int64(40), usage.Remaining())

	assert.NoError(t, New(0).Check(ctx, store, u, 1<<40))
}

func TestCheckUploadSize(t *testing.T) {
	assert.NoError(t, CheckUploadSize(10, 0))
	assert.NoError(t, CheckUploadSize(10, 10))
	assert.ErrorIs(t, CheckUploadSize(11, 10), apperr.ErrQuotaExceeded)
}
