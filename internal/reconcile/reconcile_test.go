package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/metadata/memory"
	"github.com/fruitsalade/pantry/internal/metadata/metadatatest"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/storage/local"
	"github.com/fruitsalade/pantry/internal/storage/provider"
)

type fixture struct {
	ctx     context.Context
	store   *memory.Store
	backend *local.LocalBackend
	root    string
	tree    *filetree.Service
	user    *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	lb, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)
	store := memory.New()
	router := provider.NewRouter(lb, 0)
	t.Cleanup(func() { router.Close() })
	return &fixture{
		ctx:     context.Background(),
		store:   store,
		backend: lb,
		root:    root,
		tree:    filetree.New(filetree.Config{Store: store, Backends: router}),
		user:    metadatatest.NewUser(t, store),
	}
}

func (f *fixture) upload(t *testing.T, parent *string, name, body string) *models.Entry {
	t.Helper()
	e, err := f.tree.Upload(f.ctx, filetree.UploadRequest{
		Owner: f.user.ID, ParentID: parent, Name: name,
		Size: int64(len(body)), Body: strings.NewReader(body),
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) objectPath(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func TestTrashSweepAfterRetention(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t, nil, "F", "content")
	_, err := f.tree.Trash(f.ctx, f.user.ID, file.ID)
	require.NoError(t, err)

	sweeper := NewTrashSweeper(f.store, f.tree)

	rep, err := sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned, "still within retention")
	assert.FileExists(t, f.objectPath(file.Key()))

	sweeper.now = func() time.Time { return time.Now().Add(DefaultRetention + time.Hour) }
	rep, err = sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Deleted: 1, Objects: 1}, rep)

	_, err = f.store.GetEntry(f.ctx, file.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoFileExists(t, f.objectPath(file.Key()))
}

func TestTrashSweepNestedRootsAndBatches(t *testing.T) {
	f := newFixture(t)
	dir, err := f.tree.CreateFolder(f.ctx, f.user.ID, nil, "A", false)
	require.NoError(t, err)
	inner := f.upload(t, &dir.ID, "inner", "1")
	_, err = f.tree.Trash(f.ctx, f.user.ID, inner.ID)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = f.tree.Trash(f.ctx, f.user.ID, dir.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		e := f.upload(t, nil, uuid.NewString(), "x")
		_, err := f.tree.Trash(f.ctx, f.user.ID, e.ID)
		require.NoError(t, err)
	}
	live := f.upload(t, nil, "live", "keep")

	sweeper := NewTrashSweeper(f.store, f.tree)
	sweeper.BatchSize = 2
	sweeper.now = func() time.Time { return time.Now().Add(DefaultRetention + time.Hour) }
	rep, err := sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)
	assert.GreaterOrEqual(t, rep.Deleted, 4)

	es, err := f.store.ListNamespace(f.ctx, f.user.ID, models.LocationManaged)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, live.ID, es[0].ID)
}

func TestOrphanSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	kept := f.upload(t, nil, "kept", "data")
	trashed := f.upload(t, nil, "trashed", "data")
	_, err := f.tree.Trash(f.ctx, f.user.ID, trashed.ID)
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	_, err = f.backend.PutObject(f.ctx, "stray/ab/old", strings.NewReader("x"), 1)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(f.objectPath("stray/ab/old"), old, old))
	_, err = f.backend.PutObject(f.ctx, "stray/ab/young", strings.NewReader("y"), 1)
	require.NoError(t, err)

	sweeper := NewOrphanSweeper(f.store, f.backend, time.Hour, 0)
	// Age the known objects too, so only references protect them.
	for _, e := range []*models.Entry{kept, trashed} {
		require.NoError(t, os.Chtimes(f.objectPath(e.Key()), old, old))
	}

	rep, err := sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, 1, rep.Young)
	assert.NoFileExists(t, f.objectPath("stray/ab/old"))
	assert.FileExists(t, f.objectPath("stray/ab/young"))
	assert.FileExists(t, f.objectPath(kept.Key()))
	assert.FileExists(t, f.objectPath(trashed.Key()), "trash still owns its object")

	rep, err = sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Deleted)
}

func TestOrphanSweepAfterPermanentDelete(t *testing.T) {
	f := newFixture(t)
	dir, err := f.tree.CreateFolder(f.ctx, f.user.ID, nil, "A", false)
	require.NoError(t, err)
	f.upload(t, &dir.ID, "a", "1")
	f.upload(t, &dir.ID, "b", "2")
	_, err = f.tree.Trash(f.ctx, f.user.ID, dir.ID)
	require.NoError(t, err)
	_, err = f.tree.DeletePermanently(f.ctx, f.user.ID, dir.ID)
	require.NoError(t, err)

	rep, err := NewOrphanSweeper(f.store, f.backend, 0, 0).Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Objects)
	assert.Zero(t, rep.Deleted)
}

func TestOrphanSweepCountsDanglingRows(t *testing.T) {
	f := newFixture(t)
	row := metadatatest.NewEntry(f.user.ID, nil, "ghost", models.TypeFile)
	row.StorageKey = models.StringPtr(filetree.ManagedKey(f.user.ID, row.ID))
	row.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.store.InsertEntry(f.ctx, row))

	fresh := metadatatest.NewEntry(f.user.ID, nil, "in-flight", models.TypeFile)
	fresh.StorageKey = models.StringPtr(filetree.ManagedKey(f.user.ID, fresh.ID))
	require.NoError(t, f.store.InsertEntry(f.ctx, fresh))

	rep, err := NewOrphanSweeper(f.store, f.backend, time.Hour, 0).Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dangling)
}

func TestOrphanSweepReclaimsStaleTempFiles(t *testing.T) {
	f := newFixture(t)
	kept := f.upload(t, nil, "kept", "data")

	old := time.Now().Add(-72 * time.Hour)
	stale := f.objectPath(f.user.ID + "/ab/" + local.TempPrefix + "123456.tmp")
	fresh := f.objectPath(f.user.ID + "/ab/" + local.TempPrefix + "654321.tmp")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.WriteFile(fresh, []byte("writing"), 0o644))

	rep, err := NewOrphanSweeper(f.store, f.backend, time.Hour, 0).Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Temp)
	assert.Zero(t, rep.Deleted)
	assert.Equal(t, 1, rep.Objects, "temp files are not objects")
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh, "a write in progress keeps its temp file")
	assert.FileExists(t, f.objectPath(kept.Key()))
}

// restoringPurger restores the first root it is asked to purge just
// before purging it, as a user racing the sweep would.
type restoringPurger struct {
	tree  *filetree.Service
	owner string
	once  sync.Once
	hit   string
	err   error
}

func (p *restoringPurger) PurgeTrashed(ctx context.Context, id string) (filetree.PurgeReport, error) {
	p.once.Do(func() {
		p.hit = id
		_, p.err = p.tree.Restore(ctx, p.owner, id)
	})
	return p.tree.PurgeTrashed(ctx, id)
}

func TestTrashSweepSkipsRootsRestoredMeanwhile(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		e := f.upload(t, nil, uuid.NewString(), "x")
		_, err := f.tree.Trash(f.ctx, f.user.ID, e.ID)
		require.NoError(t, err)
	}

	p := &restoringPurger{tree: f.tree, owner: f.user.ID}
	sweeper := NewTrashSweeper(f.store, p)
	sweeper.BatchSize = 2
	sweeper.now = func() time.Time { return time.Now().Add(DefaultRetention + time.Hour) }
	rep, err := sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	require.NoError(t, p.err)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 3, rep.Deleted)

	es, err := f.store.ListNamespace(f.ctx, f.user.ID, models.LocationManaged)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, p.hit, es[0].ID)
	assert.False(t, es[0].Trashed())
}

func TestTrashSweepBesideRestores(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 20; i++ {
		e := f.upload(t, nil, uuid.NewString(), "x")
		_, err := f.tree.Trash(f.ctx, f.user.ID, e.ID)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	sweeper := NewTrashSweeper(f.store, f.tree)
	sweeper.BatchSize = 3
	sweeper.now = func() time.Time { return time.Now().Add(DefaultRetention + time.Hour) }

	var (
		wg   sync.WaitGroup
		rep  Report
		serr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rep, serr = sweeper.Sweep(f.ctx)
	}()
	restored := map[string]bool{}
	for _, id := range ids[10:] {
		if _, err := f.tree.Restore(f.ctx, f.user.ID, id); err == nil {
			restored[id] = true
		} else {
			assert.ErrorIs(t, err, apperr.ErrNotFound, "only a purge may beat a restore")
		}
	}
	wg.Wait()

	require.NoError(t, serr)
	assert.Zero(t, rep.Failed)
	es, err := f.store.ListNamespace(f.ctx, f.user.ID, models.LocationManaged)
	require.NoError(t, err)
	assert.Len(t, es, len(restored))
	for _, e := range es {
		assert.True(t, restored[e.ID])
		assert.False(t, e.Trashed())
		assert.FileExists(t, f.objectPath(e.Key()))
	}
}
