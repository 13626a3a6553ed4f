package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/metadata/memory"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/storage/local"
	"github.com/fruitsalade/pantry/internal/storage/provider"
)

type fixture struct {
	ctx     context.Context
	store   *memory.Store
	router  *provider.Router
	tree    *filetree.Service
	scanner *Scanner
}

// afterWalk runs a hook once a drive walk completes, standing in for a
// request that lands while a scan is between its walk and its writes.
type afterWalk struct {
	Drives
	hook func()
}

func (a afterWalk) Drive(path string) (storage.Backend, error) {
	b, err := a.Drives.Drive(path)
	if err != nil {
		return nil, err
	}
	return &hookedBackend{Backend: b, hook: a.hook}, nil
}

type hookedBackend struct {
	storage.Backend
	hook func()
}

func (h *hookedBackend) Walk(ctx context.Context, prefix string, fn storage.WalkFunc) error {
	err := h.Backend.Walk(ctx, prefix, fn)
	if h.hook != nil {
		h.hook()
		h.hook = nil
	}
	return err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lb, err := local.New(local.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	router := provider.NewRouter(lb, 0)
	t.Cleanup(func() { router.Close() })
	store := memory.New()
	tree := filetree.New(filetree.Config{Store: store, Backends: router})
	sc := New(store, router, tree)
	sc.SettleTime = 0
	return &fixture{ctx: context.Background(), store: store, router: router, tree: tree, scanner: sc}
}

func (f *fixture) driveUser(t *testing.T) (*models.User, string) {
	t.Helper()
	dir := t.TempDir()
	u := &models.User{
		ID:                 uuid.NewString(),
		Username:           "u-" + uuid.NewString()[:8],
		CustomDriveEnabled: true,
		CustomDrivePath:    dir,
	}
	require.NoError(t, f.store.CreateUser(f.ctx, u))
	return u, dir
}

func (f *fixture) rows(t *testing.T, u *models.User) map[string]*models.Entry {
	t.Helper()
	es, err := f.store.ListNamespace(f.ctx, u.ID, models.LocationDrive)
	require.NoError(t, err)
	out := make(map[string]*models.Entry)
	for _, e := range es {
		out[e.Key()] = e
	}
	return out
}

func write(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestScanCreatesUpdatesAndTrashes(t *testing.T) {
	f := newFixture(t)
	u, dir := f.driveUser(t)
	write(t, filepath.Join(dir, "docs", "a.txt"), "alpha")
	write(t, filepath.Join(dir, "b.txt"), "beta")

	rep, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Created)

	rows := f.rows(t, u)
	require.Len(t, rows, 3)
	assert.Equal(t, models.TypeFolder, rows["docs"].Type)
	assert.Equal(t, rows["docs"].ID, *rows["docs/a.txt"].ParentID)
	assert.Nil(t, rows["b.txt"].ParentID)
	assert.Equal(t, int64(5), rows["docs/a.txt"].Size)

	rep, err = f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, Report{Users: 1}, rep, "second scan changes nothing")

	write(t, filepath.Join(dir, "b.txt"), "beta, longer")
	rep, err = f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, int64(12), f.rows(t, u)["b.txt"].Size)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "docs")))
	rep, err = f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Trashed, "only the topmost vanished entry is trashed")

	rows = f.rows(t, u)
	require.Len(t, rows, 3, "vanished rows move to trash keys, never purged")
	for k, e := range rows {
		if k == "b.txt" {
			assert.False(t, e.Trashed())
			continue
		}
		assert.True(t, e.Trashed(), k)
	}
}

func TestScanUnmountedRootChangesNothing(t *testing.T) {
	f := newFixture(t)
	u, dir := f.driveUser(t)
	write(t, filepath.Join(dir, "a.txt"), "a")
	_, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	_, err = f.scanner.ScanUser(f.ctx, u)
	assert.ErrorIs(t, err, apperr.ErrIO)

	rows := f.rows(t, u)
	require.Len(t, rows, 1)
	assert.False(t, rows["a.txt"].Trashed())
}

func TestScanWaitsForSettle(t *testing.T) {
	f := newFixture(t)
	f.scanner.SettleTime = time.Hour
	u, dir := f.driveUser(t)
	write(t, filepath.Join(dir, "fresh.bin"), "x")

	rep, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Zero(t, rep.Created)
	assert.Equal(t, 1, rep.Skipped)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "fresh.bin"), old, old))
	rep, err = f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
}

func TestScanIgnoresTrashDirAndServerWrites(t *testing.T) {
	f := newFixture(t)
	u, dir := f.driveUser(t)

	e, err := f.tree.CreateFolder(f.ctx, u.ID, nil, "made-by-server", false)
	require.NoError(t, err)
	_, err = f.tree.Trash(f.ctx, u.ID, e.ID)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, filetree.TrashDir))

	rep, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Zero(t, rep.Created)
	assert.Zero(t, rep.Trashed)
	assert.Len(t, f.rows(t, u), 1)
}

func TestScanAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	good, goodDir := f.driveUser(t)
	_, badDir := f.driveUser(t)
	write(t, filepath.Join(goodDir, "a"), "a")
	require.NoError(t, os.RemoveAll(badDir))

	rep, err := f.scanner.ScanAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Created)
	assert.Len(t, f.rows(t, good), 1)
}

func TestScanSparesRowsWrittenDuringWalk(t *testing.T) {
	f := newFixture(t)
	u, dir := f.driveUser(t)
	write(t, filepath.Join(dir, "a.txt"), "a")
	_, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	docs, err := f.tree.CreateFolder(f.ctx, u.ID, nil, "docs", false)
	require.NoError(t, err)
	moved := f.rows(t, u)["a.txt"]

	var uploaded *models.Entry
	f.scanner.drives = afterWalk{Drives: f.router, hook: func() {
		var err error
		uploaded, err = f.tree.Upload(f.ctx, filetree.UploadRequest{
			Owner: u.ID, Name: "new.txt", Size: 3, Body: strings.NewReader("new"),
		})
		require.NoError(t, err)
		_, err = f.tree.Move(f.ctx, u.ID, moved.ID, &docs.ID, false)
		require.NoError(t, err)
	}}

	rep, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Zero(t, rep.Trashed)
	assert.Zero(t, rep.Created, "the walk saw a.txt at its old path")
	assert.Zero(t, rep.Failed)

	rows := f.rows(t, u)
	require.Contains(t, rows, "new.txt")
	assert.False(t, rows["new.txt"].Trashed())
	assert.Equal(t, uploaded.ID, rows["new.txt"].ID)
	require.Contains(t, rows, "docs/a.txt")
	assert.False(t, rows["docs/a.txt"].Trashed())
	assert.NotContains(t, rows, "a.txt")

	f.scanner.drives = f.router
	rep, err = f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, Report{Users: 1}, rep, "nothing left to reconcile")
}

func TestScanStillTrashesTypeChanges(t *testing.T) {
	f := newFixture(t)
	u, dir := f.driveUser(t)
	write(t, filepath.Join(dir, "x"), "file")
	_, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "x")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "x"), 0o755))
	rep, err := f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Trashed)

	rep, err = f.scanner.ScanUser(f.ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, models.TypeFolder, f.rows(t, u)["x"].Type)
}

func TestScanBesideUploads(t *testing.T) {
	f := newFixture(t)
	// Fresh writes stay unindexed, so only the vanish pass can interfere.
	f.scanner.SettleTime = time.Hour
	u, dir := f.driveUser(t)
	write(t, filepath.Join(dir, "seed.txt"), "seed")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, err := f.tree.Upload(f.ctx, filetree.UploadRequest{
				Owner: u.ID, Name: "up.txt", Size: 1, Body: strings.NewReader("x"), AutoRename: true,
			})
			assert.NoError(t, err)
		}
	}()
	for i := 0; i < 5; i++ {
		_, err := f.scanner.ScanUser(f.ctx, u)
		require.NoError(t, err)
	}
	<-done

	for k, e := range f.rows(t, u) {
		if strings.HasPrefix(k, "up") {
			assert.False(t, e.Trashed(), "server upload %s was trashed by a scan", k)
		}
	}
}
