package sharing

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

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
	ctx   context.Context
	store *memory.Store
	tree  *filetree.Service
	svc   *Service
	user  *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lb, err := local.New(local.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	store := memory.New()
	router := provider.NewRouter(lb, 0)
	t.Cleanup(func() { router.Close() })
	tree := filetree.New(filetree.Config{Store: store, Backends: router})
	return &fixture{
		ctx:   context.Background(),
		store: store,
		tree:  tree,
		svc:   New(store, tree, nil),
		user:  metadatatest.NewUser(t, store),
	}
}

func (f *fixture) mkdir(t *testing.T, parent *string, name string) *models.Entry {
	t.Helper()
	e, err := f.tree.CreateFolder(f.ctx, f.user.ID, parent, name, false)
	require.NoError(t, err)
	return e
}

func (f *fixture) put(t *testing.T, parent *string, name, body string) *models.Entry {
	t.Helper()
	e, err := f.tree.Upload(f.ctx, filetree.UploadRequest{
		Owner: f.user.ID, ParentID: parent, Name: name,
		Size: int64(len(body)), Body: strings.NewReader(body),
	})
	require.NoError(t, err)
	return e
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestCreateValidatesTargets(t *testing.T) {
	f := newFixture(t)
	other := metadatatest.NewUser(t, f.store)
	a := f.put(t, nil, "a.txt", "a")

	_, err := f.svc.Create(f.ctx, other.ID, []string{a.ID}, 0, "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = f.svc.Create(f.ctx, f.user.ID, nil, 0, "")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.svc.Create(f.ctx, f.user.ID, []string{"missing"}, 0, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.tree.Trash(f.ctx, f.user.ID, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Create(f.ctx, f.user.ID, []string{a.ID}, 0, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResolveAndOpen(t *testing.T) {
	f := newFixture(t)
	a := f.put(t, nil, "a.txt", "hello")

	link, err := f.svc.Create(f.ctx, f.user.ID, []string{a.ID, a.ID}, 0, "")
	require.NoError(t, err)
	assert.Len(t, link.Token, 32)
	assert.Nil(t, link.ExpiresAt)
	assert.Empty(t, link.FileIDs, "duplicates collapse to a single target")

	_, targets, err := f.svc.Resolve(f.ctx, link.Token, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, a.ID, targets[0].ID)

	rc, size, e, err := f.svc.Open(f.ctx, link.Token, "", a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "a.txt", e.Name)
	assert.Equal(t, "hello", readAll(t, rc))

	got, err := f.store.GetShareLink(f.ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.DownloadCount)

	_, _, err = f.svc.Resolve(f.ctx, "nope", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPassword(t *testing.T) {
	f := newFixture(t)
	a := f.put(t, nil, "a.txt", "x")
	link, err := f.svc.Create(f.ctx, f.user.ID, []string{a.ID}, 0, "s3cret")
	require.NoError(t, err)
	assert.True(t, link.HasPassword)
	assert.NotEqual(t, "s3cret", link.PasswordHash)

	for _, pw := range []string{"", "wrong"} {
		_, _, err := f.svc.Resolve(f.ctx, link.Token, pw)
		assert.ErrorIs(t, err, apperr.ErrPermissionDenied, pw)
	}
	_, _, _, err = f.svc.Open(f.ctx, link.Token, "wrong", a.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, _, err = f.svc.Resolve(f.ctx, link.Token, "s3cret")
	assert.NoError(t, err)
}

func TestExpiredLink(t *testing.T) {
	f := newFixture(t)
	docs := f.mkdir(t, nil, "docs")
	a := f.put(t, &docs.ID, "a.txt", "x")
	b := f.put(t, nil, "b.txt", "y")

	folderLink, err := f.svc.Create(f.ctx, f.user.ID, []string{docs.ID}, time.Hour, "")
	require.NoError(t, err)
	fileLink, err := f.svc.Create(f.ctx, f.user.ID, []string{b.ID}, time.Hour, "")
	require.NoError(t, err)

	_, err = f.svc.ListChildren(f.ctx, folderLink.Token, "", docs.ID)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, _, err = f.svc.Resolve(f.ctx, folderLink.Token, "")
	assert.ErrorIs(t, err, apperr.ErrExpired)
	_, err = f.svc.ListChildren(f.ctx, folderLink.Token, "", docs.ID)
	assert.ErrorIs(t, err, apperr.ErrExpired)
	_, _, _, err = f.svc.Open(f.ctx, folderLink.Token, "", a.ID)
	assert.ErrorIs(t, err, apperr.ErrExpired)

	_, _, err = f.svc.Resolve(f.ctx, fileLink.Token, "")
	assert.ErrorIs(t, err, apperr.ErrExpired)
	_, _, _, err = f.svc.Open(f.ctx, fileLink.Token, "", b.ID)
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestFolderDescent(t *testing.T) {
	f := newFixture(t)
	docs := f.mkdir(t, nil, "docs")
	sub := f.mkdir(t, &docs.ID, "sub")
	deep := f.put(t, &sub.ID, "deep.txt", "deep")
	f.put(t, &docs.ID, "top.txt", "top")
	outside := f.put(t, nil, "outside.txt", "no")

	link, err := f.svc.Create(f.ctx, f.user.ID, []string{docs.ID}, 0, "")
	require.NoError(t, err)

	children, err := f.svc.ListChildren(f.ctx, link.Token, "", docs.ID)
	require.NoError(t, err)
	var names []string
	for _, c := range children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"sub", "top.txt"}, names)

	children, err = f.svc.ListChildren(f.ctx, link.Token, "", sub.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	rc, _, _, err := f.svc.Open(f.ctx, link.Token, "", deep.ID)
	require.NoError(t, err)
	assert.Equal(t, "deep", readAll(t, rc))

	_, _, _, err = f.svc.Open(f.ctx, link.Token, "", outside.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.ListChildren(f.ctx, link.Token, "", deep.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, _, _, err = f.svc.Open(f.ctx, link.Token, "", sub.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.tree.Trash(f.ctx, f.user.ID, sub.ID)
	require.NoError(t, err)
	_, _, _, err = f.svc.Open(f.ctx, link.Token, "", deep.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	children, err = f.svc.ListChildren(f.ctx, link.Token, "", docs.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1, "trashed children are hidden")
}

func TestTrashedTargetIsGone(t *testing.T) {
	f := newFixture(t)
	a := f.put(t, nil, "a.txt", "x")
	b := f.put(t, nil, "b.txt", "y")
	link, err := f.svc.Create(f.ctx, f.user.ID, []string{a.ID, b.ID}, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, link.Targets())

	_, err = f.tree.Trash(f.ctx, f.user.ID, a.ID)
	require.NoError(t, err)
	_, targets, err := f.svc.Resolve(f.ctx, link.Token, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, b.ID, targets[0].ID)

	_, err = f.tree.Trash(f.ctx, f.user.ID, b.ID)
	require.NoError(t, err)
	_, _, err = f.svc.Resolve(f.ctx, link.Token, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRevokeAndList(t *testing.T) {
	f := newFixture(t)
	other := metadatatest.NewUser(t, f.store)
	a := f.put(t, nil, "a.txt", "x")
	link, err := f.svc.Create(f.ctx, f.user.ID, []string{a.ID}, 0, "")
	require.NoError(t, err)

	links, err := f.svc.List(f.ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, link.Token, links[0].Token)

	assert.ErrorIs(t, f.svc.Revoke(f.ctx, other.ID, link.Token), apperr.ErrPermissionDenied)
	require.NoError(t, f.svc.Revoke(f.ctx, f.user.ID, link.Token))

	_, _, err = f.svc.Resolve(f.ctx, link.Token, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, f.svc.Revoke(f.ctx, f.user.ID, link.Token), apperr.ErrNotFound)
}
