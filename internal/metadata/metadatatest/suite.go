// Package metadatatest holds a conformance suite every metadata.Store must pass.
package metadatatest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
)

// Opener returns an empty store for one subtest.
type Opener func(t *testing.T) metadata.Store

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s metadata.Store)
	}{
		{"LiveNameUnique", testLiveNameUnique},
		{"FileAndFolderMayShareName", testFileAndFolderMayShareName},
		{"StorageKeyUnique", testStorageKeyUnique},
		{"DeleteFolderWithChildren", testDeleteFolderWithChildren},
		{"TrashRoots", testTrashRoots},
		{"TxRollback", testTxRollback},
		{"UserLock", testUserLock},
		{"DrivePathCaseInsensitive", testDrivePathCaseInsensitive},
		{"ShareCascade", testShareCascade},
		{"FirstUser", testFirstUser},
		{"Settings", testSettings},
		{"StorageUsedAndRefs", testStorageUsedAndRefs},
		{"Activity", testActivity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

// NewUser inserts a user with a unique name.
func NewUser(t *testing.T, s metadata.Store) *models.User {
	t.Helper()
	u := &models.User{ID: uuid.NewString(), Username: "u-" + uuid.NewString()[:8]}
	require.NoError(t, s.CreateUser(context.Background(), u))
	got, err := s.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	return got
}

// NewEntry builds an unsaved entry.
func NewEntry(owner string, parent *string, name string, typ models.EntryType) *models.Entry {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Entry{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		ParentID:   parent,
		Name:       name,
		Type:       typ,
		Location:   models.LocationManaged,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func insert(t *testing.T, s metadata.Store, e *models.Entry) *models.Entry {
	t.Helper()
	require.NoError(t, s.InsertEntry(context.Background(), e))
	return e
}

func testLiveNameUnique(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	a := insert(t, s, NewEntry(u.ID, nil, "a.txt", models.TypeFile))

	err := s.InsertEntry(ctx, NewEntry(u.ID, nil, "a.txt", models.TypeFile))
	assert.True(t, errors.Is(err, apperr.ErrNameConflict), "got %v", err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	a.DeletedAt = &now
	require.NoError(t, s.UpdateEntry(ctx, a))
	insert(t, s, NewEntry(u.ID, nil, "a.txt", models.TypeFile))

	found, err := s.FindLiveChild(ctx, u.ID, models.LocationManaged, nil, "a.txt", models.TypeFile)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, found.ID)

	// Restoring the trashed twin collides with the live one.
	a.DeletedAt = nil
	err = s.UpdateEntry(ctx, a)
	assert.True(t, errors.Is(err, apperr.ErrNameConflict), "got %v", err)
}

func testFileAndFolderMayShareName(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	insert(t, s, NewEntry(u.ID, nil, "docs", models.TypeFolder))
	insert(t, s, NewEntry(u.ID, nil, "docs", models.TypeFile))

	_, err := s.FindLiveChild(ctx, u.ID, models.LocationManaged, nil, "docs", "")
	assert.NoError(t, err)
	_, err = s.FindLiveChild(ctx, u.ID, models.LocationManaged, nil, "nope", "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func testStorageKeyUnique(t *testing.T, s metadata.Store) {
	u := NewUser(t, s)
	a := NewEntry(u.ID, nil, "a", models.TypeFile)
	a.StorageKey = models.StringPtr("k/1")
	insert(t, s, a)

	b := NewEntry(u.ID, nil, "b", models.TypeFile)
	b.StorageKey = models.StringPtr("k/1")
	err := s.InsertEntry(context.Background(), b)
	assert.True(t, errors.Is(err, apperr.ErrNameConflict), "got %v", err)
}

func testDeleteFolderWithChildren(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	dir := insert(t, s, NewEntry(u.ID, nil, "dir", models.TypeFolder))
	child := insert(t, s, NewEntry(u.ID, &dir.ID, "c", models.TypeFile))

	err := s.DeleteEntry(ctx, dir.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvariant), "got %v", err)

	require.NoError(t, s.DeleteEntry(ctx, child.ID))
	require.NoError(t, s.DeleteEntry(ctx, dir.ID))

	_, err = s.GetEntry(ctx, dir.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	err = s.DeleteEntry(ctx, dir.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func testTrashRoots(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	dir := insert(t, s, NewEntry(u.ID, nil, "dir", models.TypeFolder))
	inner := insert(t, s, NewEntry(u.ID, &dir.ID, "inner", models.TypeFile))
	early := insert(t, s, NewEntry(u.ID, &dir.ID, "early", models.TypeFile))

	t1 := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	t2 := t1.Add(time.Minute)
	early.DeletedAt = &t1
	require.NoError(t, s.UpdateEntry(ctx, early))
	dir.DeletedAt = &t2
	inner.DeletedAt = &t2
	require.NoError(t, s.UpdateEntry(ctx, dir))
	require.NoError(t, s.UpdateEntry(ctx, inner))

	roots, err := s.ListTrashRoots(ctx, metadata.TrashQuery{OwnerID: u.ID})
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, early.ID, roots[0].ID)
	assert.Equal(t, dir.ID, roots[1].ID)

	cut := t1.Add(time.Second)
	roots, err = s.ListTrashRoots(ctx, metadata.TrashQuery{OwnerID: u.ID, DeletedBefore: &cut})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, early.ID, roots[0].ID)

	live, err := s.ListChildren(ctx, metadata.ChildQuery{OwnerID: u.ID, Location: models.LocationManaged, ParentID: &dir.ID})
	require.NoError(t, err)
	assert.Empty(t, live)
	all, err := s.ListChildren(ctx, metadata.ChildQuery{ParentID: &dir.ID, IncludeTrashed: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testTxRollback(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	e := NewEntry(u.ID, nil, "x", models.TypeFolder)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(q metadata.Queries) error {
		if err := q.InsertEntry(ctx, e); err != nil {
			return err
		}
		if _, err := q.GetEntry(ctx, e.ID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.GetEntry(ctx, e.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, s.InTx(ctx, func(q metadata.Queries) error {
		return q.InsertEntry(ctx, e)
	}))
	_, err = s.GetEntry(ctx, e.ID)
	assert.NoError(t, err)
}

func testUserLock(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	require.NoError(t, s.LockUser(ctx, u.ID))
	assert.True(t, errors.Is(s.LockUser(ctx, "missing"), apperr.ErrNotFound))

	// A second transaction on the same user waits for the first to finish.
	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	locked := make(chan struct{})
	release := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.InTx(ctx, func(q metadata.Queries) error {
			err := q.LockUser(ctx, u.ID)
			close(locked)
			if err != nil {
				return err
			}
			<-release
			record("first")
			return nil
		}))
	}()
	<-locked
	go func() {
		defer wg.Done()
		assert.NoError(t, s.InTx(ctx, func(q metadata.Queries) error {
			if err := q.LockUser(ctx, u.ID); err != nil {
				return err
			}
			record("second")
			return nil
		}))
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, order)
}

func testDrivePathCaseInsensitive(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	a := NewUser(t, s)
	b := NewUser(t, s)
	a.CustomDriveEnabled = true
	a.CustomDrivePath = "/srv/Drives/Alice"
	require.NoError(t, s.UpdateUser(ctx, a))

	b.CustomDriveEnabled = true
	b.CustomDrivePath = "/srv/drives/alice"
	err := s.UpdateUser(ctx, b)
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied), "got %v", err)

	users, err := s.ListDriveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, a.ID, users[0].ID)
}

func testShareCascade(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	f1 := insert(t, s, NewEntry(u.ID, nil, "f1", models.TypeFile))
	f2 := insert(t, s, NewEntry(u.ID, nil, "f2", models.TypeFile))

	single := &models.ShareLink{Token: uuid.NewString(), FileID: f1.ID, UserID: u.ID}
	bulk := &models.ShareLink{Token: uuid.NewString(), FileID: f2.ID, UserID: u.ID, FileIDs: []string{f1.ID, f2.ID}}
	require.NoError(t, s.InsertShareLink(ctx, single))
	require.NoError(t, s.InsertShareLink(ctx, bulk))

	got, err := s.GetShareLink(ctx, bulk.Token)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{f1.ID, f2.ID}, got.Targets())

	require.NoError(t, s.DeleteEntry(ctx, f1.ID))
	_, err = s.GetShareLink(ctx, single.Token)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	got, err = s.GetShareLink(ctx, bulk.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{f2.ID}, got.Targets())

	require.NoError(t, s.IncrementShareDownloads(ctx, bulk.Token))
	got, err = s.GetShareLink(ctx, bulk.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.DownloadCount)

	require.NoError(t, s.DeleteShareLink(ctx, bulk.Token))
	links, err := s.ListShareLinks(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func testFirstUser(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	_, err := s.FirstUserID(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	early := &models.User{ID: uuid.NewString(), Username: "early", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	late := &models.User{ID: uuid.NewString(), Username: "late", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(ctx, late))
	require.NoError(t, s.CreateUser(ctx, early))

	id, err := s.FirstUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, early.ID, id)

	err = s.CreateUser(ctx, &models.User{ID: uuid.NewString(), Username: "early"})
	assert.True(t, errors.Is(err, apperr.ErrNameConflict))
}

func testSettings(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, got.SignupEnabled)

	got.MaxUploadSize = 1 << 20
	got.SignupEnabled = false
	got.EditorURL = "https://docs.example.com"
	require.NoError(t, s.SaveSettings(ctx, got))

	again, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1<<20, again.MaxUploadSize)
	assert.False(t, again.SignupEnabled)
	assert.Equal(t, "https://docs.example.com", again.EditorURL)
}

func testStorageUsedAndRefs(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := NewUser(t, s)
	for i, size := range []int64{10, 20, 30} {
		e := NewEntry(u.ID, nil, uuid.NewString(), models.TypeFile)
		e.Size = size
		e.StorageKey = models.StringPtr(u.ID + "/" + e.ID)
		if i == 2 {
			now := time.Now().UTC().Truncate(time.Microsecond)
			e.DeletedAt = &now
		}
		insert(t, s, e)
	}
	drive := NewEntry(u.ID, nil, "outside", models.TypeFile)
	drive.Location = models.LocationDrive
	drive.Size = 1000
	drive.StorageKey = models.StringPtr("outside")
	insert(t, s, drive)

	used, err := s.StorageUsed(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 60, used)

	var refs []metadata.StorageRef
	after := ""
	for {
		page, err := s.ListStorageRefs(ctx, models.LocationManaged, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		refs = append(refs, page...)
		after = page[len(page)-1].EntryID
	}
	assert.Len(t, refs, 3)
	trashed := 0
	for _, r := range refs {
		if r.Trashed {
			trashed++
		}
	}
	assert.Equal(t, 1, trashed)
}

func testActivity(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertActivity(ctx, &models.ActivityEntry{UserID: "u1", Action: "trash", ResourceID: "e1", Status: "success",
		Details: map[string]any{"name": "a.txt"}}))
	require.NoError(t, s.InsertActivity(ctx, &models.ActivityEntry{UserID: "u2", Action: "upload", Status: "success"}))

	got, err := s.ListActivity(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "trash", got[0].Action)
	assert.Equal(t, "a.txt", got[0].Details["name"])

	all, err := s.ListActivity(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "upload", all[0].Action)
}
