package filetree

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metadata/postgres"
	"github.com/fruitsalade/pantry/internal/models"
)

// postgresStore opens the integration database, skipping unless
// TEST_DATABASE_URL is set.
func postgresStore(t *testing.T) metadata.Store {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := postgres.New(dbURL)
	if err != nil {
		t.Skipf("test DB not reachable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// eachStore runs fn against the in-memory store and against PostgreSQL.
func eachStore(t *testing.T, fn func(t *testing.T, env *testEnv), opts ...func(*envOptions)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newEnv(t, opts...))
	})
	t.Run("postgres", func(t *testing.T) {
		withPG := append([]func(*envOptions){withStore(postgresStore(t))}, opts...)
		fn(t, newEnv(t, withPG...))
	})
}

// together runs n calls of fn at once and returns their errors by index.
func together(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func succeeded(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}

// assertConsistent checks that no live entry sits under a trashed or
// missing parent and that every parent chain ends at the root.
func assertConsistent(t *testing.T, env *testEnv, owner string, loc models.Location) {
	t.Helper()
	all := env.namespace(owner, loc)
	byID := make(map[string]*models.Entry, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}
	for _, e := range all {
		if !e.Trashed() && e.ParentID != nil {
			p, ok := byID[*e.ParentID]
			if assert.True(t, ok, "%s has no parent row", e.Name) {
				assert.False(t, p.Trashed(), "live %s under trashed %s", e.Name, p.Name)
			}
		}
		depth := 0
		for cur := e; cur.ParentID != nil; cur = byID[*cur.ParentID] {
			if depth++; depth > MaxDepth || byID[*cur.ParentID] == nil {
				assert.LessOrEqual(t, depth, MaxDepth, "parent chain of %s does not end", e.Name)
				break
			}
		}
	}
}

func TestConcurrentUploadsRespectQuota(t *testing.T) {
	eachStore(t, func(t *testing.T, env *testEnv) {
		u := env.user.ID
		errs := together(8, func(i int) error {
			_, err := env.svc.Upload(env.ctx, UploadRequest{
				Owner: u, Name: fmt.Sprintf("f%d", i), Size: 3, Body: strings.NewReader("abc"),
			})
			return err
		})

		assert.Equal(t, 3, succeeded(errs))
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
			}
		}
		usage, err := env.svc.Usage(env.ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(9), usage.Used)
		assert.Len(t, files(t, env.managedRoot), 3, "rejected uploads leave no content")
	}, withQuota(10))
}

func TestConcurrentUploadsOfOneName(t *testing.T) {
	eachStore(t, func(t *testing.T, env *testEnv) {
		u := env.user.ID
		errs := together(8, func(i int) error {
			_, err := env.svc.Upload(env.ctx, UploadRequest{
				Owner: u, Name: "same.txt", Size: 1, Body: strings.NewReader("x"),
			})
			return err
		})
		assert.Equal(t, 1, succeeded(errs))
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrNameConflict)
			}
		}
		assert.Equal(t, []string{"same.txt"}, env.names(u, nil))
		assert.Len(t, files(t, env.managedRoot), 1)

		errs = together(8, func(i int) error {
			_, err := env.svc.Upload(env.ctx, UploadRequest{
				Owner: u, Name: "renamed.txt", Size: 1, Body: strings.NewReader("x"), AutoRename: true,
			})
			return err
		})
		assert.Equal(t, 8, succeeded(errs))
		names := env.names(u, nil)
		seen := map[string]bool{}
		for _, n := range names {
			assert.False(t, seen[n], "duplicate name %s", n)
			seen[n] = true
		}
		assert.Len(t, names, 9)
	})
}

func TestConcurrentDriveUploadsKeepTheirContent(t *testing.T) {
	env := newEnv(t)
	u, dir := env.driveUser()

	ids := make([]string, 6)
	errs := together(len(ids), func(i int) error {
		body := fmt.Sprintf("body-%d", i)
		e, err := env.svc.Upload(env.ctx, UploadRequest{
			Owner: u.ID, Name: "x.txt", Size: int64(len(body)), Body: strings.NewReader(body), AutoRename: true,
		})
		if err == nil {
			ids[i] = e.ID
		}
		return err
	})
	require.Equal(t, len(ids), succeeded(errs))
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("body-%d", i), env.read(u.ID, id))
	}
	assert.Len(t, files(t, dir), len(ids))

	// Without renaming one writer wins and its content survives the others'
	// cleanup.
	winner := -1
	errs = together(6, func(i int) error {
		body := fmt.Sprintf("only-%d", i)
		e, err := env.svc.Upload(env.ctx, UploadRequest{
			Owner: u.ID, Name: "y.txt", Size: int64(len(body)), Body: strings.NewReader(body),
		})
		if err == nil {
			winner = i
			ids[0] = e.ID
		}
		return err
	})
	require.Equal(t, 1, succeeded(errs))
	assert.Equal(t, fmt.Sprintf("only-%d", winner), env.read(u.ID, ids[0]))
}

func TestConcurrentCrossMoves(t *testing.T) {
	eachStore(t, func(t *testing.T, env *testEnv) {
		u := env.user.ID
		for i := 0; i < 10; i++ {
			a := env.mkdir(u, nil, fmt.Sprintf("a%d", i))
			b := env.mkdir(u, nil, fmt.Sprintf("b%d", i))
			errs := together(2, func(n int) error {
				src, dst := a, b
				if n == 1 {
					src, dst = b, a
				}
				_, err := env.svc.Move(env.ctx, u, src.ID, &dst.ID, false)
				return err
			})
			require.Equal(t, 1, succeeded(errs), "round %d: %v", i, errs)
			for _, err := range errs {
				if err != nil {
					assert.ErrorIs(t, err, apperr.ErrCycle)
				}
			}
		}
		assertConsistent(t, env, u, models.LocationManaged)
	})
}

func TestUploadBesideTrash(t *testing.T) {
	eachStore(t, func(t *testing.T, env *testEnv) {
		u := env.user.ID
		for i := 0; i < 10; i++ {
			docs := env.mkdir(u, nil, fmt.Sprintf("docs%d", i))
			errs := together(2, func(n int) error {
				if n == 0 {
					_, err := env.svc.Trash(env.ctx, u, docs.ID)
					return err
				}
				_, err := env.svc.Upload(env.ctx, UploadRequest{
					Owner: u, ParentID: &docs.ID, Name: "a.txt", Size: 1, Body: strings.NewReader("x"),
				})
				return err
			})
			require.NoError(t, errs[0])
			if errs[1] != nil {
				assert.ErrorIs(t, errs[1], apperr.ErrNotFound)
			}
		}
		assertConsistent(t, env, u, models.LocationManaged)
	})
}

func TestPurgeBesideRestore(t *testing.T) {
	eachStore(t, func(t *testing.T, env *testEnv) {
		u := env.user.ID
		for i := 0; i < 10; i++ {
			docs := env.mkdir(u, nil, fmt.Sprintf("docs%d", i))
			f := env.put(u, &docs.ID, "a.txt", "hello")
			_, err := env.svc.Trash(env.ctx, u, docs.ID)
			require.NoError(t, err)

			errs := together(2, func(n int) error {
				if n == 0 {
					_, err := env.svc.PurgeTrashed(env.ctx, docs.ID)
					return err
				}
				_, err := env.svc.Restore(env.ctx, u, docs.ID)
				return err
			})
			require.Equal(t, 1, succeeded(errs), "round %d: %v", i, errs)

			got, err := env.store.GetEntry(env.ctx, f.ID)
			if errs[1] == nil {
				require.NoError(t, err)
				assert.False(t, got.Trashed())
				assert.Equal(t, "hello", env.read(u, f.ID))
				assert.ErrorIs(t, errs[0], apperr.ErrInvariant)
			} else {
				assert.ErrorIs(t, err, apperr.ErrNotFound)
				assert.ErrorIs(t, errs[1], apperr.ErrNotFound)
			}
		}
		assertConsistent(t, env, u, models.LocationManaged)
	})
}

// meddlingStore hands the first trash root it lists to meanwhile before
// returning, as a request racing the caller would.
type meddlingStore struct {
	metadata.Store
	meanwhile func(id string)
	once      sync.Once
}

func (m *meddlingStore) ListTrashRoots(ctx context.Context, q metadata.TrashQuery) ([]*models.Entry, error) {
	roots, err := m.Store.ListTrashRoots(ctx, q)
	if err == nil && len(roots) > 0 {
		m.once.Do(func() { m.meanwhile(roots[0].ID) })
	}
	return roots, err
}

func TestEmptyTrashSkipsRootsThatLeftMeanwhile(t *testing.T) {
	for name, meddle := range map[string]func(env *testEnv, id string) error{
		"purged": func(env *testEnv, id string) error {
			_, err := env.svc.PurgeTrashed(env.ctx, id)
			return err
		},
		"restored": func(env *testEnv, id string) error {
			_, err := env.svc.Restore(env.ctx, env.user.ID, id)
			return err
		},
	} {
		t.Run(name, func(t *testing.T) {
			env := newEnv(t)
			u := env.user.ID
			for _, n := range []string{"a", "b", "c"} {
				f := env.put(u, nil, n, n)
				_, err := env.svc.Trash(env.ctx, u, f.ID)
				require.NoError(t, err)
			}

			var touched string
			ms := &meddlingStore{Store: env.store, meanwhile: func(id string) {
				touched = id
				assert.NoError(t, meddle(env, id))
			}}
			rep, err := New(Config{Store: ms, Backends: env.router}).EmptyTrash(env.ctx, u)
			require.NoError(t, err)
			assert.Zero(t, rep.Failed)
			assert.Equal(t, 2, rep.Roots)

			left := env.namespace(u, models.LocationManaged)
			if name == "restored" {
				require.Len(t, left, 1)
				assert.Equal(t, touched, left[0].ID)
				assert.False(t, left[0].Trashed())
				return
			}
			assert.Empty(t, left)
			assert.Empty(t, files(t, env.managedRoot))
		})
	}
}
