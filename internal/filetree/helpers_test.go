package filetree

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/audit"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metadata/memory"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/quota"
	"github.com/fruitsalade/pantry/internal/retry"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/storage/local"
	"github.com/fruitsalade/pantry/internal/storage/provider"
)

// faultBackend counts calls and fails selected ones.
type faultBackend struct {
	storage.Backend

	mu         sync.Mutex
	puts       int
	copies     int
	failPut    bool
	failDelete bool
	failCopyAt int // fail the n-th copy, 1-based; 0 never
}

func (f *faultBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (*storage.ObjectInfo, error) {
	f.mu.Lock()
	f.puts++
	fail := f.failPut
	f.mu.Unlock()
	if fail {
		return nil, apperr.ErrIO
	}
	return f.Backend.PutObject(ctx, key, body, size)
}

func (f *faultBackend) CopyObject(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	f.copies++
	fail := f.failCopyAt != 0 && f.copies == f.failCopyAt
	f.mu.Unlock()
	if fail {
		return apperr.ErrIO
	}
	return f.Backend.CopyObject(ctx, src, dst)
}

func (f *faultBackend) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return apperr.ErrIO
	}
	return f.Backend.DeleteObject(ctx, key)
}

type fixedSettings struct{ maxUpload int64 }

func (f fixedSettings) Get(context.Context) (models.AppSettings, error) {
	return models.AppSettings{MaxUploadSize: f.maxUpload}, nil
}

type auditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditLog) Record(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		out = append(out, e.Action+":"+e.Status)
	}
	return out
}

type testEnv struct {
	t           *testing.T
	ctx         context.Context
	store       metadata.Store
	router      *provider.Router
	managed     *faultBackend
	managedRoot string
	svc         *Service
	events      *events.Broadcaster
	audit       *auditLog
	user        *models.User
}

type envOptions struct {
	quota     int64
	maxUpload int64
	store     metadata.Store
}

func newEnv(t *testing.T, opts ...func(*envOptions)) *testEnv {
	t.Helper()
	var o envOptions
	for _, fn := range opts {
		fn(&o)
	}

	root := t.TempDir()
	lb, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)
	fb := &faultBackend{Backend: lb}
	if o.store == nil {
		o.store = memory.New()
	}
	router := provider.NewRouter(fb, 0)
	t.Cleanup(func() { router.Close() })

	env := &testEnv{
		t:           t,
		ctx:         context.Background(),
		store:       o.store,
		router:      router,
		managed:     fb,
		managedRoot: root,
		events:      events.NewBroadcaster(),
		audit:       &auditLog{},
	}
	env.svc = New(Config{
		Store:    env.store,
		Backends: router,
		Quota:    quota.New(o.quota),
		Settings: fixedSettings{maxUpload: o.maxUpload},
		Events:   env.events,
		Audit:    env.audit,
	})
	env.svc.cleanup = retry.Config{MaxAttempts: 1}
	env.user = env.newUser(time.Now().Add(-time.Hour))
	return env
}

func withQuota(n int64) func(*envOptions)          { return func(o *envOptions) { o.quota = n } }
func withMaxUpload(n int64) func(*envOptions)      { return func(o *envOptions) { o.maxUpload = n } }
func withStore(s metadata.Store) func(*envOptions) { return func(o *envOptions) { o.store = s } }

func (e *testEnv) newUser(created time.Time) *models.User {
	e.t.Helper()
	u := &models.User{ID: uuid.NewString(), Username: "user-" + uuid.NewString()[:8], CreatedAt: created}
	require.NoError(e.t, e.store.CreateUser(e.ctx, u))
	return u
}

// driveUser creates a user whose active location is a fresh host directory.
func (e *testEnv) driveUser() (*models.User, string) {
	e.t.Helper()
	dir := e.t.TempDir()
	u := e.newUser(time.Now())
	u.CustomDriveEnabled = true
	u.CustomDrivePath = dir
	require.NoError(e.t, e.store.UpdateUser(e.ctx, u))
	return u, dir
}

func (e *testEnv) mkdir(owner string, parent *string, name string) *models.Entry {
	e.t.Helper()
	f, err := e.svc.CreateFolder(e.ctx, owner, parent, name, false)
	require.NoError(e.t, err)
	return f
}

func (e *testEnv) put(owner string, parent *string, name, content string) *models.Entry {
	e.t.Helper()
	f, err := e.svc.Upload(e.ctx, UploadRequest{
		Owner:    owner,
		ParentID: parent,
		Name:     name,
		Size:     int64(len(content)),
		Body:     strings.NewReader(content),
	})
	require.NoError(e.t, err)
	return f
}

func (e *testEnv) read(owner, id string) string {
	e.t.Helper()
	rc, _, _, err := e.svc.Open(e.ctx, owner, id, 0, 0)
	require.NoError(e.t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = io.Copy(&buf, rc)
	require.NoError(e.t, err)
	return buf.String()
}

func (e *testEnv) get(id string) *models.Entry {
	e.t.Helper()
	got, err := e.store.GetEntry(e.ctx, id)
	require.NoError(e.t, err)
	return got
}

func (e *testEnv) names(owner string, parent *string) []string {
	e.t.Helper()
	es, err := e.svc.List(e.ctx, owner, ListQuery{ParentID: parent})
	require.NoError(e.t, err)
	var out []string
	for _, x := range es {
		out = append(out, x.Name)
	}
	return out
}

func (e *testEnv) namespace(owner string, loc models.Location) []*models.Entry {
	e.t.Helper()
	es, err := e.store.ListNamespace(e.ctx, owner, loc)
	require.NoError(e.t, err)
	return es
}

// files lists regular files under dir, relative and slash separated.
func files(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(dir, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
