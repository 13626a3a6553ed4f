// Package memory provides an in-process metadata store.
//
// Transactions run against a copy of the state under one mutex and are
// swapped in on success, so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/models"
)

type state struct {
	entries      map[string]*models.Entry
	users        map[string]*models.User
	settings     *models.AppSettings
	shares       map[string]*models.ShareLink
	activity     []*models.ActivityEntry
	nextActivity int64
}

func newState() *state {
	return &state{
		entries: make(map[string]*models.Entry),
		users:   make(map[string]*models.User),
		shares:  make(map[string]*models.ShareLink),
	}
}

func (st *state) clone() *state {
	c := newState()
	for id, e := range st.entries {
		c.entries[id] = e.Clone()
	}
	for id, u := range st.users {
		c.users[id] = cloneUser(u)
	}
	for tok, l := range st.shares {
		c.shares[tok] = cloneShare(l)
	}
	if st.settings != nil {
		s := *st.settings
		c.settings = &s
	}
	c.activity = append(c.activity, st.activity...)
	c.nextActivity = st.nextActivity
	return c
}

// Store is an in-memory metadata.Store.
type Store struct {
	*tx
	mu sync.Mutex
	st *state
}

var _ metadata.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{st: newState()}
	s.tx = &tx{st: s.st, mu: &s.mu}
	return s
}

// InTx runs fn against a private copy of the state and commits it if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(q metadata.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	*s.st = *work
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// tx implements metadata.Queries. Outside a transaction mu guards each call.
type tx struct {
	st *state
	mu *sync.Mutex
}

func (t *tx) enter() func() {
	if t.mu == nil {
		return func() {}
	}
	t.mu.Lock()
	return t.mu.Unlock
}

// ─── Entries ────────────────────────────────────────────────────────────────

func (t *tx) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	defer t.enter()()
	e, ok := t.st.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, apperr.ErrNotFound)
	}
	return e.Clone(), nil
}

func (t *tx) FindLiveChild(ctx context.Context, ownerID string, loc models.Location, parentID *string, name string, typ models.EntryType) (*models.Entry, error) {
	defer t.enter()()
	for _, e := range t.st.entries {
		if e.DeletedAt != nil || e.OwnerID != ownerID || e.Location != loc || e.Name != name {
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		if models.SameParent(e.ParentID, parentID) {
			return e.Clone(), nil
		}
	}
	return nil, fmt.Errorf("child %q: %w", name, apperr.ErrNotFound)
}

func (t *tx) ListChildren(ctx context.Context, q metadata.ChildQuery) ([]*models.Entry, error) {
	defer t.enter()()
	var out []*models.Entry
	for _, e := range t.st.entries {
		if !models.SameParent(e.ParentID, q.ParentID) {
			continue
		}
		if q.ParentID == nil && (e.OwnerID != q.OwnerID || e.Location != q.Location) {
			continue
		}
		if !q.IncludeTrashed && e.DeletedAt != nil {
			continue
		}
		out = append(out, e.Clone())
	}
	sortListing(out)
	return page(out, q.Limit, q.Offset), nil
}

func (t *tx) ListStarred(ctx context.Context, ownerID string, loc models.Location, limit, offset int) ([]*models.Entry, error) {
	defer t.enter()()
	var out []*models.Entry
	for _, e := range t.st.entries {
		if e.Starred && e.DeletedAt == nil && e.OwnerID == ownerID && e.Location == loc {
			out = append(out, e.Clone())
		}
	}
	sortListing(out)
	return page(out, limit, offset), nil
}

func (t *tx) ListTrashRoots(ctx context.Context, q metadata.TrashQuery) ([]*models.Entry, error) {
	defer t.enter()()
	var out []*models.Entry
	for _, e := range t.st.entries {
		if e.DeletedAt == nil {
			continue
		}
		if q.OwnerID != "" && e.OwnerID != q.OwnerID {
			continue
		}
		if q.Location != "" && e.Location != q.Location {
			continue
		}
		if q.DeletedBefore != nil && !e.DeletedAt.Before(*q.DeletedBefore) {
			continue
		}
		if e.ParentID != nil {
			if p, ok := t.st.entries[*e.ParentID]; ok && p.DeletedAt != nil && p.DeletedAt.Equal(*e.DeletedAt) {
				continue
			}
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeletedAt.Equal(*out[j].DeletedAt) {
			return out[i].DeletedAt.Before(*out[j].DeletedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, q.Limit, q.Offset), nil
}

func (t *tx) ListNamespace(ctx context.Context, ownerID string, loc models.Location) ([]*models.Entry, error) {
	defer t.enter()()
	var out []*models.Entry
	for _, e := range t.st.entries {
		if e.OwnerID == ownerID && e.Location == loc {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) InsertEntry(ctx context.Context, e *models.Entry) error {
	defer t.enter()()
	if _, ok := t.st.entries[e.ID]; ok {
		return fmt.Errorf("insert entry %s: %w", e.ID, apperr.ErrNameConflict)
	}
	if err := t.checkEntry(e); err != nil {
		return fmt.Errorf("insert entry %s: %w", e.ID, err)
	}
	t.st.entries[e.ID] = e.Clone()
	return nil
}

func (t *tx) UpdateEntry(ctx context.Context, e *models.Entry) error {
	defer t.enter()()
	if _, ok := t.st.entries[e.ID]; !ok {
		return fmt.Errorf("update entry %s: %w", e.ID, apperr.ErrNotFound)
	}
	if err := t.checkEntry(e); err != nil {
		return fmt.Errorf("update entry %s: %w", e.ID, err)
	}
	t.st.entries[e.ID] = e.Clone()
	return nil
}

// checkEntry applies the constraints the postgres schema declares.
func (t *tx) checkEntry(e *models.Entry) error {
	if _, ok := t.st.users[e.OwnerID]; !ok {
		return fmt.Errorf("owner %s does not exist: %w", e.OwnerID, apperr.ErrInvariant)
	}
	if e.ParentID != nil {
		if _, ok := t.st.entries[*e.ParentID]; !ok {
			return fmt.Errorf("parent %s does not exist: %w", *e.ParentID, apperr.ErrInvariant)
		}
	}
	for _, o := range t.st.entries {
		if o.ID == e.ID || o.OwnerID != e.OwnerID || o.Type != e.Type {
			continue
		}
		if e.DeletedAt == nil && o.DeletedAt == nil && o.Location == e.Location &&
			o.Name == e.Name && models.SameParent(o.ParentID, e.ParentID) {
			return fmt.Errorf("name %q taken: %w", e.Name, apperr.ErrNameConflict)
		}
		if e.StorageKey != nil && o.StorageKey != nil && *o.StorageKey == *e.StorageKey {
			return fmt.Errorf("storage key %q taken: %w", *e.StorageKey, apperr.ErrNameConflict)
		}
	}
	return nil
}

func (t *tx) DeleteEntry(ctx context.Context, id string) error {
	defer t.enter()()
	if _, ok := t.st.entries[id]; !ok {
		return fmt.Errorf("delete entry %s: %w", id, apperr.ErrNotFound)
	}
	for _, o := range t.st.entries {
		if o.ParentID != nil && *o.ParentID == id {
			return fmt.Errorf("delete entry %s: still has children: %w", id, apperr.ErrInvariant)
		}
	}
	t.dropEntries(map[string]bool{id: true})
	return nil
}

func (t *tx) DeleteNamespace(ctx context.Context, ownerID string, loc models.Location) (int64, error) {
	defer t.enter()()
	ids := make(map[string]bool)
	for id, e := range t.st.entries {
		if e.OwnerID == ownerID && e.Location == loc {
			ids[id] = true
		}
	}
	t.dropEntries(ids)
	return int64(len(ids)), nil
}

// dropEntries removes rows and cascades to the share tables.
func (t *tx) dropEntries(ids map[string]bool) {
	for id := range ids {
		delete(t.st.entries, id)
	}
	for tok, l := range t.st.shares {
		if ids[l.FileID] {
			delete(t.st.shares, tok)
			continue
		}
		kept := l.FileIDs[:0]
		for _, fid := range l.FileIDs {
			if !ids[fid] {
				kept = append(kept, fid)
			}
		}
		l.FileIDs = kept
	}
}

func (t *tx) StorageUsed(ctx context.Context, ownerID string) (int64, error) {
	defer t.enter()()
	var used int64
	for _, e := range t.st.entries {
		if e.OwnerID == ownerID && e.Type == models.TypeFile && e.Location == models.LocationManaged {
			used += e.Size
		}
	}
	return used, nil
}

func (t *tx) ListStorageRefs(ctx context.Context, loc models.Location, afterID string, limit int) ([]metadata.StorageRef, error) {
	defer t.enter()()
	var out []metadata.StorageRef
	for _, e := range t.st.entries {
		if e.Type != models.TypeFile || e.Location != loc || e.StorageKey == nil || e.ID <= afterID {
			continue
		}
		out = append(out, metadata.StorageRef{
			EntryID:   e.ID,
			OwnerID:   e.OwnerID,
			Key:       *e.StorageKey,
			Trashed:   e.DeletedAt != nil,
			CreatedAt: e.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── Users ──────────────────────────────────────────────────────────────────

func (t *tx) GetUser(ctx context.Context, id string) (*models.User, error) {
	defer t.enter()()
	u, ok := t.st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	return cloneUser(u), nil
}

// LockUser only checks existence; transactions are already serial.
func (t *tx) LockUser(ctx context.Context, id string) error {
	defer t.enter()()
	if _, ok := t.st.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (t *tx) CreateUser(ctx context.Context, u *models.User) error {
	defer t.enter()()
	if _, ok := t.st.users[u.ID]; ok {
		return fmt.Errorf("create user %s: %w", u.ID, apperr.ErrNameConflict)
	}
	for _, o := range t.st.users {
		if o.Username == u.Username {
			return fmt.Errorf("username %q taken: %w", u.Username, apperr.ErrNameConflict)
		}
	}
	if err := t.checkDrivePath(u); err != nil {
		return err
	}
	c := cloneUser(u)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.st.users[u.ID] = c
	return nil
}

func (t *tx) UpdateUser(ctx context.Context, u *models.User) error {
	defer t.enter()()
	if _, ok := t.st.users[u.ID]; !ok {
		return fmt.Errorf("update user %s: %w", u.ID, apperr.ErrNotFound)
	}
	if err := t.checkDrivePath(u); err != nil {
		return err
	}
	created := t.st.users[u.ID].CreatedAt
	c := cloneUser(u)
	c.CreatedAt = created
	t.st.users[u.ID] = c
	return nil
}

func (t *tx) checkDrivePath(u *models.User) error {
	if u.CustomDrivePath == "" {
		return nil
	}
	for _, o := range t.st.users {
		if o.ID != u.ID && strings.EqualFold(o.CustomDrivePath, u.CustomDrivePath) {
			return fmt.Errorf("custom drive path in use: %w", apperr.ErrPermissionDenied)
		}
	}
	return nil
}

func (t *tx) FirstUserID(ctx context.Context) (string, error) {
	defer t.enter()()
	var first *models.User
	for _, u := range t.st.users {
		if first == nil || u.CreatedAt.Before(first.CreatedAt) ||
			(u.CreatedAt.Equal(first.CreatedAt) && u.ID < first.ID) {
			first = u
		}
	}
	if first == nil {
		return "", fmt.Errorf("first user: %w", apperr.ErrNotFound)
	}
	return first.ID, nil
}

func (t *tx) ListDriveUsers(ctx context.Context) ([]*models.User, error) {
	defer t.enter()()
	var out []*models.User
	for _, u := range t.st.users {
		if u.CustomDriveEnabled && u.CustomDrivePath != "" {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ─── Settings ───────────────────────────────────────────────────────────────

func (t *tx) GetSettings(ctx context.Context) (*models.AppSettings, error) {
	defer t.enter()()
	if t.st.settings == nil {
		s := models.DefaultSettings()
		return &s, nil
	}
	s := *t.st.settings
	return &s, nil
}

func (t *tx) SaveSettings(ctx context.Context, s *models.AppSettings) error {
	defer t.enter()()
	c := *s
	c.UpdatedAt = time.Now().UTC()
	t.st.settings = &c
	return nil
}

// ─── Share links ────────────────────────────────────────────────────────────

func (t *tx) InsertShareLink(ctx context.Context, l *models.ShareLink) error {
	defer t.enter()()
	if _, ok := t.st.shares[l.Token]; ok {
		return fmt.Errorf("insert share link: %w", apperr.ErrNameConflict)
	}
	for _, id := range l.Targets() {
		if _, ok := t.st.entries[id]; !ok {
			return fmt.Errorf("share target %s: %w", id, apperr.ErrInvariant)
		}
	}
	c := cloneShare(l)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.st.shares[l.Token] = c
	return nil
}

func (t *tx) GetShareLink(ctx context.Context, token string) (*models.ShareLink, error) {
	defer t.enter()()
	l, ok := t.st.shares[token]
	if !ok {
		return nil, fmt.Errorf("share link: %w", apperr.ErrNotFound)
	}
	return cloneShare(l), nil
}

func (t *tx) ListShareLinks(ctx context.Context, userID string) ([]*models.ShareLink, error) {
	defer t.enter()()
	var out []*models.ShareLink
	for _, l := range t.st.shares {
		if l.UserID == userID {
			out = append(out, cloneShare(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) DeleteShareLink(ctx context.Context, token string) error {
	defer t.enter()()
	if _, ok := t.st.shares[token]; !ok {
		return fmt.Errorf("share link: %w", apperr.ErrNotFound)
	}
	delete(t.st.shares, token)
	return nil
}

func (t *tx) IncrementShareDownloads(ctx context.Context, token string) error {
	defer t.enter()()
	l, ok := t.st.shares[token]
	if !ok {
		return fmt.Errorf("share link: %w", apperr.ErrNotFound)
	}
	l.DownloadCount++
	return nil
}

// ─── Activity ───────────────────────────────────────────────────────────────

func (t *tx) InsertActivity(ctx context.Context, a *models.ActivityEntry) error {
	defer t.enter()()
	t.st.nextActivity++
	c := *a
	c.ID = t.st.nextActivity
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.st.activity = append(t.st.activity, &c)
	return nil
}

func (t *tx) ListActivity(ctx context.Context, userID string, limit int) ([]*models.ActivityEntry, error) {
	defer t.enter()()
	var out []*models.ActivityEntry
	for i := len(t.st.activity) - 1; i >= 0; i-- {
		a := t.st.activity[i]
		if userID != "" && a.UserID != userID {
			continue
		}
		c := *a
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func sortListing(es []*models.Entry) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

func page(es []*models.Entry, limit, offset int) []*models.Entry {
	if offset > 0 {
		if offset >= len(es) {
			return nil
		}
		es = es[offset:]
	}
	if limit > 0 && len(es) > limit {
		es = es[:limit]
	}
	return es
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.StorageLimit != nil {
		l := *u.StorageLimit
		c.StorageLimit = &l
	}
	return &c
}

func cloneShare(l *models.ShareLink) *models.ShareLink {
	c := *l
	c.FileIDs = append([]string(nil), l.FileIDs...)
	if l.ExpiresAt != nil {
		e := *l.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}
