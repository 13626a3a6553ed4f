// Package sharing resolves public share links to the entries they expose.
// Every access re-checks the link and walks the entry's ancestry, so a
// revoked, expired or trashed share stops working immediately.
package sharing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/audit"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
)

// maxDepth bounds the ancestor walk from a requested entry to a share target.
const maxDepth = 256

// Opener streams a file's bytes on behalf of its owner.
type Opener interface {
	Open(ctx context.Context, owner, id string, offset, length int64) (io.ReadCloser, int64, *models.Entry, error)
}

// Auditor receives audit events.
type Auditor interface {
	Record(e audit.Event)
}

// Service manages share links.
type Service struct {
	store  metadata.Store
	opener Opener
	audit  Auditor
	now    func() time.Time
	log    *zap.Logger
}

// New creates a Service. audit may be nil.
func New(store metadata.Store, opener Opener, auditor Auditor) *Service {
	return &Service{
		store:  store,
		opener: opener,
		audit:  auditor,
		now:    time.Now,
		log:    logging.Named("sharing"),
	}
}

// Create shares fileIDs, which must be live entries owned by owner. A zero
// expiresIn never expires; an empty password leaves the link open.
func (s *Service) Create(ctx context.Context, owner string, fileIDs []string, expiresIn time.Duration, password string) (*models.ShareLink, error) {
	link, err := s.create(ctx, owner, fileIDs, expiresIn, password)
	id := ""
	if link != nil {
		id = link.Token
	}
	s.record("share_create", owner, id, err)
	return link, err
}

func (s *Service) create(ctx context.Context, owner string, fileIDs []string, expiresIn time.Duration, password string) (*models.ShareLink, error) {
	ids := dedupe(fileIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("share needs at least one entry: %w", apperr.ErrInvalid)
	}
	if expiresIn < 0 {
		return nil, fmt.Errorf("negative expiry: %w", apperr.ErrInvalid)
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	link := &models.ShareLink{
		Token:     token,
		FileID:    ids[0],
		UserID:    owner,
		CreatedAt: now,
	}
	if len(ids) > 1 {
		link.FileIDs = ids
	}
	if expiresIn > 0 {
		t := now.Add(expiresIn)
		link.ExpiresAt = &t
	}
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		link.PasswordHash = string(hashed)
		link.HasPassword = true
	}

	err = s.store.InTx(ctx, func(q metadata.Queries) error {
		for _, id := range ids {
			e, err := q.GetEntry(ctx, id)
			if err != nil {
				return err
			}
			if e.OwnerID != owner {
				return fmt.Errorf("share %s: %w", id, apperr.ErrPermissionDenied)
			}
			if e.Trashed() {
				return fmt.Errorf("share %s: entry is in the trash: %w", id, apperr.ErrNotFound)
			}
		}
		return q.InsertShareLink(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("share link created",
		zap.String("owner", owner), zap.Int("entries", len(ids)),
		zap.Bool("password", link.HasPassword), zap.Bool("expires", link.ExpiresAt != nil))
	return link, nil
}

// Resolve checks token and password and returns the link with its live
// targets. A link whose targets are all gone is NotFound.
func (s *Service) Resolve(ctx context.Context, token, password string) (*models.ShareLink, []*models.Entry, error) {
	link, err := s.access(ctx, token, password)
	if err != nil {
		return nil, nil, err
	}
	var targets []*models.Entry
	for _, id := range link.Targets() {
		e, err := s.store.GetEntry(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if e.Trashed() || e.OwnerID != link.UserID {
			continue
		}
		targets = append(targets, e)
	}
	if len(targets) == 0 {
		metrics.RecordShareAccess("gone")
		return nil, nil, fmt.Errorf("share %s: nothing left to share: %w", token, apperr.ErrNotFound)
	}
	metrics.RecordShareAccess("ok")
	return link, targets, nil
}

// ListChildren lists the live direct children of folderID, which must be a
// shared folder or lie beneath one.
func (s *Service) ListChildren(ctx context.Context, token, password, folderID string) ([]*models.Entry, error) {
	link, err := s.access(ctx, token, password)
	if err != nil {
		return nil, err
	}
	f, err := s.authorize(ctx, link, folderID)
	if err != nil {
		return nil, err
	}
	if !f.IsFolder() {
		return nil, fmt.Errorf("%s is not a folder: %w", folderID, apperr.ErrInvalid)
	}
	children, err := s.store.ListChildren(ctx, metadata.ChildQuery{
		OwnerID:  link.UserID,
		Location: f.Location,
		ParentID: &f.ID,
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordShareAccess("ok")
	return children, nil
}

// Open streams a shared file and counts the download.
func (s *Service) Open(ctx context.Context, token, password, fileID string) (io.ReadCloser, int64, *models.Entry, error) {
	link, err := s.access(ctx, token, password)
	if err != nil {
		return nil, 0, nil, err
	}
	e, err := s.authorize(ctx, link, fileID)
	if err != nil {
		return nil, 0, nil, err
	}
	if e.IsFolder() {
		return nil, 0, nil, fmt.Errorf("%s is a folder: %w", fileID, apperr.ErrInvalid)
	}
	rc, size, e, err := s.opener.Open(ctx, link.UserID, e.ID, 0, 0)
	if err != nil {
		return nil, 0, nil, err
	}
	if err := s.store.IncrementShareDownloads(ctx, link.Token); err != nil {
		s.log.Warn("count share download", zap.String("token", link.Token), zap.Error(err))
	}
	metrics.RecordShareAccess("download")
	return rc, size, e, nil
}

// Revoke deletes a link. Only its creator may revoke it.
func (s *Service) Revoke(ctx context.Context, owner, token string) error {
	err := s.store.InTx(ctx, func(q metadata.Queries) error {
		link, err := q.GetShareLink(ctx, token)
		if err != nil {
			return err
		}
		if link.UserID != owner {
			return fmt.Errorf("revoke share %s: %w", token, apperr.ErrPermissionDenied)
		}
		return q.DeleteShareLink(ctx, token)
	})
	s.record("share_revoke", owner, token, err)
	return err
}

// List returns owner's links, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]*models.ShareLink, error) {
	return s.store.ListShareLinks(ctx, owner)
}

// access loads a link and checks its expiry and password.
func (s *Service) access(ctx context.Context, token, password string) (*models.ShareLink, error) {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			metrics.RecordShareAccess("not_found")
		}
		return nil, err
	}
	if link.Expired(s.now()) {
		metrics.RecordShareAccess("expired")
		return nil, fmt.Errorf("share %s: %w", token, apperr.ErrExpired)
	}
	if link.HasPassword {
		if password == "" || bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)) != nil {
			metrics.RecordShareAccess("bad_password")
			return nil, fmt.Errorf("share %s: %w", token, apperr.ErrPermissionDenied)
		}
	}
	return link, nil
}

// authorize returns id's entry if it is a live target of link or a live
// descendant of one.
func (s *Service) authorize(ctx context.Context, link *models.ShareLink, id string) (*models.Entry, error) {
	targets := make(map[string]bool)
	for _, t := range link.Targets() {
		targets[t] = true
	}

	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != link.UserID {
		return nil, fmt.Errorf("%s is not shared: %w", id, apperr.ErrPermissionDenied)
	}

	cur := e
	for depth := 0; ; depth++ {
		if cur.Trashed() {
			return nil, fmt.Errorf("%s: %w", id, apperr.ErrNotFound)
		}
		if targets[cur.ID] {
			return e, nil
		}
		if cur.ParentID == nil || depth >= maxDepth {
			metrics.RecordShareAccess("outside")
			return nil, fmt.Errorf("%s is not shared: %w", id, apperr.ErrPermissionDenied)
		}
		if cur, err = s.store.GetEntry(ctx, *cur.ParentID); err != nil {
			return nil, err
		}
	}
}

func (s *Service) record(action, owner, token string, err error) {
	if s.audit == nil {
		return
	}
	ev := audit.Event{Action: action, ResourceID: token, OwnerID: owner, Status: audit.StatusSuccess}
	if err != nil {
		ev.Status = audit.StatusFailure
		ev.Metadata = map[string]any{"error": apperr.Kind(err)}
	}
	s.audit.Record(ev)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// generateToken returns 16 random bytes, hex encoded.
func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
