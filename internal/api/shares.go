package api

import (
	"net/http"
	"time"

	"github.com/fruitsalade/pantry/internal/models"
)

// ─── Share Link Handlers ────────────────────────────────────────────────────

type createShareRequest struct {
	FileIDs          []string `json:"file_ids"`
	ExpiresInSeconds int64    `json:"expires_in_seconds"`
	Password         string   `json:"password"`
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if !s.decode(w, r, &req) {
		return
	}
	link, err := s.shares.Create(r.Context(), userID(r), req.FileIDs,
		time.Duration(req.ExpiresInSeconds)*time.Second, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, link)
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	links, err := s.shares.List(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if links == nil {
		links = []*models.ShareLink{}
	}
	s.sendJSON(w, http.StatusOK, links)
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	if err := s.shares.Revoke(r.Context(), userID(r), r.PathValue("token")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Public Share Handlers ──────────────────────────────────────────────────

// sharePassword reads the link password from a header, falling back to
// the query string for plain download links.
func sharePassword(r *http.Request) string {
	if p := r.Header.Get("X-Share-Password"); p != "" {
		return p
	}
	return r.URL.Query().Get("password")
}

type shareInfo struct {
	Token         string          `json:"token"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	DownloadCount int64           `json:"download_count"`
	Entries       []*models.Entry `json:"entries"`
}

func (s *Server) handleShareResolve(w http.ResponseWriter, r *http.Request) {
	link, targets, err := s.shares.Resolve(r.Context(), r.PathValue("token"), sharePassword(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, shareInfo{
		Token:         link.Token,
		ExpiresAt:     link.ExpiresAt,
		DownloadCount: link.DownloadCount,
		Entries:       targets,
	})
}

func (s *Server) handleShareChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.shares.ListChildren(r.Context(), r.PathValue("token"), sharePassword(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if children == nil {
		children = []*models.Entry{}
	}
	s.sendJSON(w, http.StatusOK, children)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	rc, n, e, err := s.shares.Open(r.Context(), r.PathValue("token"), sharePassword(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()
	serveContent(w, e, rc, n, 0, false)
}
