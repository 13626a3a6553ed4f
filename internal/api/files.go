package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/models"
)

// ─── Tree Handlers ──────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.tree.List(r.Context(), userID(r), filetree.ListQuery{
		ParentID: optionalID(r, "parent_id"),
		Starred:  queryBool(r, "starred"),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.Entry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.tree.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

type createFolderRequest struct {
	ParentID   *string `json:"parent_id"`
	Name       string  `json:"name"`
	AutoRename bool    `json:"auto_rename"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.tree.CreateFolder(r.Context(), userID(r), req.ParentID, req.Name, req.AutoRename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, f)
}

// handleUpload takes the raw body. Name and parent come from the query so
// the body can stream straight to storage.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		s.sendError(w, http.StatusLengthRequired, "Content-Length required")
		return
	}
	f, err := s.tree.Upload(r.Context(), filetree.UploadRequest{
		Owner:      userID(r),
		ParentID:   optionalID(r, "parent_id"),
		Name:       r.URL.Query().Get("name"),
		Size:       r.ContentLength,
		Body:       r.Body,
		MimeType:   r.Header.Get("Content-Type"),
		AutoRename: queryBool(r, "auto_rename"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, f)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		s.sendError(w, http.StatusLengthRequired, "Content-Length required")
		return
	}
	f, err := s.tree.Upload(r.Context(), filetree.UploadRequest{
		Owner:     userID(r),
		ReplaceID: r.PathValue("id"),
		Size:      r.ContentLength,
		Body:      r.Body,
		MimeType:  r.Header.Get("Content-Type"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, f)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	owner, id := userID(r), r.PathValue("id")
	e, err := s.tree.Get(r.Context(), owner, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, length, hasRange := parseRangeHeader(r.Header.Get("Range"), e.Size)
	if !hasRange {
		offset, length = 0, 0
	}
	rc, n, e, err := s.tree.Open(r.Context(), owner, id, offset, length)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()
	serveContent(w, e, rc, n, offset, hasRange)
}

func serveContent(w http.ResponseWriter, e *models.Entry, rc io.Reader, n, offset int64, hasRange bool) {
	w.Header().Set("Content-Type", e.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", e.Name))
	if e.Checksum != "" {
		w.Header().Set("ETag", `"`+e.Checksum+`"`)
	}
	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+n-1, e.Size))
		w.WriteHeader(http.StatusPartialContent)
	}
	io.Copy(w, rc)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.tree.Rename(r.Context(), userID(r), r.PathValue("id"), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

type moveRequest struct {
	IDs        []string `json:"ids,omitempty"`
	ParentID   *string  `json:"parent_id"`
	AutoRename bool     `json:"auto_rename"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.tree.Move(r.Context(), userID(r), r.PathValue("id"), req.ParentID, req.AutoRename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.tree.Copy(r.Context(), userID(r), r.PathValue("id"), req.ParentID, req.AutoRename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, e)
}

func (s *Server) handleStar(w http.ResponseWriter, r *http.Request) {
	e, err := s.tree.SetStarred(r.Context(), userID(r), r.PathValue("id"), r.Method == http.MethodPut)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	e, err := s.tree.Trash(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

// ─── Bulk Handlers ──────────────────────────────────────────────────────────

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleBulkMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}
	results, err := s.tree.MoveMany(r.Context(), userID(r), req.IDs, req.ParentID, req.AutoRename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, items(results))
}

func (s *Server) handleBulkTrash(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.sendJSON(w, http.StatusOK, items(s.tree.TrashMany(r.Context(), userID(r), req.IDs)))
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.sendJSON(w, http.StatusOK, items(s.tree.DeleteManyPermanently(r.Context(), userID(r), req.IDs)))
}

// ─── Account Handlers ───────────────────────────────────────────────────────

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.tree.Usage(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int64{
		"used":      u.Used,
		"limit":     u.Limit,
		"remaining": u.Remaining(),
	})
}

type driveRequest struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (s *Server) handleSetDrive(w http.ResponseWriter, r *http.Request) {
	var req driveRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.tree.SetCustomDrive(r.Context(), userID(r), r.PathValue("id"), req.Enabled, req.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"id":       u.ID,
		"enabled":  u.CustomDriveEnabled,
		"path":     u.CustomDrivePath,
		"location": u.Location(),
	})
}

// requireAdmin allows the first user only.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	first, err := s.users.FirstUserID(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return false
	}
	if first != userID(r) {
		s.fail(w, r, fmt.Errorf("administrator only: %w", apperr.ErrPermissionDenied))
		return false
	}
	return true
}
