// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/auth"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/models"
	"github.com/fruitsalade/pantry/internal/settings"
	"github.com/fruitsalade/pantry/internal/sharing"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// Users is the account lookup the handlers need.
type Users interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FirstUserID(ctx context.Context) (string, error)
}

// Jobs runs a background task on demand.
type Jobs interface {
	RunNow(ctx context.Context, name string) error
}

// Deps bundles the services behind the HTTP surface. Jobs may be nil.
type Deps struct {
	Tree     *filetree.Service
	Shares   *sharing.Service
	Settings *settings.Service
	Users    Users
	Auth     *auth.Auth
	Events   *events.Broadcaster
	Jobs     Jobs
}

// Server is the HTTP server.
type Server struct {
	tree        *filetree.Service
	shares      *sharing.Service
	settings    *settings.Service
	users       Users
	auth        *auth.Auth
	broadcaster *events.Broadcaster
	jobs        Jobs
	log         *zap.Logger
}

// NewServer creates a new server.
func NewServer(d Deps) *Server {
	return &Server{
		tree:        d.Tree,
		shares:      d.Shares,
		settings:    d.Settings,
		users:       d.Users,
		auth:        d.Auth,
		broadcaster: d.Events,
		jobs:        d.Jobs,
		log:         logging.Named("api"),
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Public share link endpoints
	mux.HandleFunc("GET /api/v1/share/{token}", s.handleShareResolve)
	mux.HandleFunc("GET /api/v1/share/{token}/folders/{id}", s.handleShareChildren)
	mux.HandleFunc("GET /api/v1/share/{token}/files/{id}", s.handleShareDownload)

	// Protected endpoints
	protected := http.NewServeMux()

	// Tree
	protected.HandleFunc("GET /api/v1/entries", s.handleList)
	protected.HandleFunc("GET /api/v1/entries/{id}", s.handleGet)
	protected.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	protected.HandleFunc("POST /api/v1/files", s.handleUpload)
	protected.HandleFunc("PUT /api/v1/files/{id}/content", s.handleReplace)
	protected.HandleFunc("GET /api/v1/files/{id}/content", s.handleContent)
	protected.HandleFunc("POST /api/v1/entries/{id}/rename", s.handleRename)
	protected.HandleFunc("POST /api/v1/entries/{id}/move", s.handleMove)
	protected.HandleFunc("POST /api/v1/entries/{id}/copy", s.handleCopy)
	protected.HandleFunc("PUT /api/v1/entries/{id}/star", s.handleStar)
	protected.HandleFunc("DELETE /api/v1/entries/{id}/star", s.handleStar)
	protected.HandleFunc("DELETE /api/v1/entries/{id}", s.handleTrash)

	// Bulk operation endpoints
	protected.HandleFunc("POST /api/v1/bulk/move", s.handleBulkMove)
	protected.HandleFunc("POST /api/v1/bulk/trash", s.handleBulkTrash)
	protected.HandleFunc("POST /api/v1/bulk/delete", s.handleBulkDelete)

	// Trash endpoints
	protected.HandleFunc("GET /api/v1/trash", s.handleTrashList)
	protected.HandleFunc("POST /api/v1/trash/{id}/restore", s.handleTrashRestore)
	protected.HandleFunc("DELETE /api/v1/trash/{id}", s.handleTrashPurge)
	protected.HandleFunc("DELETE /api/v1/trash", s.handleTrashEmpty)

	// Share link management endpoints
	protected.HandleFunc("GET /api/v1/shares", s.handleListShares)
	protected.HandleFunc("POST /api/v1/shares", s.handleCreateShare)
	protected.HandleFunc("DELETE /api/v1/shares/{token}", s.handleRevokeShare)

	// Account
	protected.HandleFunc("GET /api/v1/usage", s.handleUsage)
	protected.HandleFunc("PUT /api/v1/users/{id}/drive", s.handleSetDrive)

	// Admin
	protected.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	protected.HandleFunc("PUT /api/v1/settings", s.handleUpdateSettings)
	protected.HandleFunc("POST /api/v1/admin/jobs/{name}", s.handleRunJob)

	// SSE endpoint
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.Handle("/api/v1/", s.auth.Middleware(metrics.Routes(protected)))

	return metrics.Middleware(logging.Middleware(metrics.Routes(mux)))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(userID(r))
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// userID returns the authenticated caller. The auth middleware guarantees
// claims on every protected route.
func userID(r *http.Request) string {
	if c := auth.GetClaims(r.Context()); c != nil {
		return c.UserID()
	}
	return ""
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Kind  string `json:"kind,omitempty"`
}

// fail maps a service error onto its HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code == http.StatusInternalServerError || errors.Is(err, apperr.ErrInvariant) {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.sendJSON(w, code, errorResponse{Error: err.Error(), Code: code, Kind: apperr.Kind(err)})
}

// itemResponse is one row of a bulk response.
type itemResponse struct {
	ID    string        `json:"id"`
	Entry *models.Entry `json:"entry,omitempty"`
	Error string        `json:"error,omitempty"`
	Kind  string        `json:"kind,omitempty"`
}

func items(results []filetree.ItemResult) []itemResponse {
	out := make([]itemResponse, 0, len(results))
	for _, r := range results {
		ir := itemResponse{ID: r.ID, Entry: r.Entry}
		if r.Err != nil {
			ir.Error, ir.Kind = r.Err.Error(), apperr.Kind(r.Err)
		}
		out = append(out, ir)
	}
	return out
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	if n < 0 {
		return 0
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// optionalID reads an optional id query parameter; empty means the root.
func optionalID(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool) {
	if rangeHeader == "" {
		return 0, totalSize, false
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return 0, totalSize, false
	}

	startStr, endStr := matches[1], matches[2]

	if startStr == "" && endStr != "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		length = totalSize - offset
		return offset, length, true
	}

	if startStr != "" {
		offset, _ = strconv.ParseInt(startStr, 10, 64)
	}

	if endStr != "" {
		end, _ := strconv.ParseInt(endStr, 10, 64)
		if end >= totalSize {
			end = totalSize - 1
		}
		length = end - offset + 1
	} else {
		length = totalSize - offset
	}

	if offset >= totalSize || length <= 0 {
		return 0, totalSize, false
	}
	return offset, length, true
}
