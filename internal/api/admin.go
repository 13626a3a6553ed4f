package api

import (
	"net/http"

	"github.com/fruitsalade/pantry/internal/settings"
)

// ─── Admin Handlers ─────────────────────────────────────────────────────────

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.settings.Get(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, cur)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var p settings.Patch
	if !s.decode(w, r, &p) {
		return
	}
	out, err := s.settings.Update(r.Context(), userID(r), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleRunJob triggers a background task (trash-sweep, orphan-sweep,
// drive-scan) outside its schedule.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.jobs == nil {
		s.sendError(w, http.StatusServiceUnavailable, "background jobs disabled")
		return
	}
	if err := s.jobs.RunNow(r.Context(), r.PathValue("name")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "done", "job": r.PathValue("name")})
}
