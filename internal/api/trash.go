package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/models"
)

// ─── Trash Handlers ─────────────────────────────────────────────────────────

func (s *Server) handleTrashList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.tree.List(r.Context(), userID(r), filetree.ListQuery{
		Trashed: true,
		Limit:   queryInt(r, "limit"),
		Offset:  queryInt(r, "offset"),
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

func (s *Server) handleTrashRestore(w http.ResponseWriter, r *http.Request) {
	e, err := s.tree.Restore(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleTrashPurge(w http.ResponseWriter, r *http.Request) {
	rep, err := s.tree.DeletePermanently(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rep)
}

func (s *Server) handleTrashEmpty(w http.ResponseWriter, r *http.Request) {
	rep, err := s.tree.EmptyTrash(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("trash emptied",
		zap.String("user", userID(r)), zap.Int("entries", rep.Entries), zap.Int("failed", rep.Failed))
	s.sendJSON(w, http.StatusOK, rep)
}
