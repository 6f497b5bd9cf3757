package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vebrasmusic/bakery/internal/orchestrator"
	"github.com/vebrasmusic/bakery/internal/store"
)

type createPieRequest struct {
	Name string `json:"name"`
}

type piesResponse struct {
	Pies []*store.Pie `json:"pies"`
}

// handleCreatePie creates a pie. The slug is derived server-side from
// the name; a name that slugifies to nothing is rejected.
func (s *Server) handleCreatePie(w http.ResponseWriter, r *http.Request) {
	var req createPieRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	slug := orchestrator.Slugify(name)
	if slug == "" {
		writeError(w, http.StatusBadRequest, "name does not yield a usable slug")
		return
	}

	pie, err := s.store.CreatePie(r.Context(), name, slug)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.logger.Info("pie created", zap.String("slug", slug))
	writeJSON(w, http.StatusCreated, pie)
}

// handleListPies returns all pies, newest first.
func (s *Server) handleListPies(w http.ResponseWriter, r *http.Request) {
	pies, err := s.store.ListPies(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if pies == nil {
		pies = []*store.Pie{}
	}
	writeJSON(w, http.StatusOK, piesResponse{Pies: pies})
}

// handleDeletePie stops and removes every slice of the pie, then the pie
// itself, writing the full audit trail in one transaction.
func (s *Server) handleDeletePie(w http.ResponseWriter, r *http.Request) {
	idOrSlug := chi.URLParam(r, "idOrSlug")

	pie, err := s.store.FindPieByIDOrSlug(r.Context(), idOrSlug)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if pie == nil {
		writeError(w, http.StatusNotFound, "Pie not found")
		return
	}

	if err := s.store.DeletePieCascade(r.Context(), pie); err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.logger.Info("pie deleted", zap.String("slug", pie.Slug))
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
