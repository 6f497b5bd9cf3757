package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vebrasmusic/bakery/internal/orchestrator"
	"github.com/vebrasmusic/bakery/internal/store"
)

type createSliceRequest struct {
	PieID     string                        `json:"pieId"`
	Resources []orchestrator.CreateResource `json:"resources"`
}

// sliceResponse is a stored slice decorated with synthesized route URLs.
type sliceResponse struct {
	store.Slice
	Resources []*orchestrator.Resource `json:"resources"`
}

type slicesResponse struct {
	Slices []sliceResponse `json:"slices"`
}

func (s *Server) toSliceResponse(swr *store.SliceWithResources) sliceResponse {
	routerPort := s.proxy.Port()
	resp := sliceResponse{
		Slice:     swr.Slice,
		Resources: make([]*orchestrator.Resource, 0, len(swr.Resources)),
	}
	for _, res := range swr.Resources {
		resp.Resources = append(resp.Resources, &orchestrator.Resource{
			SliceResource: *res,
			RouteURL:      orchestrator.RouteURL(res.RouteHost, routerPort),
		})
	}
	return resp
}

// handleListSlices lists slices, filtered by pie (id or slug) or across
// all pies. The pieId and all parameters are mutually exclusive.
func (s *Server) handleListSlices(w http.ResponseWriter, r *http.Request) {
	pieID := r.URL.Query().Get("pieId")
	all := r.URL.Query().Get("all")

	if pieID != "" && all != "" {
		writeError(w, http.StatusBadRequest, "pieId and all are mutually exclusive")
		return
	}

	filter := ""
	if pieID != "" {
		pie, err := s.store.FindPieByIDOrSlug(r.Context(), pieID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		if pie == nil {
			// An unknown (possibly just-deleted) pie has no slices.
			writeJSON(w, http.StatusOK, slicesResponse{Slices: []sliceResponse{}})
			return
		}
		filter = pie.ID
	}

	slices, err := s.store.ListSlices(r.Context(), filter)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	resp := slicesResponse{Slices: make([]sliceResponse, 0, len(slices))}
	for _, swr := range slices {
		resp.Slices = append(resp.Slices, s.toSliceResponse(swr))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateSlice creates a slice for a pie (referenced by id or slug).
func (s *Server) handleCreateSlice(w http.ResponseWriter, r *http.Request) {
	var req createSliceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PieID == "" {
		writeError(w, http.StatusBadRequest, "pieId is required")
		return
	}

	pie, err := s.store.FindPieByIDOrSlug(r.Context(), req.PieID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if pie == nil {
		writeError(w, http.StatusNotFound, "Pie not found")
		return
	}

	out, err := s.orch.CreateSlice(r.Context(), pie, req.Resources)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// handleStopSlice idempotently transitions a slice to stopped.
func (s *Server) handleStopSlice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orch.StopSlice(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "Slice not found")
			return
		}
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleDeleteSlice removes a slice and its resources.
func (s *Server) handleDeleteSlice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	slice, err := s.store.GetSliceByID(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if slice == nil {
		writeError(w, http.StatusNotFound, "Slice not found")
		return
	}

	if err := s.orch.RemoveSlice(r.Context(), slice); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
