package api

import (
	"net/http"
	"time"

	"github.com/vebrasmusic/bakery/internal/store"
)

type healthResponse struct {
	Status     string `json:"status"`
	Port       int    `json:"port"`
	RouterPort int    `json:"routerPort"`
}

// StatusResponse is the dashboard snapshot returned by GET /v1/status.
type StatusResponse struct {
	Daemon      daemonStatus `json:"daemon"`
	Pies        pieTotals    `json:"pies"`
	Slices      sliceTotals  `json:"slices"`
	GeneratedAt string       `json:"generatedAt"`
}

type daemonStatus struct {
	Status     string `json:"status"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	RouterPort int    `json:"routerPort"`
}

type pieTotals struct {
	Total int `json:"total"`
}

type sliceTotals struct {
	Total    int            `json:"total"`
	ByStatus statusCounts   `json:"byStatus"`
	ByPie    []pieBreakdown `json:"byPie"`
}

type statusCounts struct {
	Creating int `json:"creating"`
	Running  int `json:"running"`
	Stopped  int `json:"stopped"`
	Error    int `json:"error"`
}

type pieBreakdown struct {
	PieID   string `json:"pieId"`
	PieName string `json:"pieName"`
	PieSlug string `json:"pieSlug"`
	Total   int    `json:"total"`
	Running int    `json:"running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Port:       s.cfg.Port,
		RouterPort: s.proxy.Port(),
	})
}

// handleStatus assembles the full snapshot: daemon identity, pie count,
// and slice totals broken down by status and by pie.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pies, err := s.store.ListPies(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	slices, err := s.store.ListSlices(r.Context(), "")
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	resp := StatusResponse{
		Daemon: daemonStatus{
			Status:     "ok",
			Host:       s.cfg.Host,
			Port:       s.cfg.Port,
			RouterPort: s.proxy.Port(),
		},
		Pies:        pieTotals{Total: len(pies)},
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	byPie := make(map[string]*pieBreakdown, len(pies))
	resp.Slices.ByPie = make([]pieBreakdown, 0, len(pies))
	for _, pie := range pies {
		resp.Slices.ByPie = append(resp.Slices.ByPie, pieBreakdown{
			PieID:   pie.ID,
			PieName: pie.Name,
			PieSlug: pie.Slug,
		})
		byPie[pie.ID] = &resp.Slices.ByPie[len(resp.Slices.ByPie)-1]
	}

	for _, swr := range slices {
		resp.Slices.Total++
		switch swr.Status {
		case store.StatusCreating:
			resp.Slices.ByStatus.Creating++
		case store.StatusRunning:
			resp.Slices.ByStatus.Running++
		case store.StatusStopped:
			resp.Slices.ByStatus.Stopped++
		case store.StatusError:
			resp.Slices.ByStatus.Error++
		}
		if bd := byPie[swr.PieID]; bd != nil {
			bd.Total++
			if swr.Status == store.StatusRunning {
				bd.Running++
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
