// Package api implements the bakeryd HTTP control plane: JSON over HTTP
// on the configured loopback port, with the reverse proxy bound first so
// route URLs can be synthesized against the resolved router port.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vebrasmusic/bakery/internal/config"
	"github.com/vebrasmusic/bakery/internal/orchestrator"
	"github.com/vebrasmusic/bakery/internal/ports"
	"github.com/vebrasmusic/bakery/internal/proxy"
	"github.com/vebrasmusic/bakery/internal/store"
)

// Server is the bakeryd control API server.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	orch   *orchestrator.Orchestrator
	proxy  *proxy.Proxy
	logger *zap.Logger
	server *http.Server
	ln     net.Listener
}

// NewServer creates a control API server. The proxy is owned by the
// server for startup ordering: it must bind before route URLs are
// handed out.
func NewServer(cfg *config.Config, st *store.Store, orch *orchestrator.Orchestrator, p *proxy.Proxy, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		orch:   orch,
		proxy:  p,
		logger: logger,
	}
	s.server = &http.Server{Handler: s.routes()}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Get("/pies", s.handleListPies)
		r.Post("/pies", s.handleCreatePie)
		r.Delete("/pies/{idOrSlug}", s.handleDeletePie)

		r.Get("/slices", s.handleListSlices)
		r.Post("/slices", s.handleCreateSlice)
		r.Post("/slices/{id}/stop", s.handleStopSlice)
		r.Delete("/slices/{id}", s.handleDeleteSlice)
	})
	return r
}

// Start binds the reverse proxy on its first free candidate port, then
// the control listener, and begins serving both.
func (s *Server) Start() error {
	routerPort, err := s.proxy.Start(s.cfg.Host, s.cfg.RouterPorts)
	if err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	s.logger.Info("router bound", zap.Int("port", routerPort))

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.ln = ln
	s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api serve", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the control API and the proxy in parallel,
// bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.proxy.Stop(gctx) })
	g.Go(func() error { return s.server.Shutdown(gctx) })
	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMappedError translates a component error into its HTTP status:
// 404 for missing entities, 409 for slug conflicts, 400 for everything
// else (validation, other conflicts, exhaustion, internal errors).
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	var ce *store.ConflictError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ce):
		if ce.Field == "slug" {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		var ere *ports.ExhaustedRangeError
		if !errors.As(err, &ere) {
			s.logger.Error("request failed", zap.Error(err))
		}
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// okResponse is the body of successful mutations that return no entity.
type okResponse struct {
	OK bool `json:"ok"`
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
