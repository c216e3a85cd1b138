package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/metrics"
	"github.com/JakeFAU/comics-crawler/internal/middleware"
)

const shutdownTimeout = 5 * time.Second

// Pinger reports whether a downstream is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ComicLister returns the catalogue's comics.
type ComicLister interface {
	Comics(ctx context.Context, slugs []string) ([]comics.Comic, error)
}

// ReleaseLister returns the stored releases of a comic.
type ReleaseLister interface {
	ListReleases(ctx context.Context, slug string) ([]comics.Release, error)
}

// Server wires HTTP handlers to the catalogue and repository.
type Server struct {
	router   chi.Router
	ready    Pinger
	comics   ComicLister
	releases ReleaseLister
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil ready
// pinger means always ready.
func NewServer(ready Pinger, lister ComicLister, releases ReleaseLister, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ready:    ready,
		comics:   lister,
		releases: releases,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/comics", func(r chi.Router) {
		r.Get("/", s.listComics)
		r.Get("/{slug}/releases", s.listReleases)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the server on ln until ctx is done, then shuts it down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve ops: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "repository unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listComics(w http.ResponseWriter, r *http.Request) {
	list, err := s.comics.Comics(r.Context(), nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list comics")
		return
	}
	if list == nil {
		list = []comics.Comic{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"comics": list})
}

func (s *Server) listReleases(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := s.comics.Comics(r.Context(), []string{slug}); err != nil {
		if errors.Is(err, comics.ErrUnknownComic) {
			s.writeError(w, http.StatusNotFound, "comic not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to resolve comic")
		return
	}
	releases, err := s.releases.ListReleases(r.Context(), slug)
	if err != nil {
		s.logger.Error("list releases failed", zap.String("comic", slug), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list releases")
		return
	}
	if releases == nil {
		releases = []comics.Release{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"comic": slug, "releases": releases})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
