// Package api is the HTTP surface of the caisse-sync reference backend.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Kadem9/caissefacile/internal/serverdb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

// Server serves the sync API over one server database.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	metrics     *Metrics
	rateLimiter *RateLimiter
}

// NewServer builds the server; zero limits in cfg fall back to safe values.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	if store == nil {
		return nil, errors.New("server store is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > serverdb.MaxFetchLimit {
		cfg.MaxPageSize = serverdb.MaxFetchLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{
		config:      cfg,
		store:       store,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Handler is the routed handler without a listener.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run listens on the configured address and serves until ctx is cancelled,
// then drains in-flight requests for up to ShutdownTimeout. ready, if set,
// is called with the bound address once the listener is open.
func (s *Server) Run(ctx context.Context, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if ready != nil {
		ready(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.rateLimiter.RunCleanup(gctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.http.Shutdown(sctx)
	})
	return g.Wait()
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observe(s.metrics))
	r.Use(recoverPanics)
	r.Use(limitBody(s.config.MaxBodyBytes))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metricz", s.handleMetrics)

	r.Route("/v1/entities/{type}", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.With(s.withRateLimit("submit", s.config.RateLimitSubmit)).Post("/", s.handleSubmit)
		r.With(s.withRateLimit("fetch", s.config.RateLimitFetch)).Get("/", s.handleFetch)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, ErrCodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, ErrCodeMethodNotAllowed, "method not allowed")
	})

	return r
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	resp := map[string]string{"status": "ok"}
	if s.config.Version != "" {
		resp["version"] = s.config.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
