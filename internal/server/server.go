// Package server is the HTTP adapter: it translates requests into service
// operations and service errors into the JSON error envelope. No business
// logic lives here.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"patchvec/internal/auth"
	"patchvec/internal/logging"
	"patchvec/internal/metrics"
	"patchvec/internal/service"
)

// Config holds the HTTP surface configuration.
type Config struct {
	Host string
	Port int

	// KeepAliveTimeout is the idle connection timeout in seconds.
	KeepAliveTimeout int

	// CommonEnabled exposes the /search fan-in routes for the shared
	// collection named below.
	CommonEnabled    bool
	CommonTenant     string
	CommonCollection string

	Auth    *auth.Authenticator
	Service *service.Service
	Logger  *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	http   *http.Server
	cfg    Config
	svc    *service.Service
	logger *slog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    cfg.Service,
		logger: logging.Default(cfg.Logger).With("component", "server"),
	}

	idle := time.Duration(cfg.KeepAliveTimeout) * time.Second
	if idle <= 0 {
		idle = 5 * time.Second
	}
	s.http = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.Routes(),
		IdleTimeout: idle,
	}
	return s
}

// Routes builds the full router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.countRequests)
	r.Use(s.cfg.Auth.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Get("/health/metrics", s.handleMetricsJSON)
	r.Get("/metrics", s.handlePrometheus)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/archive", s.handleArchiveDump)
		r.Put("/archive", s.handleArchiveRestore)
		r.Delete("/metrics", s.handleMetricsReset)
		r.Get("/tenants", s.handleListTenants)
	})

	r.Route("/collections/{tenant}", func(r chi.Router) {
		r.Get("/", s.handleListCollections)
		r.Route("/{collection}", func(r chi.Router) {
			r.Post("/", s.handleCreateCollection)
			r.Delete("/", s.handleDeleteCollection)
			r.Put("/", s.handleRenameCollection)
			r.Post("/documents", s.handleIngest)
			r.Delete("/documents/{docid}", s.handleDeleteDocument)
			r.Post("/search", s.handleSearch)
			r.Get("/search", s.handleSearchGet)
		})
	})

	if s.cfg.CommonEnabled {
		r.Post("/search", s.handleCommonSearch)
		r.Get("/search", s.handleCommonSearchGet)
	}

	return r
}

// countRequests maintains the global request counter.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.svc.Metrics().Incr(metrics.RequestsTotal)
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
