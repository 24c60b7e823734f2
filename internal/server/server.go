// Package server wires the HTTP surface of the autoloop collaborator:
// health and version endpoints, the job control API, the commit gate, and
// the UI bridge.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/driftworks/autoloop/internal/errors"
	"github.com/driftworks/autoloop/internal/server/handlers"
	"github.com/driftworks/autoloop/internal/server/middleware"
	"github.com/driftworks/autoloop/pkg/bridge"
	"github.com/driftworks/autoloop/pkg/jobstore"
	"github.com/driftworks/autoloop/pkg/manifest"
)

// Deps carries the domain dependencies behind the API routes. A server
// built without deps still serves health, version, and admin endpoints,
// which is what the probes and smoke tests need.
type Deps struct {
	Runner   handlers.JobRunner
	Store    *jobstore.Store
	Manifest *manifest.Manifest
	Broker   *bridge.Broker
	Queue    *bridge.Queue
}

// Server is the autoloop HTTP server.
type Server struct {
	host    string
	port    int
	version string
	logger  *zap.Logger
	deps    *Deps

	router chi.Router

	mu         sync.Mutex
	httpServer *http.Server
	actualPort int

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option customizes a Server.
type Option func(*Server)

// WithDeps attaches the domain dependencies and enables the API routes.
func WithDeps(d *Deps) Option {
	return func(s *Server) { s.deps = d }
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version string reported by /version.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// New builds a Server listening on host:port. Port 0 asks the OS for a free
// port; Port() reports the bound one once Start has run.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:       host,
		port:       port,
		version:    "dev",
		logger:     zap.NewNop(),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the bound port once the server has started, or the
// configured port before that.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actualPort != 0 {
		return s.actualPort
	}
	return s.port
}

// ShutdownRequested is closed when an admin signal asks the server to stop.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Start binds the listener and serves until the context is cancelled or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", s.host, s.port, err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.mu.Lock()
		s.actualPort = addr.Port
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("server listening",
		zap.String("host", s.host), zap.Int("port", s.Port()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusNotFound,
			apperrors.CodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusMethodNotAllowed,
			apperrors.CodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", s.versionHandler)

	s.registerAdminEndpoint(r)

	if s.deps != nil {
		s.registerAPIRoutes(r)
	}
	return r
}

func (s *Server) registerAPIRoutes(r chi.Router) {
	jobs := &handlers.JobsHandler{
		Runner:   s.deps.Runner,
		Store:    s.deps.Store,
		Manifest: s.deps.Manifest,
		Logger:   s.logger,
	}
	commit := &handlers.CommitHandler{
		Store:  s.deps.Store,
		Trunk:  s.deps.Manifest.Project.Trunk,
		Logger: s.logger,
	}
	br := &handlers.BridgeHandler{
		Broker: s.deps.Broker,
		Queue:  s.deps.Queue,
		Logger: s.logger,
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/jobs", jobs.ListJobs)
			r.Post("/jobs/{jobType}", jobs.StartJob)
			r.Post("/commit", commit.Commit)
			r.Post("/proofs", commit.RecordProof)
		})
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", jobs.JobStatus)
			r.Post("/cancel", jobs.CancelJob)
		})
		r.Route("/bridge", func(r chi.Router) {
			r.Get("/commands", br.Commands)
			r.Post("/commands", br.Enqueue)
			r.Post("/commands/ack", br.Ack)
			r.Post("/snapshots", br.PublishSnapshot)
			r.Get("/stream", br.Stream)
		})
	})
}

// registerAdminEndpoint wires POST /admin/signal when an admin token is
// configured. Without a token the endpoint does not exist at all.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	token := strings.TrimSpace(os.Getenv("AUTOLOOP_ADMIN_TOKEN"))
	if token == "" {
		return
	}

	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			apperrors.WriteHTTPError(w, http.StatusUnauthorized,
				"UNAUTHORIZED", "invalid admin token")
			return
		}
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
		s.logger.Info("shutdown requested via admin signal")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
}

func (s *Server) versionHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":    "autoloop",
		"version": s.version,
	})
}
