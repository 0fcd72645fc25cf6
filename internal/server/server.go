// Package server implements the status HTTP server.
//
// The server is optional: the generate command starts it when --status-addr
// is set, exposing task and engine state for observation while a job runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ljc0311/clipforge/internal/observability"
	"github.com/ljc0311/clipforge/internal/server/handlers"
	"github.com/ljc0311/clipforge/internal/server/middleware"
)

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build info reported by /version.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithTaskSource wires the /v1/tasks endpoint.
func WithTaskSource(src handlers.TaskSource) Option {
	return func(s *Server) { s.tasks = src }
}

// WithEngineSource wires the /v1/engines endpoint.
func WithEngineSource(src handlers.EngineSource) Option {
	return func(s *Server) { s.engines = src }
}

// Server serves job status over HTTP.
type Server struct {
	host    string
	port    int
	version handlers.VersionInfo
	tasks   handlers.TaskSource
	engines handlers.EngineSource

	router chi.Router
	httpd  *http.Server
}

// New creates a status server bound to host:port. Port 0 picks a free port
// at Start time.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{host: host, port: port}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the server's HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port. After Start with port 0 it returns the
// actual bound port.
func (s *Server) Port() int { return s.port }

// Addr returns the host:port the server is configured for.
func (s *Server) Addr() string { return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port)) }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recovery)
	r.Use(chimw.RealIP)
	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	r.Get("/healthz", handlers.Health)
	r.Get("/version", handlers.Version(s.version))
	r.Get("/v1/tasks", handlers.Tasks(s.tasks))
	r.Get("/v1/engines", handlers.Engines(s.engines))

	return r
}

// Start begins serving in a background goroutine. It returns once the
// listener is bound, so the caller can read the final port immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.httpd = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := s.httpd.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.CLILogger.Error("status server stopped", zap.Error(err))
		}
	}()

	observability.CLILogger.Info("status server listening", zap.String("addr", s.Addr()))
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}
