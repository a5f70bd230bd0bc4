// Package server exposes golade over HTTP: health probes, version, and
// build triggers for a single project.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/golade/internal/errors"
	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/internal/server/handlers"
	"github.com/3leaps/golade/internal/server/middleware"
)

// Server is the HTTP front end.
type Server struct {
	host   string
	port   int
	router chi.Router
	builds *handlers.BuildHandlers

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	pprof        bool

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithBuilder enables POST /v1/builds against b.
func WithBuilder(b handlers.Builder) Option {
	return func(s *Server) { s.builds = handlers.NewBuildHandlers(b) }
}

// WithTimeouts sets the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// WithPprof mounts the profiler under /debug.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

// New creates a server bound to host:port. Port 0 picks a free port at
// Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.builds == nil {
		s.builds = handlers.NewBuildHandlers(nil)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFound("route not found: "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowed("method "+r.Method+" not allowed on "+r.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	r.Post("/v1/builds", s.builds.Trigger)
	r.Get("/v1/builds/latest", s.builds.Latest)

	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port (the bound port after Start).
func (s *Server) Port() int {
	return s.port
}

// Builds returns the build handlers, for triggering passes outside HTTP.
func (s *Server) Builds() *handlers.BuildHandlers {
	return s.builds
}

// Start listens and serves until ctx is done or the server fails. It does
// not shut down; call Shutdown.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", s.host, s.port, err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	observability.CLILogger.Info("HTTP server listening",
		zap.String("host", s.host),
		zap.Int("port", s.port))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
