// Package core provides the HTTP chassis for the mailroom service. It creates
// a chi router and enforces cross-cutting concerns -- panic recovery, request
// identification, logging, and error shaping -- before requests reach the
// tracking and operations handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/config"
)

// RouteRegistrar attaches a group of domain routes to the router. Handler
// packages expose registrars so that core never imports them (avoids import
// cycles between the chassis and the handler packages).
type RouteRegistrar func(r chi.Router)

// Server encapsulates the HTTP-facing dependencies of the service, allowing
// for easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// RouteRegistrars are populated by the application entry point before
	// MountRoutes is called.
	RouteRegistrars []RouteRegistrar

	// HealthProbes are checked concurrently by the /health endpoint.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes the router and prepares the server for route
// mounting. It performs a "fail-fast" check on critical dependencies.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction; this separation allows tests to customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router, for use with
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown performs a graceful termination of server-held resources. The
// entry point is responsible for stopping the background scheduler and
// closing the database pool; this hook exists so tests and future resources
// have a single teardown seam.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	s.Logger.Info("server shutdown complete")
	return nil
}
