package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/davidbz/hearth/internal/config"
	"github.com/davidbz/hearth/internal/http/middleware"
	"github.com/davidbz/hearth/internal/metrics"
	"github.com/davidbz/hearth/internal/observability"
)

// Server represents the HTTP server.
type Server struct {
	config      *config.ServerConfig
	handler     *Handler
	management  *Management
	collector   *metrics.Collector
	middlewares middleware.Middleware
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.ServerConfig,
	handler *Handler,
	management *Management,
	collector *metrics.Collector,
	middlewares middleware.Middleware,
) *Server {
	return &Server{
		config:      cfg,
		handler:     handler,
		management:  management,
		collector:   collector,
		middlewares: middlewares,
		srv:         nil,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Proxy surface. One handler serves all protocols; routing within is
	// by wire-format detection.
	mux.HandleFunc("/v1/chat/completions", s.handler.HandleProxy)
	mux.HandleFunc("/v1/completions", s.handler.HandleProxy)
	mux.HandleFunc("/v1/messages", s.handler.HandleProxy)
	mux.HandleFunc("/v1/complete", s.handler.HandleProxy)
	mux.HandleFunc("/v1beta/models/{model...}", s.handler.HandleProxy)
	mux.HandleFunc("POST /v1/models/{model...}", s.handler.HandleProxy)
	mux.HandleFunc("GET /v1/models", s.handler.HandleModels)

	// Management API.
	mux.HandleFunc("GET /admin/endpoints", s.management.HandleListEndpoints)
	mux.HandleFunc("POST /admin/endpoints", s.management.HandleRegisterEndpoint)
	mux.HandleFunc("GET /admin/endpoints/{id}", s.management.HandleGetEndpoint)
	mux.HandleFunc("DELETE /admin/endpoints/{id}", s.management.HandleUnregisterEndpoint)
	mux.HandleFunc("PUT /admin/endpoints/{id}/enabled", s.management.HandleSetEnabled)
	mux.HandleFunc("POST /admin/endpoints/{id}/instances", s.management.HandleStartInstances)
	mux.HandleFunc("DELETE /admin/endpoints/{id}/instances", s.management.HandleStopInstances)
	mux.HandleFunc("GET /admin/instances/{id}", s.management.HandleGetInstance)
	mux.HandleFunc("GET /admin/metrics", s.management.HandleGlobalMetrics)
	mux.HandleFunc("GET /admin/strategy", s.management.HandleGetStrategy)
	mux.HandleFunc("PUT /admin/strategy", s.management.HandleSetStrategy)

	// Operational endpoints.
	mux.HandleFunc("/health", s.handler.HandleHealth)
	mux.Handle("/metrics", s.collector.Handler())

	// Apply middleware chain.
	handlerWithMiddleware := s.middlewares(mux)

	// Create server with timeouts.
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      handlerWithMiddleware,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", observability.Int("port", s.config.Port))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
