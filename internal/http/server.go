// Package http provides the HTTP server and REST API for marketpipe.
// Handlers are registered through huma on top of a chi router, which
// also carries the raw SSE endpoints huma cannot stream.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/http/middleware"
	"github.com/jmylchreest/marketpipe/internal/observability"
)

// idleTimeout bounds keep-alive connections. It is deliberately longer
// than the write timeout so SSE clients reconnecting on heartbeat
// boundaries do not churn connections.
const idleTimeout = 120 * time.Second

// Server wraps the HTTP listener, the chi router and the huma API that
// handlers register themselves on.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the server with the standard middleware chain. The
// version string ends up in the OpenAPI document.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, version string) *Server {
	logger = observability.WithComponent(logger, "http")

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.SkipCompressionForSSE(chimiddleware.Compress(5)))

	humaConfig := huma.DefaultConfig("marketpipe API", version)
	humaConfig.Info.Description = "REST API for the marketpipe market analysis pipeline: run collection, study and report stages, watch progress, and inspect sessions and providers."
	// Docs are served by a custom handler registered on the router.
	humaConfig.DocsPath = ""

	api := humachi.New(router, humaConfig)

	return &Server{
		config: cfg,
		router: router,
		api:    api,
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  idleTimeout,
		},
		logger: logger,
	}
}

// API returns the huma API handlers register operations on.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the chi router for raw routes such as SSE streams,
// docs and the metrics endpoint.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("starting http server", slog.String("address", s.config.Address()))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
