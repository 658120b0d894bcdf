package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/PROCEED-Labs/proceed-native/internal/httpmetrics"
	"github.com/PROCEED-Labs/proceed-native/internal/store"
	"github.com/PROCEED-Labs/proceed-native/internal/supervisor"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	store  store.Store
	sup    *supervisor.Supervisor
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures the admin and ingress HTTP server.
func NewServer(addr string, s store.Store, sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		sup:    sup,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(httpmetrics.Middleware(httpmetrics.Config{
		Server:   httpmetrics.ServerAPI,
		Classify: routeClass,
		Logger:   logger,
		LogLevel: slog.LevelInfo,
	}))
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", httpmetrics.Handler())

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Post("/", s.handleLaunchExecution)
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Delete("/{id}", s.handleStopExecution)
		r.Post("/{id}/pause", s.handlePauseExecution)
		r.Post("/{id}/resume", s.handleResumeExecution)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})

	s.router.HandleFunc("/v1/instances/{processInstanceId}/http/*", s.handleForwardRequest)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// routeClass groups the admin and ingress routes for the request metrics.
func routeClass(r *http.Request) string {
	pattern := httpmetrics.RoutePattern(r)
	switch {
	case pattern == "":
		return httpmetrics.Unmatched
	case strings.HasPrefix(pattern, "/v1/instances/"):
		return "forward"
	case strings.Contains(pattern, "/logs"):
		return "logs"
	case strings.HasPrefix(pattern, "/v1/executions"):
		return "executions"
	case pattern == "/healthz", pattern == "/metrics":
		return "ops"
	}
	return httpmetrics.Unmatched
}
