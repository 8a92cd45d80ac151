// Package httpserver exposes Ledge's HTTP front door: GET/HEAD routes
// served through the lifecycle state machine, and a PURGE method routed
// to the purge coordinator, following the teacher's gorilla/mux router
// shape (internal/api/router.go).
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/I90Runner/ledge/internal/config"
	"github.com/I90Runner/ledge/internal/lifecycle"
	"github.com/I90Runner/ledge/internal/purge"
)

// Server wraps an *http.Server built from a configured mux.Router.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the router and wraps it in an *http.Server, applying the
// teacher's middleware-stack ordering: request id, then logging, then
// rate limiting, then the route handler.
func New(cfg config.ServerConfig, lc *lifecycle.Lifecycle, pc *purge.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := mux.NewRouter()
	h := &handlers{lifecycle: lc, purge: pc, logger: logger}

	limiter := newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(logger))
	router.Use(rateLimitMiddleware(limiter))

	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.PathPrefix("/").Methods("PURGE").HandlerFunc(h.purgeRequest)
	router.PathPrefix("/").Methods(http.MethodGet, http.MethodHead).HandlerFunc(h.serve)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger,
	}
}

// ListenAndServe starts the server; it returns http.ErrServerClosed on a
// clean Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting http server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to the given timeout
// for in-flight requests to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
