package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/metrics"
)

// Server is the HTTP surface of the pipeline.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
}

// NewServer creates a new API server. A nil exporter disables /metrics and HTTP metrics.
func NewServer(cfg domain.ServerConfig, handler *Handler, exporter *metrics.Exporter) *Server {
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))
	if exporter != nil {
		router.Use(exporter.Middleware())
	}

	// Health checks are never rate limited.
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if exporter != nil {
		router.Method(http.MethodGet, "/metrics", exporter.Handler())
	}

	router.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
		}

		r.Route("/fds", func(r chi.Router) {
			r.Use(ShardMiddleware)

			// Synchronous path
			r.Post("/detect/order", handler.DetectOrder)
			r.Post("/detect/purchase", handler.DetectPurchase)

			// Outbox path
			r.Post("/ingest/order", handler.IngestOrder)
			r.Post("/ingest/purchase", handler.IngestPurchase)

			r.Post("/cases/{kind}/{id}/detect", handler.DetectCase)
			r.Get("/cases/{kind}/{id}/logs", handler.ListDetectionLogs)
			r.Get("/dead-letters", handler.ListDeadLetters)
		})

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           router,
			ReadTimeout:       seconds(cfg.ReadTimeout),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      seconds(cfg.WriteTimeout),
			IdleTimeout:       120 * time.Second,
		},
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
