// Package server exposes the HTTP API: run submission, status, listing,
// cancellation, and single-question retry.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jonathan/apply-agent/internal/metrics"
	"github.com/jonathan/apply-agent/internal/orchestrator"
	"github.com/jonathan/apply-agent/internal/store"
)

// Config holds the server's listen settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server routes API requests to the store and orchestrator.
type Server struct {
	store   store.Store
	orch    *orchestrator.Orchestrator
	runner  *orchestrator.Runner
	metrics *metrics.Metrics
	logger  *zap.Logger
	router  chi.Router
	http    *http.Server
}

// New builds the server and its routes. mets may be nil.
func New(cfg Config, st store.Store, orch *orchestrator.Orchestrator, runner *orchestrator.Runner, mets *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   st,
		orch:    orch,
		runner:  runner,
		metrics: mets,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.handleSubmitRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleRunStatus)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		r.Post("/runs/{runID}/questions/{questionID}/retry", s.handleRetryQuestion)
	})

	s.router = r
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  orDefault(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 30*time.Second),
	}
	return s
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
