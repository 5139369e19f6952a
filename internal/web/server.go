package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facefinder/internal/config"
	"github.com/andresmejia3/facefinder/internal/pool"
	"github.com/andresmejia3/facefinder/internal/recognition"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/web/handlers"
)

// Runner executes one recognition task to a terminal state.
type Runner interface {
	Run(ctx context.Context, taskID, videoPath string, opts ...recognition.RunOption) (recognition.Result, error)
}

// Server represents the web server
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	runs       *runDispatcher
	metrics    http.Handler
	logger     *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates a new web server. Runs are executed on a bounded pool whose lifetime is
// tied to the server, not to the request that submitted them.
func NewServer(cfg *config.Config, tasks store.TaskStore, runner Runner, logger *slog.Logger, opts ...Option) *Server {
	r := chi.NewRouter()

	runCtx, cancel := context.WithCancel(context.Background())
	runs := &runDispatcher{
		ctx:    runCtx,
		cancel: cancel,
		pool:   pool.NewWorkerPool(cfg.Recognition.MaxConcurrentRuns),
		runner: runner,
		logger: logger,
	}

	s := &Server{
		config: cfg,
		router: r,
		runs:   runs,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(5 * time.Minute))

	s.setupRoutes(handlers.NewTaskHandler(tasks, runs, cfg.Storage.UploadDir, cfg.Web.MaxUploadMB, logger))

	s.httpServer = &http.Server{
		Addr:         cfg.Web.Addr(),
		Handler:      r,
		ReadTimeout:  5 * time.Minute, // Large video uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, then waits for in-flight runs until ctx expires.
// Runs still going at that point are cancelled and end in the error state.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("cancelling unfinished recognition runs")
		s.runs.cancel()
		<-done
	}
	s.runs.cancel()

	if err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// runDispatcher hands accepted tasks to the worker pool.
type runDispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	pool   *pool.WorkerPool
	runner Runner
	logger *slog.Logger
}

func (d *runDispatcher) Dispatch(taskID, videoPath string, imagePaths []string) {
	d.pool.Submit(d.ctx, func(ctx context.Context) {
		if _, err := d.runner.Run(ctx, taskID, videoPath, recognition.WithInputs(imagePaths...)); err != nil {
			d.logger.Warn("recognition task ended in error", "task_id", taskID, "error", err)
		}
	})
}
