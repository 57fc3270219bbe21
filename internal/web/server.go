// Package web exposes the attendance pipeline over HTTP.
package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/andresmejia3/rollcall/internal/notify"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// DefaultMaxImages is the upload limit per attendance request.
const DefaultMaxImages = 6

const defaultMaxUploadBytes = 64 << 20

// Runner runs the pipeline over a batch of image files.
type Runner interface {
	Run(ctx context.Context, paths []string) (*pipeline.Report, error)
}

// Notifier sends attendance notifications for a verdict.
type Notifier interface {
	Notify(ctx context.Context, v types.Verdict, subject string, classTime time.Time) (notify.Result, error)
}

// Options configures a Server.
type Options struct {
	Host           string
	Port           int
	MaxImages      int
	MaxUploadBytes int64
	Logger         *log.Logger
}

// Server represents the web server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	runner     Runner
	notifier   Notifier
	maxImages  int
	maxUpload  int64
	logger     *log.Logger
	now        func() time.Time
}

// NewServer creates a new web server. notifier may be nil.
func NewServer(runner Runner, notifier Notifier, opts Options) *Server {
	if opts.MaxImages < 1 {
		opts.MaxImages = DefaultMaxImages
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	r := chi.NewRouter()
	s := &Server{
		router:    r,
		runner:    runner,
		notifier:  notifier,
		maxImages: opts.MaxImages,
		maxUpload: opts.MaxUploadBytes,
		logger:    opts.Logger,
		now:       time.Now,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Minute))

	r.Get("/api/v1/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/attendance", s.attendance)
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // whole batches run inside the request
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("Starting web server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Println("Shutting down web server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
