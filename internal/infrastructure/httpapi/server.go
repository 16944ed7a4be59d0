// Package httpapi exposes the execution service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 5 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger ports.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics mounts a metrics handler at path.
func WithMetrics(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = handler
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// Server routes HTTP requests to the execution service.
type Server struct {
	service        *execution.Service
	logger         ports.Logger
	metricsPath    string
	metricsHandler http.Handler
	maxBodyBytes   int64
	router         chi.Router
}

// NewServer builds a Server with every route configured.
func NewServer(service *execution.Service, opts ...Option) *Server {
	s := &Server{
		service:      service,
		logger:       logging.NewNoOpLogger(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleSubmitPlan)
			r.Get("/{id}", s.handleGetPlan)
			r.Post("/{id}/interrupts", s.handleRaiseInterrupt)
		})
		r.Post("/callbacks/{correlationId}", s.handleCallback)
		r.Post("/tasks/{taskId}/result", s.handleTaskResult)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info(ctx, "http server stopped", "addr", addr)
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = ports.WithCorrelationID(ctx, id)
		}
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
