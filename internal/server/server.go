// Package server exposes the task manager over HTTP: create, stop and list
// tasks, stream a task's log as Server-Sent Events, and report stats.
package server

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nixpig/taskworker/internal/stats"
	"github.com/nixpig/taskworker/internal/taskmanager"
)

const (
	defaultHeartbeat = 15 * time.Second

	// maxUploadBytes bounds the in-memory part of a multipart task request.
	maxUploadBytes = 32 << 20
)

// Tasks is the part of taskmanager.Manager the server uses.
type Tasks interface {
	CreateTask(params taskmanager.Params) (string, error)
	StopTask(id string) error
	ListTasks(ctx context.Context) ([]taskmanager.TaskInfo, error)
	TailTask(ctx context.Context, id string) (iter.Seq[string], error)
}

// Stats reports process-wide attempt statistics.
type Stats interface {
	Snapshot(ctx context.Context) (stats.Snapshot, error)
}

// Server is the taskworker HTTP API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	tasks     Tasks
	stats     Stats
	version   string
	heartbeat time.Duration
	startTime time.Time
}

// Option configures optional Server settings.
type Option func(*Server)

// WithHeartbeat sets how often an idle log stream sends a keep-alive
// comment.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a Server with all routes registered.
func New(tasks Tasks, st Stats, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "http"),
		tasks:     tasks,
		stats:     st,
		version:   "dev",
		heartbeat: defaultHeartbeat,
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/stop", s.handleStopTask)
				r.Get("/logs", s.handleTaskLogs)
			})
		})
	})

	// Paths kept for clients of the original form-based service.
	r.Get("/api/tasks", s.handleListTasks)
	r.Get("/api/stats", s.handleStats)
	r.Post("/stop", s.handleStopTask)
	r.Get("/logs", s.handleTaskLogs)
	r.Get("/view-logs", s.handleViewLogs)
}
