package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bnema/reel/internal/adapter/http/middleware"
	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/infrastructure/logger"
)

// JobService is what the API needs from the scheduler.
type JobService interface {
	Enqueue(ctx context.Context, sub domain.Submission) (string, error)
	Get(ctx context.Context, id string) (*domain.ProcessingJob, error)
	Cancel(ctx context.Context, id string) (*domain.ProcessingJob, error)
}

// ProgressSource serves the last and live progress snapshots of a job.
type ProgressSource interface {
	Subscribe(jobID string) chan domain.ProgressSnapshot
	Unsubscribe(jobID string, ch chan domain.ProgressSnapshot)
	Last(jobID string) (domain.ProgressSnapshot, bool)
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token   string
	Version string
}

type Server struct {
	router   *mux.Router
	handlers *Handlers
	sse      *SSEHandler
	cfg      ServerConfig
	logger   *slog.Logger
	handler  http.Handler
}

func NewServer(jobs JobService, progress ProgressSource, cfg ServerConfig, l *slog.Logger) *Server {
	l = logger.WithComponent(l, "http")
	s := &Server{
		router:   mux.NewRouter(),
		handlers: NewHandlers(jobs, progress, cfg.Version, l),
		sse:      NewSSEHandler(jobs, progress, l),
		cfg:      cfg,
		logger:   l,
	}
	s.registerRoutes()
	s.handler = middleware.RequestLogger(l)(middleware.SecurityHeaders(s.router))
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handlers.Health()).Methods(http.MethodGet)

	// Routes sit on the root router so a method mismatch reaches
	// MethodNotAllowedHandler instead of falling through to 404.
	s.router.Handle("/v1/jobs", s.protected(s.handlers.Submit())).Methods(http.MethodPost)
	s.router.Handle("/v1/jobs/{id}", s.protected(s.handlers.Status())).Methods(http.MethodGet)
	s.router.Handle("/v1/jobs/{id}/cancel", s.protected(s.handlers.Cancel())).Methods(http.MethodPost)
	s.router.Handle("/v1/jobs/{id}/events", s.protected(s.sse.Events())).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *Server) protected(h http.HandlerFunc) http.Handler {
	return RequireToken(s.cfg.Token, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
