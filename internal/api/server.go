// Package api exposes the agent's HTTP control surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/config"
	"github.com/ultron-agent/ultrond/internal/events"
	"github.com/ultron-agent/ultrond/internal/executor"
	"github.com/ultron-agent/ultrond/internal/llm"
	"github.com/ultron-agent/ultrond/internal/monitor"
	"github.com/ultron-agent/ultrond/internal/scheduler"
	"github.com/ultron-agent/ultrond/internal/storage"
)

// Deps collects the agent components the API serves
type Deps struct {
	Config    *config.Config
	NATS      *nats.Conn
	JetStream nats.JetStreamContext
	Scheduler *scheduler.Scheduler
	Executor  *executor.Executor
	Bus       *events.Bus
	History   storage.HistoryStore
	Monitor   *monitor.Monitor
	LLM       *llm.Router
}

// Server is the agent HTTP server
type Server struct {
	logger    *zap.Logger
	deps      Deps
	mux       *http.ServeMux
	srv       *http.Server
	ready     atomic.Bool
	startedAt time.Time
}

// NewServer creates the HTTP server on the configured address
func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		deps:      deps,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         deps.Config.API.Addr,
		Handler:      requestLogger(s.logger, metricsMiddleware(s.mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/readyz", s.handleReadyz)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/command", s.handleCommand)
	s.mux.HandleFunc("/config", s.handleConfig)

	s.mux.HandleFunc("/agent/status", s.handleStatus)
	s.mux.HandleFunc("/agent/events", s.handleEvents)
	s.mux.HandleFunc("/agent/history", s.handleHistory)
	s.mux.HandleFunc("/agent/tasks", s.handleTasks)
	s.mux.HandleFunc("/agent/tasks/", s.handleTaskByID)
}

// ServeHTTP implements http.Handler for tests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.srv.Handler.ServeHTTP(w, r)
}

// Start begins serving. It returns once the listener goroutine is
// running; serve errors other than a clean shutdown are logged.
func (s *Server) Start() {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

// SetReady marks the agent ready to serve traffic
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}
