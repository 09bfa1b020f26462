package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/dedezza1D/taskpulse/internal/lifecycle"
	"github.com/dedezza1D/taskpulse/internal/observability"
	"github.com/dedezza1D/taskpulse/internal/query"
	"github.com/dedezza1D/taskpulse/internal/queue"
	"github.com/dedezza1D/taskpulse/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	httpServer  *http.Server
	logger      *zap.Logger
	store       *store.Store
	coordinator *lifecycle.Coordinator
	facade      *query.Facade
	queue       *queue.Queue
}

type Config struct {
	Port string
}

func NewServer(cfg Config, logger *zap.Logger, st *store.Store, c *lifecycle.Coordinator, f *query.Facade, q *queue.Queue) *Server {
	r := mux.NewRouter()

	routeName := func(r *http.Request) string {
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil && tpl != "" {
				return tpl
			}
		}
		return r.URL.Path
	}

	// Middlewares (order matters)
	r.Use(observability.RequestIDMiddleware)
	r.Use(observability.TracingMiddleware(routeName))
	r.Use(observability.HTTPMetricsMiddleware(routeName))
	r.Use(observability.AccessLogMiddleware(logger, routeName))

	srv := &Server{
		logger:      logger,
		store:       st,
		coordinator: c,
		facade:      f,
		queue:       q,
	}

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	// Tasks
	r.HandleFunc("/api/v1/tasks", srv.handleSubmitTask).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks/{id}", srv.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}", srv.handleCancelTask).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/tasks/{id}/retry", srv.handleRetryTask).Methods(http.MethodPost)

	// Project reads + lifecycle counters
	r.HandleFunc("/api/v1/projects/{id}/tasks", srv.handleProjectTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metrics/tasks", srv.handleTaskMetrics).Methods(http.MethodGet)

	s := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv.httpServer = s
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
