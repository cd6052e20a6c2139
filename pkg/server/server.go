// Package server exposes the debug HTTP surface: Prometheus metrics,
// completed spans, session index and event history. Off by default;
// never required for execution.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/bus"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/observability"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/session"
)

// Server serves the observability endpoints.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New builds the server on addr.
func New(addr string, tracer *observability.Tracer, metrics *observability.Metrics,
	sessions *session.Manager, eventBus *bus.Bus, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	r.Get("/spans", func(w http.ResponseWriter, _ *http.Request) {
		data, err := tracer.ExportOTLP()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, sessions.List())
	})

	r.Get("/events", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, eventBus.History(100))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		handler: r,
		logger:  logger,
	}
}

// Handler exposes the route tree, e.g. for embedding in another mux.
func (s *Server) Handler() http.Handler { return s.handler }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("debug server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
