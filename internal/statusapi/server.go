// Package statusapi serves the read-only, merged JSON status endpoint a
// dashboard polls or subscribes to, plus liveness/readiness checks and the
// Prometheus scrape endpoint.
package statusapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidalline/autotune/internal/artifact"
	"github.com/tidalline/autotune/internal/config"
)

const readTimeout = 15 * time.Second

// Server is the HTTP+WebSocket surface over one artifact.Store. It never
// mutates the store; every response is built by re-reading the files the
// worker already wrote.
type Server struct {
	cfg     *config.Config
	store   *artifact.Store
	log     *slog.Logger
	router  *chi.Mux
	httpSrv *http.Server
	hub     *Hub
}

// New builds a Server and its router. log defaults to slog.Default() when
// nil, matching internal/worker.New's constructor convention.
func New(cfg *config.Config, store *artifact.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, store: store, log: log, hub: newHub(log)}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(logging(s.log))
	r.Use(recovery(s.log))
	r.Use(cors(s.cfg.StatusCORSOrigins))
	r.Use(metricsMiddleware)

	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/status/stream", s.hub.serveWS(s.cfg.StatusCORSOrigins))
	})

	s.router = r
}

// Router exposes the underlying chi.Mux, primarily for tests.
func (s *Server) Router() *chi.Mux { return s.router }

// Broadcast pushes a fresh status to every subscribed /status/stream
// connection. The worker calls this immediately after writeStatus so a
// live dashboard sees a phase transition the moment it is durable.
func (s *Server) Broadcast(status any) {
	s.hub.broadcast(status)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.StatusHost, s.cfg.StatusPort)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// No write timeout: /status/stream is a long-lived connection.
	}
	s.log.Info("statusapi: listening", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
