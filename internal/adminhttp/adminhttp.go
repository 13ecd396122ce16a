// Package adminhttp exposes the host's local operational surface: liveness,
// Prometheus metrics, and a websocket stream of lattice CloudEvents for the
// dev console, routed with gorilla/mux behind a global middleware stack.
package adminhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticerun/host/internal/eventstream"
	"github.com/latticerun/host/internal/host"
	"github.com/latticerun/host/internal/middleware"
)

// HealthResponse is the payload returned by /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	HostID    string `json:"host_id"`
	LatticeID string `json:"lattice_id"`
	Timestamp string `json:"timestamp"`
}

// Config configures the admin server.
type Config struct {
	Addr string
}

// Server is the host's admin HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the admin mux.Router and wraps it in an *http.Server. hub may
// be nil to disable the dev-console event stream endpoint. invokeHandler may
// be nil to disable the local wasi:http/incoming-handler invoke surface
// (the Invocation Router's HTTPHandler, mounted under /invoke/).
func New(cfg Config, h *host.Host, reg prometheus.Gatherer, hub *eventstream.Hub, invokeHandler http.Handler, logger *slog.Logger) *Server {
	logger = logger.With("component", "admin_http")
	router := mux.NewRouter()

	router.Use(middleware.SecurityHeaders(nil))

	router.HandleFunc("/healthz", healthHandler(h)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if hub != nil {
		router.Handle("/events", eventstream.ServeHTTP(hub, logger))
	}

	if invokeHandler != nil {
		router.PathPrefix("/invoke/").Handler(invokeHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func healthHandler(h *host.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if h != nil {
			resp.HostID = h.ID
			resp.LatticeID = h.LatticeID
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Start begins serving in a background goroutine. Errors other than a clean
// shutdown are sent to errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
}

// Shutdown gracefully stops the server, waiting at most until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
