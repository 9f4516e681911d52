// Package server hosts the data listener that serves transformed routes and
// the admin listener that exposes health, readiness, metrics and the route
// table.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-render/pkg/config"
	"github.com/polisai/polis-render/pkg/router"
)

// Server runs the data and admin listeners.
type Server struct {
	cfg     config.ServerConfig
	router  *router.Router
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a server for r. A nil metrics instance gets a fresh one.
func New(cfg config.ServerConfig, r *router.Router, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{cfg: cfg, router: r, metrics: metrics, logger: logger}
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// DataHandler returns the handler chain for the data listener.
func (s *Server) DataHandler() http.Handler {
	var h http.Handler = s.router
	h = s.metrics.Middleware("data", h)
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return otelhttp.NewHandler(h, "polis.render")
}

// AdminHandler returns the handler for the admin listener.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /routes", s.handleRoutes)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.metrics.Middleware("admin", mux)
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	dataLn, err := net.Listen("tcp", s.cfg.DataAddress)
	if err != nil {
		return fmt.Errorf("failed to bind data listener %s: %w", s.cfg.DataAddress, err)
	}
	adminLn, err := net.Listen("tcp", s.cfg.AdminAddress)
	if err != nil {
		_ = dataLn.Close()
		return fmt.Errorf("failed to bind admin listener %s: %w", s.cfg.AdminAddress, err)
	}
	return s.Serve(ctx, dataLn, adminLn)
}

// Serve serves on the given listeners until ctx is done, then shuts both
// servers down within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, dataLn, adminLn net.Listener) error {
	servers := []*http.Server{
		s.httpServer(s.DataHandler()),
		s.httpServer(s.AdminHandler()),
	}
	listeners := []net.Listener{dataLn, adminLn}
	names := []string{"data", "admin"}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		s.logger.Info("Server listening", "listener", names[i], "addr", listeners[i].Addr().String())
		g.Go(func() error {
			if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", names[i], err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownHTTPServers(servers, s.cfg.ShutdownTimeout, s.logger)
		return nil
	})

	return g.Wait()
}

func (s *Server) httpServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

func shutdownHTTPServers(servers []*http.Server, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}
}

// HealthStatus is the body of the health and readiness endpoints.
type HealthStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.router.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "unavailable", Reason: "no route table loaded"})
		return
	}
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ready"})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := []router.RouteInfo{}
	if t := s.router.Table(); t != nil {
		routes = t.Routes()
	}
	writeJSON(w, http.StatusOK, routes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
