// Package api implements the node's HTTP surface: the WebSocket
// endpoint, health and version reporting, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/sensorgate/internal/buildinfo"
	"github.com/nugget/sensorgate/internal/connwatch"
	"github.com/nugget/sensorgate/internal/opstate"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StatusSource reports connectivity health.
type StatusSource interface {
	Status() []connwatch.ServiceStatus
}

// ClientCounter reports open WebSocket connections.
type ClientCounter interface {
	Count() int
}

// LifecycleSource reports the persisted boot history.
type LifecycleSource interface {
	Lifecycle() (opstate.Lifecycle, error)
}

// Options configures a Server.
type Options struct {
	Address string
	Port    int

	// WebSocketPath is where WebSocket is mounted.
	WebSocketPath string
	WebSocket     http.Handler

	Status    StatusSource
	Clients   ClientCounter
	Lifecycle LifecycleSource
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	opts   Options
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WebSocketPath == "" {
		opts.WebSocketPath = "/ws"
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.opts.WebSocket != nil {
		mux.Handle("GET "+s.opts.WebSocketPath, s.opts.WebSocket)
	}

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops
// and returns nil after a clean Shutdown, including one that happened
// before Start was called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.opts.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.opts.Port,
		"websocket_path", s.opts.WebSocketPath)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":      "Sensorgate",
		"version":   buildinfo.Version,
		"status":    "ok",
		"websocket": s.opts.WebSocketPath,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// healthResponse is the /health body.
type healthResponse struct {
	Status    string                    `json:"status"`
	Uptime    string                    `json:"uptime"`
	Clients   int                       `json:"websocket_clients"`
	Services  []connwatch.ServiceStatus `json:"services"`
	Lifecycle *opstate.Lifecycle        `json:"lifecycle,omitempty"`
	Version   string                    `json:"version"`
	StartedAt time.Time                 `json:"started_at"`
}

// handleHealth reports "healthy" when every link is ready and "degraded"
// otherwise. The node keeps serving WebSocket requests while degraded,
// so the status code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Uptime:    buildinfo.Uptime().String(),
		Version:   buildinfo.Version,
		StartedAt: buildinfo.StartTime(),
		Services:  []connwatch.ServiceStatus{},
	}
	if s.opts.Status != nil {
		resp.Services = s.opts.Status.Status()
	}
	for _, svc := range resp.Services {
		if !svc.Ready {
			resp.Status = "degraded"
		}
	}
	if s.opts.Clients != nil {
		resp.Clients = s.opts.Clients.Count()
	}
	if s.opts.Lifecycle != nil {
		if lc, err := s.opts.Lifecycle.Lifecycle(); err != nil {
			s.logger.Warn("lifecycle state unavailable", "error", err)
		} else {
			resp.Lifecycle = &lc
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
