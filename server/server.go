// Package server exposes the relay's operational HTTP endpoints: health, Prometheus
// metrics and route status.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tozny/queue-multicast/logging"
)

const (
	HealthPath  = "/health"
	MetricsPath = "/metrics"
	RoutesPath  = "/routes"
)

// OpsServerConfig wraps configuration for an OpsServer.
type OpsServerConfig struct {
	Addr            string              // Address to listen on e.g. :9090
	ServiceName     string              // Name reported by the health check
	Routes          StatusReporter      // Source of route statuses
	Gatherer        prometheus.Gatherer // Metrics to expose, nil for the default registry
	ShutdownTimeout time.Duration       // How long Close waits for in flight requests
	Logger          logging.Logger
}

// OpsServer serves the operational endpoints. It implements the lifecycle
// Initializer and Closer interfaces.
type OpsServer struct {
	config   OpsServerConfig
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
}

// NewOpsServer returns an OpsServer that starts listening on Initialize.
func NewOpsServer(config OpsServerConfig) *OpsServer {
	if config.Logger == nil {
		config.Logger = logging.NewNopLogger()
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	s := &OpsServer{config: config, logger: config.Logger}
	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the ops endpoint mux.
func (s *OpsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(HealthPath, HealthCheckHandler(s.config.ServiceName))
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	if s.config.Routes != nil {
		mux.Handle(RoutesPath, RouteMethods(RoutesHandler{Routes: s.config.Routes, Logger: s.logger}))
	}
	return ApplyMiddleware(mux, LoggingMiddleware(s.logger))
}

// Listen binds the listening socket, returning error (if any).
func (s *OpsServer) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *OpsServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Initialize starts serving in the background. Failing to bind is logged.
func (s *OpsServer) Initialize() {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			s.logger.Errorw("ops server failed to listen", "addr", s.config.Addr, "error", err)
			return
		}
	}
	s.logger.Infow("ops server listening", "addr", s.Addr())
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("ops server stopped", "error", err)
		}
	}()
}

// Close gracefully shuts the server down.
func (s *OpsServer) Close() {
	ctx := context.Background()
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warnw("ops server shutdown", "error", err)
	}
}
