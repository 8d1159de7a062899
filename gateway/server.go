// Package gateway exposes the platform's observation surface: a health
// endpoint, Prometheus metrics, and a websocket relay that streams broadcast
// envelopes to UI observers. It is read-only with respect to the mesh.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krishio/agrimesh/config"
	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/metric"
	"github.com/krishio/agrimesh/natsclient"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server hosts the gateway HTTP endpoints.
type Server struct {
	cfg      config.GatewayConfig
	client   *natsclient.Client
	relay    *EventRelay
	registry *metric.MetricsRegistry
	logger   *slog.Logger

	server  *http.Server
	running atomic.Bool
}

// NewServer builds the gateway. The metrics registry is optional; without it
// the /metrics endpoint serves an empty registry.
func NewServer(cfg config.GatewayConfig, client *natsclient.Client, registry *metric.MetricsRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	return &Server{
		cfg:      cfg,
		client:   client,
		relay:    newEventRelay(client, logger),
		registry: registry,
		logger:   logger,
	}
}

// Start begins serving and wires the broadcast relay. Non-blocking; serve
// errors after startup are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "check state")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/events", s.relay.handleWebsocket)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			s.registry.PrometheusRegistry(),
			promhttp.HandlerOpts{},
		))
	}

	if err := s.relay.start(ctx); err != nil {
		s.running.Store(false)
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return errors.WrapFatal(err, "Gateway", "Start", "bind listen address")
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server stopped unexpectedly", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", addr)
	return nil
}

// Stop closes the relay and shuts the HTTP server down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if timeout <= 0 {
		timeout = shutdownTimeout
	}

	s.relay.stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "shutdown http server")
	}
	return nil
}

type healthResponse struct {
	Status    string `json:"status"`
	Bus       string `json:"bus"`
	RTTMillis int64  `json:"rtt_ms,omitempty"`
	Observers int    `json:"observers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{Status: "ok", Bus: "connected", Observers: s.relay.observerCount()}
	code := http.StatusOK

	if s.client == nil || !s.client.IsHealthy() {
		resp.Status = "degraded"
		resp.Bus = "disconnected"
		code = http.StatusServiceUnavailable
	} else if rtt, err := s.client.RTT(); err == nil {
		resp.RTTMillis = rtt.Milliseconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write health response", "error", err)
	}
}
