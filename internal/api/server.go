// Package api exposes the proxy's ambient status and metrics HTTP surface.
// It carries no tenant administration API: routes are config-defined, not
// managed at runtime, so there is nothing for an HTTP API to CRUD.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krbdbproxy/krbdbproxy/internal/config"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
)

// Server is the status/metrics HTTP server.
type Server struct {
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig
}

// NewServer builds a Server bound to m's registry and lc's listen config.
func NewServer(m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		metrics:   m,
		startTime: time.Now(),
		listenCfg: lc,
	}
}

// Start begins serving /healthz and /metrics on the configured bind/port.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("status/metrics server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}
