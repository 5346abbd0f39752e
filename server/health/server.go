// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness and load probes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxcb/storage"
)

// Probe failures reported by the readiness endpoint.
var (
	ErrMissing = errors.New("not initialized")
	ErrStopped = errors.New("closed")
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Sessions is the part of the session registry probed by the health server.
type Sessions interface {
	Len() int
	Closed() bool
}

// Workers is the part of the delivery worker pool probed by the health server.
type Workers interface {
	Active() int
	Max() int
	Closed() bool
}

type check struct {
	name  string
	probe func() error
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	sessions Sessions
	workers  Workers
	checks   []check
	handler  http.Handler
	addr     atomic.Value
	started  time.Time
	logger   *slog.Logger
}

// New creates a health server. store may be nil, in which case storage is
// not probed.
func New(cfg Config, sessions Sessions, workers Workers, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		sessions: sessions,
		workers:  workers,
		started:  time.Now(),
		logger:   logger,
	}

	s.checks = []check{
		{"sessions", func() error {
			switch {
			case sessions == nil:
				return ErrMissing
			case sessions.Closed():
				return ErrStopped
			}
			return nil
		}},
		{"workers", func() error {
			switch {
			case workers == nil:
				return ErrMissing
			case workers.Closed():
				return ErrStopped
			}
			return nil
		}},
	}
	if store != nil {
		s.checks = append(s.checks, check{"storage", func() error {
			_, err := store.Sessions().List()
			return err
		}})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	s.handler = mux

	return s
}

// Handler returns the probe handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	a, _ := s.addr.Load().(string)
	return a
}

// Listen serves probes until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.addr.Store(ln.Addr().String())

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("health_server_starting", slog.String("address", s.Addr()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("health_server_shutdown_failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("health_server_stopped")
	return nil
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness probe body. Failed maps probe names to
// their errors.
type ReadyResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

// StatusResponse reports load information.
type StatusResponse struct {
	Sessions      int    `json:"sessions"`
	ActiveWorkers int    `json:"active_workers"`
	MaxWorkers    int    `json:"max_workers"`
	Uptime        string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	failed := make(map[string]string)
	for _, c := range s.checks {
		if err := c.probe(); err != nil {
			failed[c.name] = err.Error()
		}
	}
	if len(failed) == 0 {
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
		return
	}

	s.logger.Warn("health_not_ready", slog.Any("failed", failed))
	writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Failed: failed})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Uptime: time.Since(s.started).Round(time.Second).String()}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Len()
	}
	if s.workers != nil {
		resp.ActiveWorkers = s.workers.Active()
		resp.MaxWorkers = s.workers.Max()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
