// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/fluxcb/broker"
	"github.com/absmach/fluxcb/ratelimit"
	"github.com/absmach/fluxcb/session"
	"github.com/absmach/fluxcb/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
}

// Server exposes session administration and publishing over HTTP.
type Server struct {
	config      Config
	broker      *broker.Broker
	sessions    *session.Manager
	deadLetters storage.DeadLetterStore
	httpServer  *http.Server
	tracer      trace.Tracer
	logger      *slog.Logger
}

// New creates a new API server. deadLetters and limiter may be nil.
func New(config Config, b *broker.Broker, sessions *session.Manager, deadLetters storage.DeadLetterStore, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      config,
		broker:      b,
		sessions:    sessions,
		deadLetters: deadLetters,
		tracer:      otel.Tracer("github.com/absmach/fluxcb/server/api"),
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleEstablish)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleTeardown)
	mux.HandleFunc("POST /sessions/{id}/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /sessions/{id}/subscriptions", s.handleUnsubscribe)
	mux.HandleFunc("GET /sessions/{id}/entries", s.handleListEntries)
	mux.HandleFunc("DELETE /sessions/{id}/entries/{entryID}", s.handleEraseEntry)
	mux.HandleFunc("GET /sessions/{id}/deadletters", s.handleDeadLetters)
	mux.HandleFunc("POST /publish", s.handlePublish)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(limiter.Middleware(mux), h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler returns the root handler, rate limiting included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the API server.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("api_server_starting",
				slog.String("address", s.config.Address),
				slog.Bool("tls", true))
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("api_server_starting",
				slog.String("address", s.config.Address),
				slog.Bool("tls", false))
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api_server_shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}
