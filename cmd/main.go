// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxcb/broker"
	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/broker/webhook"
	"github.com/absmach/fluxcb/config"
	"github.com/absmach/fluxcb/delivery"
	"github.com/absmach/fluxcb/ratelimit"
	"github.com/absmach/fluxcb/server/api"
	"github.com/absmach/fluxcb/server/health"
	"github.com/absmach/fluxcb/server/otel"
	"github.com/absmach/fluxcb/session"
	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID, err := os.Hostname()
	if err != nil || instanceID == "" {
		instanceID = uuid.NewString()
	}

	slog.Info("Starting callback broker", "version", version, "instance", instanceID)
	slog.Info("Configuration loaded",
		"api_addr", cfg.Server.APIAddr,
		"health_addr", cfg.Server.HealthAddr,
		"storage", cfg.Storage.Type,
		"transports", cfg.Transports.Enabled,
		"max_workers", cfg.Delivery.MaxWorkers,
		"dispatch_mode", cfg.Delivery.DispatchMode,
		"log_level", cfg.Log.Level)

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	registry, err := newRegistry(cfg.Transports, logger)
	if err != nil {
		slog.Error("Failed to register transports", "error", err)
		os.Exit(1)
	}
	slog.Info("Transports registered", "protocols", registry.Protocols())

	var otelShutdown otel.ShutdownFunc
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		otelShutdown, err = otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)
	}

	var notifier webhook.Notifier
	if cfg.Webhook.Enabled {
		var senderOpts []webhook.HTTPSenderOption
		if cfg.Webhook.CompressMinSize > 0 {
			senderOpts = append(senderOpts, webhook.WithGzip(cfg.Webhook.CompressMinSize))
		}
		wh, err := webhook.NewNotifier(cfg.Webhook, instanceID, webhook.NewHTTPSender(senderOpts...), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		notifier = wh
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	}

	emitters := []events.Emitter{}
	var deliveryMetrics delivery.Metrics
	if notifier != nil {
		emitters = append(emitters, notifier)
	}
	if metrics != nil {
		emitters = append(emitters, metrics)
		deliveryMetrics = metrics
	}
	emitter := events.Fanout(emitters...)

	pool := delivery.NewPool(delivery.PoolConfig{
		MaxWorkers:        cfg.Delivery.MaxWorkers,
		StarvationWarning: cfg.Delivery.StarvationWarning,
	}, deliveryMetrics, logger)

	sessions, err := session.NewManager(session.Config{
		Registry: registry,
		Pool:     pool,
		Store:    store,
		Connection: delivery.ConnectionConfig{
			PingInterval:    cfg.Connection.PingInterval,
			RetryDelay:      cfg.Connection.RetryDelay,
			MaxRetries:      cfg.Connection.MaxRetries,
			ResponseTimeout: cfg.Connection.ResponseTimeout,
		},
		BatchSize:       cfg.Delivery.BatchSize,
		Mode:            delivery.Mode(cfg.Delivery.DispatchMode),
		Capacity:        cfg.Queue.Capacity,
		MaxRedeliveries: cfg.Queue.MaxRedeliveries,
		Events:          emitter,
		Metrics:         deliveryMetrics,
		Logger:          logger,
	})
	if err != nil {
		slog.Error("Failed to create session manager", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	b, err := broker.New(broker.Options{
		Sessions:       sessions,
		DeadLetters:    store.DeadLetters(),
		OverflowPolicy: cfg.Queue.OverflowPolicy,
		RateLimiter:    limiter,
		Events:         emitter,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("Failed to create broker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restored, err := b.Restore(ctx)
	if err != nil {
		slog.Warn("Some sessions could not be restored", "restored", restored, "error", err)
	} else if restored > 0 {
		slog.Info("Sessions restored", "count", restored)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, sessions, pool, store, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.APIEnabled {
		apiServer := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, sessions, store.DeadLetters(), limiter, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Callback broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop accepting requests before sessions go away.
	cancel()
	wg.Wait()

	if err := sessions.Close(); err != nil {
		slog.Error("Error during session shutdown", "error", err)
	}
	pool.Close()

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close webhook notifier", "error", err)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Callback broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
