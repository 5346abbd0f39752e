// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"time"

	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/config"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

// GenericNotifier implements webhook notifications with a worker pool and a
// circuit breaker per endpoint.
type GenericNotifier struct {
	cfg        config.WebhookConfig
	brokerID   string
	endpoints  []endpointConfig
	eventQueue chan eventJob
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

type endpointConfig struct {
	name           string
	url            string
	eventFilters   map[string]bool
	sessionFilters []string // glob patterns on session ids
	headers        map[string]string
	timeout        time.Duration
	retryConfig    config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a new generic webhook notifier.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		for _, pattern := range ep.Sessions {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("endpoint %s: invalid session filter %q: %w", ep.Name, pattern, err)
			}
		}

		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:           ep.Name,
			url:            ep.URL,
			eventFilters:   eventFilters,
			sessionFilters: ep.Sessions,
			headers:        ep.Headers,
			timeout:        timeout,
			retryConfig:    retryConfig,
		})
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return threshold > 0 && counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:        cfg,
		brokerID:   brokerID,
		endpoints:  endpoints,
		eventQueue: make(chan eventJob, cfg.QueueSize),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Emit implements events.Emitter.
func (n *GenericNotifier) Emit(e events.Event) {
	_ = n.Notify(context.Background(), e)
}

// Notify queues the event for all matching endpoints.
func (n *GenericNotifier) Notify(ctx context.Context, ev events.Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	if n.ctx.Err() != nil {
		return errors.New("webhook notifier closed")
	}

	for _, endpoint := range n.endpoints {
		if !endpoint.matches(ev) {
			continue
		}
		n.enqueue(eventJob{event: ev, endpoint: endpoint})
	}
	return nil
}

func (n *GenericNotifier) enqueue(job eventJob) {
	select {
	case n.eventQueue <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.eventQueue:
		default:
		}
		select {
		case n.eventQueue <- job:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", job.event.Type()),
		slog.String("endpoint", job.endpoint.name))
}

func (e endpointConfig) matches(ev events.Event) bool {
	if len(e.eventFilters) > 0 && !e.eventFilters[ev.Type()] {
		return false
	}
	if len(e.sessionFilters) == 0 {
		return true
	}
	for _, pattern := range e.sessionFilters {
		if ok, _ := path.Match(pattern, ev.Session()); ok {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob sends a webhook through the endpoint breaker and schedules
// a retry with exponential backoff on failure.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.sendWebhook(job)
	})
	if err == nil {
		return
	}

	if !retryable(err) {
		n.logger.Warn("webhook delivery rejected",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.String("error", err.Error()))
		return
	}

	if job.attempt >= job.endpoint.retryConfig.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retryConfig)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.eventQueue <- job:
		default:
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func (n *GenericNotifier) sendWebhook(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))
	return nil
}

// retryDelay returns the exponential backoff delay for an attempt.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to the shutdown timeout for
// in-progress deliveries.
func (n *GenericNotifier) Close() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.eventQueue)))
	}
	return nil
}
