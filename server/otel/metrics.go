// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/delivery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fluxcb"

// Metrics holds OpenTelemetry metric instruments for callback delivery.
// It records delivery measurements and counts lifecycle events.
type Metrics struct {
	meter metric.Meter

	// Counters
	delivered        metric.Int64Counter
	failed           metric.Int64Counter
	redelivered      metric.Int64Counter
	volatileDropped  metric.Int64Counter
	deadLettered     metric.Int64Counter
	transitions      metric.Int64Counter
	subscriptionsOps metric.Int64Counter
	sessionsTornDown metric.Int64Counter

	// UpDownCounters (Gauges)
	workersActive  metric.Int64UpDownCounter
	sessionsActive metric.Int64UpDownCounter

	// Histograms
	batchDuration metric.Float64Histogram
}

var (
	_ delivery.Metrics = (*Metrics)(nil)
	_ events.Emitter   = (*Metrics)(nil)
)

// NewMetrics creates a new Metrics instance from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates a new Metrics instance with all instruments initialized.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.delivered, err = m.meter.Int64Counter(
		"fluxcb.entries.delivered.total",
		metric.WithDescription("Entries acknowledged by a callback endpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.failed, err = m.meter.Int64Counter(
		"fluxcb.entries.failed.total",
		metric.WithDescription("Entries of failed delivery attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	m.redelivered, err = m.meter.Int64Counter(
		"fluxcb.entries.redelivered.total",
		metric.WithDescription("Entries requeued for another delivery attempt"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redelivered counter: %w", err)
	}

	m.volatileDropped, err = m.meter.Int64Counter(
		"fluxcb.entries.volatile_dropped.total",
		metric.WithDescription("Volatile entries dropped after a failed delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create volatileDropped counter: %w", err)
	}

	m.deadLettered, err = m.meter.Int64Counter(
		"fluxcb.entries.dead_lettered.total",
		metric.WithDescription("Entries moved to the dead letter store"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLettered counter: %w", err)
	}

	m.transitions, err = m.meter.Int64Counter(
		"fluxcb.connection.transitions.total",
		metric.WithDescription("Delivery connection state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.subscriptionsOps, err = m.meter.Int64Counter(
		"fluxcb.subscriptions.changes.total",
		metric.WithDescription("Subscriptions added to or removed from sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsOps counter: %w", err)
	}

	m.sessionsTornDown, err = m.meter.Int64Counter(
		"fluxcb.sessions.torn_down.total",
		metric.WithDescription("Sessions torn down by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsTornDown counter: %w", err)
	}

	m.workersActive, err = m.meter.Int64UpDownCounter(
		"fluxcb.workers.active",
		metric.WithDescription("Delivery workers holding a pool slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersActive gauge: %w", err)
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"fluxcb.sessions.active",
		metric.WithDescription("Number of established sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.batchDuration, err = m.meter.Float64Histogram(
		"fluxcb.batch.duration.ms",
		metric.WithDescription("Batch dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchDuration histogram: %w", err)
	}

	return m, nil
}

// Delivered records acknowledged entries.
func (m *Metrics) Delivered(n int) {
	m.delivered.Add(context.Background(), int64(n))
}

// Failed records entries of a failed attempt.
func (m *Metrics) Failed(n int) {
	m.failed.Add(context.Background(), int64(n))
}

// Redelivered records requeued entries.
func (m *Metrics) Redelivered(n int) {
	m.redelivered.Add(context.Background(), int64(n))
}

// VolatileDropped records dropped volatile entries.
func (m *Metrics) VolatileDropped(n int) {
	if n == 0 {
		return
	}
	m.volatileDropped.Add(context.Background(), int64(n))
}

// BatchDuration records the duration of one dispatch.
func (m *Metrics) BatchDuration(d time.Duration) {
	m.batchDuration.Record(context.Background(), float64(d)/float64(time.Millisecond))
}

// StateChanged records a connection transition.
func (m *Metrics) StateChanged(from, to delivery.State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// WorkerStarted records a reserved pool slot.
func (m *Metrics) WorkerStarted() {
	m.workersActive.Add(context.Background(), 1)
}

// WorkerFinished records a released pool slot.
func (m *Metrics) WorkerFinished() {
	m.workersActive.Add(context.Background(), -1)
}

// Emit counts lifecycle events.
func (m *Metrics) Emit(e events.Event) {
	ctx := context.Background()
	switch ev := e.(type) {
	case events.SessionEstablished:
		m.sessionsActive.Add(ctx, 1)
	case events.SessionTornDown:
		m.sessionsActive.Add(ctx, -1)
		m.sessionsTornDown.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", ev.Reason),
		))
	case events.MessageDeadLettered:
		m.deadLettered.Add(ctx, 1)
	case events.SubscriptionCreated:
		m.subscriptionsOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "add")))
	case events.SubscriptionRemoved:
		m.subscriptionsOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "remove")))
	}
}
