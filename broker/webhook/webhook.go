// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards session lifecycle events to operator endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxcb/broker/events"
)

// Notifier is an events.Emitter that posts events to configured endpoints
// from a background worker pool.
type Notifier interface {
	events.Emitter

	// Notify queues ev for every endpoint whose filters accept it.
	// It never waits for delivery.
	Notify(ctx context.Context, ev events.Event) error

	// Close stops the workers, giving in-flight posts the configured
	// shutdown timeout to finish.
	Close() error
}

// Sender transmits one serialized event.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
