// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxcb/delivery"
	"github.com/absmach/fluxcb/queue"
	"github.com/absmach/fluxcb/transport"
)

// Teardown reasons.
const (
	ReasonRequested   = "requested"
	ReasonUnreachable = "unreachable"
	ReasonShutdown    = "shutdown"
)

// Options describes a session to establish.
type Options struct {
	// ID defaults to a random UUID.
	ID            string
	Addresses     []transport.Address
	Subscriptions []string

	// Capacity bounds the session queue. Zero uses the manager default,
	// a negative value makes the queue unbounded.
	Capacity int

	// Persistent sessions keep their queued persistent entries across
	// restarts and unreachable teardowns.
	Persistent bool

	// Mode overrides the manager's dispatch mode.
	Mode delivery.Mode

	// ExportHeaders stamps the session id and the redelivery count into
	// the properties of every transmitted entry. Ignored when Exporter is set.
	ExportHeaders bool

	// Exporter transforms entries before transmission.
	Exporter delivery.Exporter
}

// Session binds a queue to the callback manager delivering it.
type Session struct {
	id         string
	createdAt  time.Time
	persistent bool
	mode       delivery.Mode
	headers    bool
	addresses  []transport.Address
	queue      *queue.Queue
	callbacks  *delivery.Manager

	mu            sync.Mutex
	subscriptions []string
}

// Info is a read-only view of a session.
type Info struct {
	ID            string                    `json:"id"`
	CreatedAt     time.Time                 `json:"created_at"`
	Persistent    bool                      `json:"persistent"`
	Subscriptions []string                  `json:"subscriptions"`
	Queued        int                       `json:"queued"`
	InFlight      int                       `json:"in_flight"`
	Capacity      int                       `json:"capacity"`
	ErrorCounter  int                       `json:"error_counter"`
	Mode          delivery.Mode             `json:"mode"`
	ExportHeaders bool                      `json:"export_headers"`
	Connections   []delivery.ConnectionInfo `json:"connections"`
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Persistent reports whether the session survives restarts.
func (s *Session) Persistent() bool {
	return s.persistent
}

// Queue returns the session queue.
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// Callbacks returns the callback manager of the session.
func (s *Session) Callbacks() *delivery.Manager {
	return s.callbacks
}

// Addresses returns the callback addresses in registration order.
func (s *Session) Addresses() []transport.Address {
	return slices.Clone(s.addresses)
}

// Subscriptions returns the key filters of the session.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subscriptions)
}

func (s *Session) addSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.subscriptions, filter) {
		return false
	}
	s.subscriptions = append(s.subscriptions, filter)
	return true
}

func (s *Session) removeSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.subscriptions, filter)
	if i < 0 {
		return false
	}
	s.subscriptions = slices.Delete(s.subscriptions, i, i+1)
	return true
}

// Info returns a snapshot for administrative introspection.
func (s *Session) Info() Info {
	cb := s.callbacks.Info()
	return Info{
		ID:            s.id,
		CreatedAt:     s.createdAt,
		Persistent:    s.persistent,
		Subscriptions: s.Subscriptions(),
		Queued:        s.queue.Len(),
		InFlight:      s.queue.InFlight(),
		Capacity:      s.queue.Capacity(),
		ErrorCounter:  s.queue.ErrorCounter(),
		Mode:          cb.Mode,
		ExportHeaders: s.headers,
		Connections:   cb.Connections,
	}
}
