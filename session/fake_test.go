// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
)

var errDown = errors.New("sink down")

// sink is an in-memory callback endpoint.
type sink struct {
	mu       sync.Mutex
	down     bool
	received []*storage.Entry
}

func (s *sink) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *sink) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *sink) entries() []*storage.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.Entry(nil), s.received...)
}

func (s *sink) ids() []string {
	var out []string
	for _, e := range s.entries() {
		out = append(out, e.ID)
	}
	return out
}

func (s *sink) factory() transport.Factory {
	return func(context.Context, transport.Address, *slog.Logger) (transport.Driver, error) {
		if s.isDown() {
			return nil, errDown
		}
		return sinkDriver{s}, nil
	}
}

type sinkDriver struct{ s *sink }

func (d sinkDriver) SendUpdate(_ context.Context, b *transport.Batch) ([]transport.Ack, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if d.s.down {
		return nil, errDown
	}
	for _, e := range b.Entries {
		d.s.received = append(d.s.received, storage.CopyEntry(e))
	}
	return transport.AckAll(b), nil
}

func (d sinkDriver) SendUpdateOneway(ctx context.Context, b *transport.Batch) error {
	_, err := d.SendUpdate(ctx, b)
	return err
}

func (d sinkDriver) Ping(_ context.Context, data []byte) ([]byte, error) {
	if d.s.isDown() {
		return nil, errDown
	}
	return data, nil
}

func (d sinkDriver) Shutdown() error { return nil }

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

func (r *recorder) find(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}
