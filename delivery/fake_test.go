// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
)

var errUnreachable = errors.New("endpoint unreachable")

// endpoint is an in-memory callback endpoint shared by the drivers dialed to it.
type endpoint struct {
	mu       sync.Mutex
	down     bool
	nack     map[string]bool
	panics   int
	received []*storage.Entry
	oneway   int

	dials    atomic.Int64
	failures atomic.Int64
	pings    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
	open     atomic.Int64

	// gate, when set, blocks every send until it is closed.
	gate chan struct{}
}

func newEndpoint() *endpoint {
	return &endpoint{nack: make(map[string]bool)}
}

func (ep *endpoint) setDown(down bool) {
	ep.mu.Lock()
	ep.down = down
	ep.mu.Unlock()
}

func (ep *endpoint) setNack(id string, nack bool) {
	ep.mu.Lock()
	ep.nack[id] = nack
	ep.mu.Unlock()
}

func (ep *endpoint) panicNext(n int) {
	ep.mu.Lock()
	ep.panics = n
	ep.mu.Unlock()
}

func (ep *endpoint) isDown() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.down
}

func (ep *endpoint) entries() []*storage.Entry {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]*storage.Entry, len(ep.received))
	copy(out, ep.received)
	return out
}

func (ep *endpoint) ids() []string {
	var ids []string
	for _, e := range ep.entries() {
		ids = append(ids, e.ID)
	}
	return ids
}

func (ep *endpoint) factory() transport.Factory {
	return func(_ context.Context, _ transport.Address, _ *slog.Logger) (transport.Driver, error) {
		ep.dials.Add(1)
		if ep.isDown() {
			ep.failures.Add(1)
			return nil, errUnreachable
		}
		ep.open.Add(1)
		return &fakeDriver{ep: ep}, nil
	}
}

type fakeDriver struct {
	ep     *endpoint
	closed atomic.Bool
}

func (d *fakeDriver) SendUpdate(ctx context.Context, b *transport.Batch) ([]transport.Ack, error) {
	ep := d.ep

	n := ep.inflight.Add(1)
	defer ep.inflight.Add(-1)
	for {
		p := ep.peak.Load()
		if n <= p || ep.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if ep.gate != nil {
		select {
		case <-ep.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.panics > 0 {
		ep.panics--
		panic("driver bug")
	}
	if ep.down || d.closed.Load() {
		ep.failures.Add(1)
		return nil, errUnreachable
	}

	acks := make([]transport.Ack, len(b.Entries))
	for i, e := range b.Entries {
		acks[i] = transport.Ack{ID: e.ID, OK: !ep.nack[e.ID]}
		if acks[i].OK {
			ep.received = append(ep.received, storage.CopyEntry(e))
		}
	}
	return acks, nil
}

func (d *fakeDriver) SendUpdateOneway(_ context.Context, b *transport.Batch) error {
	ep := d.ep
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.down {
		ep.failures.Add(1)
		return errUnreachable
	}
	ep.oneway++
	for _, e := range b.Entries {
		ep.received = append(ep.received, storage.CopyEntry(e))
	}
	return nil
}

func (d *fakeDriver) Ping(_ context.Context, data []byte) ([]byte, error) {
	d.ep.pings.Add(1)
	if d.ep.isDown() || d.closed.Load() {
		d.ep.failures.Add(1)
		return nil, errUnreachable
	}
	return data, nil
}

func (d *fakeDriver) Shutdown() error {
	if d.closed.CompareAndSwap(false, true) {
		d.ep.open.Add(-1)
	}
	return nil
}

func entries(n int) []*storage.Entry {
	out := make([]*storage.Entry, n)
	for i := range out {
		out[i] = &storage.Entry{ID: fmt.Sprintf("e%03d", i), Key: "a/b", Content: []byte("payload")}
	}
	return out
}

type stateChange struct {
	from, to State
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []stateChange
}

func (r *stateRecorder) record(_ *Connection, from, to State, _ error) {
	r.mu.Lock()
	r.changes = append(r.changes, stateChange{from, to})
	r.mu.Unlock()
}

func (r *stateRecorder) all() []stateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stateChange, len(r.changes))
	copy(out, r.changes)
	return out
}
