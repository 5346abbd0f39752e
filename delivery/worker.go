// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
)

// work runs one delivery worker and schedules the next one while the queue
// has entries and a connection is alive.
func (m *Manager) work() {
	defer m.wg.Done()

	failed := m.runOnce()

	m.mu.Lock()
	m.scheduled = false
	closed := m.closed
	m.mu.Unlock()

	if closed || m.queue.Closed() || m.queue.Len() == 0 || !m.hasAlive() {
		return
	}
	if failed {
		m.scheduleRetry()
		return
	}
	m.Schedule()
}

// runOnce holds a pool slot for one batch. It reports whether the batch
// was not fully delivered.
func (m *Manager) runOnce() bool {
	slot, err := m.pool.Reserve(m.ctx)
	if err != nil {
		if !errors.Is(err, ErrPoolClosed) {
			m.logger.Debug("delivery_worker_cancelled", slog.String("error", err.Error()))
		}
		return false
	}
	defer slot.Release()

	if !m.hasAlive() {
		return false
	}

	batch := m.queue.TakeBatch(m.batchSize)
	if len(batch) == 0 {
		return false
	}
	return m.deliver(batch)
}

func (m *Manager) deliver(batch []*storage.Entry) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.fault(batch, fmt.Errorf("%w: panic: %v", ErrInvariant, r), debug.Stack())
			failed = true
		}
	}()

	start := m.clock.Now()
	acks, err := m.Dispatch(m.ctx, batch, m.queue.ErrorCounter())
	m.metrics.BatchDuration(m.clock.Since(start))

	if errors.Is(err, ErrInvariant) {
		m.fault(batch, err, nil)
		return true
	}
	if err != nil && (errors.Is(err, ErrManagerClosed) || m.ctx.Err() != nil) {
		m.queue.Return(batch)
		m.logger.Debug("delivery_round_abandoned",
			slog.Int("entries", len(batch)),
			slog.String("error", err.Error()))
		return false
	}

	delivered, rejected := split(batch, acks, err)
	if len(delivered) > 0 {
		m.queue.Ack(delivered)
		m.metrics.Delivered(len(delivered))
	}
	if len(rejected) == 0 {
		m.queue.ResetErrorCounter()
		return false
	}

	kept, dropped := m.queue.PurgeVolatile(rejected)
	m.queue.Requeue(kept)
	rounds := m.queue.IncrementErrorCounter()

	m.metrics.Failed(len(rejected))
	m.metrics.VolatileDropped(dropped)
	m.metrics.Redelivered(len(kept))

	attrs := []any{
		slog.Int("delivered", len(delivered)),
		slog.Int("requeued", len(kept)),
		slog.Int("dropped", dropped),
		slog.Int("failed_rounds", rounds),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	m.logger.Warn("delivery_round_failed", attrs...)
	return true
}

// fault requeues the whole batch, volatile entries included.
func (m *Manager) fault(batch []*storage.Entry, err error, stack []byte) {
	m.queue.Requeue(batch)
	m.queue.IncrementErrorCounter()
	m.metrics.Failed(len(batch))
	m.metrics.Redelivered(len(batch))

	attrs := []any{
		slog.Int("entries", len(batch)),
		slog.String("error", err.Error()),
	}
	if stack != nil {
		attrs = append(attrs, slog.String("stack", string(stack)))
	}
	m.logger.Error("delivery_worker_fault", attrs...)
}

// split partitions a batch into acknowledged and rejected entries.
// On error every entry is rejected.
func split(batch []*storage.Entry, acks []transport.Ack, err error) (delivered, rejected []*storage.Entry) {
	if err != nil {
		return nil, batch
	}

	ok := make(map[string]bool, len(acks))
	for _, a := range acks {
		ok[a.ID] = a.OK
	}
	for _, e := range batch {
		if ok[e.ID] {
			delivered = append(delivered, e)
			continue
		}
		rejected = append(rejected, e)
	}
	return delivered, rejected
}
