// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxcb/storage"
)

const numBands = storage.PriorityLowest - storage.PriorityHighest + 1

// Options configures a session queue.
type Options struct {
	// Capacity bounds queued plus in-flight entries. Zero or less means unbounded.
	Capacity int

	// MaxRedeliveries moves an entry to the dead letter store once its
	// redelivery count exceeds it. Zero means unlimited.
	MaxRedeliveries int

	// Store receives persistent entries (write-through). Optional.
	Store storage.MessageStore

	// DeadLetters receives entries that exceeded MaxRedeliveries. Optional.
	DeadLetters storage.DeadLetterStore

	// OnDeadLetter is called after an entry is moved to the dead letter store.
	OnDeadLetter func(d *storage.DeadLetter)

	Logger *slog.Logger
}

// band holds the entries of one priority level. The first retried entries
// are requeued ones and always precede fresh arrivals.
type band struct {
	entries []*storage.Entry
	retried int
}

// Queue is the ordered, bounded queue of entries pending delivery to one session.
// Entries are ordered by priority, then timestamp, then arrival. All operations
// are linearizable.
type Queue struct {
	mu sync.Mutex

	sessionID       string
	bands           [numBands]band
	queued          int
	ids             map[string]struct{}
	inflight        map[string]*storage.Entry
	capacity        int
	maxRedeliveries int
	errorCounter    int
	closed          bool

	store       storage.MessageStore
	deadLetters storage.DeadLetterStore
	onDead      func(*storage.DeadLetter)
	notify      func()
	logger      *slog.Logger
}

// New creates a session queue.
func New(sessionID string, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		sessionID:       sessionID,
		ids:             make(map[string]struct{}),
		inflight:        make(map[string]*storage.Entry),
		capacity:        opts.Capacity,
		maxRedeliveries: opts.MaxRedeliveries,
		store:           opts.Store,
		deadLetters:     opts.DeadLetters,
		onDead:          opts.OnDeadLetter,
		logger:          logger.With(slog.String("session_id", sessionID)),
	}
}

// SessionID returns the owning session.
func (q *Queue) SessionID() string {
	return q.sessionID
}

// SetNotifier registers the function called after a successful Enqueue.
// It is invoked outside the queue lock.
func (q *Queue) SetNotifier(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// Enqueue inserts an entry in priority/timestamp order.
// Returns an error wrapping ErrQueueFull when the queue is at capacity and
// ErrDuplicate when an entry with the same ID is queued or in flight.
func (q *Queue) Enqueue(e *storage.Entry) error {
	if e == nil || e.ID == "" {
		return ErrInvalidEntry
	}
	e.Priority = storage.NormalizePriority(e.Priority)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.holds(e.ID) {
		q.mu.Unlock()
		return fmt.Errorf("enqueue entry %s for session %s: %w", e.ID, q.sessionID, ErrDuplicate)
	}
	if size := q.queued + len(q.inflight); q.capacity > 0 && size >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("enqueue entry %s for session %s (current: %d, max: %d): %w",
			e.ID, q.sessionID, size, q.capacity, ErrQueueFull)
	}
	if e.Persistent && q.store != nil {
		if err := q.store.Save(q.sessionID, e); err != nil {
			q.mu.Unlock()
			return fmt.Errorf("failed to persist entry %s: %w", e.ID, err)
		}
	}
	q.insert(e)
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// insert places a fresh entry after every entry of its band with an equal
// or earlier timestamp, never ahead of requeued entries. Caller holds q.mu.
func (q *Queue) insert(e *storage.Entry) {
	b := &q.bands[e.Priority-storage.PriorityHighest]
	fresh := b.entries[b.retried:]
	i := sort.Search(len(fresh), func(i int) bool {
		return fresh[i].Timestamp.After(e.Timestamp)
	})
	pos := b.retried + i

	b.entries = append(b.entries, nil)
	copy(b.entries[pos+1:], b.entries[pos:])
	b.entries[pos] = e
	q.ids[e.ID] = struct{}{}
	q.queued++
}

// holds reports whether an entry with the given ID is queued or in flight.
// Caller holds q.mu.
func (q *Queue) holds(id string) bool {
	if _, ok := q.ids[id]; ok {
		return true
	}
	_, ok := q.inflight[id]
	return ok
}

// TakeBatch atomically removes up to max highest-priority entries and marks
// them in flight. Returns an empty slice when the queue is empty.
func (q *Queue) TakeBatch(max int) []*storage.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || q.queued == 0 {
		return nil
	}

	batch := make([]*storage.Entry, 0, min(max, q.queued))
	for i := range q.bands {
		b := &q.bands[i]
		n := min(max-len(batch), len(b.entries))
		if n == 0 {
			continue
		}
		batch = append(batch, b.entries[:n]...)
		clear(b.entries[:n])
		b.entries = b.entries[n:]
		b.retried = max0(b.retried - n)
		if len(batch) == max {
			break
		}
	}

	for _, e := range batch {
		delete(q.ids, e.ID)
		q.inflight[e.ID] = e
	}
	q.queued -= len(batch)
	return batch
}

// Ack removes delivered entries from flight and from the persistent store.
func (q *Queue) Ack(entries []*storage.Entry) {
	q.mu.Lock()
	var persisted []string
	for _, e := range entries {
		delete(q.inflight, e.ID)
		if e.Persistent {
			persisted = append(persisted, e.ID)
		}
	}
	store := q.store
	q.mu.Unlock()

	q.deleteStored(store, persisted)
}

// Requeue puts entries of a failed delivery attempt back at the front of
// their priority band and increments their redelivery counter. Entries over
// the redelivery limit are moved to the dead letter store instead.
func (q *Queue) Requeue(entries []*storage.Entry) {
	q.putBack(entries, true)
}

// Return puts entries whose delivery was abandoned back at the front of
// their priority band without counting a redelivery.
func (q *Queue) Return(entries []*storage.Entry) {
	q.putBack(entries, false)
}

func (q *Queue) putBack(entries []*storage.Entry, redeliver bool) {
	if len(entries) == 0 {
		return
	}

	q.mu.Lock()
	var (
		requeued [numBands][]*storage.Entry
		save     []*storage.Entry
		dead     []*storage.Entry
	)
	for _, e := range entries {
		delete(q.inflight, e.ID)
		if redeliver {
			e.RedeliverCount++
			if q.maxRedeliveries > 0 && e.RedeliverCount > q.maxRedeliveries {
				dead = append(dead, e)
				continue
			}
			if e.Persistent {
				save = append(save, e)
			}
		}
		idx := storage.NormalizePriority(e.Priority) - storage.PriorityHighest
		requeued[idx] = append(requeued[idx], e)
	}

	if q.closed {
		// Persistent entries stay in the store for the next incarnation.
		store := q.store
		q.mu.Unlock()
		q.saveStored(store, save)
		q.logger.Warn("entries requeued after queue close",
			slog.Int("count", len(entries)))
		return
	}

	for i, es := range requeued {
		if len(es) == 0 {
			continue
		}
		sort.SliceStable(es, func(a, b int) bool {
			return es[a].Timestamp.Before(es[b].Timestamp)
		})
		b := &q.bands[i]
		b.entries = append(es, b.entries...)
		b.retried += len(es)
		q.queued += len(es)
		for _, e := range es {
			q.ids[e.ID] = struct{}{}
		}
	}
	store := q.store
	q.mu.Unlock()

	q.saveStored(store, save)
	for _, e := range dead {
		q.deadLetter(e, fmt.Sprintf("redelivery limit %d exceeded", q.maxRedeliveries))
	}
}

// PurgeVolatile drops the volatile entries of a failed batch and returns
// the remaining ones, which the caller is expected to requeue.
func (q *Queue) PurgeVolatile(entries []*storage.Entry) (kept []*storage.Entry, dropped int) {
	q.mu.Lock()
	var persisted []string
	for _, e := range entries {
		if !e.Volatile {
			kept = append(kept, e)
			continue
		}
		delete(q.inflight, e.ID)
		dropped++
		if e.Persistent {
			persisted = append(persisted, e.ID)
		}
	}
	store := q.store
	q.mu.Unlock()

	q.deleteStored(store, persisted)
	if dropped > 0 {
		q.logger.Debug("volatile entries dropped after failed delivery",
			slog.Int("dropped", dropped))
	}
	return kept, dropped
}

// Erase administratively removes a queued entry.
func (q *Queue) Erase(entryID string) error {
	q.mu.Lock()
	if _, ok := q.inflight[entryID]; ok {
		q.mu.Unlock()
		return ErrInFlight
	}

	var found *storage.Entry
	for i := range q.bands {
		b := &q.bands[i]
		for j, e := range b.entries {
			if e.ID != entryID {
				continue
			}
			found = e
			delete(q.ids, e.ID)
			b.entries = append(b.entries[:j], b.entries[j+1:]...)
			if j < b.retried {
				b.retried--
			}
			q.queued--
			break
		}
		if found != nil {
			break
		}
	}
	store := q.store
	q.mu.Unlock()

	if found == nil {
		return ErrNotFound
	}
	if found.Persistent {
		q.deleteStored(store, []string{found.ID})
	}
	return nil
}

// Restore loads persisted entries of the session into the queue.
// Restored entries are not subject to the capacity check. Entries already
// queued or in flight are skipped.
func (q *Queue) Restore() (int, error) {
	if q.store == nil {
		return 0, nil
	}

	entries, err := q.store.List(q.sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to restore session queue: %w", err)
	}

	q.mu.Lock()
	restored := 0
	for _, e := range entries {
		if e == nil || e.ID == "" || q.holds(e.ID) {
			continue
		}
		e.Priority = storage.NormalizePriority(e.Priority)
		q.insert(e)
		restored++
	}
	size := q.queued
	notify := q.notify
	q.mu.Unlock()

	if q.capacity > 0 && size > q.capacity {
		q.logger.Warn("restored queue exceeds capacity",
			slog.Int("size", size),
			slog.Int("capacity", q.capacity))
	}
	if restored > 0 && notify != nil {
		notify()
	}
	return restored, nil
}

// Close stops the queue. With flush set, persisted entries are kept in the
// store for a later Restore; otherwise they are discarded.
func (q *Queue) Close(flush bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.queued
	for i := range q.bands {
		q.bands[i] = band{}
	}
	clear(q.ids)
	q.queued = 0
	store := q.store
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("session queue closed",
			slog.Int("pending", dropped),
			slog.Bool("flushed", flush))
	}
	if !flush && store != nil {
		return store.DeleteSession(q.sessionID)
	}
	return nil
}

// Snapshot returns copies of the queued entries in delivery order.
func (q *Queue) Snapshot() []*storage.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*storage.Entry, 0, q.queued)
	for i := range q.bands {
		for _, e := range q.bands[i].entries {
			out = append(out, storage.CopyEntry(e))
		}
	}
	return out
}

// Len returns the number of queued entries, not counting in-flight ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// InFlight returns the number of entries taken but not yet acked or requeued.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// ErrorCounter returns the number of consecutive failed delivery rounds.
func (q *Queue) ErrorCounter() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errorCounter
}

// IncrementErrorCounter records a failed delivery round.
func (q *Queue) IncrementErrorCounter() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errorCounter++
	return q.errorCounter
}

// ResetErrorCounter records a successful delivery round.
func (q *Queue) ResetErrorCounter() {
	q.mu.Lock()
	q.errorCounter = 0
	q.mu.Unlock()
}

func (q *Queue) deadLetter(e *storage.Entry, reason string) {
	if q.deadLetters != nil {
		d := &storage.DeadLetter{
			At:        time.Now(),
			Entry:     e,
			SessionID: q.sessionID,
			Reason:    reason,
		}
		if err := q.deadLetters.Add(d); err != nil {
			// Keep it in the message store so it survives for an operator.
			q.logger.Error("failed to dead-letter entry",
				slog.String("entry_id", e.ID),
				slog.String("error", err.Error()))
			return
		}
		if q.onDead != nil {
			q.onDead(d)
		}
	} else {
		q.logger.Warn("entry discarded, no dead letter store",
			slog.String("entry_id", e.ID),
			slog.String("reason", reason))
	}

	if e.Persistent {
		q.deleteStored(q.store, []string{e.ID})
	}
}

func (q *Queue) saveStored(store storage.MessageStore, entries []*storage.Entry) {
	if store == nil {
		return
	}
	for _, e := range entries {
		if err := store.Save(q.sessionID, e); err != nil {
			q.logger.Error("failed to update persisted entry",
				slog.String("entry_id", e.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (q *Queue) deleteStored(store storage.MessageStore, ids []string) {
	if store == nil {
		return
	}
	for _, id := range ids {
		if err := store.Delete(q.sessionID, id); err != nil {
			q.logger.Error("failed to delete persisted entry",
				slog.String("entry_id", id),
				slog.String("error", err.Error()))
		}
	}
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
