// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/delivery"
	"github.com/absmach/fluxcb/queue"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Config holds the collaborators shared by all sessions.
type Config struct {
	Registry *transport.Registry
	Pool     *delivery.Pool

	// Store persists session records and queued entries. Optional.
	Store storage.Store

	Connection      delivery.ConnectionConfig
	BatchSize       int
	Mode            delivery.Mode
	Capacity        int
	MaxRedeliveries int

	Events  events.Emitter
	Metrics delivery.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Manager is the registry of established sessions.
type Manager struct {
	cfg    Config
	events events.Emitter
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	pending    map[string]struct{}
	onTeardown []func(*Session)
	closed     bool
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil || cfg.Pool == nil {
		return nil, errors.New("session manager requires a transport registry and a worker pool")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	em := cfg.Events
	if em == nil {
		em = events.Nop
	}

	return &Manager{
		cfg:      cfg,
		events:   em,
		logger:   logger,
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
	}, nil
}

// OnTeardown registers fn to run after a session is torn down.
func (m *Manager) OnTeardown(fn func(*Session)) {
	m.mu.Lock()
	m.onTeardown = append(m.onTeardown, fn)
	m.mu.Unlock()
}

// Establish creates the session queue, restores its persisted entries, opens
// its callback connections and records the session. It fails when none of
// the callback addresses is reachable.
func (m *Manager) Establish(ctx context.Context, opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if len(opts.Addresses) == 0 {
		return nil, delivery.ErrNoAddresses
	}
	for _, a := range opts.Addresses {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("invalid callback address %s: %w", a, err)
		}
	}

	if err := m.reserve(opts.ID); err != nil {
		return nil, err
	}
	s, restored, err := m.open(ctx, opts)
	if err != nil {
		m.release(opts.ID, nil)
		return nil, err
	}
	if !m.release(opts.ID, s) {
		return nil, multierr.Combine(ErrClosed, s.callbacks.Close(), s.queue.Close(s.persistent))
	}

	addrs := make([]string, len(opts.Addresses))
	for i, a := range opts.Addresses {
		addrs[i] = a.String()
	}
	m.logger.Info("session_established",
		slog.String("session_id", s.id),
		slog.Int("addresses", len(addrs)),
		slog.Bool("persistent", s.persistent),
		slog.Int("restored", restored))
	m.events.Emit(events.SessionEstablished{
		SessionID:     s.id,
		Addresses:     addrs,
		Subscriptions: s.Subscriptions(),
		Persistent:    s.persistent,
		Restored:      restored,
	})

	// Connections may have died before the session was registered, in
	// which case the fatal notification found nothing to tear down.
	if allDead(s.callbacks) {
		go m.unreachable(s.id, delivery.ErrDead)
	}
	return s, nil
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("session %s: %w", id, ErrExists)
	}
	if _, ok := m.pending[id]; ok {
		return fmt.Errorf("session %s: %w", id, ErrExists)
	}
	m.pending[id] = struct{}{}
	return nil
}

// release drops the reservation of id and registers s. It reports false
// when the manager was closed in the meantime.
func (m *Manager) release(id string, s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, id)
	if s == nil || m.closed {
		return false
	}
	m.sessions[id] = s
	return true
}

func (m *Manager) open(ctx context.Context, opts Options) (*Session, int, error) {
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = m.cfg.Capacity
	}
	mode := opts.Mode
	if mode == "" {
		mode = m.cfg.Mode
	}

	qopts := queue.Options{
		Capacity:        capacity,
		MaxRedeliveries: m.cfg.MaxRedeliveries,
		OnDeadLetter:    m.deadLettered,
		Logger:          m.logger,
	}
	if m.cfg.Store != nil {
		qopts.DeadLetters = m.cfg.Store.DeadLetters()
		if opts.Persistent {
			qopts.Store = m.cfg.Store.Messages()
		}
	}
	q := queue.New(opts.ID, qopts)

	restored, err := q.Restore()
	if err != nil {
		return nil, 0, err
	}

	exporter := opts.Exporter
	if exporter == nil && opts.ExportHeaders {
		exporter = HeaderExporter(opts.ID)
	}

	s := &Session{
		id:            opts.ID,
		createdAt:     time.Now().UTC(),
		persistent:    opts.Persistent,
		mode:          mode,
		headers:       opts.ExportHeaders,
		addresses:     opts.Addresses,
		queue:         q,
		subscriptions: append([]string(nil), opts.Subscriptions...),
	}

	cb, err := delivery.NewManager(ctx, delivery.ManagerOptions{
		SessionID:     opts.ID,
		Addresses:     opts.Addresses,
		Registry:      m.cfg.Registry,
		Queue:         q,
		Pool:          m.cfg.Pool,
		Connection:    m.cfg.Connection,
		BatchSize:     m.cfg.BatchSize,
		Mode:          mode,
		Exporter:      exporter,
		OnFatal:       m.unreachable,
		OnStateChange: m.connectionStateChanged,
		Clock:         m.cfg.Clock,
		Metrics:       m.cfg.Metrics,
		Logger:        m.logger,
	})
	if err != nil {
		// Keep persisted entries: the session was never torn down.
		return nil, 0, multierr.Append(fmt.Errorf("failed to establish session %s: %w", opts.ID, err), q.Close(true))
	}
	s.callbacks = cb

	if err := m.save(s, capacity); err != nil {
		return nil, 0, multierr.Combine(err, cb.Close(), q.Close(true))
	}
	return s, restored, nil
}

func (m *Manager) save(s *Session, capacity int) error {
	if m.cfg.Store == nil {
		return nil
	}
	rec := &storage.Session{
		ID:            s.id,
		CreatedAt:     s.createdAt,
		Addresses:     toStorage(s.addresses),
		Subscriptions: s.Subscriptions(),
		Mode:          string(s.mode),
		Capacity:      capacity,
		Persistent:    s.persistent,
		ExportHeaders: s.headers,
	}
	if err := m.cfg.Store.Sessions().Save(rec); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.id, err)
	}
	return nil
}

// Get returns an established session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// List returns the established sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of established sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AddSubscription records a key filter on the session.
func (m *Manager) AddSubscription(id, filter string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if !s.addSubscription(filter) {
		return nil
	}
	m.events.Emit(events.SubscriptionCreated{SessionID: id, Filter: filter})
	return m.save(s, s.queue.Capacity())
}

// RemoveSubscription drops a key filter from the session.
func (m *Manager) RemoveSubscription(id, filter string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if !s.removeSubscription(filter) {
		return nil
	}
	m.events.Emit(events.SubscriptionRemoved{SessionID: id, Filter: filter})
	return m.save(s, s.queue.Capacity())
}

// Teardown removes a session. Its callback manager is closed first, so no
// worker or timer of the session runs once Teardown returns. Persistent
// sessions torn down for any reason but an explicit request keep their
// record and queued entries for a later Restore.
func (m *Manager) Teardown(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	hooks := append([]func(*Session){}, m.onTeardown...)
	m.mu.Unlock()

	keep := s.persistent && reason != ReasonRequested
	pending := s.queue.Len()

	err := s.callbacks.Close()
	err = multierr.Append(err, s.queue.Close(keep))
	if m.cfg.Store != nil && !keep {
		if derr := m.cfg.Store.Sessions().Delete(id); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			err = multierr.Append(err, derr)
		}
	}

	for _, fn := range hooks {
		fn(s)
	}

	m.logger.Info("session_torn_down",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.Int("pending", pending),
		slog.Bool("kept", keep))
	m.events.Emit(events.SessionTornDown{
		SessionID: id,
		Reason:    reason,
		Pending:   pending,
		Flushed:   keep,
	})
	return err
}

// Restore re-establishes the persistent sessions found in the store and
// removes records of non-persistent ones. Sessions that cannot be
// established are kept in the store and reported in the returned error.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.cfg.Store == nil {
		return 0, nil
	}
	recs, err := m.cfg.Store.Sessions().List()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	var errs error
	restored := 0
	for _, rec := range recs {
		if !rec.Persistent {
			errs = multierr.Append(errs, m.discard(rec.ID))
			continue
		}
		_, err := m.Establish(ctx, Options{
			ID:            rec.ID,
			Addresses:     fromStorage(rec.Addresses),
			Subscriptions: rec.Subscriptions,
			Capacity:      rec.Capacity,
			Persistent:    true,
			Mode:          delivery.Mode(rec.Mode),
			ExportHeaders: rec.ExportHeaders,
		})
		if err != nil {
			m.logger.Warn("session_restore_failed",
				slog.String("session_id", rec.ID),
				slog.String("error", err.Error()))
			errs = multierr.Append(errs, err)
			continue
		}
		restored++
	}
	return restored, errs
}

func (m *Manager) discard(id string) error {
	return multierr.Combine(
		m.cfg.Store.Messages().DeleteSession(id),
		m.cfg.Store.Sessions().Delete(id),
	)
}

// Close tears down every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var err error
	for _, id := range ids {
		if terr := m.Teardown(id, ReasonShutdown); terr != nil && !errors.Is(terr, ErrNotFound) {
			err = multierr.Append(err, terr)
		}
	}
	return err
}

// Closed reports whether Close was called.
func (m *Manager) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func allDead(cb *delivery.Manager) bool {
	for _, c := range cb.Connections() {
		if c.State() != delivery.StateDead {
			return false
		}
	}
	return true
}

func (m *Manager) unreachable(id string, cause error) {
	m.logger.Warn("session_unreachable",
		slog.String("session_id", id),
		slog.String("cause", cause.Error()))
	if err := m.Teardown(id, ReasonUnreachable); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Error("session_teardown_failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) connectionStateChanged(id string, info delivery.ConnectionInfo, from, to delivery.State) {
	m.events.Emit(events.ConnectionStateChanged{
		SessionID: id,
		Protocol:  info.Type,
		Location:  info.Location,
		From:      from.String(),
		To:        to.String(),
		Retries:   info.Retries,
		Error:     info.LastError,
	})
}

func (m *Manager) deadLettered(d *storage.DeadLetter) {
	ev := events.MessageDeadLettered{
		SessionID: d.SessionID,
		Reason:    d.Reason,
	}
	if d.Entry != nil {
		ev.EntryID = d.Entry.ID
		ev.Key = d.Entry.Key
		ev.RedeliverCount = d.Entry.RedeliverCount
	}
	m.events.Emit(ev)
}
