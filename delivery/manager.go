// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxcb/queue"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Mode selects how a batch is routed across the connections of a session.
type Mode string

const (
	// ModeFailover sends to alive connections in registration order until one succeeds.
	ModeFailover Mode = "failover"
	// ModeBroadcast sends to every alive connection; an entry is delivered
	// only when all of them acknowledge it.
	ModeBroadcast Mode = "broadcast"
)

// DefaultBatchSize is used when ManagerOptions.BatchSize is not set.
const DefaultBatchSize = 100

// ManagerOptions configures the callback manager of a session.
type ManagerOptions struct {
	SessionID  string
	Addresses  []transport.Address
	Registry   *transport.Registry
	Queue      *queue.Queue
	Pool       *Pool
	Connection ConnectionConfig
	BatchSize  int
	Mode       Mode
	Exporter   Exporter

	// OnFatal is called once, asynchronously, when every connection is dead.
	OnFatal func(sessionID string, err error)

	// OnStateChange observes connection transitions.
	OnStateChange func(sessionID string, info ConnectionInfo, from, to State)

	Clock   clock.Clock
	Metrics Metrics
	Logger  *slog.Logger
}

// ManagerInfo is a read-only view of a callback manager.
type ManagerInfo struct {
	SessionID   string           `json:"session_id"`
	Mode        Mode             `json:"mode"`
	Scheduled   bool             `json:"scheduled"`
	Connections []ConnectionInfo `json:"connections"`
}

// Manager owns the delivery connections of one session and schedules
// delivery workers draining its queue.
type Manager struct {
	sessionID string
	queue     *queue.Queue
	pool      *Pool
	batchSize int
	mode      Mode
	retry     time.Duration
	onFatal   func(string, error)
	onState   func(string, ConnectionInfo, State, State)
	clock     clock.Clock
	metrics   Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	conns      []*Connection
	scheduled  bool
	closed     bool
	retryTimer *clock.Timer
	wg         sync.WaitGroup
	fatalOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager opens a connection for every address and hooks the manager
// to the queue. It fails when no connection could be opened.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	if len(opts.Addresses) == 0 {
		return nil, ErrNoAddresses
	}
	if opts.Queue == nil || opts.Pool == nil || opts.Registry == nil {
		return nil, errors.New("callback manager requires a queue, a pool and a transport registry")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeFailover
	}
	if mode != ModeFailover && mode != ModeBroadcast {
		return nil, fmt.Errorf("unknown dispatch mode %q", mode)
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	for _, addr := range opts.Addresses {
		if err := addr.Validate(); err != nil {
			return nil, fmt.Errorf("invalid callback address %s: %w", addr, err)
		}
		if _, err := opts.Registry.Factory(addr.Type); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		sessionID: opts.SessionID,
		queue:     opts.Queue,
		pool:      opts.Pool,
		batchSize: batchSize,
		mode:      mode,
		retry:     opts.Connection.RetryDelay,
		onFatal:   opts.OnFatal,
		onState:   opts.OnStateChange,
		clock:     clk,
		metrics:   metricsOrNop(opts.Metrics),
		logger:    logger.With(slog.String("session_id", opts.SessionID)),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Dial all addresses concurrently; order of conns follows registration.
	conns := make([]*Connection, len(opts.Addresses))
	var g errgroup.Group
	for i, addr := range opts.Addresses {
		g.Go(func() error {
			conns[i] = NewConnection(ctx, ConnectionOptions{
				SessionID:     opts.SessionID,
				Address:       addr,
				Factory:       opts.Registry.Open,
				Config:        opts.Connection,
				Exporter:      opts.Exporter,
				OnStateChange: m.connectionStateChanged,
				Clock:         clk,
				Metrics:       opts.Metrics,
				Logger:        logger,
			})
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.conns = conns
	m.mu.Unlock()

	if m.allDead() {
		err := m.shutdownConnections()
		return nil, multierr.Append(fmt.Errorf("session %s: no reachable callback address: %w", opts.SessionID, ErrDead), err)
	}

	m.queue.SetNotifier(m.Schedule)
	if m.queue.Len() > 0 {
		m.Schedule()
	}
	return m, nil
}

// SessionID returns the owning session.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Connections returns the connections in registration order.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Connection, len(m.conns))
	copy(out, m.conns)
	return out
}

// Info returns a snapshot for administrative introspection.
func (m *Manager) Info() ManagerInfo {
	m.mu.Lock()
	scheduled := m.scheduled
	m.mu.Unlock()

	conns := m.Connections()
	info := ManagerInfo{
		SessionID:   m.sessionID,
		Mode:        m.mode,
		Scheduled:   scheduled,
		Connections: make([]ConnectionInfo, len(conns)),
	}
	for i, c := range conns {
		info.Connections[i] = c.Info()
	}
	return info
}

// Schedule starts a delivery worker unless one is already scheduled, the
// manager is closed, or no connection is alive.
func (m *Manager) Schedule() {
	if !m.hasAlive() {
		return
	}

	m.mu.Lock()
	if m.closed || m.scheduled {
		m.mu.Unlock()
		return
	}
	m.scheduled = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.work()
}

// Dispatch routes a batch to the alive connections according to the
// dispatch mode and returns one ack per acknowledged entry. It returns
// ErrManagerClosed after Close.
func (m *Manager) Dispatch(ctx context.Context, entries []*storage.Entry, redeliver int) ([]transport.Ack, error) {
	if m.Closed() {
		return nil, ErrManagerClosed
	}

	var alive []*Connection
	for _, c := range m.Connections() {
		if c.State() == StateAlive {
			alive = append(alive, c)
		}
	}
	if len(alive) == 0 {
		return nil, ErrNoConnection
	}

	if m.mode == ModeBroadcast {
		return m.broadcast(ctx, alive, entries, redeliver)
	}

	var errs error
	for _, c := range alive {
		acks, err := c.SendBatch(ctx, entries, redeliver)
		if err == nil {
			return acks, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.Address(), err))
		if errors.Is(err, ErrExport) {
			break
		}
	}
	return nil, errs
}

func (m *Manager) broadcast(ctx context.Context, conns []*Connection, entries []*storage.Entry, redeliver int) ([]transport.Ack, error) {
	results := make([][]transport.Ack, len(conns))
	errs := make([]error, len(conns))

	var g errgroup.Group
	for i, c := range conns {
		g.Go(func() error {
			acks, err := c.SendBatch(ctx, entries, redeliver)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Address(), err)
				return nil
			}
			results[i] = acks
			return nil
		})
	}
	_ = g.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}

	acks := make([]transport.Ack, len(entries))
	for i, e := range entries {
		acks[i] = transport.Ack{ID: e.ID, OK: true}
	}
	for _, res := range results {
		byID := make(map[string]transport.Ack, len(res))
		for _, a := range res {
			byID[a.ID] = a
		}
		for i := range acks {
			if a, ok := byID[acks[i].ID]; !ok || !a.OK {
				acks[i].OK = false
				if ok {
					acks[i].Reason = a.Reason
				}
			}
		}
	}
	return acks, nil
}

// Close stops scheduling, waits for the running worker, and shuts down
// all connections. Timers are cancelled before Close returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	m.queue.SetNotifier(nil)
	m.cancel()
	m.wg.Wait()

	return m.shutdownConnections()
}

// Closed reports whether Close was called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) shutdownConnections() error {
	var err error
	for _, c := range m.Connections() {
		err = multierr.Append(err, c.Shutdown())
	}
	return err
}

func (m *Manager) connectionStateChanged(c *Connection, from, to State, cause error) {
	if m.onState != nil {
		m.onState(m.sessionID, c.Info(), from, to)
	}

	switch to {
	case StateAlive:
		if m.queue.Len() > 0 {
			m.Schedule()
		}
	case StateDead:
		if m.Closed() || !m.allDead() {
			return
		}
		m.fatalOnce.Do(func() {
			m.logger.Error("callback_session_unreachable", slog.Any("error", cause))
			if m.onFatal != nil {
				// Teardown waits for connection callbacks, so it must not run on this one.
				go m.onFatal(m.sessionID, fmt.Errorf("all callback connections dead: %w", cause))
			}
		})
	}
}

func (m *Manager) hasAlive() bool {
	for _, c := range m.Connections() {
		if c.State() == StateAlive {
			return true
		}
	}
	return false
}

// allDead reports whether the manager has connections and all of them are dead.
func (m *Manager) allDead() bool {
	conns := m.Connections()
	if len(conns) == 0 {
		return false
	}
	for _, c := range conns {
		if c.State() != StateDead {
			return false
		}
	}
	return true
}

// scheduleRetry schedules a worker after the retry delay. It is used when
// a round failed while a connection stayed alive, so negative acks do not
// turn into a hot loop.
func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.retryTimer != nil {
		return
	}
	m.retryTimer = m.clock.AfterFunc(m.retry, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()
		m.Schedule()
	})
}
