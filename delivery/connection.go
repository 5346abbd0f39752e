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

	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
	"github.com/benbjohnson/clock"
)

// UnlimitedRetries keeps a connection polling until it is shut down.
const UnlimitedRetries = -1

// ConnectionConfig holds the timing of a delivery connection.
type ConnectionConfig struct {
	// PingInterval is the liveness probe period of an alive connection. Zero disables it.
	PingInterval time.Duration

	// RetryDelay is the delay between reconnect attempts while polling.
	RetryDelay time.Duration

	// MaxRetries bounds reconnect attempts. UnlimitedRetries never gives up.
	MaxRetries int

	// ResponseTimeout bounds every driver call unless the address sets its own timeout.
	ResponseTimeout time.Duration
}

// DefaultConnectionConfig returns the default connection timing.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		PingInterval:    30 * time.Second,
		RetryDelay:      5 * time.Second,
		MaxRetries:      10,
		ResponseTimeout: 10 * time.Second,
	}
}

// Exporter transforms an entry right before it is transmitted. It must not
// modify the entry it receives and must keep its ID. An error rejects the
// whole batch, which is requeued.
type Exporter func(e *storage.Entry, redeliver int) (*storage.Entry, error)

// StateFunc observes connection state transitions. It is called outside the
// connection lock.
type StateFunc func(c *Connection, from, to State, cause error)

// ConnectionOptions configures a delivery connection.
type ConnectionOptions struct {
	SessionID     string
	Address       transport.Address
	Factory       transport.Factory
	Config        ConnectionConfig
	Exporter      Exporter
	OnStateChange StateFunc
	Clock         clock.Clock
	Metrics       Metrics
	Logger        *slog.Logger
}

// ConnectionInfo is a read-only view of a connection.
type ConnectionInfo struct {
	Type       string    `json:"type"`
	Location   string    `json:"location"`
	State      State     `json:"state"`
	Retries    int       `json:"retries"`
	LastError  string    `json:"last_error,omitempty"`
	LastChange time.Time `json:"last_change"`
}

// Connection delivers batches to one callback address and tracks whether
// the address is reachable.
//
// An alive connection pings its endpoint every PingInterval. A failed send
// or ping switches it to polling, where the driver is re-created every
// RetryDelay until a reconnect succeeds or MaxRetries is reached. The retry
// counter starts at 1 when polling begins, so a connection that never
// recovers goes dead after MaxRetries+1 failed attempts.
type Connection struct {
	mu sync.Mutex

	sessionID string
	addr      transport.Address
	factory   transport.Factory
	cfg       ConnectionConfig
	exporter  Exporter
	onState   StateFunc
	clock     clock.Clock
	metrics   Metrics
	logger    *slog.Logger

	driver     transport.Driver
	state      State
	retries    int
	epoch      uint64
	pingTimer  *clock.Timer
	pollTimer  *clock.Timer
	lastErr    error
	lastChange time.Time
	closed     bool

	// ctx is cancelled on shutdown to abort in-flight driver calls.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnection dials the address and returns the connection. A connection
// whose first dial fails starts polling; with MaxRetries of zero it starts dead.
func NewConnection(ctx context.Context, opts ConnectionOptions) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Connection{
		sessionID: opts.SessionID,
		addr:      opts.Address,
		factory:   opts.Factory,
		cfg:       opts.Config,
		exporter:  opts.Exporter,
		onState:   opts.OnStateChange,
		clock:     clk,
		metrics:   metricsOrNop(opts.Metrics),
		logger: logger.With(
			slog.String("session_id", opts.SessionID),
			slog.String("callback", opts.Address.String())),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.lastChange = clk.Now()

	d, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.driver = d
		c.state = StateAlive
		c.armPingLocked()
		return c
	}

	c.lastErr = err
	c.logger.Warn("callback_connect_failed", slog.String("error", err.Error()))
	if c.cfg.MaxRetries == 0 {
		c.state = StateDead
		return c
	}
	c.state = StatePolling
	c.retries = 1
	c.armPollLocked()
	return c
}

// SessionID returns the owning session.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// Address returns the callback address.
func (c *Connection) Address() transport.Address {
	return c.addr
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the retry counter. It is zero while alive.
func (c *Connection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Info returns a snapshot for administrative introspection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ConnectionInfo{
		Type:       c.addr.Type,
		Location:   c.addr.Location,
		State:      c.state,
		Retries:    c.retries,
		LastChange: c.lastChange,
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}

// SendBatch exports and transmits entries and returns one ack per entry.
// A transport error moves the connection to polling. A connection that is
// not alive fails fast with ErrNotAlive or ErrDead. An export error or a
// call abandoned by the caller leaves the connection state untouched.
func (c *Connection) SendBatch(ctx context.Context, entries []*storage.Entry, redeliver int) ([]transport.Ack, error) {
	d, epoch, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer c.wg.Done()

	exported, err := c.export(entries, redeliver)
	if err != nil {
		return nil, err
	}
	batch := &transport.Batch{
		SessionID: c.sessionID,
		Entries:   exported,
		Redeliver: redeliver,
	}

	parent := ctx
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	var acks []transport.Ack
	if c.addr.Oneway {
		err = d.SendUpdateOneway(ctx, batch)
		if err == nil {
			acks = transport.AckAll(batch)
		}
	} else {
		acks, err = d.SendUpdate(ctx, batch)
	}

	if err != nil {
		if !c.abandoned(parent) {
			c.fail(epoch, err)
		}
		return nil, err
	}
	c.succeed(epoch)
	return acks, nil
}

// Ping probes the endpoint. A failed ping moves the connection to polling.
func (c *Connection) Ping(ctx context.Context, data []byte) ([]byte, error) {
	d, epoch, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer c.wg.Done()

	parent := ctx
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := d.Ping(ctx, data)
	if err != nil {
		if !c.abandoned(parent) {
			c.fail(epoch, err)
		}
		return nil, err
	}
	c.succeed(epoch)
	return resp, nil
}

// Shutdown moves the connection to dead, cancels its timers, waits for
// running timer callbacks and driver calls, and releases the driver.
// It is safe to call more than once.
func (c *Connection) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	from := c.state
	c.state = StateDead
	c.epoch++
	c.stopTimersLocked()
	d := c.driver
	c.driver = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if from != StateDead {
		c.metrics.StateChanged(from, StateDead)
		c.logger.Debug("callback_connection_shutdown", slog.String("from", from.String()))
	}
	if d != nil {
		if err := d.Shutdown(); err != nil {
			return fmt.Errorf("failed to release driver: %w", err)
		}
	}
	return nil
}

// acquire returns the driver of an alive connection and registers the
// caller as in flight. The caller must call c.wg.Done.
func (c *Connection) acquire() (transport.Driver, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDead:
		return nil, 0, ErrDead
	case StatePolling:
		return nil, 0, ErrNotAlive
	}
	if c.driver == nil {
		return nil, 0, fmt.Errorf("%w: alive connection without driver", ErrInvariant)
	}

	c.wg.Add(1)
	return c.driver, c.epoch, nil
}

func (c *Connection) export(entries []*storage.Entry, redeliver int) ([]*storage.Entry, error) {
	if c.exporter == nil {
		return entries, nil
	}
	out := make([]*storage.Entry, len(entries))
	for i, e := range entries {
		x, err := c.exporter(e, redeliver)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %w", ErrExport, e.ID, err)
		}
		if x == nil || x.ID != e.ID {
			return nil, fmt.Errorf("%w: entry %s: exporter changed the entry id", ErrExport, e.ID)
		}
		out[i] = x
	}
	return out, nil
}

// abandoned reports whether a failed call was cut short by its caller or by
// shutdown rather than by the endpoint. Deadlines still count as failures.
func (c *Connection) abandoned(parent context.Context) bool {
	return c.ctx.Err() != nil || errors.Is(parent.Err(), context.Canceled)
}

// callContext bounds a driver call by the response timeout and by shutdown.
func (c *Connection) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.addr.TimeoutOr(c.cfg.ResponseTimeout))
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// dial creates a driver and verifies the endpoint answers a ping.
func (c *Connection) dial(ctx context.Context) (transport.Driver, error) {
	if c.factory == nil {
		return nil, fmt.Errorf("%w: no driver factory", ErrInvariant)
	}

	ctx, cancel := context.WithTimeout(ctx, c.addr.TimeoutOr(c.cfg.ResponseTimeout))
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	d, err := c.factory(ctx, c.addr, c.logger)
	if err != nil {
		return nil, err
	}
	if _, err := d.Ping(ctx, nil); err != nil {
		_ = d.Shutdown()
		return nil, fmt.Errorf("ping after connect failed: %w", err)
	}
	return d, nil
}

// succeed re-arms the ping timer of an alive connection.
func (c *Connection) succeed(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAlive || c.epoch != epoch {
		return
	}
	c.armPingLocked()
}

// fail moves an alive connection to polling, or straight to dead when no
// retries are allowed.
func (c *Connection) fail(epoch uint64, cause error) {
	c.mu.Lock()
	if c.state != StateAlive || c.epoch != epoch {
		c.mu.Unlock()
		return
	}

	c.epoch++
	c.stopTimersLocked()
	d := c.driver
	c.driver = nil
	c.lastErr = cause
	c.lastChange = c.clock.Now()

	to := StatePolling
	if c.cfg.MaxRetries == 0 {
		to = StateDead
	} else {
		c.retries = 1
		c.armPollLocked()
	}
	c.state = to
	c.mu.Unlock()

	if d != nil {
		_ = d.Shutdown()
	}

	c.logger.Warn("callback_unreachable",
		slog.String("state", to.String()),
		slog.String("error", cause.Error()))
	c.notify(StateAlive, to, cause)
}

// heartbeat is the ping timer callback.
func (c *Connection) heartbeat(epoch uint64) {
	c.mu.Lock()
	if c.state != StateAlive || c.epoch != epoch || c.driver == nil {
		c.mu.Unlock()
		return
	}
	d := c.driver
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	ctx, cancel := c.callContext(context.Background())
	defer cancel()

	if _, err := d.Ping(ctx, nil); err != nil {
		c.fail(epoch, err)
		return
	}
	c.succeed(epoch)
}

// poll is the reconnect timer callback.
func (c *Connection) poll(epoch uint64) {
	c.mu.Lock()
	if c.state != StatePolling || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	d, err := c.dial(c.ctx)

	c.mu.Lock()
	if c.state != StatePolling || c.epoch != epoch {
		c.mu.Unlock()
		if d != nil {
			_ = d.Shutdown()
		}
		return
	}

	if err == nil {
		c.driver = d
		c.state = StateAlive
		c.retries = 0
		c.epoch++
		c.lastErr = nil
		c.lastChange = c.clock.Now()
		c.armPingLocked()
		c.mu.Unlock()

		c.logger.Info("callback_recovered")
		c.notify(StatePolling, StateAlive, nil)
		return
	}

	c.lastErr = err
	if c.cfg.MaxRetries != UnlimitedRetries && c.retries >= c.cfg.MaxRetries {
		retries := c.retries
		c.state = StateDead
		c.epoch++
		c.lastChange = c.clock.Now()
		c.mu.Unlock()

		c.logger.Error("callback_retries_exhausted",
			slog.Int("retries", retries),
			slog.String("error", err.Error()))
		c.notify(StatePolling, StateDead, err)
		return
	}

	c.retries++
	retries := c.retries
	c.armPollLocked()
	c.mu.Unlock()

	c.logger.Debug("callback_reconnect_failed",
		slog.Int("retries", retries),
		slog.String("error", err.Error()))
}

func (c *Connection) notify(from, to State, cause error) {
	c.metrics.StateChanged(from, to)
	if c.onState != nil {
		c.onState(c, from, to, cause)
	}
}

func (c *Connection) armPingLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.cfg.PingInterval <= 0 {
		return
	}
	epoch := c.epoch
	c.pingTimer = c.clock.AfterFunc(c.cfg.PingInterval, func() { c.heartbeat(epoch) })
}

func (c *Connection) armPollLocked() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
	}
	epoch := c.epoch
	c.pollTimer = c.clock.AfterFunc(c.cfg.RetryDelay, func() { c.poll(epoch) })
}

func (c *Connection) stopTimersLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}
