// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/delivery"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/storage/memory"
	"github.com/absmach/fluxcb/transport"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	sink     *sink
	registry *transport.Registry
	pool     *delivery.Pool
	store    *memory.Store
	events   *recorder
	mock     *clock.Mock
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		sink:     &sink{},
		registry: transport.NewRegistry(logger),
		store:    memory.New(),
		events:   &recorder{},
		mock:     clock.NewMock(),
		logger:   logger,
	}
	require.NoError(t, f.registry.Register("sink", f.sink.factory()))
	f.pool = delivery.NewPool(delivery.PoolConfig{MaxWorkers: 2}, nil, logger)
	t.Cleanup(f.pool.Close)
	return f
}

func (f *fixture) manager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Registry: f.registry,
		Pool:     f.pool,
		Store:    f.store,
		Connection: delivery.ConnectionConfig{
			RetryDelay:      time.Second,
			MaxRetries:      delivery.UnlimitedRetries,
			ResponseTimeout: time.Minute,
		},
		BatchSize: 10,
		Capacity:  100,
		Events:    f.events,
		Clock:     f.mock,
		Logger:    f.logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func addr() transport.Address {
	return transport.Address{Type: "sink", Location: "sink://local/cb"}
}

func entry(id string, persistent bool) *storage.Entry {
	return &storage.Entry{ID: id, Key: "a/b", Content: []byte(id), Persistent: persistent}
}

// holdPool occupies every slot so no delivery worker runs.
func holdPool(t *testing.T, p *delivery.Pool) func() {
	t.Helper()
	var slots []*delivery.Slot
	for i := 0; i < p.Max(); i++ {
		s, err := p.Reserve(context.Background())
		require.NoError(t, err)
		slots = append(slots, s)
	}
	return func() {
		for _, s := range slots {
			s.Release()
		}
	}
}

func TestEstablish_DefaultsAndLookup(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)

	s, err := m.Establish(context.Background(), Options{
		Addresses:     []transport.Address{addr()},
		Subscriptions: []string{"a/#"},
	})
	require.NoError(t, err)

	_, err = uuid.Parse(s.ID())
	assert.NoError(t, err, "session id defaults to a uuid")

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Len(t, m.List(), 1)

	info := s.Info()
	assert.Equal(t, 100, info.Capacity)
	assert.Equal(t, []string{"a/#"}, info.Subscriptions)
	require.Len(t, info.Connections, 1)
	assert.Equal(t, delivery.StateAlive, info.Connections[0].State)

	rec, err := f.store.Sessions().Get(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "sink://local/cb", rec.Addresses[0].Location)

	assert.Equal(t, []string{events.TypeSessionEstablished}, f.events.types())
}

func TestEstablish_Duplicate(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)

	_, err := m.Establish(context.Background(), Options{ID: "s1", Addresses: []transport.Address{addr()}})
	require.NoError(t, err)

	_, err = m.Establish(context.Background(), Options{ID: "s1", Addresses: []transport.Address{addr()}})
	assert.ErrorIs(t, err, ErrExists)
}

func TestEstablish_Failures(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)

	_, err := m.Establish(context.Background(), Options{ID: "none"})
	assert.ErrorIs(t, err, delivery.ErrNoAddresses)

	_, err = m.Establish(context.Background(), Options{
		ID:        "bad",
		Addresses: []transport.Address{{Type: "sink", Location: "not a url"}},
	})
	assert.Error(t, err)

	_, err = m.Establish(context.Background(), Options{
		ID:        "unknown",
		Addresses: []transport.Address{{Type: "smtp", Location: "smtp://mail/x"}},
	})
	assert.ErrorIs(t, err, transport.ErrUnknownProtocol)

	f.sink.setDown(true)
	_, err = m.Establish(context.Background(), Options{ID: "down", Addresses: []transport.Address{addr()}})
	assert.ErrorIs(t, err, delivery.ErrDead)

	assert.Empty(t, m.List())
	_, err = f.store.Sessions().Get("down")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The reservation is released, so the id can be used again.
	f.sink.setDown(false)
	_, err = m.Establish(context.Background(), Options{ID: "down", Addresses: []transport.Address{addr()}})
	assert.NoError(t, err)
}

func TestSession_DeliversWithExporter(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)

	s, err := m.Establish(context.Background(), Options{
		ID:        "s1",
		Addresses: []transport.Address{addr()},
		Exporter:  HeaderExporter("s1"),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Queue().Enqueue(entry(fmt.Sprintf("e%d", i), false)))
	}

	require.Eventually(t, func() bool { return len(f.sink.ids()) == 3 }, waitFor, tick)
	for _, e := range f.sink.entries() {
		assert.Equal(t, "s1", e.Properties[PropertySessionID])
		assert.Equal(t, "0", e.Properties[PropertyRedeliver])
	}
}

func TestTeardown_Requested(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)

	var hooked []string
	m.OnTeardown(func(s *Session) { hooked = append(hooked, s.ID()) })

	release := holdPool(t, f.pool)
	defer release()

	s, err := m.Establish(context.Background(), Options{ID: "s1", Addresses: []transport.Address{addr()}, Persistent: true})
	require.NoError(t, err)
	require.NoError(t, s.Queue().Enqueue(entry("e1", true)))

	require.NoError(t, m.Teardown("s1", ReasonRequested))

	_, err = m.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Teardown("s1", ReasonRequested), ErrNotFound)
	assert.Equal(t, []string{"s1"}, hooked)

	// An explicit teardown purges even persistent sessions.
	_, err = f.store.Sessions().Get("s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	stored, err := f.store.Messages().List("s1")
	require.NoError(t, err)
	assert.Empty(t, stored)

	for _, c := range s.Callbacks().Connections() {
		assert.Equal(t, delivery.StateDead, c.State())
	}

	torn := f.events.find(events.TypeSessionTornDown)
	require.Len(t, torn, 1)
	ev := torn[0].(events.SessionTornDown)
	assert.Equal(t, ReasonRequested, ev.Reason)
	assert.Equal(t, 1, ev.Pending)
}

func TestRestore_PersistentSessions(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)

	release := holdPool(t, f.pool)

	s, err := m.Establish(context.Background(), Options{
		ID:            "durable",
		Addresses:     []transport.Address{addr()},
		Subscriptions: []string{"a/#"},
		Persistent:    true,
		Mode:          delivery.ModeBroadcast,
		ExportHeaders: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Queue().Enqueue(entry("p1", true)))
	require.NoError(t, s.Queue().Enqueue(entry("v1", false)))

	_, err = m.Establish(context.Background(), Options{ID: "ephemeral", Addresses: []transport.Address{addr()}})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	release()
	assert.Empty(t, f.sink.ids())

	// A new process over the same store.
	m2 := f.manager(t, nil)
	n, err := m2.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := m2.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/#"}, restored.Subscriptions())
	info := restored.Info()
	assert.Equal(t, delivery.ModeBroadcast, info.Mode)
	assert.True(t, info.ExportHeaders)

	require.Eventually(t, func() bool { return len(f.sink.ids()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"p1"}, f.sink.ids(), "only persistent entries survive a restart")
	assert.Equal(t, "durable", f.sink.entries()[0].Properties[PropertySessionID])

	_, err = f.store.Sessions().Get("ephemeral")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec, err := f.store.Sessions().Get("durable")
	require.NoError(t, err)
	assert.Equal(t, string(delivery.ModeBroadcast), rec.Mode)
	assert.True(t, rec.ExportHeaders)
}

func TestTeardown_UnreachableKeepsPersistentSession(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, func(c *Config) {
		c.Connection.MaxRetries = 1
		c.Connection.RetryDelay = time.Second
	})

	s, err := m.Establish(context.Background(), Options{ID: "s1", Addresses: []transport.Address{addr()}, Persistent: true})
	require.NoError(t, err)

	f.sink.setDown(true)
	require.NoError(t, s.Queue().Enqueue(entry("e1", true)))

	// First failure moves the connection to polling, one failed poll kills it.
	require.Eventually(t, func() bool {
		return s.Callbacks().Connections()[0].State() == delivery.StatePolling
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		f.mock.Add(time.Second)
		_, err := m.Get("s1")
		return err != nil
	}, waitFor, tick)

	require.Eventually(t, func() bool { return len(f.events.find(events.TypeSessionTornDown)) == 1 }, waitFor, tick)
	ev := f.events.find(events.TypeSessionTornDown)[0].(events.SessionTornDown)
	assert.Equal(t, ReasonUnreachable, ev.Reason)
	assert.True(t, ev.Flushed)

	_, err = f.store.Sessions().Get("s1")
	assert.NoError(t, err, "persistent record kept for a later restore")
	stored, err := f.store.Messages().List("s1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "e1", stored[0].ID)

	assert.NotEmpty(t, f.events.find(events.TypeConnectionStateChanged))
}

func TestSubscriptions(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)

	_, err := m.Establish(context.Background(), Options{ID: "s1", Addresses: []transport.Address{addr()}})
	require.NoError(t, err)

	require.NoError(t, m.AddSubscription("s1", "a/#"))
	require.NoError(t, m.AddSubscription("s1", "a/#"))
	require.NoError(t, m.AddSubscription("s1", "b/+"))
	require.NoError(t, m.RemoveSubscription("s1", "a/#"))
	require.NoError(t, m.RemoveSubscription("s1", "missing"))

	s, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/+"}, s.Subscriptions())

	rec, err := f.store.Sessions().Get("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/+"}, rec.Subscriptions)

	assert.Len(t, f.events.find(events.TypeSubscriptionCreated), 2)
	assert.Len(t, f.events.find(events.TypeSubscriptionRemoved), 1)

	assert.ErrorIs(t, m.AddSubscription("missing", "x"), ErrNotFound)
}

func TestDeadLetterEvent(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, func(c *Config) { c.MaxRedeliveries = 1 })

	release := holdPool(t, f.pool)
	defer release()

	s, err := m.Establish(context.Background(), Options{ID: "s1", Addresses: []transport.Address{addr()}})
	require.NoError(t, err)
	require.NoError(t, s.Queue().Enqueue(entry("e1", false)))

	s.Queue().Requeue(s.Queue().TakeBatch(1))
	s.Queue().Requeue(s.Queue().TakeBatch(1))

	dead := f.events.find(events.TypeMessageDeadLettered)
	require.Len(t, dead, 1)
	ev := dead[0].(events.MessageDeadLettered)
	assert.Equal(t, "e1", ev.EntryID)
	assert.Equal(t, 2, ev.RedeliverCount)

	letters, err := f.store.DeadLetters().List("s1")
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestClose_RejectsEstablish(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil)
	require.NoError(t, m.Close())

	_, err := m.Establish(context.Background(), Options{Addresses: []transport.Address{addr()}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeaderExporter(t *testing.T) {
	e := &storage.Entry{ID: "e1", Properties: map[string]string{"k": "v"}}
	out, err := HeaderExporter("s9")(e, 3)
	require.NoError(t, err)

	assert.Equal(t, "e1", out.ID)
	assert.Equal(t, "v", out.Properties["k"])
	assert.Equal(t, "s9", out.Properties[PropertySessionID])
	assert.Equal(t, "3", out.Properties[PropertyRedeliver])
	assert.NotContains(t, e.Properties, PropertySessionID, "input entry is left untouched")
}
