// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxcb/broker/events"
	"github.com/absmach/fluxcb/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu          sync.Mutex
	sendCount   int32
	sendFunc    func(ctx context.Context, url string, payload []byte) error
	lastURL     string
	lastHeaders map[string]string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string, []byte) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastURL = url
	m.lastHeaders = headers
	m.lastPayload = payload
	m.mu.Unlock()
	return m.sendFunc(ctx, url, payload)
}

func (m *mockSender) count() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: 2 * time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 20 * time.Millisecond,
				MaxInterval:     200 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewNotifier(t *testing.T) {
	cfg := testConfig(config.WebhookEndpoint{
		Name:    "ops",
		Type:    "http",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})

	n, err := NewNotifier(cfg, "node-1", newMockSender(), quietLogger())
	require.NoError(t, err)
	defer n.Close()

	assert.Len(t, n.endpoints, 1)
	assert.Contains(t, n.breakers, "ops")
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "node-1", nil, nil)
	assert.Error(t, err)
}

func TestNewNotifier_BadSessionFilter(t *testing.T) {
	cfg := testConfig(config.WebhookEndpoint{Name: "ops", Type: "http", URL: "http://example.com", Sessions: []string{"[a-"}})
	_, err := NewNotifier(cfg, "node-1", newMockSender(), quietLogger())
	assert.Error(t, err)
}

func TestNotifier_Notify(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:    "ops",
		Type:    "http",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"X-Token": "t"},
	}), "node-1", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.SessionTornDown{SessionID: "s1", Reason: "unreachable"}))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "http://example.com/webhook", sender.lastURL)
	assert.Equal(t, "t", sender.lastHeaders["X-Token"])

	var env map[string]any
	require.NoError(t, json.Unmarshal(sender.lastPayload, &env))
	assert.Equal(t, events.TypeSessionTornDown, env["event_type"])
	assert.Equal(t, "node-1", env["broker_id"])
}

func TestNotifier_EventTypeFilter(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:   "ops",
		Type:   "http",
		URL:    "http://example.com/webhook",
		Events: []string{events.TypeSessionTornDown},
	}), "node-1", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Emit(events.ConnectionStateChanged{SessionID: "s1", From: "alive", To: "polling"})
	n.Emit(events.SessionTornDown{SessionID: "s1"})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestNotifier_SessionFilter(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:     "ops",
		Type:     "http",
		URL:      "http://example.com/webhook",
		Sessions: []string{"billing-*", "audit"},
	}), "node-1", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	cases := []struct {
		session string
		match   bool
	}{
		{"billing-1", true},
		{"billing-eu", true},
		{"audit", true},
		{"audit-2", false},
		{"shipping", false},
	}
	for _, c := range cases {
		ep := n.endpoints[0]
		assert.Equal(t, c.match, ep.matches(events.SessionEstablished{SessionID: c.session}), c.session)
	}
}

func TestNotifier_Retry(t *testing.T) {
	var attempts int32
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", Type: "http", URL: "http://example.com/webhook"})
	cfg.Defaults.Retry.MaxAttempts = 3
	n, err := NewNotifier(cfg, "node-1", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Emit(events.MessageDeadLettered{SessionID: "s1", EntryID: "e1"})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestNotifier_PermanentFailureNotRetried(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error {
		return &StatusError{Code: 410}
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", Type: "http", URL: "http://example.com/webhook"})
	cfg.Defaults.Retry.MaxAttempts = 5
	n, err := NewNotifier(cfg, "node-1", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Emit(events.SessionTornDown{SessionID: "s1", Reason: "requested"})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestNotifier_CircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error { return errors.New("down") }

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", Type: "http", URL: "http://example.com/webhook"})
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	n, err := NewNotifier(cfg, "node-1", sender, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 5; i++ {
		n.Emit(events.SessionEstablished{SessionID: "s1"})
	}

	require.Eventually(t, func() bool { return len(n.eventQueue) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sender.count(), "open breaker must short-circuit further sends")
}

func TestNotifier_QueueOverflowDropNewest(t *testing.T) {
	block := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error {
		<-block
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", Type: "http", URL: "http://example.com/webhook"})
	cfg.QueueSize = 2
	cfg.Workers = 1
	cfg.DropPolicy = "newest"
	n, err := NewNotifier(cfg, "node-1", sender, quietLogger())
	require.NoError(t, err)

	n.Emit(events.SessionEstablished{SessionID: "first"})
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		n.Emit(events.SessionEstablished{SessionID: "more"})
	}
	assert.Len(t, n.eventQueue, 2)

	close(block)
	n.Close()
}

func TestNotifier_NotifyAfterClose(t *testing.T) {
	n, err := NewNotifier(testConfig(), "node-1", newMockSender(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, n.Close())

	assert.Error(t, n.Notify(context.Background(), events.SessionEstablished{SessionID: "s"}))
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	assert.Equal(t, 200*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 400*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}
