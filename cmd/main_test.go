// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxcb/config"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := newRegistry(config.Default().Transports, logger)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"http", "websocket", "mqtt", "coap"}, r.Protocols())

	_, err = newRegistry(config.TransportsConfig{Enabled: []string{"http", "smtp"}}, logger)
	assert.ErrorIs(t, err, transport.ErrUnknownProtocol)

	_, err = newRegistry(config.TransportsConfig{Enabled: []string{"http", "http"}}, logger)
	assert.ErrorIs(t, err, transport.ErrDuplicate)
}

func TestTransportConfigOverrides(t *testing.T) {
	h := httpConfig(config.HTTPTransportConfig{Timeout: 3 * time.Second})
	assert.Equal(t, 3*time.Second, h.Timeout)
	assert.NotEmpty(t, h.UserAgent)

	ws := wsConfig(config.WSTransportConfig{ReadLimit: 1024})
	assert.Equal(t, int64(1024), ws.ReadLimit)
	assert.NotZero(t, ws.HandshakeTimeout)

	m := mqttConfig(config.MQTTTransportConfig{})
	assert.NotZero(t, m.ConnectTimeout)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StorageConfig
		err  bool
	}{
		{name: "memory", cfg: config.StorageConfig{Type: config.StorageMemory}},
		{name: "badger", cfg: config.StorageConfig{Type: config.StorageBadger, BadgerDir: filepath.Join(dir, "badger")}},
		{name: "sqlite", cfg: config.StorageConfig{Type: config.StorageSQLite, SQLitePath: filepath.Join(dir, "fluxcb.db")}},
		{name: "unknown", cfg: config.StorageConfig{Type: "etcd"}, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := openStore(tt.cfg, nil)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer s.Close()

			require.NoError(t, s.Sessions().Save(&storage.Session{ID: "s1", CreatedAt: time.Now()}))
			got, err := s.Sessions().Get("s1")
			require.NoError(t, err)
			assert.Equal(t, "s1", got.ID)
		})
	}
}

func TestNewLogger(t *testing.T) {
	assert.NotNil(t, newLogger(config.LogConfig{Level: "debug", Format: "json"}))
	assert.NotNil(t, newLogger(config.LogConfig{}))
}
