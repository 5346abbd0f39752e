// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBatch() *transport.Batch {
	return &transport.Batch{
		SessionID: "s1",
		Entries: []*storage.Entry{
			{ID: "e1", Key: "a/b", Content: []byte("one")},
			{ID: "e2", Key: "a/c", Content: []byte("two")},
		},
	}
}

func openDriver(t *testing.T, addr transport.Address) transport.Driver {
	t.Helper()
	d, err := NewFactory(DefaultConfig())(context.Background(), addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })
	return d
}

func TestDriver_SendUpdate(t *testing.T) {
	var got transport.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(transport.Reply{
			ID:   got.ID,
			Acks: []transport.Ack{{ID: "e1", OK: true}, {ID: "e2", OK: false, Reason: "busy"}},
		})
	}))
	defer srv.Close()

	d := openDriver(t, transport.Address{Type: "http", Location: srv.URL, Headers: map[string]string{"X-Token": "secret"}})

	acks, err := d.SendUpdate(context.Background(), newBatch())
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.True(t, acks[0].OK)
	assert.False(t, acks[1].OK)
	assert.Equal(t, "busy", acks[1].Reason)

	assert.Equal(t, transport.TypeUpdate, got.Type)
	assert.Equal(t, "s1", got.SessionID)
	assert.Len(t, got.Entries, 2)
}

func TestDriver_EmptyReplyAcksAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := openDriver(t, transport.Address{Type: "http", Location: srv.URL})

	acks, err := d.SendUpdate(context.Background(), newBatch())
	require.NoError(t, err)
	for _, a := range acks {
		assert.True(t, a.OK)
	}
}

func TestDriver_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := openDriver(t, transport.Address{Type: "http", Location: srv.URL})

	_, err := d.SendUpdate(context.Background(), newBatch())
	assert.Error(t, err)

	err = d.SendUpdateOneway(context.Background(), newBatch())
	assert.Error(t, err)

	_, err = d.Ping(context.Background(), []byte("hi"))
	assert.Error(t, err)
}

func TestDriver_Compress(t *testing.T) {
	var oneway atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)

		var env transport.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		oneway.Store(env.Oneway)
	}))
	defer srv.Close()

	d := openDriver(t, transport.Address{Type: "http", Location: srv.URL, Compress: true})

	require.NoError(t, d.SendUpdateOneway(context.Background(), newBatch()))
	assert.True(t, oneway.Load())
}

func TestDriver_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env transport.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, transport.TypePing, env.Type)
		_ = json.NewEncoder(w).Encode(transport.Reply{ID: env.ID, Data: append([]byte("pong:"), env.Data...)})
	}))
	defer srv.Close()

	d := openDriver(t, transport.Address{Type: "http", Location: srv.URL})

	data, err := d.Ping(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "pong:hi", string(data))
}

func TestDriver_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := openDriver(t, transport.Address{Type: "http", Location: url})

	_, err := d.Ping(context.Background(), nil)
	assert.Error(t, err)
}
