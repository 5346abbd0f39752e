// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http implements a callback transport that POSTs JSON envelopes to
// HTTP endpoints.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/fluxcb/internal/bufpool"
	"github.com/absmach/fluxcb/transport"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

const maxReplySize = 4 << 20

// Config holds HTTP transport settings shared by all drivers it creates.
type Config struct {
	UserAgent       string
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	Timeout         time.Duration
}

// DefaultConfig returns the default HTTP transport settings.
func DefaultConfig() Config {
	return Config{
		UserAgent:       "fluxcb/1.0",
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		Timeout:         30 * time.Second,
	}
}

// NewFactory returns a transport factory for http callback addresses.
// All drivers share one client so connections are pooled per host.
func NewFactory(cfg Config) transport.Factory {
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
	}

	bufs := bufpool.New(bufpool.DefaultMaxCap)

	return func(_ context.Context, addr transport.Address, logger *slog.Logger) (transport.Driver, error) {
		return newDriver(client, bufs, cfg, addr, logger), nil
	}
}

type driver struct {
	client *http.Client
	bufs   *bufpool.Pool
	addr   transport.Address
	agent  string
	logger *slog.Logger
}

func newDriver(client *http.Client, bufs *bufpool.Pool, cfg Config, addr transport.Address, logger *slog.Logger) *driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &driver{
		client: client,
		bufs:   bufs,
		addr:   addr,
		agent:  cfg.UserAgent,
		logger: logger,
	}
}

func (d *driver) SendUpdate(ctx context.Context, b *transport.Batch) ([]transport.Ack, error) {
	id := uuid.NewString()
	payload, err := transport.EncodeBatch(id, b, false)
	if err != nil {
		return nil, err
	}

	body, err := d.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	reply, err := transport.DecodeReply(body)
	if err != nil {
		return nil, err
	}
	return reply.AcksFor(b)
}

func (d *driver) SendUpdateOneway(ctx context.Context, b *transport.Batch) error {
	payload, err := transport.EncodeBatch(uuid.NewString(), b, true)
	if err != nil {
		return err
	}

	_, err = d.post(ctx, payload)
	return err
}

func (d *driver) Ping(ctx context.Context, data []byte) ([]byte, error) {
	payload, err := json.Marshal(transport.NewPing(uuid.NewString(), data))
	if err != nil {
		return nil, fmt.Errorf("failed to encode ping: %w", err)
	}

	body, err := d.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	reply, err := transport.DecodeReply(body)
	if err != nil {
		return nil, err
	}
	if reply.Data == nil {
		return data, nil
	}
	return reply.Data, nil
}

func (d *driver) Shutdown() error {
	return nil
}

func (d *driver) post(ctx context.Context, payload []byte) ([]byte, error) {
	buf := d.bufs.Get()
	defer d.bufs.Put(buf)

	if d.addr.Compress {
		zw := gzip.NewWriter(buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
	} else {
		buf.Write(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.addr.Location, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.agent)
	if d.addr.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range d.addr.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Debug("http_callback_rejected",
			slog.String("location", d.addr.Location),
			slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("callback returned non-2xx status: %d", resp.StatusCode)
	}

	return body, nil
}
