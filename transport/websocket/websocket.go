// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements a callback transport over a persistent
// WebSocket connection with request/response correlation.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxcb/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

// Config holds WebSocket transport settings.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// DefaultConfig returns the default WebSocket transport settings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        4 << 20,
	}
}

// NewFactory returns a transport factory dialing ws:// and wss:// addresses.
func NewFactory(cfg Config) transport.Factory {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	return func(ctx context.Context, addr transport.Address, logger *slog.Logger) (transport.Driver, error) {
		if logger == nil {
			logger = slog.Default()
		}

		header := http.Header{}
		for k, v := range addr.Headers {
			header.Set(k, v)
		}

		conn, _, err := dialer.DialContext(ctx, addr.Location, header)
		if err != nil {
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		if cfg.ReadLimit > 0 {
			conn.SetReadLimit(cfg.ReadLimit)
		}

		d := &driver{
			conn:         conn,
			addr:         addr,
			writeTimeout: cfg.WriteTimeout,
			pending:      make(map[string]chan *transport.Reply),
			done:         make(chan struct{}),
			logger:       logger,
		}

		if addr.Compress {
			if d.enc, err = zstd.NewWriter(nil); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
			}
			if d.dec, err = zstd.NewReader(nil); err != nil {
				d.enc.Close()
				conn.Close()
				return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
			}
		}

		go d.readLoop()
		return d, nil
	}
}

type driver struct {
	conn         *websocket.Conn
	addr         transport.Address
	writeTimeout time.Duration
	enc          *zstd.Encoder
	dec          *zstd.Decoder
	logger       *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *transport.Reply
	err     error
	done    chan struct{}
	once    sync.Once
}

func (d *driver) SendUpdate(ctx context.Context, b *transport.Batch) ([]transport.Ack, error) {
	id := uuid.NewString()
	payload, err := transport.EncodeBatch(id, b, false)
	if err != nil {
		return nil, err
	}

	reply, err := d.roundTrip(ctx, id, payload)
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
	return d.write(ctx, payload)
}

func (d *driver) Ping(ctx context.Context, data []byte) ([]byte, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(transport.NewPing(id, data))
	if err != nil {
		return nil, fmt.Errorf("failed to encode ping: %w", err)
	}

	reply, err := d.roundTrip(ctx, id, payload)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("ping rejected: %s", reply.Error)
	}
	return reply.Data, nil
}

func (d *driver) Shutdown() error {
	var err error
	d.once.Do(func() {
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		d.writeMu.Unlock()

		err = d.conn.Close()
		<-d.done

		if d.enc != nil {
			d.enc.Close()
		}
		if d.dec != nil {
			d.dec.Close()
		}
	})
	return err
}

func (d *driver) roundTrip(ctx context.Context, id string, payload []byte) (*transport.Reply, error) {
	ch := make(chan *transport.Reply, 1)

	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	d.pending[id] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	if err := d.write(ctx, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-d.done:
		return nil, d.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *driver) write(ctx context.Context, payload []byte) error {
	msgType := websocket.TextMessage
	if d.enc != nil {
		payload = d.enc.EncodeAll(payload, nil)
		msgType = websocket.BinaryMessage
	}

	deadline := time.Now().Add(d.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := d.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	if err := d.conn.WriteMessage(msgType, payload); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

func (d *driver) readLoop() {
	defer close(d.done)

	for {
		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			d.err = fmt.Errorf("%w: %v", transport.ErrClosed, err)
			d.mu.Unlock()
			return
		}

		if msgType == websocket.BinaryMessage && d.dec != nil {
			if data, err = d.dec.DecodeAll(data, nil); err != nil {
				d.logger.Warn("websocket_reply_decompress_failed", slog.String("error", err.Error()))
				continue
			}
		}

		reply, err := transport.DecodeReply(data)
		if err != nil {
			d.logger.Warn("websocket_reply_dropped", slog.String("error", err.Error()))
			continue
		}

		d.mu.Lock()
		ch, ok := d.pending[reply.ID]
		d.mu.Unlock()
		if !ok {
			d.logger.Debug("websocket_reply_unmatched", slog.String("id", reply.ID))
			continue
		}
		select {
		case ch <- reply:
		default:
		}
	}
}

func (d *driver) closeErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	return transport.ErrClosed
}
