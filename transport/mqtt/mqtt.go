// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements a callback transport that publishes update
// envelopes to a topic on an external MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/absmach/fluxcb/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Address options understood by the driver.
const (
	OptTopic    = "topic"
	OptQoS      = "qos"
	OptClientID = "client_id"
	OptUsername = "username"
	OptPassword = "password"
)

var (
	ErrMissingTopic = errors.New("mqtt address requires a topic option")
	ErrNotConnected = errors.New("mqtt client not connected")
)

// Config holds MQTT transport settings.
type Config struct {
	ConnectTimeout    time.Duration
	KeepAlive         time.Duration
	DisconnectQuiesce time.Duration
}

// DefaultConfig returns the default MQTT transport settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		KeepAlive:         30 * time.Second,
		DisconnectQuiesce: 250 * time.Millisecond,
	}
}

// NewFactory returns a transport factory connecting to tcp://, ssl:// and
// ws:// broker URLs.
func NewFactory(cfg Config) transport.Factory {
	return func(ctx context.Context, addr transport.Address, logger *slog.Logger) (transport.Driver, error) {
		if logger == nil {
			logger = slog.Default()
		}

		topic := addr.Options[OptTopic]
		if topic == "" {
			return nil, ErrMissingTopic
		}

		qos := byte(1)
		if v, ok := addr.Options[OptQoS]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 2 {
				return nil, fmt.Errorf("invalid mqtt qos %q", v)
			}
			qos = byte(n)
		}

		clientID := addr.Options[OptClientID]
		if clientID == "" {
			clientID = "fluxcb-" + uuid.NewString()
		}

		opts := mqtt.NewClientOptions().
			AddBroker(addr.Location).
			SetClientID(clientID).
			SetCleanSession(true).
			SetKeepAlive(cfg.KeepAlive).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetAutoReconnect(false).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				logger.Warn("mqtt_callback_connection_lost",
					slog.String("broker", addr.Location),
					slog.String("error", err.Error()))
			})
		if u := addr.Options[OptUsername]; u != "" {
			opts.SetUsername(u)
			opts.SetPassword(addr.Options[OptPassword])
		}

		client := mqtt.NewClient(opts)
		if err := wait(ctx, client.Connect()); err != nil {
			// Stops a connect attempt still running after ctx expired.
			client.Disconnect(0)
			return nil, fmt.Errorf("mqtt connect failed: %w", err)
		}

		return &driver{
			client:  client,
			topic:   topic,
			qos:     qos,
			quiesce: uint(cfg.DisconnectQuiesce / time.Millisecond),
		}, nil
	}
}

type driver struct {
	client  mqtt.Client
	topic   string
	qos     byte
	quiesce uint
}

// SendUpdate publishes the batch. Broker acceptance at the configured QoS
// acknowledges every entry of the batch.
func (d *driver) SendUpdate(ctx context.Context, b *transport.Batch) ([]transport.Ack, error) {
	if err := d.publish(ctx, d.qos, b, false); err != nil {
		return nil, err
	}
	return transport.AckAll(b), nil
}

func (d *driver) SendUpdateOneway(ctx context.Context, b *transport.Batch) error {
	return d.publish(ctx, 0, b, true)
}

func (d *driver) Ping(_ context.Context, data []byte) ([]byte, error) {
	if !d.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return data, nil
}

func (d *driver) Shutdown() error {
	d.client.Disconnect(d.quiesce)
	return nil
}

func (d *driver) publish(ctx context.Context, qos byte, b *transport.Batch, oneway bool) error {
	if !d.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	payload, err := transport.EncodeBatch(uuid.NewString(), b, oneway)
	if err != nil {
		return err
	}

	if err := wait(ctx, d.client.Publish(d.topic, qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}
	return nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
