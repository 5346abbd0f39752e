// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxcb/config"
	"github.com/absmach/fluxcb/transport"
	"github.com/absmach/fluxcb/transport/coap"
	"github.com/absmach/fluxcb/transport/http"
	"github.com/absmach/fluxcb/transport/mqtt"
	"github.com/absmach/fluxcb/transport/websocket"
)

// Protocol ids accepted in transports.enabled.
const (
	protocolHTTP      = "http"
	protocolWebSocket = "websocket"
	protocolMQTT      = "mqtt"
	protocolCoAP      = "coap"
)

// newRegistry registers a factory for every enabled protocol.
func newRegistry(cfg config.TransportsConfig, logger *slog.Logger) (*transport.Registry, error) {
	r := transport.NewRegistry(logger)
	for _, protocol := range cfg.Enabled {
		var f transport.Factory
		switch protocol {
		case protocolHTTP:
			f = http.NewFactory(httpConfig(cfg.HTTP))
		case protocolWebSocket:
			f = websocket.NewFactory(wsConfig(cfg.WebSocket))
		case protocolMQTT:
			f = mqtt.NewFactory(mqttConfig(cfg.MQTT))
		case protocolCoAP:
			f = coap.NewFactory()
		default:
			return nil, fmt.Errorf("%s: %w", protocol, transport.ErrUnknownProtocol)
		}
		if err := r.Register(protocol, f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func httpConfig(c config.HTTPTransportConfig) http.Config {
	out := http.DefaultConfig()
	if c.UserAgent != "" {
		out.UserAgent = c.UserAgent
	}
	if c.MaxIdleConns > 0 {
		out.MaxIdleConns = c.MaxIdleConns
	}
	if c.IdleConnTimeout > 0 {
		out.IdleConnTimeout = c.IdleConnTimeout
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	return out
}

func wsConfig(c config.WSTransportConfig) websocket.Config {
	out := websocket.DefaultConfig()
	if c.HandshakeTimeout > 0 {
		out.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.WriteTimeout > 0 {
		out.WriteTimeout = c.WriteTimeout
	}
	if c.ReadLimit > 0 {
		out.ReadLimit = c.ReadLimit
	}
	return out
}

func mqttConfig(c config.MQTTTransportConfig) mqtt.Config {
	out := mqtt.DefaultConfig()
	if c.ConnectTimeout > 0 {
		out.ConnectTimeout = c.ConnectTimeout
	}
	if c.KeepAlive > 0 {
		out.KeepAlive = c.KeepAlive
	}
	return out
}
