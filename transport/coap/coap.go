// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements a callback transport that POSTs envelopes to CoAP
// resources over UDP or DTLS with a pre-shared key.
package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/absmach/fluxcb/transport"
	"github.com/google/uuid"
	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"
)

// Address options understood by the driver.
const (
	OptPSKIdentity = "psk_identity"
	OptPSK         = "psk"
)

const (
	schemeCoAP  = "coap"
	schemeCoAPS = "coaps"
)

var ErrMissingPSK = errors.New("coaps address requires psk_identity and psk options")

// NewFactory returns a transport factory for coap:// and coaps:// addresses.
func NewFactory() transport.Factory {
	return func(_ context.Context, addr transport.Address, logger *slog.Logger) (transport.Driver, error) {
		if logger == nil {
			logger = slog.Default()
		}

		u, err := url.Parse(addr.Location)
		if err != nil {
			return nil, fmt.Errorf("invalid coap location: %w", err)
		}

		var conn *udpclient.Conn
		switch u.Scheme {
		case schemeCoAP:
			conn, err = udp.Dial(u.Host)
		case schemeCoAPS:
			cfg, cerr := pskConfig(addr.Options)
			if cerr != nil {
				return nil, cerr
			}
			conn, err = dtls.Dial(u.Host, cfg)
		default:
			return nil, fmt.Errorf("unsupported coap scheme %q", u.Scheme)
		}
		if err != nil {
			return nil, fmt.Errorf("coap dial failed: %w", err)
		}

		path := u.Path
		if path == "" {
			path = "/"
		}

		return &driver{conn: conn, path: path, logger: logger}, nil
	}
}

func pskConfig(opts map[string]string) (*piondtls.Config, error) {
	identity, key := opts[OptPSKIdentity], opts[OptPSK]
	if identity == "" || key == "" {
		return nil, ErrMissingPSK
	}

	return &piondtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return []byte(key), nil
		},
		PSKIdentityHint: []byte(identity),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}, nil
}

type driver struct {
	conn   *udpclient.Conn
	path   string
	logger *slog.Logger
}

func (d *driver) SendUpdate(ctx context.Context, b *transport.Batch) ([]transport.Ack, error) {
	body, err := d.post(ctx, b, false)
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
	_, err := d.post(ctx, b, true)
	return err
}

func (d *driver) Ping(ctx context.Context, data []byte) ([]byte, error) {
	if err := d.conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("coap ping failed: %w", err)
	}
	return data, nil
}

func (d *driver) Shutdown() error {
	return d.conn.Close()
}

func (d *driver) post(ctx context.Context, b *transport.Batch, oneway bool) ([]byte, error) {
	payload, err := transport.EncodeBatch(uuid.NewString(), b, oneway)
	if err != nil {
		return nil, err
	}

	resp, err := d.conn.Post(ctx, d.path, message.AppJSON, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("coap post failed: %w", err)
	}

	switch resp.Code() {
	case codes.Changed, codes.Content, codes.Created, codes.Valid:
	default:
		d.logger.Debug("coap_callback_rejected",
			slog.String("path", d.path),
			slog.String("code", resp.Code().String()))
		return nil, fmt.Errorf("callback returned code %s", resp.Code())
	}

	if resp.Body() == nil {
		return nil, nil
	}
	body, err := resp.ReadBody()
	if err != nil {
		return nil, fmt.Errorf("failed to read coap response: %w", err)
	}
	return body, nil
}
