// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the contract between the delivery core and the
// wire protocol drivers that reach subscriber callback endpoints.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/absmach/fluxcb/storage"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Protocol identifiers of the bundled drivers.
const (
	ProtocolHTTP      = "http"
	ProtocolWebSocket = "websocket"
	ProtocolMQTT      = "mqtt"
	ProtocolCoAP      = "coap"
)

var (
	ErrUnknownProtocol = errors.New("unknown transport protocol")
	ErrDuplicate       = errors.New("transport protocol already registered")
	ErrClosed          = errors.New("transport closed")
)

// Address is a callback address: where and how a session receives deliveries.
type Address struct {
	Type     string            `json:"type" yaml:"type"`
	Location string            `json:"location" yaml:"location"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Oneway deliveries expect no application level acknowledgement.
	Oneway   bool `json:"oneway,omitempty" yaml:"oneway,omitempty"`
	Compress bool `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// Validate checks the address is well formed.
func (a Address) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Type, validation.Required, validation.Length(1, 32)),
		validation.Field(&a.Location, validation.Required, validation.Length(3, 2048), validation.By(isAbsoluteURL)),
		validation.Field(&a.Timeout, validation.Min(time.Duration(0))),
	)
}

// String returns a short description used in logs.
func (a Address) String() string {
	return a.Type + "|" + a.Location
}

// TimeoutOr returns the address timeout or def when unset.
func (a Address) TimeoutOr(def time.Duration) time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return def
}

func isAbsoluteURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL with scheme and host")
	}
	return nil
}

// Batch is a set of entries sent in one delivery attempt.
type Batch struct {
	SessionID string
	Entries   []*storage.Entry
	// Redeliver is the number of consecutive failed rounds of the session,
	// a hint for the receiver that duplicates are possible.
	Redeliver int
}

// Ack is the per-entry outcome reported by the receiver.
type Ack struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// AckAll returns a positive ack for every entry in the batch.
func AckAll(b *Batch) []Ack {
	acks := make([]Ack, len(b.Entries))
	for i, e := range b.Entries {
		acks[i] = Ack{ID: e.ID, OK: true}
	}
	return acks
}

// Driver is a connected handle to one callback address. A driver instance
// is owned by exactly one delivery connection.
type Driver interface {
	// SendUpdate delivers a batch and returns the receiver's per-entry acks.
	SendUpdate(ctx context.Context, b *Batch) ([]Ack, error)

	// SendUpdateOneway delivers a batch without waiting for acks.
	SendUpdateOneway(ctx context.Context, b *Batch) error

	// Ping probes the endpoint and returns its response payload.
	Ping(ctx context.Context, data []byte) ([]byte, error)

	// Shutdown releases the underlying connection.
	Shutdown() error
}

// Factory initializes a driver for an address. A returned error means the
// endpoint is unreachable or the address is unusable.
type Factory func(ctx context.Context, addr Address, logger *slog.Logger) (Driver, error)
