// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxcb/storage"
)

// Envelope types.
const (
	TypeUpdate = "update"
	TypePing   = "ping"
)

// Envelope is the JSON document the bundled drivers put on the wire.
type Envelope struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Redeliver int              `json:"redeliver,omitempty"`
	Oneway    bool             `json:"oneway,omitempty"`
	Entries   []*storage.Entry `json:"entries,omitempty"`
	Data      []byte           `json:"data,omitempty"`
}

// Reply is the receiver's answer to an update or ping envelope.
type Reply struct {
	ID    string `json:"id,omitempty"`
	Acks  []Ack  `json:"acks,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewUpdate wraps a batch into an update envelope.
func NewUpdate(id string, b *Batch, oneway bool) *Envelope {
	return &Envelope{
		Type:      TypeUpdate,
		ID:        id,
		SessionID: b.SessionID,
		Redeliver: b.Redeliver,
		Oneway:    oneway,
		Entries:   b.Entries,
	}
}

// NewPing creates a ping envelope.
func NewPing(id string, data []byte) *Envelope {
	return &Envelope{Type: TypePing, ID: id, Data: data}
}

// AcksFor resolves the reply into one ack per batch entry. A reply without
// acks acknowledges the whole batch; entries missing from a non-empty ack
// list are reported as not acknowledged.
func (r *Reply) AcksFor(b *Batch) ([]Ack, error) {
	if r.Error != "" {
		return nil, errors.New(r.Error)
	}
	if len(r.Acks) == 0 {
		return AckAll(b), nil
	}

	byID := make(map[string]Ack, len(r.Acks))
	for _, a := range r.Acks {
		byID[a.ID] = a
	}

	acks := make([]Ack, len(b.Entries))
	for i, e := range b.Entries {
		a, ok := byID[e.ID]
		if !ok {
			a = Ack{ID: e.ID, OK: false, Reason: "missing ack"}
		}
		acks[i] = a
	}
	return acks, nil
}

// EncodeBatch marshals a batch into an update envelope.
func EncodeBatch(id string, b *Batch, oneway bool) ([]byte, error) {
	data, err := json.Marshal(NewUpdate(id, b, oneway))
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return data, nil
}

// DecodeReply parses a reply. An empty payload decodes into an empty reply.
func DecodeReply(data []byte) (*Reply, error) {
	var r Reply
	if len(data) == 0 {
		return &r, nil
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return &r, nil
}
