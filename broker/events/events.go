// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSessionEstablished     = "session.established"
	TypeSessionTornDown        = "session.torn_down"
	TypeConnectionStateChanged = "connection.state_changed"
	TypeMessageDeadLettered    = "message.dead_lettered"
	TypeSubscriptionCreated    = "subscription.created"
	TypeSubscriptionRemoved    = "subscription.removed"
)

// Event is the common interface for all lifecycle events.
type Event interface {
	// Type returns the event type identifier (e.g., "session.established")
	Type() string

	// Session returns the session the event belongs to.
	Session() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Emitter receives lifecycle events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) {
	f(e)
}

// Nop discards events.
var Nop Emitter = EmitterFunc(func(Event) {})

// Fanout emits every event to each non-nil emitter in order.
func Fanout(emitters ...Emitter) Emitter {
	var out []Emitter
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return EmitterFunc(func(ev Event) {
		for _, e := range out {
			e.Emit(ev)
		}
	})
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// SessionEstablished is emitted when a session and its callback connections are set up.
type SessionEstablished struct {
	SessionID     string   `json:"session_id"`
	Addresses     []string `json:"addresses"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	Persistent    bool     `json:"persistent"`
	Restored      int      `json:"restored"` // entries reloaded from storage
}

func (e SessionEstablished) Type() string    { return TypeSessionEstablished }
func (e SessionEstablished) Session() string { return e.SessionID }
func (e SessionEstablished) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// SessionTornDown is emitted after a session is removed.
type SessionTornDown struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"` // "requested", "unreachable", "shutdown"
	Pending   int    `json:"pending"`
	Flushed   bool   `json:"flushed"`
}

func (e SessionTornDown) Type() string    { return TypeSessionTornDown }
func (e SessionTornDown) Session() string { return e.SessionID }
func (e SessionTornDown) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// ConnectionStateChanged is emitted on every delivery connection transition.
type ConnectionStateChanged struct {
	SessionID string `json:"session_id"`
	Protocol  string `json:"protocol"`
	Location  string `json:"location"`
	From      string `json:"from"`
	To        string `json:"to"`
	Retries   int    `json:"retries"`
	Error     string `json:"error,omitempty"`
}

func (e ConnectionStateChanged) Type() string    { return TypeConnectionStateChanged }
func (e ConnectionStateChanged) Session() string { return e.SessionID }
func (e ConnectionStateChanged) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// MessageDeadLettered is emitted when an entry is moved to the dead letter store.
type MessageDeadLettered struct {
	SessionID      string `json:"session_id"`
	EntryID        string `json:"entry_id"`
	Key            string `json:"key"`
	Reason         string `json:"reason"`
	RedeliverCount int    `json:"redeliver_count"`
}

func (e MessageDeadLettered) Type() string    { return TypeMessageDeadLettered }
func (e MessageDeadLettered) Session() string { return e.SessionID }
func (e MessageDeadLettered) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// SubscriptionCreated is emitted when a session subscribes to a key filter.
type SubscriptionCreated struct {
	SessionID string `json:"session_id"`
	Filter    string `json:"filter"`
}

func (e SubscriptionCreated) Type() string    { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Session() string { return e.SessionID }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// SubscriptionRemoved is emitted when a session unsubscribes from a key filter.
type SubscriptionRemoved struct {
	SessionID string `json:"session_id"`
	Filter    string `json:"filter"`
}

func (e SubscriptionRemoved) Type() string    { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Session() string { return e.SessionID }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}
