// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Priority bounds. Lower value means higher priority.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Messages returns the store backing persistent session queue entries.
	Messages() MessageStore

	// DeadLetters returns the dead letter store.
	DeadLetters() DeadLetterStore

	// Sessions returns the session store.
	Sessions() SessionStore

	// Close closes all storage backends.
	Close() error
}

// Entry is a single message queued for delivery to one session.
// Every session owns its own copy; use CopyEntry when fanning out.
type Entry struct {
	Timestamp      time.Time         `json:"timestamp"`
	Properties     map[string]string `json:"properties,omitempty"`
	Content        []byte            `json:"content,omitempty"`
	ID             string            `json:"id"`
	Key            string            `json:"key"`
	Priority       int               `json:"priority"`
	RedeliverCount int               `json:"redeliver_count"`
	QoS            byte              `json:"qos"`
	Volatile       bool              `json:"volatile"`
	Persistent     bool              `json:"persistent"`
}

// NormalizePriority clamps a priority into [PriorityHighest, PriorityLowest].
// Zero maps to PriorityDefault.
func NormalizePriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	default:
		return p
	}
}

// CopyEntry creates a deep copy of an entry.
func CopyEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}

	cp := &Entry{
		Timestamp:      e.Timestamp,
		ID:             e.ID,
		Key:            e.Key,
		Priority:       e.Priority,
		RedeliverCount: e.RedeliverCount,
		QoS:            e.QoS,
		Volatile:       e.Volatile,
		Persistent:     e.Persistent,
	}

	if len(e.Content) > 0 {
		cp.Content = make([]byte, len(e.Content))
		copy(cp.Content, e.Content)
	}

	if len(e.Properties) > 0 {
		cp.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}

	return cp
}

// DeadLetter is an entry that could not be queued or delivered.
type DeadLetter struct {
	At        time.Time `json:"at"`
	Entry     *Entry    `json:"entry"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
}

// Address is the persisted form of a callback address.
type Address struct {
	Timeout  time.Duration     `json:"timeout,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Type     string            `json:"type"`
	Location string            `json:"location"`
	Oneway   bool              `json:"oneway,omitempty"`
	Compress bool              `json:"compress,omitempty"`
}

// Session represents persisted session state.
type Session struct {
	CreatedAt     time.Time `json:"created_at"`
	Addresses     []Address `json:"addresses"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
	ID            string    `json:"id"`
	Mode          string    `json:"mode,omitempty"`
	Capacity      int       `json:"capacity"`
	Persistent    bool      `json:"persistent"`
	ExportHeaders bool      `json:"export_headers,omitempty"`
}

// MessageStore persists queued entries of sessions.
type MessageStore interface {
	// Save stores or replaces an entry of a session.
	Save(sessionID string, e *Entry) error

	// Delete removes a single entry.
	Delete(sessionID, entryID string) error

	// List returns all stored entries of a session.
	List(sessionID string) ([]*Entry, error)

	// DeleteSession removes all entries of a session.
	DeleteSession(sessionID string) error
}

// DeadLetterStore keeps entries that were given up on.
type DeadLetterStore interface {
	Add(d *DeadLetter) error
	List(sessionID string) ([]*DeadLetter, error)
}

// SessionStore persists session records.
type SessionStore interface {
	Save(s *Session) error
	Get(id string) (*Session, error)
	Delete(id string) error
	List() ([]*Session, error)
}
