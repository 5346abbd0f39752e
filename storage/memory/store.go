// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory is a process-local storage.Store. Nothing survives a restart.
package memory

import (
	"sync"

	"github.com/absmach/fluxcb/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps all records in maps guarded by a single lock. Values are
// copied on the way in and out so callers never share memory with it.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*storage.Session
	entries     map[string]map[string]*storage.Entry
	deadLetters map[string][]*storage.DeadLetter
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*storage.Session),
		entries:     make(map[string]map[string]*storage.Entry),
		deadLetters: make(map[string][]*storage.DeadLetter),
	}
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return messageStore{s} }

// DeadLetters returns the dead letter store.
func (s *Store) DeadLetters() storage.DeadLetterStore { return deadLetterStore{s} }

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return sessionStore{s} }

// Close is a no-op.
func (s *Store) Close() error { return nil }
