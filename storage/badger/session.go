// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"sort"

	"github.com/absmach/fluxcb/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SessionStore = (*SessionStore)(nil)

// SessionStore keeps session records for restore after restart.
type SessionStore struct {
	db *badger.DB
}

// Get returns the session record or storage.ErrNotFound.
func (s *SessionStore) Get(id string) (*storage.Session, error) {
	var rec storage.Session
	if err := getJSON(s.db, sessionPrefix+id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save stores or replaces a session record.
func (s *SessionStore) Save(rec *storage.Session) error {
	return putJSON(s.db, sessionPrefix+rec.ID, rec)
}

// Delete removes a session record. Missing records are ignored.
func (s *SessionStore) Delete(id string) error {
	return deleteKey(s.db, sessionPrefix+id)
}

// List returns all session records, oldest first.
func (s *SessionStore) List() ([]*storage.Session, error) {
	recs, err := scanJSON[storage.Session](s.db, sessionPrefix)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}
