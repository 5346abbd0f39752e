// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"sort"

	"github.com/absmach/fluxcb/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore keeps the persistent entries of each session queue.
type MessageStore struct {
	db *badger.DB
}

func entriesOf(sessionID string) string {
	return messagePrefix + sessionID + "/"
}

// Save stores or replaces an entry.
func (m *MessageStore) Save(sessionID string, e *storage.Entry) error {
	return putJSON(m.db, entriesOf(sessionID)+e.ID, e)
}

// Delete removes an entry. Missing entries are ignored.
func (m *MessageStore) Delete(sessionID, entryID string) error {
	return deleteKey(m.db, entriesOf(sessionID)+entryID)
}

// List returns the entries of a session, oldest first.
func (m *MessageStore) List(sessionID string) ([]*storage.Entry, error) {
	entries, err := scanJSON[storage.Entry](m.db, entriesOf(sessionID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// DeleteSession removes all entries of a session.
func (m *MessageStore) DeleteSession(sessionID string) error {
	return dropPrefix(m.db, entriesOf(sessionID))
}
