// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"

	"github.com/absmach/fluxcb/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore keeps abandoned entries keyed by time so a prefix scan
// yields them oldest first.
type DeadLetterStore struct {
	db *badger.DB
}

// Add stores a dead letter.
func (s *DeadLetterStore) Add(d *storage.DeadLetter) error {
	var entryID string
	if d.Entry != nil {
		entryID = d.Entry.ID
	}
	key := fmt.Sprintf("%s%s/%020d-%s", deadLetterPrefix, d.SessionID, d.At.UnixNano(), entryID)
	return putJSON(s.db, key, d)
}

// List returns the dead letters of a session, oldest first.
func (s *DeadLetterStore) List(sessionID string) ([]*storage.DeadLetter, error) {
	return scanJSON[storage.DeadLetter](s.db, deadLetterPrefix+sessionID+"/")
}
