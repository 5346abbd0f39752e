// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"

	"github.com/absmach/fluxcb/storage"
)

type messageStore struct{ *Store }

func (m messageStore) Save(sessionID string, e *storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.entries[sessionID]
	if byID == nil {
		byID = make(map[string]*storage.Entry)
		m.entries[sessionID] = byID
	}
	byID[e.ID] = storage.CopyEntry(e)
	return nil
}

func (m messageStore) Delete(sessionID, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.entries[sessionID]
	delete(byID, entryID)
	if len(byID) == 0 {
		delete(m.entries, sessionID)
	}
	return nil
}

// List returns copies of the entries of a session, oldest first.
func (m messageStore) List(sessionID string) ([]*storage.Entry, error) {
	m.mu.RLock()
	out := make([]*storage.Entry, 0, len(m.entries[sessionID]))
	for _, e := range m.entries[sessionID] {
		out = append(out, storage.CopyEntry(e))
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m messageStore) DeleteSession(sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return nil
}
