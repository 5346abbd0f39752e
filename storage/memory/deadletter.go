// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import "github.com/absmach/fluxcb/storage"

type deadLetterStore struct{ *Store }

func (d deadLetterStore) Add(dl *storage.DeadLetter) error {
	d.mu.Lock()
	d.deadLetters[dl.SessionID] = append(d.deadLetters[dl.SessionID], cloneDeadLetter(dl))
	d.mu.Unlock()
	return nil
}

// List returns the dead letters of a session in the order they were added.
func (d deadLetterStore) List(sessionID string) ([]*storage.DeadLetter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	src := d.deadLetters[sessionID]
	out := make([]*storage.DeadLetter, len(src))
	for i, dl := range src {
		out[i] = cloneDeadLetter(dl)
	}
	return out, nil
}

func cloneDeadLetter(dl *storage.DeadLetter) *storage.DeadLetter {
	cp := *dl
	cp.Entry = storage.CopyEntry(dl.Entry)
	return &cp
}
