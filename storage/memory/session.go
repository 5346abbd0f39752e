// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"slices"
	"sort"

	"github.com/absmach/fluxcb/storage"
)

type sessionStore struct{ *Store }

func (s sessionStore) Save(rec *storage.Session) error {
	s.mu.Lock()
	s.sessions[rec.ID] = cloneSession(rec)
	s.mu.Unlock()
	return nil
}

func (s sessionStore) Get(id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSession(rec), nil
}

func (s sessionStore) Delete(id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// List returns copies of all session records, oldest first.
func (s sessionStore) List() ([]*storage.Session, error) {
	s.mu.RLock()
	out := make([]*storage.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, cloneSession(rec))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneSession(rec *storage.Session) *storage.Session {
	cp := *rec
	cp.Subscriptions = slices.Clone(rec.Subscriptions)
	cp.Addresses = make([]storage.Address, len(rec.Addresses))
	for i, a := range rec.Addresses {
		a.Headers = cloneMap(a.Headers)
		a.Options = cloneMap(a.Options)
		cp.Addresses[i] = a
	}
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
