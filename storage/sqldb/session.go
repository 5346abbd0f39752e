// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxcb/storage"
)

var _ storage.SessionStore = (*SessionStore)(nil)

// SessionStore implements storage.SessionStore on a SQL table.
type SessionStore struct {
	db *sql.DB
	d  dialect
}

// Save upserts a session.
func (s *SessionStore) Save(session *storage.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	query := s.d.rebind(fmt.Sprintf(`INSERT INTO %s (id, created_at, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, s.d.table("sessions")))
	if _, err := s.db.Exec(query, session.ID, session.CreatedAt.UnixNano(), data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*storage.Session, error) {
	query := s.d.rebind(fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, s.d.table("sessions")))

	var data []byte
	if err := s.db.QueryRow(query, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session storage.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete removes a session.
func (s *SessionStore) Delete(id string) error {
	query := s.d.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.d.table("sessions")))
	if _, err := s.db.Exec(query, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List returns all sessions ordered by creation time.
func (s *SessionStore) List() ([]*storage.Session, error) {
	query := fmt.Sprintf(`SELECT data FROM %s ORDER BY created_at ASC`, s.d.table("sessions"))
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*storage.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session storage.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}
