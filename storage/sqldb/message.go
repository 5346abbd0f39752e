// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxcb/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore implements storage.MessageStore on a SQL table.
type MessageStore struct {
	db *sql.DB
	d  dialect
}

// Save upserts an entry.
func (m *MessageStore) Save(sessionID string, e *storage.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	query := m.d.rebind(fmt.Sprintf(`INSERT INTO %s (session_id, entry_id, ts, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, entry_id) DO UPDATE SET ts = excluded.ts, data = excluded.data`, m.d.table("entries")))
	if _, err := m.db.Exec(query, sessionID, e.ID, e.Timestamp.UnixNano(), data); err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (m *MessageStore) Delete(sessionID, entryID string) error {
	query := m.d.rebind(fmt.Sprintf(`DELETE FROM %s WHERE session_id = ? AND entry_id = ?`, m.d.table("entries")))
	if _, err := m.db.Exec(query, sessionID, entryID); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// List returns all entries of a session ordered by timestamp.
func (m *MessageStore) List(sessionID string) ([]*storage.Entry, error) {
	query := m.d.rebind(fmt.Sprintf(`SELECT data FROM %s WHERE session_id = ? ORDER BY ts ASC`, m.d.table("entries")))
	rows, err := m.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*storage.Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e storage.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteSession removes all entries of a session.
func (m *MessageStore) DeleteSession(sessionID string) error {
	query := m.d.rebind(fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, m.d.table("entries")))
	if _, err := m.db.Exec(query, sessionID); err != nil {
		return fmt.Errorf("failed to delete session entries: %w", err)
	}
	return nil
}
