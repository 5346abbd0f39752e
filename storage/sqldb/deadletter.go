// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxcb/storage"
)

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore implements storage.DeadLetterStore on a SQL table.
type DeadLetterStore struct {
	db *sql.DB
	d  dialect
}

// Add appends a dead letter.
func (s *DeadLetterStore) Add(dl *storage.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	query := s.d.rebind(fmt.Sprintf(`INSERT INTO %s (session_id, at, data) VALUES (?, ?, ?)`, s.d.table("dead_letters")))
	if _, err := s.db.Exec(query, dl.SessionID, dl.At.UnixNano(), data); err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// List returns the dead letters of a session, oldest first.
func (s *DeadLetterStore) List(sessionID string) ([]*storage.DeadLetter, error) {
	query := s.d.rebind(fmt.Sprintf(`SELECT data FROM %s WHERE session_id = ? ORDER BY at ASC, id ASC`, s.d.table("dead_letters")))
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var result []*storage.DeadLetter
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var dl storage.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		result = append(result, &dl)
	}
	return result, rows.Err()
}
