// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqldb implements storage.Store on top of database/sql.
// The sqlite3 and postgres drivers are supported.
package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/fluxcb/storage"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

var _ storage.Store = (*Store)(nil)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config holds SQL store configuration.
type Config struct {
	Driver string // sqlite3 or postgres
	DSN    string
	Prefix string // table name prefix, default "fluxcb_"
}

// Store is the composite SQL store.
type Store struct {
	db          *sql.DB
	dialect     dialect
	messages    *MessageStore
	deadLetters *DeadLetterStore
	sessions    *SessionStore
}

type dialect struct {
	driver string
	prefix string
}

// rebind rewrites '?' placeholders into the driver's native form.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) table(name string) string {
	return d.prefix + name
}

func (d dialect) blob() string {
	if d.driver == DriverPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

func (d dialect) serial() string {
	if d.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// New opens the database and migrates the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "fluxcb_"
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := dialect{driver: cfg.Driver, prefix: cfg.Prefix}
	if err := migrate(db, d); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:          db,
		dialect:     d,
		messages:    &MessageStore{db: db, d: d},
		deadLetters: &DeadLetterStore{db: db, d: d},
		sessions:    &SessionStore{db: db, d: d},
	}, nil
}

func migrate(db *sql.DB, d dialect) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			data %s NOT NULL,
			PRIMARY KEY (session_id, entry_id))`, d.table("entries"), d.blob()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			session_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			data %s NOT NULL)`, d.table("dead_letters"), d.serial(), d.blob()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			data %s NOT NULL)`, d.table("sessions"), d.blob()),
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// DeadLetters returns the dead letter store.
func (s *Store) DeadLetters() storage.DeadLetterStore {
	return s.deadLetters
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
