// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger stores sessions, persistent entries and dead letters in an
// embedded BadgerDB instance.
package badger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxcb/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const (
	defaultGCInterval     = 5 * time.Minute
	defaultGCDiscardRatio = 0.5
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir            string
	SyncWrites     bool
	GCInterval     time.Duration // 0 uses the default
	GCDiscardRatio float64       // 0 uses the default
	Logger         *slog.Logger  // nil silences badger
}

// Store is the BadgerDB backed storage.Store.
type Store struct {
	db          *badger.DB
	messages    *MessageStore
	deadLetters *DeadLetterStore
	sessions    *SessionStore
	logger      *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New opens (or creates) the database in cfg.Dir and starts value log GC.
func New(cfg Config) (*Store, error) {
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = defaultGCDiscardRatio
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithNumCompactors(2).
		WithLogger(nil)
	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger}).WithLoggingLevel(badger.WARNING)
	} else {
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", cfg.Dir, err)
	}

	s := &Store{
		db:          db,
		messages:    &MessageStore{db: db},
		deadLetters: &DeadLetterStore{db: db},
		sessions:    &SessionStore{db: db},
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.collectGarbage(cfg.GCInterval, cfg.GCDiscardRatio)

	return s, nil
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return s.messages }

// DeadLetters returns the dead letter store.
func (s *Store) DeadLetters() storage.DeadLetterStore { return s.deadLetters }

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

// Close stops GC and closes the database. Repeated calls are no-ops.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *Store) collectGarbage(every time.Duration, ratio float64) {
	defer close(s.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Rewrite files until badger reports there is nothing left to reclaim.
			for n := 0; ; n++ {
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if n > 0 {
						s.logger.Debug("badger_gc_completed", slog.Int("rewrites", n))
					}
					break
				}
			}
		}
	}
}

// badgerLogger routes badger's printf style logging into slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, args ...any) {
	b.l.Error(fmt.Sprintf(f, args...), slog.String("component", "badger"))
}

func (b badgerLogger) Warningf(f string, args ...any) {
	b.l.Warn(fmt.Sprintf(f, args...), slog.String("component", "badger"))
}

func (b badgerLogger) Infof(f string, args ...any) {
	b.l.Info(fmt.Sprintf(f, args...), slog.String("component", "badger"))
}

func (b badgerLogger) Debugf(f string, args ...any) {
	b.l.Debug(fmt.Sprintf(f, args...), slog.String("component", "badger"))
}
