// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxcb/config"
	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/storage/badger"
	"github.com/absmach/fluxcb/storage/memory"
	"github.com/absmach/fluxcb/storage/sqldb"
)

// openStore opens the configured storage backend.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StorageBadger:
		s, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.BadgerSyncWrites,
			GCInterval: cfg.BadgerGCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageSQLite, config.StoragePostgres:
		sc := sqldb.Config{
			Driver: sqldb.DriverSQLite,
			DSN:    cfg.SQLitePath,
			Prefix: cfg.TablePrefix,
		}
		if cfg.Type == config.StoragePostgres {
			sc.Driver = sqldb.DriverPostgres
			sc.DSN = cfg.PostgresDSN
		}
		s, err := sqldb.New(sc)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
