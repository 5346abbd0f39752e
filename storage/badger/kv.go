// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxcb/storage"
	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	session/{sessionID}
//	msg/{sessionID}/{entryID}
//	dlq/{sessionID}/{unixnano:020d}-{entryID}
const (
	sessionPrefix    = "session/"
	messagePrefix    = "msg/"
	deadLetterPrefix = "dlq/"
)

func putJSON(db *badger.DB, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func getJSON(db *badger.DB, key string, v any) error {
	return db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func deleteKey(db *badger.DB, key string) error {
	return db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// scanJSON decodes every value stored under prefix in key order.
func scanJSON[T any](db *badger.DB, prefix string) ([]*T, error) {
	var out []*T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v := new(T)
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, v)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dropPrefix removes every key under prefix in a single transaction.
func dropPrefix(db *badger.DB, prefix string) error {
	return db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
