// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/voltmq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.WillStore = (*WillStore)(nil)

// WillStore implements storage.WillStore using BadgerDB.
//
// Key format: will:{clientID}.
type WillStore struct {
	db *badger.DB
}

// NewWillStore creates a new BadgerDB will message store.
func NewWillStore(db *badger.DB) *WillStore {
	return &WillStore{db: db}
}

// Set stores a will message for a client.
func (w *WillStore) Set(ctx context.Context, clientID string, will *storage.WillMessage) error {
	key := []byte("will:" + clientID)

	data, err := json.Marshal(will)
	if err != nil {
		return fmt.Errorf("failed to marshal will message: %w", err)
	}

	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Get retrieves the will message for a client.
func (w *WillStore) Get(ctx context.Context, clientID string) (*storage.WillMessage, error) {
	key := []byte("will:" + clientID)
	var will *storage.WillMessage

	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			will = &storage.WillMessage{}
			return json.Unmarshal(val, will)
		})
	})
	if err != nil {
		return nil, err
	}

	return will, nil
}

// Delete removes the will message for a client.
func (w *WillStore) Delete(ctx context.Context, clientID string) error {
	key := []byte("will:" + clientID)

	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// GetPending returns all stored will messages. The broker calls this
// at startup to publish wills left behind by a crash.
func (w *WillStore) GetPending(ctx context.Context) ([]*storage.WillMessage, error) {
	var pending []*storage.WillMessage

	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("will:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			err := item.Value(func(val []byte) error {
				var will storage.WillMessage
				if err := json.Unmarshal(val, &will); err != nil {
					return err
				}
				pending = append(pending, &will)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal will message: %w", err)
			}
		}

		return nil
	})

	return pending, err
}
