// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"

	"github.com/absmach/mmx/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.KV = (*KV)(nil)

const kvPrefix = "kv/"

// KV implements storage.KV using BadgerDB.
//
// Key format: kv/{key}
type KV struct {
	db *badger.DB
}

// NewKV creates a BadgerDB key-value store.
func NewKV(db *badger.DB) *KV {
	return &KV{db: db}
}

// Get retrieves a value.
func (kv *KV) Get(key string) ([]byte, error) {
	var val []byte
	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(kvPrefix + key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// Set stores a value.
func (kv *KV) Set(key string, value []byte) error {
	return kv.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(kvPrefix+key), value)
	})
}

// Remove deletes a key.
func (kv *KV) Remove(key string) error {
	return kv.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(kvPrefix + key))
	})
}
