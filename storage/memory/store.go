// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides process-local implementations of the storage
// interfaces. Contents survive a client restart only while the Store value
// itself is kept alive.
package memory

import (
	"sync"

	"github.com/absmach/mmx/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	settings *KV
	queue    *Queue
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		settings: NewKV(),
		queue:    NewQueue(),
	}
}

// Settings returns the settings store.
func (s *Store) Settings() storage.KV {
	return s.settings
}

// Queue returns the offline queue.
func (s *Store) Queue() storage.Queue {
	return s.queue
}

// Close is a no-op; data stays available to a later client.
func (s *Store) Close() error {
	return nil
}

var _ storage.KV = (*KV)(nil)

// KV is an in-memory key-value store.
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewKV creates an empty key-value store.
func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (kv *KV) Get(key string) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	v, ok := kv.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (kv *KV) Set(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes key.
func (kv *KV) Remove(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}
