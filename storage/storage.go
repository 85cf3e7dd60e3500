// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the client's local persistence: a durable FIFO
// offline queue and a small settings key-value store.
package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")
)

// Store is the composite storage interface.
type Store interface {
	// Settings returns the key-value store for credentials and device identity.
	Settings() KV

	// Queue returns the offline message queue.
	Queue() Queue

	// Close closes all storage backends.
	Close() error
}

// KV replaces platform preferences. Writes are durable when Set or Remove returns.
type KV interface {
	// Get returns ErrNotFound when key is absent.
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	// Remove is a no-op for absent keys.
	Remove(key string) error
}

// Entry is one queued outbound message. Data is opaque to the queue.
type Entry struct {
	MessageID  string
	Data       []byte
	EnqueuedAt time.Time
}

// Queue is a durable FIFO keyed by message ID.
//
// An entry is either removed by Remove before Drain reaches it, or handed
// to Drain's callback and then gone. Remove of the entry being handed off
// waits for the callback; every other entry stays removable during a drain.
type Queue interface {
	// Enqueue persists e before returning. Duplicate IDs return ErrAlreadyExists.
	Enqueue(e Entry) error

	// Remove deletes the entry and reports whether it was present.
	Remove(messageID string) (bool, error)

	// Contains reports whether the entry is still queued.
	Contains(messageID string) (bool, error)

	// Get returns a queued entry or ErrNotFound.
	Get(messageID string) (Entry, error)

	// Drain calls fn for each entry in FIFO order. An entry is removed only
	// after fn returns nil. The first error stops the drain and leaves that
	// entry and all later ones queued.
	Drain(fn func(Entry) error) error

	// Len returns the number of queued entries.
	Len() (int, error)

	// RemoveAll purges the queue.
	RemoveAll() error
}
