// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mmx/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store.
type Store struct {
	db *badger.DB

	settings *KV
	queue    *Queue

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
	// InMemory keeps all data in memory and ignores Dir.
	InMemory bool
	// GCInterval for value log garbage collection; zero means five minutes.
	GCInterval time.Duration
}

// New opens a BadgerDB-backed store. Writes are synced: an enqueued
// message must survive a crash once Enqueue returns.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	queue, err := NewQueue(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:         db,
		settings:   NewKV(db),
		queue:      queue,
		gcInterval: cfg.GCInterval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	if s.gcInterval <= 0 {
		s.gcInterval = 5 * time.Minute
	}

	go s.runGC()

	return s, nil
}

// Settings returns the settings store.
func (s *Store) Settings() storage.KV {
	return s.settings
}

// Queue returns the offline queue.
func (s *Store) Queue() storage.Queue {
	return s.queue
}

// Close gracefully closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	if err := s.queue.close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// runGC runs value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
