// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mmx/codec"
	"github.com/absmach/mmx/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Queue = (*Queue)(nil)

// Key layout. The sequence key lives outside the queue prefixes so that
// RemoveAll never resets ordering.
const (
	entryPrefix = "queue/e/"
	indexPrefix = "queue/i/"
	seqKey      = "seq/queue"
	seqLease    = 64
)

// Queue implements storage.Queue using BadgerDB.
//
// Key format:
//   - Entry: queue/e/{seq:020d}
//   - Index: queue/i/{messageID} -> entry key
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence
	// mu guards the index against concurrent Enqueue and Remove. inflight
	// is the entry Drain is handing off; idle signals its end.
	mu       sync.Mutex
	inflight string
	idle     *sync.Cond
}

type record struct {
	MessageID  string `cbor:"1,keyasint"`
	Data       []byte `cbor:"2,keyasint"`
	EnqueuedAt int64  `cbor:"3,keyasint"`
}

// NewQueue creates a BadgerDB queue.
func NewQueue(db *badger.DB) (*Queue, error) {
	seq, err := db.GetSequence([]byte(seqKey), seqLease)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}
	q := &Queue{db: db, seq: seq}
	q.idle = sync.NewCond(&q.mu)
	return q, nil
}

func entryKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, n))
}

func indexKey(messageID string) []byte {
	return []byte(indexPrefix + messageID)
}

// Enqueue persists e at the tail.
func (q *Queue) Enqueue(e storage.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate queue sequence: %w", err)
	}
	data, err := codec.Marshal(record{
		MessageID:  e.MessageID,
		Data:       e.Data,
		EnqueuedAt: e.EnqueuedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	key := entryKey(n)
	return q.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(indexKey(e.MessageID))
		switch {
		case err == nil:
			return storage.ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(e.MessageID), key)
	})
}

// Remove deletes the entry with the given ID. Removing the entry Drain is
// handing off waits for the hand-off to finish.
func (q *Queue) Remove(messageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.inflight != "" && q.inflight == messageID {
		q.idle.Wait()
	}

	found := false
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(messageID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		found = true
		return txn.Delete(indexKey(messageID))
	})
	return found, err
}

// Contains reports whether the ID is queued.
func (q *Queue) Contains(messageID string) (bool, error) {
	err := q.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(indexKey(messageID))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Get returns a queued entry.
func (q *Queue) Get(messageID string) (storage.Entry, error) {
	var e storage.Entry
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(messageID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e, err = decodeEntry(val)
			return err
		})
	})
	return e, err
}

// Drain hands entries to fn in FIFO order, deleting each after fn succeeds.
// The lock is released while fn runs, so only the entry being handed off is
// unavailable to Remove.
func (q *Queue) Drain(fn func(storage.Entry) error) error {
	for {
		q.mu.Lock()
		key, e, ok, err := q.head()
		if err != nil || !ok {
			q.mu.Unlock()
			return err
		}
		q.inflight = e.MessageID
		q.mu.Unlock()

		ferr := fn(e)

		q.mu.Lock()
		q.inflight = ""
		if ferr == nil {
			err = q.db.Update(func(txn *badger.Txn) error {
				if err := txn.Delete(key); err != nil {
					return err
				}
				return txn.Delete(indexKey(e.MessageID))
			})
		}
		q.idle.Broadcast()
		q.mu.Unlock()
		switch {
		case ferr != nil:
			return ferr
		case err != nil:
			return fmt.Errorf("failed to remove drained entry: %w", err)
		}
	}
}

func (q *Queue) head() ([]byte, storage.Entry, bool, error) {
	var (
		key   []byte
		e     storage.Entry
		found bool
	)
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key = item.KeyCopy(nil)
		found = true
		return item.Value(func(val []byte) error {
			var err error
			e, err = decodeEntry(val)
			return err
		})
	})
	return key, e, found, err
}

// Len counts queued entries.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// RemoveAll purges entries and the index.
func (q *Queue) RemoveAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.DropPrefix([]byte(entryPrefix), []byte(indexPrefix))
}

func (q *Queue) close() error {
	return q.seq.Release()
}

func decodeEntry(val []byte) (storage.Entry, error) {
	var r record
	if err := codec.Unmarshal(val, &r); err != nil {
		return storage.Entry{}, fmt.Errorf("failed to unmarshal queue entry: %w", err)
	}
	return storage.Entry{
		MessageID:  r.MessageID,
		Data:       r.Data,
		EnqueuedAt: time.Unix(0, r.EnqueuedAt),
	}, nil
}
