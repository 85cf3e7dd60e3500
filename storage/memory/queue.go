// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"container/list"
	"sync"

	"github.com/absmach/mmx/storage"
)

var _ storage.Queue = (*Queue)(nil)

// Queue is an in-memory FIFO with an ID index.
type Queue struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
	// inflight is the entry Drain is handing off; idle signals its end.
	inflight string
	idle     *sync.Cond
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

func copyEntry(e storage.Entry) storage.Entry {
	e.Data = append([]byte(nil), e.Data...)
	return e
}

// Enqueue appends e.
func (q *Queue) Enqueue(e storage.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[e.MessageID]; ok {
		return storage.ErrAlreadyExists
	}
	q.index[e.MessageID] = q.order.PushBack(copyEntry(e))
	return nil
}

// Remove deletes the entry with the given ID. Removing the entry Drain is
// handing off waits for the hand-off to finish.
func (q *Queue) Remove(messageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.inflight != "" && q.inflight == messageID {
		q.idle.Wait()
	}
	el, ok := q.index[messageID]
	if !ok {
		return false, nil
	}
	q.order.Remove(el)
	delete(q.index, messageID)
	return true, nil
}

// Contains reports whether the ID is queued.
func (q *Queue) Contains(messageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[messageID]
	return ok, nil
}

// Get returns a copy of a queued entry.
func (q *Queue) Get(messageID string) (storage.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[messageID]
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}
	return copyEntry(el.Value.(storage.Entry)), nil
}

// Drain hands entries to fn in FIFO order. The lock is released while fn
// runs, so only the entry being handed off is unavailable to Remove.
func (q *Queue) Drain(fn func(storage.Entry) error) error {
	for {
		q.mu.Lock()
		el := q.order.Front()
		if el == nil {
			q.mu.Unlock()
			return nil
		}
		e := el.Value.(storage.Entry)
		q.inflight = e.MessageID
		q.mu.Unlock()

		err := fn(copyEntry(e))

		q.mu.Lock()
		q.inflight = ""
		if err == nil {
			if cur, ok := q.index[e.MessageID]; ok && cur == el {
				q.order.Remove(el)
				delete(q.index, e.MessageID)
			}
		}
		q.idle.Broadcast()
		q.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// Len returns the number of entries.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len(), nil
}

// RemoveAll purges the queue.
func (q *Queue) RemoveAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order.Init()
	q.index = make(map[string]*list.Element)
	return nil
}
