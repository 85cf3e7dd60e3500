// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behaviour tests shared by storage backends.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mmx/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string) storage.Entry {
	return storage.Entry{MessageID: id, Data: []byte("data-" + id), EnqueuedAt: time.Unix(1700000000, 0).UTC()}
}

func drainIDs(t *testing.T, q storage.Queue) []string {
	t.Helper()
	var ids []string
	require.NoError(t, q.Drain(func(e storage.Entry) error {
		ids = append(ids, e.MessageID)
		return nil
	}))
	return ids
}

// RunQueueTests exercises a Queue implementation. newQueue must return an
// empty queue.
func RunQueueTests(t *testing.T, newQueue func(t *testing.T) storage.Queue) {
	t.Run("FIFO", func(t *testing.T) {
		q := newQueue(t)
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, q.Enqueue(entry(id)))
		}
		n, err := q.Len()
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		assert.Equal(t, []string{"c", "a", "b"}, drainIDs(t, q))

		n, err = q.Len()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("EntryContents", func(t *testing.T) {
		q := newQueue(t)
		want := entry("m1")
		require.NoError(t, q.Enqueue(want))

		got, err := q.Get("m1")
		require.NoError(t, err)
		assert.Equal(t, want.MessageID, got.MessageID)
		assert.Equal(t, want.Data, got.Data)
		assert.True(t, want.EnqueuedAt.Equal(got.EnqueuedAt))

		_, err = q.Get("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Duplicate", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(entry("m1")))
		assert.ErrorIs(t, q.Enqueue(entry("m1")), storage.ErrAlreadyExists)
	})

	t.Run("RemoveOnce", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(entry("m1")))
		require.NoError(t, q.Enqueue(entry("m2")))

		ok, err := q.Remove("m1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = q.Remove("m1")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = q.Contains("m1")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.Equal(t, []string{"m2"}, drainIDs(t, q))
	})

	t.Run("InterruptedDrain", func(t *testing.T) {
		q := newQueue(t)
		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, q.Enqueue(entry(id)))
		}

		boom := errors.New("transport down")
		var seen []string
		err := q.Drain(func(e storage.Entry) error {
			seen = append(seen, e.MessageID)
			if e.MessageID == "m2" {
				return boom
			}
			return nil
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"m1", "m2"}, seen)

		ok, err := q.Contains("m2")
		require.NoError(t, err)
		assert.True(t, ok, "failed entry must stay queued")

		assert.Equal(t, []string{"m2", "m3"}, drainIDs(t, q))
	})

	t.Run("RemoveAll", func(t *testing.T) {
		q := newQueue(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(entry(fmt.Sprintf("m%d", i))))
		}
		require.NoError(t, q.RemoveAll())

		n, err := q.Len()
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, q.Enqueue(entry("after")))
		require.NoError(t, q.Enqueue(entry("later")))
		assert.Equal(t, []string{"after", "later"}, drainIDs(t, q))
	})

	t.Run("RemoveDuringSlowHandOff", func(t *testing.T) {
		q := newQueue(t)
		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, q.Enqueue(entry(id)))
		}

		started := make(chan struct{})
		release := make(chan struct{})
		var seen []string
		drained := make(chan error, 1)
		go func() {
			drained <- q.Drain(func(e storage.Entry) error {
				seen = append(seen, e.MessageID)
				if e.MessageID == "m1" {
					close(started)
					<-release
				}
				return nil
			})
		}()
		<-started

		removed := make(chan bool, 1)
		go func() {
			ok, _ := q.Remove("m3")
			removed <- ok
		}()
		select {
		case ok := <-removed:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("Remove of a later entry blocked on the hand-off")
		}
		_, err := q.Get("m2")
		require.NoError(t, err)

		head := make(chan bool, 1)
		go func() {
			ok, _ := q.Remove("m1")
			head <- ok
		}()
		assert.Never(t, func() bool { return len(head) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
			"Remove of the entry being handed off must wait")

		close(release)
		require.NoError(t, <-drained)
		assert.False(t, <-head)
		assert.Equal(t, []string{"m1", "m2"}, seen)
	})

	t.Run("CancelRacesDrain", func(t *testing.T) {
		q := newQueue(t)
		const n = 50
		for i := 0; i < n; i++ {
			require.NoError(t, q.Enqueue(entry(fmt.Sprintf("m%02d", i))))
		}

		var mu sync.Mutex
		drained := make(map[string]bool)
		removed := make(map[string]bool)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = q.Drain(func(e storage.Entry) error {
				mu.Lock()
				drained[e.MessageID] = true
				mu.Unlock()
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			for i := n - 1; i >= 0; i-- {
				id := fmt.Sprintf("m%02d", i)
				ok, err := q.Remove(id)
				if err == nil && ok {
					mu.Lock()
					removed[id] = true
					mu.Unlock()
				}
			}
		}()
		wg.Wait()

		for i := 0; i < n; i++ {
			id := fmt.Sprintf("m%02d", i)
			assert.NotEqual(t, drained[id], removed[id], "%s must be either drained or removed, exactly once", id)
		}
	})
}

// RunKVTests exercises a KV implementation.
func RunKVTests(t *testing.T, kv storage.KV) {
	_, err := kv.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, kv.Set("k", []byte("v1")))
	v, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	v[0] = 'X'
	v, err = kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v, "returned slices must not alias stored data")

	require.NoError(t, kv.Set("k", []byte("v2")))
	v, err = kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, kv.Remove("k"))
	require.NoError(t, kv.Remove("k"))
	_, err = kv.Get("k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
