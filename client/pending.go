// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/mmx/stanza"
)

// ErrTooManyRequests is returned when the pending request table is full.
var ErrTooManyRequests = errors.New("too many outstanding requests")

// pendingOp is an IQ request waiting for its result.
type pendingOp struct {
	id      string
	command string
	done    chan struct{}
	err     error
	result  *stanza.Stanza
	created time.Time
}

// pendingStore matches IQ results to waiting requests.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
	maxSize int
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		pending: make(map[string]*pendingOp),
		maxSize: maxSize,
	}
}

// add registers a request before it is written.
func (ps *pendingStore) add(id, command string) (*pendingOp, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.maxSize > 0 && len(ps.pending) >= ps.maxSize {
		return nil, ErrTooManyRequests
	}

	op := &pendingOp{
		id:      id,
		command: command,
		done:    make(chan struct{}),
		created: time.Now(),
	}
	ps.pending[id] = op
	return op, nil
}

// complete hands a result to its waiter. It reports false for unknown ids.
func (ps *pendingStore) complete(id string, result *stanza.Stanza) bool {
	ps.mu.Lock()
	op, ok := ps.pending[id]
	if ok {
		delete(ps.pending, id)
	}
	ps.mu.Unlock()

	if !ok {
		return false
	}
	op.result = result
	close(op.done)
	return true
}

func (ps *pendingStore) remove(id string) {
	ps.mu.Lock()
	delete(ps.pending, id)
	ps.mu.Unlock()
}

// clear fails every outstanding request.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*pendingOp)
	ps.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the result arrives, the timeout expires or ctx ends.
func (op *pendingOp) wait(ctx context.Context, timeout time.Duration) (*stanza.Stanza, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.done:
		return op.result, op.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
