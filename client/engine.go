// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"

	"github.com/absmach/mmx/xid"
)

// DefaultTrackedMessages bounds how many handed-off messages the tracker
// remembers. Only messages whose recipients all reached a terminal state
// are evicted.
const DefaultTrackedMessages = 10000

// delivery is the per-recipient state of one handed-off message.
type delivery struct {
	id         string
	recipients []xid.Endpoint
	states     []MessageState
	receipt    bool
	sentAt     time.Time
}

func (d *delivery) terminal() bool {
	for _, s := range d.states {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

// index finds the recipient an incoming report refers to. An exact match
// wins; otherwise the first bare match is used, since servers report the
// full address of whichever resource handled the message.
func (d *delivery) index(from xid.Endpoint) int {
	for i, r := range d.recipients {
		if r.Equal(from) {
			return i
		}
	}
	bare := from.Bare()
	for i, r := range d.recipients {
		if r.Bare().Equal(bare) {
			return i
		}
	}
	return -1
}

// stateChange is one applied transition.
type stateChange struct {
	messageID string
	recipient xid.Endpoint
	from      MessageState
	to        MessageState
	latency   time.Duration
}

// tracker holds delivery state for messages that left the offline queue.
// Queued messages are not tracked here; the queue is the single authority
// for CLIENT_PENDING.
type tracker struct {
	mu      sync.Mutex
	entries map[string]*delivery
	order   []string
	max     int
}

func newTracker(max int) *tracker {
	if max <= 0 {
		max = DefaultTrackedMessages
	}
	return &tracker{entries: make(map[string]*delivery), max: max}
}

// track records a hand-off with every recipient in PENDING.
func (t *tracker) track(id string, recipients []xid.Endpoint, receipt bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	states := make([]MessageState, len(recipients))
	for i := range states {
		states[i] = MsgPending
	}
	if _, ok := t.entries[id]; !ok {
		t.order = append(t.order, id)
	}
	t.entries[id] = &delivery{
		id:         id,
		recipients: append([]xid.Endpoint(nil), recipients...),
		states:     states,
		receipt:    receipt,
		sentAt:     time.Now(),
	}
	t.evictLocked()
}

func (t *tracker) evictLocked() {
	if len(t.entries) <= t.max {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		d, ok := t.entries[id]
		if !ok {
			continue
		}
		if len(t.entries) > t.max && d.terminal() {
			delete(t.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// apply moves one recipient, or every recipient when from is the zero
// endpoint, to the target state. Illegal transitions are skipped.
func (t *tracker) apply(id string, from xid.Endpoint, to MessageState) []stateChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[id]
	if !ok {
		return nil
	}
	if from == (xid.Endpoint{}) {
		var changes []stateChange
		for i := range d.states {
			if c, ok := t.moveLocked(d, i, to); ok {
				changes = append(changes, c)
			}
		}
		return changes
	}
	i := d.index(from)
	if i < 0 {
		return nil
	}
	if c, ok := t.moveLocked(d, i, to); ok {
		return []stateChange{c}
	}
	return nil
}

// receipt applies a read receipt. A receipt that overtakes its ack implies
// delivery, so both transitions are reported in order.
func (t *tracker) receipt(id string, from xid.Endpoint) []stateChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[id]
	if !ok || !d.receipt {
		return nil
	}
	i := d.index(from)
	if i < 0 {
		return nil
	}

	var changes []stateChange
	if d.states[i] != MsgDelivered {
		c, ok := t.moveLocked(d, i, MsgDelivered)
		if !ok {
			return nil
		}
		changes = append(changes, c)
	}
	if c, ok := t.moveLocked(d, i, MsgReceived); ok {
		changes = append(changes, c)
	}
	return changes
}

func (t *tracker) moveLocked(d *delivery, i int, to MessageState) (stateChange, bool) {
	cur := d.states[i]
	if !cur.CanTransition(to) {
		return stateChange{}, false
	}
	d.states[i] = to
	c := stateChange{messageID: d.id, recipient: d.recipients[i], from: cur, to: to}
	if to == MsgDelivered {
		c.latency = time.Since(d.sentAt)
	}
	return c, true
}

// states returns a copy of the per-recipient states.
func (t *tracker) states(id string) ([]RecipientState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	out := make([]RecipientState, len(d.states))
	for i, s := range d.states {
		out[i] = RecipientState{Recipient: d.recipients[i], State: s}
	}
	return out, true
}

func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*delivery)
	t.order = nil
}
