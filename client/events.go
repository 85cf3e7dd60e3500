// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mmx/wakeup"
	"github.com/absmach/mmx/xid"
)

// EventType identifies a lifecycle or delivery event.
type EventType uint8

// Event types.
const (
	EventConnected EventType = iota + 1
	EventConnectFailed
	EventAuthenticated
	EventAuthFailed
	EventAccountCreated
	EventConnectionLost
	EventDisconnected
	EventMessage
	EventStateChanged
	EventPush
	EventItem
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventAuthenticated:
		return "authenticated"
	case EventAuthFailed:
		return "auth_failed"
	case EventAccountCreated:
		return "account_created"
	case EventConnectionLost:
		return "connection_lost"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventStateChanged:
		return "state_changed"
	case EventPush:
		return "push"
	case EventItem:
		return "item"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners in the order it was raised.
type Event struct {
	Type    EventType
	Session Session
	Time    time.Time

	// Err is set for connect failures and lost connections.
	Err error
	// Code is set for authentication failures.
	Code StatusCode

	// Message is set for EventMessage.
	Message *InboundMessage

	// State change fields.
	MessageID string
	Recipient xid.Endpoint
	From      MessageState
	To        MessageState

	// Push is set for EventPush.
	Push *wakeup.Envelope

	// Item is set for EventItem.
	Item *Item
}

// Listener receives events on the client's callback goroutine.
type Listener func(Event)

// eventBus queues events without bound and runs listeners on one goroutine,
// so producers never block on slow listeners.
type eventBus struct {
	logger *slog.Logger

	mu        sync.Mutex
	queue     []Event
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	closed    bool
	signal    chan struct{}
	done      chan struct{}
}

func newEventBus(logger *slog.Logger) *eventBus {
	b := &eventBus{
		logger:    logger,
		listeners: make(map[uint64]Listener),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// subscribe adds a listener and returns a function that removes it.
func (b *eventBus) subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *eventBus) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *eventBus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.signal
			continue
		}
		e := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		listeners := make([]Listener, 0, len(b.order))
		for _, id := range b.order {
			listeners = append(listeners, b.listeners[id])
		}
		b.mu.Unlock()

		for _, fn := range listeners {
			b.dispatch(fn, e)
		}
	}
}

func (b *eventBus) dispatch(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				slog.String("event", e.Type.String()),
				slog.Any("panic", r))
		}
	}()
	fn(e)
}

// close delivers what is already queued, then stops the callback goroutine.
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	<-b.done
}
