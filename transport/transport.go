// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries stanzas between a client and an MMX server.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/absmach/mmx/stanza"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport closed")

// Conn is a bidirectional stanza stream. Send is safe for concurrent use;
// Recv must be called from a single goroutine.
type Conn interface {
	Send(s *stanza.Stanza) error
	Recv() (*stanza.Stanza, error)
	Close() error
}

// Addresser is implemented by connections that know their peer address.
type Addresser interface {
	RemoteAddr() net.Addr
}

// Dialer opens connections to a server.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
