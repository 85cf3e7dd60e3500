// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/absmach/mmx/stanza"
)

// TCPDialer dials newline-delimited JSON stanza streams, optionally over TLS.
type TCPDialer struct {
	Address      string
	TLSConfig    *tls.Config
	WriteTimeout time.Duration
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if d.TLSConfig != nil {
		td := &tls.Dialer{Config: d.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", d.Address)
	} else {
		var nd net.Dialer
		conn, err = nd.DialContext(ctx, "tcp", d.Address)
	}
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, d.WriteTimeout), nil
}

// StreamConn wraps a net.Conn to implement Conn.
type StreamConn struct {
	conn         net.Conn
	reader       *stanza.Reader
	writer       *stanza.Writer
	writeTimeout time.Duration
	wmu          sync.Mutex
	closeOnce    sync.Once
}

// NewStreamConn wraps an established connection.
func NewStreamConn(conn net.Conn, writeTimeout time.Duration) *StreamConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &StreamConn{
		conn:         conn,
		reader:       stanza.NewReader(conn),
		writer:       stanza.NewWriter(conn),
		writeTimeout: writeTimeout,
	}
}

// Send writes one stanza.
func (c *StreamConn) Send(s *stanza.Stanza) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.writer.Write(s)
}

// Recv reads one stanza.
func (c *StreamConn) Recv() (*stanza.Stanza, error) {
	return c.reader.Read()
}

// Close closes the underlying connection.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// TCPListener accepts stanza streams. It is the server half of TCPDialer.
type TCPListener struct {
	listener net.Listener
}

// Listen starts a TCPListener on address.
func Listen(address string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: ln}, nil
}

// Serve accepts connections and hands each to handler on its own goroutine.
func (l *TCPListener) Serve(handler func(Conn)) error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return err
		}
		go handler(NewStreamConn(conn, 0))
	}
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}
