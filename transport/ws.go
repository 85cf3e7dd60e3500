// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mmx/stanza"
	"github.com/gorilla/websocket"
)

// Subprotocol is negotiated on WebSocket connections.
const Subprotocol = "mmx"

// WSDialer dials stanza streams carried in WebSocket text frames.
type WSDialer struct {
	URL              string
	Header           http.Header
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		TLSClientConfig:  d.TLSConfig,
		Subprotocols:     []string{Subprotocol},
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return NewWSConn(conn, d.WriteTimeout), nil
}

// WSConn wraps a WebSocket connection to implement Conn.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex
	closeOnce    sync.Once
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	conn.SetReadLimit(stanza.MaxFrameSize)
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one stanza as a text frame.
func (c *WSConn) Send(s *stanza.Stanza) error {
	data, err := stanza.Encode(s)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// RemoteAddr returns the peer address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Recv reads one stanza. Non-text frames are skipped.
func (c *WSConn) Recv() (*stanza.Stanza, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return stanza.Decode(data)
	}
}

// Close sends a close frame and closes the connection.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// WSHandler upgrades HTTP requests and hands each stanza stream to handler.
// It is the server half of WSDialer.
type WSHandler struct {
	upgrader websocket.Upgrader
	handler  func(Conn)
	logger   *slog.Logger
}

// NewWSHandler creates a WebSocket handler.
func NewWSHandler(handler func(Conn), logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		handler: handler,
		logger:  logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	h.handler(NewWSConn(conn, 0))
}
