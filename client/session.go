// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/absmach/mmx/xid"
)

// Session is an immutable snapshot of the connection. A new snapshot
// replaces the previous one on every change.
type Session struct {
	State State
	// Endpoint is the authenticated address, nil when not logged in.
	Endpoint  *xid.Endpoint
	AuthMode  AuthMode
	Connected bool
	Suspended bool
}

// Session returns the current snapshot.
func (c *Client) Session() Session {
	return *c.session.Load()
}

// publishSession stores and returns a fresh snapshot.
func (c *Client) publishSession() Session {
	st := c.state.get()
	s := Session{
		State:     st,
		AuthMode:  AuthMode(c.mode.Load()),
		Connected: st == StateAuthenticated,
		Suspended: c.suspended.Load(),
	}
	if self := c.self.Load(); self != nil && st == StateAuthenticated {
		e := *self
		s.Endpoint = &e
	}
	c.session.Store(&s)
	return s
}

// event publishes e with the current session attached.
func (c *Client) event(e Event) {
	e.Session = c.Session()
	c.bus.publish(e)
}

