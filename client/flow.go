// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "github.com/absmach/mmx/stanza"

// Presence priorities used for flow control.
const (
	PriorityOnline   = 0
	PriorityBlocking = -1
)

// SuspendDelivery asks the server to hold messages for this endpoint. The
// setting is sent now when logged in and announced on every later login.
func (c *Client) SuspendDelivery() error {
	return c.setSuspended(true)
}

// ResumeDelivery lets the server deliver held and new messages.
func (c *Client) ResumeDelivery() error {
	return c.setSuspended(false)
}

func (c *Client) setSuspended(suspended bool) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	c.suspended.Store(suspended)
	if !c.state.isAuthenticated() {
		c.publishSession()
		return nil
	}

	var err error
	if cerr := c.call(func() {
		err = c.sendPresence(suspended)
		c.publishSession()
	}); cerr != nil {
		return cerr
	}
	return err
}

func (c *Client) sendPresence(suspended bool) error {
	if suspended {
		return c.send(stanza.Presence(PriorityBlocking, "Blocking", stanza.ModeDND))
	}
	return c.send(stanza.Presence(PriorityOnline, "Online", stanza.ModeAvailable))
}
