// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"log/slog"

	"github.com/absmach/mmx/wakeup"
)

func (c *Client) startWaker() error {
	d, err := wakeup.NewDispatcher(c.opts.Waker, c.opts.Wakeup, c.onWakeResult, c.logger)
	if err != nil {
		return err
	}
	c.wakerMu.Lock()
	c.waker = d
	c.wakerMu.Unlock()
	return nil
}

// restartWaker drops every running wake-up job.
func (c *Client) restartWaker() {
	c.wakerMu.Lock()
	old := c.waker
	c.wakerMu.Unlock()
	if old == nil {
		return
	}
	old.Close()
	if err := c.startWaker(); err != nil {
		c.logger.Error("failed to restart wake-up dispatcher", slog.String("error", err.Error()))
	}
}

func (c *Client) dispatcher() *wakeup.Dispatcher {
	c.wakerMu.Lock()
	defer c.wakerMu.Unlock()
	return c.waker
}

// wakeFor starts or stops wake-up jobs as recipient states change.
func (c *Client) wakeFor(ch stateChange) {
	d := c.dispatcher()
	if d == nil {
		return
	}
	switch ch.to {
	case MsgWakeupRequired:
		if _, err := d.Schedule(ch.messageID, ch.recipient); err != nil {
			c.logger.Warn("failed to schedule wake-up",
				slog.String("message_id", ch.messageID),
				slog.String("error", err.Error()))
		}
	case MsgDeliveryAttempted, MsgDelivered, MsgReceived, MsgTimedOut, MsgUnknown:
		d.Cancel(ch.messageID, ch.recipient)
	}
}

// onWakeResult is called from dispatcher goroutines.
func (c *Client) onWakeResult(r wakeup.Result) {
	to := MsgWakeupSent
	if r.Outcome == wakeup.OutcomeExhausted {
		to = MsgWakeupTimedOut
	}
	c.metrics.Wakeup(r.Outcome.String())
	c.post(func() {
		c.applyChanges(c.tracker.apply(r.MessageID, r.Recipient, to))
	})
}

// HandleWakeup processes a push envelope received through a side channel.
// A wake-up logs in again with stored credentials; a push is published as
// EventPush.
func (c *Client) HandleWakeup(text string) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	env, err := wakeup.Decode(text, c.opts.PushTypes)
	if err != nil {
		return err
	}
	c.metrics.Wakeup(env.Action.String())

	switch env.Action {
	case wakeup.ActionWakeup:
		if !c.state.canConnect() {
			return nil
		}
		err := c.Reconnect()
		if errors.Is(err, ErrAlreadyConnected) {
			return nil
		}
		return err
	case wakeup.ActionPush:
		c.event(Event{Type: EventPush, Push: env})
	}
	return nil
}
