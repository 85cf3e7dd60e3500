// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mmx/config"
	"github.com/absmach/mmx/stanza"
	"github.com/absmach/mmx/storage"
	"github.com/absmach/mmx/xid"
)

// Send submits a message. While disconnected the message is stored in the
// offline queue and CLIENT_PENDING is returned; it is sent on the next
// successful login. While connected it is handed to the server and PENDING
// is returned. Oversized payloads and metadata are rejected before any I/O.
func (c *Client) Send(recipients []xid.Endpoint, payload Payload, opts SendOptions) (string, MessageState, error) {
	if c.state.isClosed() {
		return "", MsgUnknown, ErrClientClosed
	}
	if len(recipients) == 0 {
		return "", MsgUnknown, ErrNoRecipients
	}
	if len(payload.Data) > c.opts.MaxPayloadSize {
		c.metrics.MessageRejected("too_large")
		return "", MsgUnknown, fmt.Errorf("%w: %d bytes exceeds %d", ErrRequestTooLarge, len(payload.Data), c.opts.MaxPayloadSize)
	}

	msg := &Message{
		Recipients: append([]xid.Endpoint(nil), recipients...),
		Payload:    payload,
		Headers:    opts.Headers,
		Receipt:    opts.Receipt,
		CreatedAt:  time.Now(),
	}
	if self := c.self.Load(); self != nil {
		msg.From = *self
	}
	rec, err := newRecord(msg)
	if err != nil {
		c.metrics.MessageRejected("invalid_recipient")
		return "", MsgUnknown, err
	}
	if n := rec.metadataSize(); n > config.MaxMetadataSize {
		c.metrics.MessageRejected("too_large")
		return "", MsgUnknown, fmt.Errorf("%w: %d bytes of metadata exceeds %d", ErrRequestTooLarge, n, config.MaxMetadataSize)
	}
	msg.ID = c.ids.Load().next()
	rec.ID = msg.ID

	if c.state.isAuthenticated() {
		var (
			st   MessageState
			serr error
		)
		if err := c.call(func() { st, serr = c.handOff(rec, msg.Recipients) }); err != nil {
			return "", MsgUnknown, err
		}
		if serr != nil {
			return "", MsgUnknown, serr
		}
		return msg.ID, st, nil
	}

	if err := c.enqueue(rec); err != nil {
		return "", MsgUnknown, err
	}
	// A login may have completed its drain between the check and the enqueue.
	if c.state.isAuthenticated() {
		if queued, err := c.queue.Contains(msg.ID); err == nil && queued {
			c.post(c.drain)
		}
	}
	return msg.ID, MsgClientPending, nil
}

func (c *Client) enqueue(rec *record) error {
	e, err := rec.entry()
	if err != nil {
		return err
	}
	if err := c.queue.Enqueue(e); err != nil {
		return fmt.Errorf("failed to queue message %s: %w", rec.ID, err)
	}
	c.metrics.MessageQueued()
	c.logger.Debug("message queued", slog.String("message_id", rec.ID))
	return nil
}

// unsendable reports errors that no retry can fix.
func unsendable(err error) bool {
	return errors.Is(err, stanza.ErrFrameTooLarge) || errors.Is(err, stanza.ErrMalformed)
}

// handOff runs on the worker. A failed transmission falls back to the queue
// unless the message can never be sent.
func (c *Client) handOff(rec *record, recipients []xid.Endpoint) (MessageState, error) {
	if c.state.isAuthenticated() {
		err := c.transmit(rec)
		if err == nil {
			c.tracker.track(rec.ID, recipients, rec.Receipt)
			return MsgPending, nil
		}
		if unsendable(err) {
			c.metrics.MessageRejected("unsendable")
			return MsgUnknown, fmt.Errorf("%w: %w", ErrRequestTooLarge, err)
		}
		c.logger.Warn("hand-off failed, queueing message",
			slog.String("message_id", rec.ID),
			slog.String("error", err.Error()))
	}
	if err := c.enqueue(rec); err != nil {
		return MsgUnknown, err
	}
	return MsgClientPending, nil
}

func (c *Client) transmit(rec *record) error {
	s := &stanza.Stanza{
		Kind:       stanza.KindMessage,
		ID:         rec.ID,
		From:       c.selfAddress(),
		Recipients: rec.Recipients,
		MType:      rec.Type,
		Payload:    rec.Data,
		Headers:    rec.Headers,
		Receipt:    rec.Receipt,
	}
	if err := c.send(s); err != nil {
		return err
	}
	c.metrics.MessageSent(len(rec.Data))
	return nil
}

// drain sends queued messages in FIFO order. It runs on the worker and is
// safe to call repeatedly.
func (c *Client) drain() {
	if !c.state.isAuthenticated() {
		return
	}

	sent := 0
	err := c.queue.Drain(func(e storage.Entry) error {
		rec, err := decodeRecord(e)
		if err != nil {
			c.logger.Error("dropping unreadable queued message",
				slog.String("message_id", e.MessageID),
				slog.String("error", err.Error()))
			return nil
		}
		recipients, err := rec.recipients()
		if err != nil {
			c.logger.Error("dropping queued message with invalid recipients",
				slog.String("message_id", e.MessageID),
				slog.String("error", err.Error()))
			return nil
		}
		if err := c.transmit(rec); err != nil {
			if !unsendable(err) {
				return err
			}
			c.logger.Error("dropping unsendable queued message",
				slog.String("message_id", e.MessageID),
				slog.String("error", err.Error()))
			c.metrics.MessageRejected("unsendable")
			c.metrics.MessageDequeued(false)
			for _, r := range recipients {
				c.stateChanged(stateChange{messageID: rec.ID, recipient: r, from: MsgClientPending, to: MsgUnknown})
			}
			return nil
		}
		c.tracker.track(rec.ID, recipients, rec.Receipt)
		c.metrics.MessageDequeued(true)
		for _, r := range recipients {
			c.stateChanged(stateChange{messageID: rec.ID, recipient: r, from: MsgClientPending, to: MsgPending})
		}
		sent++
		return nil
	})
	if err != nil {
		c.logger.Warn("offline queue drain stopped",
			slog.Int("sent", sent),
			slog.String("error", err.Error()))
		return
	}
	if sent > 0 {
		c.logger.Debug("offline queue drained", slog.Int("sent", sent))
	}
}

// Cancel removes a message that is still in the offline queue. It reports
// false for messages already handed off and for unknown IDs.
func (c *Client) Cancel(messageID string) bool {
	removed, err := c.queue.Remove(messageID)
	if err != nil {
		c.logger.Warn("failed to cancel message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
		return false
	}
	if removed {
		c.metrics.MessageDequeued(false)
	}
	return removed
}

// QueryState returns the local per-recipient state. Unknown IDs yield a
// single UNKNOWN entry.
func (c *Client) QueryState(messageID string) []RecipientState {
	// The queue is consulted first: drain tracks an entry before removing it.
	e, err := c.queue.Get(messageID)
	switch {
	case err == nil:
		if rec, err := decodeRecord(e); err == nil {
			if recipients, err := rec.recipients(); err == nil {
				out := make([]RecipientState, len(recipients))
				for i, r := range recipients {
					out[i] = RecipientState{Recipient: r, State: MsgClientPending}
				}
				return out
			}
		}
	case !errors.Is(err, storage.ErrNotFound):
		c.logger.Warn("failed to read offline queue",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
	}

	if rs, ok := c.tracker.states(messageID); ok {
		return rs
	}
	return []RecipientState{{State: MsgUnknown}}
}

// QueryStates is QueryState for several IDs.
func (c *Client) QueryStates(messageIDs ...string) map[string][]RecipientState {
	out := make(map[string][]RecipientState, len(messageIDs))
	for _, id := range messageIDs {
		out[id] = c.QueryState(id)
	}
	return out
}

// Reconcile asks the server for the state of handed-off messages and
// applies the answer. IDs the server does not know become UNKNOWN.
func (c *Client) Reconcile(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if !c.state.isAuthenticated() {
		return ErrNotConnected
	}

	res, err := c.request(ctx, stanza.IQGet, stanza.CmdQueryState, stanza.StateQuery{IDs: messageIDs})
	if err != nil {
		return err
	}
	var report stanza.StateReport
	if len(res.Body) > 0 {
		if err := res.Unmarshal(&report); err != nil {
			return err
		}
	}

	return c.call(func() {
		for _, id := range messageIDs {
			entries := report[id]
			if len(entries) == 0 {
				c.applyChanges(c.tracker.apply(id, xid.Endpoint{}, MsgUnknown))
				continue
			}
			for _, rs := range entries {
				c.applyReport(id, rs.Recipient, rs.State)
			}
		}
	})
}

// SendReceipt tells the sender that msg was processed.
func (c *Client) SendReceipt(msg InboundMessage) error {
	if !msg.ReceiptRequested {
		return ErrReceiptNotRequested
	}
	if !c.state.isAuthenticated() {
		return ErrNotConnected
	}
	to, err := xid.Encode(msg.From)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
	}

	var serr error
	if err := c.call(func() {
		serr = c.send(&stanza.Stanza{Kind: stanza.KindReceipt, ID: msg.ID, From: c.selfAddress(), To: to})
	}); err != nil {
		return err
	}
	return serr
}

// handleStanza runs on the worker for every non-IQ-result stanza.
func (c *Client) handleStanza(gen uint64, s *stanza.Stanza) {
	if _, cur := c.current(); cur != gen {
		return
	}

	switch s.Kind {
	case stanza.KindMessage:
		c.onMessage(s)
	case stanza.KindAck:
		c.onAck(s)
	case stanza.KindReceipt:
		c.onReceipt(s)
	case stanza.KindState:
		c.applyReport(s.ID, s.From, s.State)
	case stanza.KindError:
		c.onError(s)
	case stanza.KindItem:
		c.onItem(s)
	case stanza.KindIQ:
		c.onRequest(s)
	case stanza.KindPresence:
		c.logger.Debug("ignoring presence", slog.String("from", s.From))
	}
}

func (c *Client) onMessage(s *stanza.Stanza) {
	from, err := xid.Decode(s.From)
	if err != nil {
		c.logger.Debug("dropping message with invalid sender",
			slog.String("message_id", s.ID),
			slog.String("from", s.From))
		return
	}
	in := &InboundMessage{
		ID:               s.ID,
		From:             from,
		Payload:          Payload{Type: s.MType, Data: s.Payload},
		Headers:          s.Headers,
		ReceiptRequested: s.Receipt,
		ReceivedAt:       time.Now(),
	}
	for _, r := range s.Recipients {
		if e, err := xid.Decode(r); err == nil {
			in.Recipients = append(in.Recipients, e)
		}
	}

	ack := &stanza.Stanza{Kind: stanza.KindAck, ID: s.ID, From: c.selfAddress(), To: s.From}
	if err := c.send(ack); err != nil {
		c.logger.Warn("failed to ack message",
			slog.String("message_id", s.ID),
			slog.String("error", err.Error()))
	}

	c.metrics.MessageReceived()
	c.event(Event{Type: EventMessage, Message: in})
}

func (c *Client) onAck(s *stanza.Stanza) {
	from, err := xid.Decode(s.From)
	if err != nil {
		c.logger.Debug("dropping malformed ack", slog.String("message_id", s.ID), slog.String("from", s.From))
		return
	}
	changes := c.tracker.apply(s.ID, from, MsgDelivered)
	if len(changes) == 0 {
		c.logger.Debug("dropping ack for unknown message", slog.String("message_id", s.ID))
	}
	c.applyChanges(changes)
}

func (c *Client) onReceipt(s *stanza.Stanza) {
	from, err := xid.Decode(s.From)
	if err != nil {
		c.logger.Debug("dropping malformed receipt", slog.String("message_id", s.ID), slog.String("from", s.From))
		return
	}
	c.applyChanges(c.tracker.receipt(s.ID, from))
}

// applyReport applies a server-reported state. An empty recipient applies
// to every recipient.
func (c *Client) applyReport(id, recipient, state string) {
	to, err := ParseMessageState(state)
	if err != nil {
		c.logger.Debug("dropping unknown state report", slog.String("message_id", id), slog.String("state", state))
		return
	}
	var from xid.Endpoint
	if recipient != "" {
		if from, err = xid.Decode(recipient); err != nil {
			c.logger.Debug("dropping state report with invalid recipient", slog.String("message_id", id))
			return
		}
	}
	if to == MsgReceived && from != (xid.Endpoint{}) {
		c.applyChanges(c.tracker.receipt(id, from))
		return
	}
	c.applyChanges(c.tracker.apply(id, from, to))
}

func (c *Client) onError(s *stanza.Stanza) {
	if StatusCode(s.Code) == StatusNotFound && s.ID != "" {
		c.applyChanges(c.tracker.apply(s.ID, xid.Endpoint{}, MsgUnknown))
		return
	}
	c.logger.Warn("server error",
		slog.String("id", s.ID),
		slog.Int("code", s.Code),
		slog.String("text", s.Text))
}

// onRequest answers server-initiated IQs, none of which are supported.
func (c *Client) onRequest(s *stanza.Stanza) {
	if s.Type != stanza.IQGet && s.Type != stanza.IQSet {
		return
	}
	res, err := s.Result(int(StatusNotImplemented), nil)
	if err != nil {
		return
	}
	if err := c.send(res); err != nil {
		c.logger.Debug("failed to answer iq", slog.String("error", err.Error()))
	}
}

func (c *Client) applyChanges(changes []stateChange) {
	for _, ch := range changes {
		c.stateChanged(ch)
	}
}

func (c *Client) stateChanged(ch stateChange) {
	c.metrics.StateChanged(ch.to.String())
	if ch.to == MsgDelivered && ch.latency > 0 {
		c.metrics.AckLatency(ch.latency)
	}
	c.wakeFor(ch)
	c.event(Event{
		Type:      EventStateChanged,
		MessageID: ch.messageID,
		Recipient: ch.recipient,
		From:      ch.from,
		To:        ch.to,
	})
}
