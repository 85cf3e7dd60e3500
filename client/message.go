// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"time"

	"github.com/absmach/mmx/xid"
)

// MessageState is the delivery state of a message for one recipient.
type MessageState uint8

// Message states. MsgUnknown doubles as the not-found sentinel.
const (
	MsgUnknown MessageState = iota
	MsgClientPending
	MsgPending
	MsgWakeupRequired
	MsgWakeupTimedOut
	MsgWakeupSent
	MsgDeliveryAttempted
	MsgDelivered
	MsgReceived
	MsgTimedOut
)

var stateNames = [...]string{
	MsgUnknown:           "UNKNOWN",
	MsgClientPending:     "CLIENT_PENDING",
	MsgPending:           "PENDING",
	MsgWakeupRequired:    "WAKEUP_REQUIRED",
	MsgWakeupTimedOut:    "WAKEUP_TIMEDOUT",
	MsgWakeupSent:        "WAKEUP_SENT",
	MsgDeliveryAttempted: "DELIVERY_ATTEMPTED",
	MsgDelivered:         "DELIVERED",
	MsgReceived:          "RECEIVED",
	MsgTimedOut:          "TIMEDOUT",
}

// String returns the wire name of the state.
func (s MessageState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return stateNames[MsgUnknown]
}

// ParseMessageState parses a wire name.
func ParseMessageState(s string) (MessageState, error) {
	for i, name := range stateNames {
		if name == s {
			return MessageState(i), nil
		}
	}
	return MsgUnknown, fmt.Errorf("%w: unknown message state %q", ErrUnexpectedStanza, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s MessageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MessageState) UnmarshalText(text []byte) error {
	v, err := ParseMessageState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsTerminal reports whether no further transition can leave the state.
func (s MessageState) IsTerminal() bool {
	return s == MsgReceived || s == MsgTimedOut || s == MsgUnknown
}

// transitions lists the legal moves after a message has been handed off.
// CLIENT_PENDING exits are owned by the queue: drain yields PENDING, while
// a successful cancel or an unsendable entry yields UNKNOWN.
var transitions = map[MessageState][]MessageState{
	MsgPending:           {MsgWakeupRequired, MsgWakeupSent, MsgDeliveryAttempted, MsgDelivered, MsgTimedOut, MsgUnknown},
	MsgWakeupRequired:    {MsgWakeupSent, MsgWakeupTimedOut, MsgDeliveryAttempted, MsgDelivered, MsgUnknown},
	MsgWakeupSent:        {MsgWakeupTimedOut, MsgDeliveryAttempted, MsgDelivered, MsgUnknown},
	MsgWakeupTimedOut:    {MsgDeliveryAttempted, MsgDelivered, MsgUnknown},
	MsgDeliveryAttempted: {MsgDelivered, MsgTimedOut, MsgUnknown},
	MsgDelivered:         {MsgReceived, MsgUnknown},
}

// CanTransition reports whether moving from s to to is legal.
func (s MessageState) CanTransition(to MessageState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Payload is the application content of a message.
type Payload struct {
	// Type is an application-defined content type tag.
	Type string
	Data []byte
}

// SendOptions tune a single send.
type SendOptions struct {
	// Receipt asks recipients to confirm that the application processed the message.
	Receipt bool
	Headers map[string]string
}

// Message is an outbound message.
type Message struct {
	ID         string
	From       xid.Endpoint
	Recipients []xid.Endpoint
	Payload    Payload
	Headers    map[string]string
	Receipt    bool
	CreatedAt  time.Time
}

// RecipientState is the delivery state for one recipient.
type RecipientState struct {
	Recipient xid.Endpoint
	State     MessageState
}

// InboundMessage is a message delivered to this endpoint.
type InboundMessage struct {
	ID               string
	From             xid.Endpoint
	Recipients       []xid.Endpoint
	Payload          Payload
	Headers          map[string]string
	ReceiptRequested bool
	ReceivedAt       time.Time
}
