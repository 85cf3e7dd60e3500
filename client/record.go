// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"time"

	"github.com/absmach/mmx/codec"
	"github.com/absmach/mmx/storage"
	"github.com/absmach/mmx/xid"
)

// record is the persisted form of a queued message.
type record struct {
	ID         string            `cbor:"1,keyasint"`
	Recipients []string          `cbor:"2,keyasint"`
	Type       string            `cbor:"3,keyasint,omitempty"`
	Data       []byte            `cbor:"4,keyasint,omitempty"`
	Headers    map[string]string `cbor:"5,keyasint,omitempty"`
	Receipt    bool              `cbor:"6,keyasint,omitempty"`
	CreatedAt  int64             `cbor:"7,keyasint"`
}

func newRecord(m *Message) (*record, error) {
	rcpts := make([]string, len(m.Recipients))
	for i, r := range m.Recipients {
		s, err := xid.Encode(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
		}
		rcpts[i] = s
	}
	return &record{
		ID:         m.ID,
		Recipients: rcpts,
		Type:       m.Payload.Type,
		Data:       m.Payload.Data,
		Headers:    m.Headers,
		Receipt:    m.Receipt,
		CreatedAt:  m.CreatedAt.UnixNano(),
	}, nil
}

// metadataSize counts the bytes a message carries besides its payload.
func (r *record) metadataSize() int {
	n := len(r.Type)
	for _, rcpt := range r.Recipients {
		n += len(rcpt)
	}
	for k, v := range r.Headers {
		n += len(k) + len(v)
	}
	return n
}

func (r *record) entry() (storage.Entry, error) {
	data, err := codec.Pack(r)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("failed to encode message %s: %w", r.ID, err)
	}
	return storage.Entry{MessageID: r.ID, Data: data, EnqueuedAt: time.Now()}, nil
}

func decodeRecord(e storage.Entry) (*record, error) {
	var r record
	if err := codec.Unpack(e.Data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", e.MessageID, err)
	}
	if r.ID != e.MessageID {
		return nil, fmt.Errorf("%w: record id %q under key %q", codec.ErrCorrupt, r.ID, e.MessageID)
	}
	return &r, nil
}

// recipients decodes the stored recipient addresses.
func (r *record) recipients() ([]xid.Endpoint, error) {
	out := make([]xid.Endpoint, len(r.Recipients))
	for i, s := range r.Recipients {
		e, err := xid.Decode(s)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
