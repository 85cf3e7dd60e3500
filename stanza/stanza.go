// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stanza defines the frames exchanged between an MMX client and server.
package stanza

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize bounds one encoded frame. It leaves room for a 2 MiB payload
// after base64 expansion.
const MaxFrameSize = 4 << 20

// Stanza errors.
var (
	ErrMalformed     = errors.New("malformed stanza")
	ErrFrameTooLarge = errors.New("stanza frame too large")
)

// MalformedError is returned for a frame that was read in full but cannot
// be used. The stream stays in sync, so readers may skip it. ID and Kind
// are whatever could be recovered from the frame.
type MalformedError struct {
	ID   string
	Kind Kind
	Err  error
}

func (e *MalformedError) Error() string {
	return e.Err.Error()
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Kind identifies the stanza type.
type Kind string

// Stanza kinds.
const (
	KindMessage  Kind = "message"
	KindAck      Kind = "ack"
	KindReceipt  Kind = "receipt"
	KindState    Kind = "state"
	KindPresence Kind = "presence"
	KindIQ       Kind = "iq"
	KindError    Kind = "error"
	KindItem     Kind = "item"
)

// IQ types.
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Presence modes.
const (
	ModeAvailable = "available"
	ModeDND       = "dnd"
)

// Stanza is one frame. Fields are used depending on Kind.
type Stanza struct {
	Kind       Kind              `json:"kind"`
	ID         string            `json:"id,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Recipients []string          `json:"rcpts,omitempty"`
	Type       string            `json:"type,omitempty"`
	Command    string            `json:"cmd,omitempty"`
	Code       int               `json:"code,omitempty"`
	Text       string            `json:"text,omitempty"`
	Priority   *int              `json:"priority,omitempty"`
	Status     string            `json:"status,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	MType      string            `json:"mtype,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Receipt    bool              `json:"receipt,omitempty"`
	State      string            `json:"state,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// Validate checks the fields every kind requires.
func (s *Stanza) Validate() error {
	switch s.Kind {
	case KindMessage:
		if s.ID == "" {
			return fmt.Errorf("%w: message without id", ErrMalformed)
		}
	case KindAck, KindReceipt, KindState:
		if s.ID == "" || (s.From == "" && s.To == "") {
			return fmt.Errorf("%w: %s without id or address", ErrMalformed, s.Kind)
		}
	case KindItem:
		if s.ID == "" || s.Topic == "" {
			return fmt.Errorf("%w: item without id or topic", ErrMalformed)
		}
	case KindIQ:
		if s.ID == "" || s.Type == "" {
			return fmt.Errorf("%w: iq without id or type", ErrMalformed)
		}
	case KindPresence, KindError:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, s.Kind)
	}
	return nil
}

// Encode marshals a stanza. The result never contains a raw newline.
func Encode(s *Stanza) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stanza: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode unmarshals and validates a stanza. Unusable frames yield a
// *MalformedError that matches ErrMalformed.
func Decode(data []byte) (*Stanza, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	var s Stanza
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &MalformedError{ID: s.ID, Kind: s.Kind, Err: fmt.Errorf("%w: %w", ErrMalformed, err)}
	}
	if err := s.Validate(); err != nil {
		return nil, &MalformedError{ID: s.ID, Kind: s.Kind, Err: err}
	}
	return &s, nil
}

// NewIQ builds a request. body may be nil.
func NewIQ(id, typ, command string, body any) (*Stanza, error) {
	s := &Stanza{Kind: KindIQ, ID: id, Type: typ, Command: command}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", command, err)
		}
		s.Body = raw
	}
	return s, nil
}

// Result builds the reply to an IQ request.
func (s *Stanza) Result(code int, body any) (*Stanza, error) {
	r := &Stanza{Kind: KindIQ, ID: s.ID, Type: IQResult, Command: s.Command, Code: code}
	if code >= 300 {
		r.Type = IQError
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r.Body = raw
	}
	return r, nil
}

// Unmarshal decodes Body into v.
func (s *Stanza) Unmarshal(v any) error {
	if len(s.Body) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(s.Body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// Presence builds a presence stanza with the given priority.
func Presence(priority int, status, mode string) *Stanza {
	return &Stanza{Kind: KindPresence, Priority: &priority, Status: status, Mode: mode}
}
