// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wakeup handles the out-of-band channel that reaches devices whose
// session is down: the push envelope codec and the wake-up dispatcher.
package wakeup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Envelope framing.
const (
	Prefix          = "mmx"
	Separator       = ":"
	HeaderDelimiter = "\r\n"
	MaxEnvelopeSize = 2048
)

// Envelope errors.
var (
	ErrEnvelopeTooLarge = errors.New("push envelope exceeds 2048 bytes")
	ErrNotEnvelope      = errors.New("not an mmx push envelope")
	ErrUnknownAction    = errors.New("unknown push action")
	ErrUnknownType      = errors.New("unknown push payload type")
)

// Action is the single-letter envelope action.
type Action byte

// Envelope actions.
const (
	ActionWakeup Action = 'w'
	ActionPush   Action = 'p'
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionWakeup:
		return "wakeup"
	case ActionPush:
		return "push"
	default:
		return "unknown"
	}
}

// Notification is the payload used when an envelope carries no type tag.
type Notification struct {
	Title  string         `json:"title,omitempty"`
	Body   string         `json:"body,omitempty"`
	Icon   string         `json:"icon,omitempty"`
	Sound  string         `json:"sound,omitempty"`
	Custom map[string]any `json:"custom,omitempty"`
}

// Envelope is a decoded push message.
type Envelope struct {
	Action  Action
	Type    string
	Payload any
}

// DecodeFunc turns a raw JSON payload into a typed value.
type DecodeFunc func(raw json.RawMessage) (any, error)

// Registry maps envelope type tags to payload decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register binds a type tag to a decoder, replacing any previous binding.
func (r *Registry) Register(typ string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[typ] = fn
}

// RegisterJSON binds typ to plain JSON decoding into a fresh T.
func RegisterJSON[T any](r *Registry, typ string) {
	r.Register(typ, func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

func (r *Registry) lookup(typ string) (DecodeFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.decoders[typ]
	return fn, ok
}

// Encode builds "mmx:<action>[:<type>]\r\n<json>".
func Encode(action Action, typ string, payload any) (string, error) {
	if action != ActionWakeup && action != ActionPush {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, byte(action))
	}

	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString(Separator)
	b.WriteByte(byte(action))
	if typ != "" {
		b.WriteString(Separator)
		b.WriteString(typ)
	}
	b.WriteString(HeaderDelimiter)

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal push payload: %w", err)
		}
		b.Write(data)
	}

	if b.Len() > MaxEnvelopeSize {
		return "", fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, b.Len())
	}
	return b.String(), nil
}

// IsEnvelope reports whether text looks like an MMX push envelope.
func IsEnvelope(text string) bool {
	return strings.HasPrefix(text, Prefix+Separator)
}

// Decode parses an envelope. Typed payloads go through reg; untyped ones
// become a Notification. An empty payload decodes to nil.
func Decode(text string, reg *Registry) (*Envelope, error) {
	if len(text) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(text))
	}
	if !IsEnvelope(text) {
		return nil, ErrNotEnvelope
	}

	header, body, _ := strings.Cut(text, HeaderDelimiter)
	tokens := strings.Split(header, Separator)
	if len(tokens) < 2 || len(tokens) > 3 || len(tokens[1]) != 1 {
		return nil, fmt.Errorf("%w: bad header %q", ErrNotEnvelope, header)
	}

	env := &Envelope{Action: Action(tokens[1][0])}
	if env.Action != ActionWakeup && env.Action != ActionPush {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, tokens[1])
	}
	if len(tokens) == 3 {
		env.Type = tokens[2]
	}

	if strings.TrimSpace(body) == "" {
		return env, nil
	}

	raw := json.RawMessage(body)
	if env.Type == "" {
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("failed to decode push notification: %w", err)
		}
		env.Payload = n
		return env, nil
	}

	fn, ok := reg.lookup(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	payload, err := fn(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q payload: %w", env.Type, err)
	}
	env.Payload = payload
	return env, nil
}
