// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics maps human-readable topic references onto the canonical
// server-side topic namespace.
package topics

import (
	"fmt"
	"strings"

	"github.com/absmach/mmx/xid"
)

// GlobalOwner marks a topic in the application-wide namespace.
const GlobalOwner = "*"

// Topic identifies a topic. An empty Owner denotes a global topic.
type Topic struct {
	Owner string
	Name  string
}

// Global returns a global topic reference.
func Global(name string) Topic {
	return Topic{Name: name}
}

// Personal returns a topic owned by userID.
func Personal(owner, name string) Topic {
	return Topic{Owner: owner, Name: name}
}

// IsGlobal reports whether the topic lives in the global namespace.
func (t Topic) IsGlobal() bool {
	return t.Owner == ""
}

// String returns the human-readable form: "*/name" or "owner/name".
func (t Topic) String() string {
	if t.IsGlobal() {
		return GlobalOwner + "/" + t.Name
	}
	return t.Owner + "/" + t.Name
}

// Equal compares topics case-insensitively on both owner and name.
func Equal(a, b Topic) bool {
	return strings.EqualFold(a.Owner, b.Owner) && strings.EqualFold(a.Name, b.Name)
}

// ParseHuman parses the form produced by Topic.String. A reference without
// an owner separator is treated as a global topic name.
func ParseHuman(s string) (Topic, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok {
		return Global(s), nil
	}
	if name == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopicName, s)
	}
	if owner == GlobalOwner {
		return Global(name), nil
	}
	if owner == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidOwner, s)
	}
	return Personal(owner, name), nil
}

// Resolver converts topic references into canonical paths of the form
// /{appId}/*/{name} or /{appId}/{owner}/{name}.
type Resolver struct {
	AppID string
	// Restricted rejects nested names.
	Restricted bool
}

// Validate checks a topic against the resolver's rules.
func (r Resolver) Validate(t Topic) error {
	if err := ValidateName(t.Name, r.Restricted); err != nil {
		return err
	}
	if t.IsGlobal() {
		return nil
	}
	if t.Owner == GlobalOwner {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidOwner, t.Owner)
	}
	if err := xid.ValidateUserID(t.Owner, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOwner, err)
	}
	return nil
}

// Resolve returns the canonical path. Owners are lowercased.
func (r Resolver) Resolve(t Topic) (string, error) {
	if r.AppID == "" {
		return "", ErrEmptyAppID
	}
	if err := r.Validate(t); err != nil {
		return "", err
	}
	owner := GlobalOwner
	if !t.IsGlobal() {
		owner = strings.ToLower(t.Owner)
	}
	return "/" + r.AppID + "/" + owner + "/" + t.Name, nil
}

// Parse is the inverse of Resolve. Paths under another application are rejected.
func (r Resolver) Parse(path string) (Topic, error) {
	if !strings.HasPrefix(path, "/") {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	parts := strings.SplitN(path[1:], "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if r.AppID != "" && parts[0] != r.AppID {
		return Topic{}, fmt.Errorf("%w: %q belongs to app %q", ErrInvalidPath, path, parts[0])
	}

	t := Personal(parts[1], parts[2])
	if parts[1] == GlobalOwner {
		t = Global(parts[2])
	}
	if err := r.Validate(t); err != nil {
		return Topic{}, err
	}
	return t, nil
}
