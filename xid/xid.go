// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package xid encodes and decodes multi-tenant MMX addresses of the form
// userId[%appId]@domain[/resource]. The node part is escaped per XEP-0106.
package xid

import (
	"errors"
	"fmt"
	"strings"
)

// AppIDDelimiter separates the user ID from the application ID in a node.
const AppIDDelimiter = '%'

// Length bounds for user IDs.
const (
	MinUserIDLen = 1
	MaxUserIDLen = 42
)

// Address errors.
var (
	ErrMalformedXID  = errors.New("malformed xid")
	ErrInvalidUserID = errors.New("invalid user id")
	ErrInvalidAppID  = errors.New("invalid app id")
	ErrEmptyDomain   = errors.New("empty domain")
)

// Endpoint is a decoded address. An empty AppID means single tenant and an
// empty Resource means a bared address.
type Endpoint struct {
	UserID   string
	AppID    string
	Domain   string
	Resource string
}

// IsBared reports whether the endpoint carries no resource.
func (e Endpoint) IsBared() bool {
	return e.Resource == ""
}

// Bare returns a copy of the endpoint without its resource.
func (e Endpoint) Bare() Endpoint {
	e.Resource = ""
	return e
}

// WithResource returns a copy of the endpoint bound to resource.
func (e Endpoint) WithResource(resource string) Endpoint {
	e.Resource = resource
	return e
}

// Equal compares two endpoints. User IDs are case-insensitive.
func (e Endpoint) Equal(o Endpoint) bool {
	return strings.EqualFold(e.UserID, o.UserID) &&
		e.AppID == o.AppID &&
		strings.EqualFold(e.Domain, o.Domain) &&
		e.Resource == o.Resource
}

// String returns the encoded form, or an empty string when the endpoint is invalid.
func (e Endpoint) String() string {
	s, err := Encode(e)
	if err != nil {
		return ""
	}
	return s
}

// ValidateUserID checks a raw user ID. In multi-tenant mode '@' is also rejected.
func ValidateUserID(userID string, multiTenant bool) error {
	n := len([]rune(userID))
	if n < MinUserIDLen || n > MaxUserIDLen {
		return fmt.Errorf("%w: length %d out of range [%d, %d]", ErrInvalidUserID, n, MinUserIDLen, MaxUserIDLen)
	}
	if strings.ContainsAny(userID, "/%") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidUserID, userID)
	}
	if multiTenant && strings.ContainsRune(userID, '@') {
		return fmt.Errorf("%w: %q contains '@'", ErrInvalidUserID, userID)
	}
	return nil
}

// Valid reports whether userID is acceptable in multi-tenant mode.
func Valid(userID string) bool {
	return ValidateUserID(userID, true) == nil
}

func validateAppID(appID string) error {
	if appID == "" {
		return nil
	}
	if strings.ContainsAny(appID, "/%@") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidAppID, appID)
	}
	return nil
}

// EncodeNode builds the escaped node part from a user ID and an optional app ID.
func EncodeNode(userID, appID string) (string, error) {
	if err := ValidateUserID(userID, appID != ""); err != nil {
		return "", err
	}
	if err := validateAppID(appID); err != nil {
		return "", err
	}
	node := userID
	if appID != "" {
		node = userID + string(AppIDDelimiter) + appID
	}
	return Escape(node), nil
}

// DecodeNode reverses EncodeNode.
func DecodeNode(node string) (userID, appID string, err error) {
	raw := Unescape(node)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty node", ErrMalformedXID)
	}
	userID = raw
	if i := strings.LastIndexByte(raw, AppIDDelimiter); i >= 0 {
		userID, appID = raw[:i], raw[i+1:]
		if appID == "" {
			return "", "", fmt.Errorf("%w: empty app id in %q", ErrMalformedXID, node)
		}
	}
	if err := ValidateUserID(userID, appID != ""); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrMalformedXID, err)
	}
	if err := validateAppID(appID); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrMalformedXID, err)
	}
	return userID, appID, nil
}

// Encode returns node@domain[/resource].
func Encode(e Endpoint) (string, error) {
	node, err := EncodeNode(e.UserID, e.AppID)
	if err != nil {
		return "", err
	}
	if e.Domain == "" {
		return "", ErrEmptyDomain
	}
	if strings.ContainsAny(e.Domain, "@/") {
		return "", fmt.Errorf("%w: domain %q", ErrMalformedXID, e.Domain)
	}

	var b strings.Builder
	b.Grow(len(node) + len(e.Domain) + len(e.Resource) + 2)
	b.WriteString(node)
	b.WriteByte('@')
	b.WriteString(e.Domain)
	if e.Resource != "" {
		b.WriteByte('/')
		b.WriteString(e.Resource)
	}
	return b.String(), nil
}

// Decode parses an address. The resource starts at the first '/', since
// domains never contain one and resources may. The result is all-or-nothing:
// on error the returned Endpoint is the zero value.
func Decode(s string) (Endpoint, error) {
	bare, resource, hasResource := strings.Cut(s, "/")
	if hasResource && resource == "" {
		return Endpoint{}, fmt.Errorf("%w: empty resource in %q", ErrMalformedXID, s)
	}
	at := strings.LastIndexByte(bare, '@')
	if at < 0 {
		return Endpoint{}, fmt.Errorf("%w: missing domain in %q", ErrMalformedXID, s)
	}
	node, domain := bare[:at], bare[at+1:]
	if domain == "" {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrMalformedXID, ErrEmptyDomain)
	}
	if node == "" || strings.ContainsRune(node, '@') {
		return Endpoint{}, fmt.Errorf("%w: bad node in %q", ErrMalformedXID, s)
	}

	userID, appID, err := DecodeNode(node)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		UserID:   userID,
		AppID:    appID,
		Domain:   domain,
		Resource: resource,
	}, nil
}

// MustDecode is Decode for literals known to be valid.
func MustDecode(s string) Endpoint {
	e, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return e
}
