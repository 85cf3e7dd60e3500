// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"strconv"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoDialer            = errors.New("no transport dialer configured")
	ErrInvalidPayloadLimit = errors.New("invalid maximum payload size")
	ErrInvalidAppID        = errors.New("invalid app id")

	// Connection errors.
	ErrNotConnected         = errors.New("client not connected")
	ErrAlreadyConnected     = errors.New("client already connected or connecting")
	ErrConnectionLost       = errors.New("connection lost")
	ErrClientClosed         = errors.New("client has been closed")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrNoCredentials        = errors.New("no stored credentials")
	ErrDisconnectInProgress = errors.New("disconnect in progress")

	// Operation errors.
	ErrTimeout             = errors.New("operation timed out")
	ErrNoRecipients        = errors.New("no recipients")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrReceiptNotRequested = errors.New("sender did not request a receipt")

	// Protocol errors.
	ErrUnexpectedStanza = errors.New("unexpected stanza")
)

// StatusCode is a protocol status code. Codes of 300 and above are errors.
type StatusCode int

// Status codes.
const (
	StatusSuccess         StatusCode = 200
	StatusBadRequest      StatusCode = 400
	StatusUnauthorized    StatusCode = 401
	StatusForbidden       StatusCode = 403
	StatusNotFound        StatusCode = 404
	StatusNotAcceptable   StatusCode = 406
	StatusConflict        StatusCode = 409
	StatusGone            StatusCode = 410
	StatusRequestTooLarge StatusCode = 413
	StatusServerError     StatusCode = 500
	StatusNotImplemented  StatusCode = 501
)

// ErrRequestTooLarge is returned by Send for payloads above the configured limit.
var ErrRequestTooLarge error = StatusRequestTooLarge

// String returns a human-readable description of the code.
func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusBadRequest:
		return "bad request"
	case StatusUnauthorized:
		return "not authorized"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not found"
	case StatusNotAcceptable:
		return "not acceptable"
	case StatusConflict:
		return "conflict"
	case StatusGone:
		return "gone"
	case StatusRequestTooLarge:
		return "request too large"
	case StatusServerError:
		return "internal server error"
	case StatusNotImplemented:
		return "not implemented"
	default:
		return "status " + strconv.Itoa(int(c))
	}
}

// Error implements the error interface.
func (c StatusCode) Error() string {
	return c.String()
}

// OK reports whether the code denotes success.
func (c StatusCode) OK() bool {
	return c >= 200 && c < 300
}

// Taken reports whether an account creation failed because the identifier exists.
func (c StatusCode) Taken() bool {
	return c == StatusBadRequest || c == StatusConflict
}
