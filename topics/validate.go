// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxNameLen is the maximum topic name length in characters.
const MaxNameLen = 50

// Validation errors.
var (
	ErrInvalidTopicName = errors.New("invalid topic name")
	ErrInvalidOwner     = errors.New("invalid topic owner")
	ErrInvalidPath      = errors.New("invalid topic path")
	ErrEmptyAppID       = errors.New("app id is required to resolve topics")
)

var restrictedName = regexp.MustCompile(`^[a-zA-Z0-9_.\-]*$`)

// ValidateName checks a topic name. Restricted mode only admits
// [a-zA-Z0-9_.-], which in particular rules out '/'.
func ValidateName(name string, restricted bool) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopicName)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidTopicName)
	}
	if n := utf8.RuneCountInString(name); n > MaxNameLen {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidTopicName, n, MaxNameLen)
	}
	if strings.ContainsRune(name, '\u0000') {
		return fmt.Errorf("%w: contains NUL", ErrInvalidTopicName)
	}
	if restricted && !restrictedName.MatchString(name) {
		return fmt.Errorf("%w: %q contains characters outside [a-zA-Z0-9_.-]", ErrInvalidTopicName, name)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: %q has a leading or trailing '/'", ErrInvalidTopicName, name)
	}
	return nil
}
