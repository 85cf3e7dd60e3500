// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry describes backoff schedules for wake-up delivery attempts.
package retry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Backoff selects how the interval grows between attempts.
type Backoff uint8

// Backoff kinds.
const (
	Linear Backoff = iota
	Exponential
)

// String returns the backoff name.
func (b Backoff) String() string {
	switch b {
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParseBackoff parses "linear" or "exponential" (also "exp").
func ParseBackoff(s string) (Backoff, error) {
	switch strings.ToLower(s) {
	case "linear", "":
		return Linear, nil
	case "exponential", "exp":
		return Exponential, nil
	default:
		return 0, fmt.Errorf("%w: unknown backoff %q", ErrInvalidPolicy, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b Backoff) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backoff) UnmarshalText(text []byte) error {
	v, err := ParseBackoff(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Policy is a bounded backoff schedule.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	Backoff     Backoff       `yaml:"backoff"`
	// MaxInterval caps a single delay; zero means uncapped.
	MaxInterval time.Duration `yaml:"max_interval"`
}

// Presets for the delivery channels a wake-up may use.
var (
	Push      = Policy{MaxAttempts: 2, Interval: 30 * time.Second, Backoff: Linear}
	SMS       = Policy{MaxAttempts: 1, Interval: 15 * time.Second, Backoff: Linear}
	PhoneCall = Policy{MaxAttempts: 2, Interval: 60 * time.Second, Backoff: Exponential}
)

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidPolicy)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidPolicy)
	}
	if p.MaxInterval < 0 {
		return fmt.Errorf("%w: max_interval cannot be negative", ErrInvalidPolicy)
	}
	if p.Backoff != Linear && p.Backoff != Exponential {
		return fmt.Errorf("%w: unknown backoff %d", ErrInvalidPolicy, p.Backoff)
	}
	return nil
}

// Delay returns the wait that follows the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Backoff {
	case Exponential:
		delay = p.Interval
		for i := 1; i < attempt; i++ {
			delay *= 2
			if p.MaxInterval > 0 && delay >= p.MaxInterval {
				break
			}
		}
	default:
		delay = p.Interval * time.Duration(attempt)
	}

	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	return delay
}

// Exhausted reports whether no attempts remain after the given count.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Schedule lists the delay following every attempt.
func (p Policy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.MaxAttempts)
	for i := 1; i <= p.MaxAttempts; i++ {
		out = append(out, p.Delay(i))
	}
	return out
}

// Total is the time from the first attempt until the policy gives up.
func (p Policy) Total() time.Duration {
	var total time.Duration
	for _, d := range p.Schedule() {
		total += d
	}
	return total
}
