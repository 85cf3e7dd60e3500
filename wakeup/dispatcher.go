// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mmx/ratelimit"
	"github.com/absmach/mmx/retry"
	"github.com/absmach/mmx/xid"
	"github.com/sony/gobreaker"
)

// ErrDispatcherClosed is returned when scheduling on a closed dispatcher.
var ErrDispatcherClosed = errors.New("wake-up dispatcher closed")

// Waker delivers a wake-up envelope to a device through a side channel
// such as a push provider, SMS or a phone call.
type Waker interface {
	Wake(ctx context.Context, to xid.Endpoint, envelope string) error
}

// WakerFunc adapts a function to Waker.
type WakerFunc func(ctx context.Context, to xid.Endpoint, envelope string) error

// Wake implements Waker.
func (f WakerFunc) Wake(ctx context.Context, to xid.Endpoint, envelope string) error {
	return f(ctx, to, envelope)
}

// Outcome of a wake-up job.
type Outcome uint8

// Job outcomes.
const (
	// OutcomeSent is reported once, after the first successful attempt.
	OutcomeSent Outcome = iota
	// OutcomeExhausted is reported when the last attempt's wait expires.
	OutcomeExhausted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is passed to the dispatcher's result callback.
type Result struct {
	MessageID string
	Recipient xid.Endpoint
	Outcome   Outcome
	Attempts  int
}

// Config holds dispatcher settings.
type Config struct {
	Policy  retry.Policy     `yaml:"policy"`
	Timeout time.Duration    `yaml:"timeout"`
	Limit   ratelimit.Config `yaml:"rate_limit"`
	Breaker BreakerConfig    `yaml:"circuit_breaker"`
}

// BreakerConfig configures the circuit breaker around the waker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig uses the push preset.
func DefaultConfig() Config {
	return Config{
		Policy:  retry.Push,
		Timeout: 10 * time.Second,
		Limit:   ratelimit.DefaultConfig(),
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
	}
}

// Dispatcher runs wake-up jobs for (message, recipient) pairs.
type Dispatcher struct {
	waker    Waker
	policy   retry.Policy
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	limiter  *ratelimit.KeyedLimiter
	onResult func(Result)
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

type job struct {
	key       string
	messageID string
	to        xid.Endpoint
	envelope  string
	attempts  int
	sent      bool
	cancelled bool
	timer     *time.Timer
}

// NewDispatcher creates a dispatcher. onResult is called from dispatcher
// goroutines and must not block.
func NewDispatcher(waker Waker, cfg Config, onResult func(Result), logger *slog.Logger) (*Dispatcher, error) {
	if waker == nil {
		return nil, fmt.Errorf("waker cannot be nil")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onResult == nil {
		onResult = func(Result) {}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	threshold := cfg.Breaker.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		waker:    waker,
		policy:   cfg.Policy,
		timeout:  cfg.Timeout,
		limiter:  ratelimit.FromConfig(cfg.Limit),
		onResult: onResult,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "wakeup",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("wake-up circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return d, nil
}

func jobKey(messageID string, to xid.Endpoint) string {
	return messageID + "|" + to.String()
}

// Schedule starts a wake-up job. It returns false when a job for the pair
// is already running.
func (d *Dispatcher) Schedule(messageID string, to xid.Endpoint) (bool, error) {
	env, err := Encode(ActionWakeup, "", nil)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrDispatcherClosed
	}
	key := jobKey(messageID, to)
	if _, ok := d.jobs[key]; ok {
		return false, nil
	}
	j := &job{key: key, messageID: messageID, to: to, envelope: env}
	d.jobs[key] = j

	d.wg.Add(1)
	go d.attempt(j)
	return true, nil
}

// Cancel stops the job for the pair. It reports whether a job was running.
func (d *Dispatcher) Cancel(messageID string, to xid.Endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[jobKey(messageID, to)]
	if !ok {
		return false
	}
	d.stopLocked(j)
	return true
}

// Pending returns the number of running jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// Close stops all jobs without reporting outcomes.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, j := range d.jobs {
		d.stopLocked(j)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.limiter.Stop()
}

func (d *Dispatcher) stopLocked(j *job) {
	j.cancelled = true
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(d.jobs, j.key)
}

func (d *Dispatcher) attempt(j *job) {
	defer d.wg.Done()

	d.mu.Lock()
	if j.cancelled {
		d.mu.Unlock()
		return
	}
	j.attempts++
	n := j.attempts
	d.mu.Unlock()

	err := d.wake(j)
	if err != nil {
		d.logger.Warn("wake-up attempt failed",
			slog.String("message_id", j.messageID),
			slog.String("recipient", j.to.String()),
			slog.Int("attempt", n),
			slog.String("error", err.Error()))
	}

	d.mu.Lock()
	if j.cancelled {
		d.mu.Unlock()
		return
	}
	first := err == nil && !j.sent
	if first {
		j.sent = true
	}
	d.mu.Unlock()

	if first {
		d.onResult(Result{MessageID: j.messageID, Recipient: j.to, Outcome: OutcomeSent, Attempts: n})
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if j.cancelled {
		return
	}
	j.timer = time.AfterFunc(d.policy.Delay(n), func() { d.next(j) })
}

func (d *Dispatcher) next(j *job) {
	d.mu.Lock()
	if j.cancelled || d.closed {
		d.mu.Unlock()
		return
	}
	if d.policy.Exhausted(j.attempts) {
		delete(d.jobs, j.key)
		j.cancelled = true
		attempts := j.attempts
		d.mu.Unlock()

		d.logger.Debug("wake-up attempts exhausted",
			slog.String("message_id", j.messageID),
			slog.String("recipient", j.to.String()),
			slog.Int("attempts", attempts))
		d.onResult(Result{MessageID: j.messageID, Recipient: j.to, Outcome: OutcomeExhausted, Attempts: attempts})
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.attempt(j)
}

func (d *Dispatcher) wake(j *job) error {
	if err := d.limiter.Wait(d.ctx, j.to.Bare().String()); err != nil {
		return fmt.Errorf("rate limited: %w", err)
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
		return nil, d.waker.Wake(ctx, j.to, j.envelope)
	})
	return err
}
