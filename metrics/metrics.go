// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments of the MMX client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope.
const MeterName = "mmx-client"

// Metrics holds the client's instruments.
type Metrics struct {
	// Counters
	messagesSent     metric.Int64Counter
	messagesQueued   metric.Int64Counter
	messagesDrained  metric.Int64Counter
	messagesRejected metric.Int64Counter
	messagesReceived metric.Int64Counter
	cancels          metric.Int64Counter
	stateChanges     metric.Int64Counter
	connects         metric.Int64Counter
	authFailures     metric.Int64Counter
	wakeups          metric.Int64Counter

	// UpDownCounters
	queueDepth metric.Int64UpDownCounter

	// Histograms
	payloadSize  metric.Int64Histogram
	ackLatency   metric.Float64Histogram
	connectDelay metric.Float64Histogram
}

// New creates the instruments on provider, or on the global provider when nil.
func New(provider metric.MeterProvider) (*Metrics, error) {
	var meter metric.Meter
	if provider != nil {
		meter = provider.Meter(MeterName)
	} else {
		meter = otel.Meter(MeterName)
	}

	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.messagesSent, "mmx.messages.sent.total", "Messages handed to the transport"},
		{&m.messagesQueued, "mmx.messages.queued.total", "Messages stored in the offline queue"},
		{&m.messagesDrained, "mmx.messages.drained.total", "Queued messages transmitted after reconnect"},
		{&m.messagesRejected, "mmx.messages.rejected.total", "Messages rejected before transmission"},
		{&m.messagesReceived, "mmx.messages.received.total", "Inbound messages"},
		{&m.cancels, "mmx.messages.cancelled.total", "Successful cancellations"},
		{&m.stateChanges, "mmx.delivery.transitions.total", "Per-recipient delivery state transitions"},
		{&m.connects, "mmx.connections.total", "Connection attempts by outcome"},
		{&m.authFailures, "mmx.auth.failures.total", "Authentication failures"},
		{&m.wakeups, "mmx.wakeups.total", "Wake-up envelopes handled"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.queueDepth, err = meter.Int64UpDownCounter(
		"mmx.queue.depth",
		metric.WithDescription("Entries currently in the offline queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.payloadSize, err = meter.Int64Histogram(
		"mmx.message.payload.size",
		metric.WithDescription("Outbound payload size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	m.ackLatency, err = meter.Float64Histogram(
		"mmx.delivery.ack.latency",
		metric.WithDescription("Time from transmission to delivery ack"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackLatency histogram: %w", err)
	}

	m.connectDelay, err = meter.Float64Histogram(
		"mmx.connect.duration",
		metric.WithDescription("Time from dial to authenticated session"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectDelay histogram: %w", err)
	}

	return m, nil
}

// MessageSent records a transmitted message.
func (m *Metrics) MessageSent(size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1)
	m.payloadSize.Record(ctx, int64(size))
}

// MessageQueued records an offline enqueue.
func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesQueued.Add(ctx, 1)
	m.queueDepth.Add(ctx, 1)
}

// MessageDequeued records an entry leaving the queue, either drained or cancelled.
func (m *Metrics) MessageDequeued(drained bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.queueDepth.Add(ctx, -1)
	if drained {
		m.messagesDrained.Add(ctx, 1)
		return
	}
	m.cancels.Add(ctx, 1)
}

// QueuePurged records a full queue purge of n entries.
func (m *Metrics) QueuePurged(n int) {
	if m == nil || n == 0 {
		return
	}
	m.queueDepth.Add(context.Background(), -int64(n))
}

// MessageRejected records a send rejected before any transport call.
func (m *Metrics) MessageRejected(reason string) {
	if m == nil {
		return
	}
	m.messagesRejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// MessageReceived records an inbound message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Add(context.Background(), 1)
}

// StateChanged records a delivery transition.
func (m *Metrics) StateChanged(to string) {
	if m == nil {
		return
	}
	m.stateChanges.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", to)))
}

// AckLatency records the delay between transmission and delivery.
func (m *Metrics) AckLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Record(context.Background(), d.Seconds())
}

// Connect records a connection outcome.
func (m *Metrics) Connect(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "authenticated" {
		m.connectDelay.Record(ctx, d.Seconds())
	}
}

// AuthFailed records an authentication failure with its status code.
func (m *Metrics) AuthFailed(code int) {
	if m == nil {
		return
	}
	m.authFailures.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("code", code)))
}

// Wakeup records a handled wake-up or push envelope.
func (m *Metrics) Wakeup(action string) {
	if m == nil {
		return
	}
	m.wakeups.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("action", action)))
}
