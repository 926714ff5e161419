// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "voltmq"

// Metrics bundles the broker's instruments. Every Record method is safe
// for concurrent use and cheap on the hot path; export cost is paid by
// the meter provider's periodic reader.
type Metrics struct {
	connects    metric.Int64Counter
	disconnects metric.Int64Counter
	inbound     metric.Int64Counter
	outbound    metric.Int64Counter
	dropped     metric.Int64Counter

	inboundBytes  metric.Int64Counter
	outboundBytes metric.Int64Counter

	connections   metric.Int64UpDownCounter
	sessions      metric.Int64UpDownCounter
	subscriptions metric.Int64UpDownCounter
	retained      metric.Int64UpDownCounter

	payloadSize    metric.Int64Histogram
	publishLatency metric.Float64Histogram
}

// NewMetrics builds the broker's instrument set on the global meter
// provider. Call it after Setup so measurements reach the configured
// exporter instead of the default noop provider.
func NewMetrics() (*Metrics, error) {
	ib := instrumentBuilder{meter: otel.Meter(meterName)}

	m := &Metrics{
		connects:    ib.counter("voltmq.client.connects", "Completed CONNECT handshakes"),
		disconnects: ib.counter("voltmq.client.disconnects", "Closed client connections, by reason"),
		inbound:     ib.counter("voltmq.messages.inbound", "PUBLISH packets received from clients"),
		outbound:    ib.counter("voltmq.messages.outbound", "PUBLISH packets delivered to clients"),
		dropped:     ib.counter("voltmq.messages.dropped", "Messages dropped instead of delivered, by reason"),

		inboundBytes:  ib.byteCounter("voltmq.payload.inbound.bytes", "Payload bytes received from clients"),
		outboundBytes: ib.byteCounter("voltmq.payload.outbound.bytes", "Payload bytes delivered to clients"),

		connections:   ib.upDown("voltmq.connections.active", "Currently connected clients"),
		sessions:      ib.upDown("voltmq.sessions.active", "Sessions held by the broker, connected or not"),
		subscriptions: ib.upDown("voltmq.subscriptions.active", "Subscriptions across all sessions"),
		retained:      ib.upDown("voltmq.retained.messages", "Retained messages currently stored"),

		payloadSize:    ib.sizeHistogram("voltmq.payload.size", "Distribution of inbound payload sizes"),
		publishLatency: ib.durationHistogram("voltmq.publish.duration", "Time to route one inbound PUBLISH to all subscribers"),
	}
	if ib.err != nil {
		return nil, ib.err
	}
	return m, nil
}

// instrumentBuilder creates instruments and holds the first constructor
// error, so NewMetrics reads as a flat list of declarations.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (ib *instrumentBuilder) check(name string, err error) {
	if err != nil && ib.err == nil {
		ib.err = fmt.Errorf("create instrument %s: %w", name, err)
	}
}

func (ib *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	c, err := ib.meter.Int64Counter(name, metric.WithDescription(desc))
	ib.check(name, err)
	return c
}

func (ib *instrumentBuilder) byteCounter(name, desc string) metric.Int64Counter {
	c, err := ib.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("By"))
	ib.check(name, err)
	return c
}

func (ib *instrumentBuilder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := ib.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	ib.check(name, err)
	return c
}

func (ib *instrumentBuilder) sizeHistogram(name, desc string) metric.Int64Histogram {
	h, err := ib.meter.Int64Histogram(name, metric.WithDescription(desc), metric.WithUnit("By"))
	ib.check(name, err)
	return h
}

func (ib *instrumentBuilder) durationHistogram(name, desc string) metric.Float64Histogram {
	h, err := ib.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	ib.check(name, err)
	return h
}

// Attribute sets are immutable and safe to share. Building the QoS sets
// once keeps per-message recording allocation free.
var qosAttrs = [3]metric.MeasurementOption{
	metric.WithAttributes(attribute.Int("qos", 0)),
	metric.WithAttributes(attribute.Int("qos", 1)),
	metric.WithAttributes(attribute.Int("qos", 2)),
}

func qosAttr(qos byte) metric.MeasurementOption {
	if qos > 2 {
		qos = 2
	}
	return qosAttrs[qos]
}

// RecordConnection counts a completed CONNECT handshake.
func (m *Metrics) RecordConnection(protocol, version string) {
	ctx := context.Background()
	m.connects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("version", version),
	))
	m.connections.Add(ctx, 1)
}

// RecordDisconnection counts a closed connection with the reason it
// closed ("normal", "error", "takeover").
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.connections.Add(ctx, -1)
}

// RecordMessageReceived counts an inbound PUBLISH and its payload size.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.inbound.Add(ctx, 1, qosAttr(qos))
	m.inboundBytes.Add(ctx, sizeBytes)
	m.payloadSize.Record(ctx, sizeBytes)
}

// RecordMessageSent counts a PUBLISH handed to a client connection.
func (m *Metrics) RecordMessageSent(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.outbound.Add(ctx, 1, qosAttr(qos))
	m.outboundBytes.Add(ctx, sizeBytes)
}

// RecordMessageDropped counts a message the broker gave up on, with the
// queue that overflowed as the reason.
func (m *Metrics) RecordMessageDropped(reason string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionCreated moves the session gauge up by one.
func (m *Metrics) RecordSessionCreated() {
	m.sessions.Add(context.Background(), 1)
}

// RecordSessionRemoved moves the session gauge down by one.
func (m *Metrics) RecordSessionRemoved() {
	m.sessions.Add(context.Background(), -1)
}

// RecordSubscriptionAdded moves the subscription gauge up by one.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptions.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved moves the subscription gauge down by one.
func (m *Metrics) RecordSubscriptionRemoved() {
	m.subscriptions.Add(context.Background(), -1)
}

// RecordRetainedSet moves the retained message gauge up by one.
func (m *Metrics) RecordRetainedSet() {
	m.retained.Add(context.Background(), 1)
}

// RecordRetainedDeleted moves the retained message gauge down by one.
func (m *Metrics) RecordRetainedDeleted() {
	m.retained.Add(context.Background(), -1)
}

// RecordPublishDuration records how long one inbound PUBLISH took to
// fan out, in milliseconds.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	m.publishLatency.Record(context.Background(), durationMs)
}
