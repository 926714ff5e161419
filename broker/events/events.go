// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the webhook event types emitted by the broker.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeSessionTakeover     = "client.session_takeover"
	TypeSessionExpired      = "client.session_expired"
	TypeMessagePublished    = "message.published"
	TypeMessageDelivered    = "message.delivered"
	TypeWillPublished       = "message.will_published"
	TypeRetainedMessageSet  = "message.retained"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Topic returns the MQTT topic for message events, empty for others
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

func newEnvelope(eventType, brokerID string, data any) *Envelope {
	return &Envelope{
		EventType: eventType,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      data,
	}
}

// ClientConnected is emitted when a client successfully connects.
type ClientConnected struct {
	ClientID     string `json:"client_id"`
	CleanSession bool   `json:"clean_session"`
	KeepAlive    uint16 `json:"keep_alive"`
	RemoteAddr   string `json:"remote_addr"`
}

func (e ClientConnected) Type() string  { return TypeClientConnected }
func (e ClientConnected) Topic() string { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// ClientDisconnected is emitted when a client disconnects.
type ClientDisconnected struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"` // "normal", "error", "timeout", "takeover"
}

func (e ClientDisconnected) Type() string  { return TypeClientDisconnected }
func (e ClientDisconnected) Topic() string { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// SessionTakeover is emitted when a new connection displaces a live
// connection using the same client ID.
type SessionTakeover struct {
	ClientID   string `json:"client_id"`
	RemoteAddr string `json:"remote_addr"` // address of the displaced connection
}

func (e SessionTakeover) Type() string  { return TypeSessionTakeover }
func (e SessionTakeover) Topic() string { return "" }
func (e SessionTakeover) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// SessionExpired is emitted when a disconnected session passes its expiry
// and is removed by the sweep.
type SessionExpired struct {
	ClientID string `json:"client_id"`
}

func (e SessionExpired) Type() string  { return TypeSessionExpired }
func (e SessionExpired) Topic() string { return "" }
func (e SessionExpired) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// MessagePublished is emitted when a message is published to the broker.
type MessagePublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
	Payload      string `json:"payload,omitempty"` // base64 encoded, optional
}

func (e MessagePublished) Type() string  { return TypeMessagePublished }
func (e MessagePublished) Topic() string { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// MessageDelivered is emitted when a message is delivered to a subscriber.
type MessageDelivered struct {
	ClientID     string `json:"client_id"` // subscriber
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	PayloadSize  int    `json:"payload_size"`
}

func (e MessageDelivered) Type() string  { return TypeMessageDelivered }
func (e MessageDelivered) Topic() string { return e.MessageTopic }
func (e MessageDelivered) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// WillPublished is emitted when a will message fires after an ungraceful
// disconnect.
type WillPublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
}

func (e WillPublished) Type() string  { return TypeWillPublished }
func (e WillPublished) Topic() string { return e.MessageTopic }
func (e WillPublished) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// RetainedMessageSet is emitted when a retained message is set or cleared.
type RetainedMessageSet struct {
	MessageTopic string `json:"topic"`
	PayloadSize  int    `json:"payload_size"` // 0 if cleared
	Cleared      bool   `json:"cleared"`
}

func (e RetainedMessageSet) Type() string  { return TypeRetainedMessageSet }
func (e RetainedMessageSet) Topic() string { return e.MessageTopic }
func (e RetainedMessageSet) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// SubscriptionCreated is emitted when a client subscribes to a topic.
type SubscriptionCreated struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
	QoS         byte   `json:"qos"`
}

func (e SubscriptionCreated) Type() string  { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string { return e.TopicFilter }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}

// SubscriptionRemoved is emitted when a client unsubscribes from a topic.
type SubscriptionRemoved struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
}

func (e SubscriptionRemoved) Type() string  { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string { return e.TopicFilter }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope {
	return newEnvelope(e.Type(), brokerID, e)
}
