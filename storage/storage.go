// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence interfaces of the broker.
// The engine is fully functional with the in-memory implementation;
// durable backends only add restart survival.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Messages returns the message store for offline queue and in-flight state.
	Messages() MessageStore

	// Sessions returns the session store.
	Sessions() SessionStore

	// Subscriptions returns the subscription store.
	Subscriptions() SubscriptionStore

	// Retained returns the retained message store.
	Retained() RetainedStore

	// Wills returns the will message store.
	Wills() WillStore

	// Close closes all storage backends.
	Close() error
}

// Message represents a stored MQTT message.
type Message struct {
	PublishTime time.Time
	Topic       string
	Payload     []byte
	PacketID    uint16
	QoS         byte
	Retain      bool

	// Released marks a persisted QoS 2 delivery whose PUBREL was already
	// sent, so a resumed session re-sends only the PUBREL.
	Released bool
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}

	cp := &Message{
		PublishTime: msg.PublishTime,
		Topic:       msg.Topic,
		PacketID:    msg.PacketID,
		QoS:         msg.QoS,
		Retain:      msg.Retain,
		Released:    msg.Released,
	}
	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	return cp
}

// Session represents persisted session state.
type Session struct {
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	ClientID       string
	KeepAlive      uint16
	CleanSession   bool
	Connected      bool
}

// Subscription represents a stored subscription.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      byte
}

// CopySubscription creates a copy of a subscription.
func CopySubscription(sub *Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	return &Subscription{
		ClientID: sub.ClientID,
		Filter:   sub.Filter,
		QoS:      sub.QoS,
	}
}

// WillMessage represents a stored will message.
type WillMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// MessageStore handles message persistence for the offline queue and
// in-flight deliveries of disconnected sessions.
//
// Key format: "{clientID}/inflight/{seq}" for in-flight state,
// "{clientID}/queue/{seq}" for the offline queue. Sequence numbers are
// zero padded so key order is send order.
type MessageStore interface {
	// Store stores a message under the given key.
	Store(key string, msg *Message) error

	// Get retrieves a message by key.
	Get(key string) (*Message, error)

	// Delete removes a message.
	Delete(key string) error

	// List returns all messages matching a key prefix, in key order.
	List(prefix string) ([]*Message, error)

	// DeleteByPrefix removes all messages matching a prefix.
	DeleteByPrefix(prefix string) error
}

// SessionStore handles session persistence.
type SessionStore interface {
	// Get retrieves a session by client ID.
	Get(clientID string) (*Session, error)

	// Save persists a session.
	Save(session *Session) error

	// Delete removes a session.
	Delete(clientID string) error

	// List returns all sessions.
	List() ([]*Session, error)
}

// SubscriptionStore handles subscription persistence.
type SubscriptionStore interface {
	// Add adds or updates a subscription.
	Add(sub *Subscription) error

	// Remove removes a subscription.
	Remove(clientID, filter string) error

	// RemoveAll removes all subscriptions for a client.
	RemoveAll(clientID string) error

	// GetForClient returns all subscriptions for a client.
	GetForClient(clientID string) ([]*Subscription, error)

	// Count returns total subscription count.
	Count() int
}

// RetainedStore handles retained message persistence.
type RetainedStore interface {
	// Set stores or updates a retained message.
	// Empty payload deletes the retained message.
	Set(ctx context.Context, topic string, msg *Message) error

	// Get retrieves a retained message by exact topic.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes a retained message.
	Delete(ctx context.Context, topic string) error

	// Match returns all retained messages matching a filter (supports wildcards).
	Match(ctx context.Context, filter string) ([]*Message, error)
}

// WillStore handles will message persistence.
type WillStore interface {
	// Set stores a will message for a client.
	Set(ctx context.Context, clientID string, will *WillMessage) error

	// Get retrieves the will message for a client.
	Get(ctx context.Context, clientID string) (*WillMessage, error)

	// Delete removes the will message for a client.
	Delete(ctx context.Context, clientID string) error

	// GetPending returns all stored will messages. Used at startup to
	// publish wills orphaned by a broker crash.
	GetPending(ctx context.Context) ([]*WillMessage, error)
}
