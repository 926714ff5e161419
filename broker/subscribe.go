// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/session"
	"github.com/absmach/voltmq/storage"
)

// subscribe adds a subscription for a session. Re-subscribing to a
// filter the session already holds replaces the granted QoS.
func (b *Broker) subscribe(s *session.Session, filter string, qos byte) error {
	b.logOp("subscribe", slog.String("client_id", s.ID), slog.String("filter", filter), slog.Int("qos", int(qos)))

	_, replaced := s.SubscriptionQoS(filter)

	b.router.Subscribe(s.ID, filter, qos)
	s.AddSubscription(filter, qos)

	if !replaced {
		b.stats.IncrementSubscriptions()
		if b.metrics != nil {
			b.metrics.RecordSubscriptionAdded()
		}
	}

	sub := &storage.Subscription{
		ClientID: s.ID,
		Filter:   filter,
		QoS:      qos,
	}
	if err := b.subscriptions.Add(sub); err != nil {
		return fmt.Errorf("failed to persist subscription: %w", err)
	}

	b.notify(events.SubscriptionCreated{
		ClientID:    s.ID,
		TopicFilter: filter,
		QoS:         qos,
	})

	return nil
}

// unsubscribe removes a subscription for a session. Removing a filter
// the session does not hold is not an error.
func (b *Broker) unsubscribe(s *session.Session, filter string) error {
	b.logOp("unsubscribe", slog.String("client_id", s.ID), slog.String("filter", filter))

	_, existed := s.SubscriptionQoS(filter)
	if !existed {
		return nil
	}

	b.router.Unsubscribe(s.ID, filter)
	s.RemoveSubscription(filter)

	b.stats.DecrementSubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved()
	}

	if err := b.subscriptions.Remove(s.ID, filter); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}

	b.notify(events.SubscriptionRemoved{
		ClientID:    s.ID,
		TopicFilter: filter,
	})

	return nil
}

// Subscribe adds a subscription for a known session.
func (b *Broker) Subscribe(clientID string, filter string, qos byte) error {
	s := b.Get(clientID)
	if s == nil {
		return ErrSessionNotFound
	}

	return b.subscribe(s, filter, qos)
}

// Unsubscribe removes a subscription for a known session.
func (b *Broker) Unsubscribe(clientID string, filter string) error {
	s := b.Get(clientID)
	if s == nil {
		return ErrSessionNotFound
	}

	return b.unsubscribe(s, filter)
}

// Match returns all subscriptions matching a topic.
func (b *Broker) Match(topic string) []*storage.Subscription {
	return b.router.Match(topic)
}
