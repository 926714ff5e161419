// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/voltmq/storage"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore is an in-memory implementation of storage.SubscriptionStore.
type SubscriptionStore struct {
	mu   sync.RWMutex
	data map[string][]*storage.Subscription
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		data: make(map[string][]*storage.Subscription),
	}
}

// Add stores a subscription. Re-subscribing to the same filter
// replaces the existing entry.
func (s *SubscriptionStore) Add(sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.data[sub.ClientID]
	for i, existing := range subs {
		if existing.Filter == sub.Filter {
			subs[i] = storage.CopySubscription(sub)
			return nil
		}
	}
	s.data[sub.ClientID] = append(subs, storage.CopySubscription(sub))
	return nil
}

// Remove deletes a subscription by client ID and filter.
func (s *SubscriptionStore) Remove(clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.data[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	for i, sub := range subs {
		if sub.Filter == filter {
			s.data[clientID] = append(subs[:i], subs[i+1:]...)
			if len(s.data[clientID]) == 0 {
				delete(s.data, clientID)
			}
			return nil
		}
	}
	return storage.ErrNotFound
}

// RemoveAll deletes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.data[clientID]
	result := make([]*storage.Subscription, 0, len(subs))
	for _, sub := range subs {
		result = append(result, storage.CopySubscription(sub))
	}
	return result, nil
}

// Count returns the total number of subscriptions across all clients.
func (s *SubscriptionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, subs := range s.data {
		total += len(subs)
	}
	return total
}
