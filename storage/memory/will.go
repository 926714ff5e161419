// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/voltmq/storage"
)

var _ storage.WillStore = (*WillStore)(nil)

// WillStore is an in-memory implementation of storage.WillStore.
type WillStore struct {
	mu   sync.RWMutex
	data map[string]*storage.WillMessage
}

// NewWillStore creates a new in-memory will message store.
func NewWillStore() *WillStore {
	return &WillStore{
		data: make(map[string]*storage.WillMessage),
	}
}

// Set stores a will message for a client.
func (s *WillStore) Set(ctx context.Context, clientID string, will *storage.WillMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[clientID] = copyWill(will)
	return nil
}

// Get retrieves the will message for a client.
func (s *WillStore) Get(ctx context.Context, clientID string) (*storage.WillMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	will, ok := s.data[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyWill(will), nil
}

// Delete removes the will message for a client.
func (s *WillStore) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// GetPending returns all stored will messages.
func (s *WillStore) GetPending(ctx context.Context) ([]*storage.WillMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.WillMessage, 0, len(s.data))
	for _, will := range s.data {
		result = append(result, copyWill(will))
	}
	return result, nil
}

func copyWill(will *storage.WillMessage) *storage.WillMessage {
	if will == nil {
		return nil
	}
	cp := *will
	cp.Payload = make([]byte, len(will.Payload))
	copy(cp.Payload, will.Payload)
	return &cp
}
