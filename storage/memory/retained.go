// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/absmach/voltmq/storage"
	"github.com/absmach/voltmq/topics"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore is an in-memory implementation of storage.RetainedStore.
type RetainedStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Message
}

// NewRetainedStore creates a new in-memory retained message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		data: make(map[string]*storage.Message),
	}
}

// Set stores a retained message for a topic. An empty payload removes
// the retained message for that topic.
func (s *RetainedStore) Set(ctx context.Context, topic string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(s.data, topic)
		return nil
	}
	s.data[topic] = storage.CopyMessage(msg)
	return nil
}

// Get retrieves the retained message for an exact topic.
func (s *RetainedStore) Get(ctx context.Context, topic string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data[topic]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(msg), nil
}

// Delete removes the retained message for a topic.
func (s *RetainedStore) Delete(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[topic]; !ok {
		return storage.ErrNotFound
	}
	delete(s.data, topic)
	return nil
}

// Match returns all retained messages whose topics match the filter.
// Topics beginning with '$' are only matched when the filter's first
// level names them literally.
func (s *RetainedStore) Match(ctx context.Context, filter string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Message
	for topic, msg := range s.data {
		if filter == "#" && !strings.HasPrefix(topic, "$") {
			result = append(result, storage.CopyMessage(msg))
			continue
		}
		if topics.TopicMatch(filter, topic) {
			result = append(result, storage.CopyMessage(msg))
		}
	}
	return result, nil
}
