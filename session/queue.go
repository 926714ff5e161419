// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"

	"github.com/absmach/voltmq/storage"
)

// messageQueue is a bounded FIFO queue of messages.
type messageQueue struct {
	mu       sync.Mutex
	messages []*storage.Message
	maxSize  int
}

func newMessageQueue(maxSize int) *messageQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &messageQueue{
		messages: make([]*storage.Message, 0),
		maxSize:  maxSize,
	}
}

// enqueue adds a message to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (q *messageQueue) enqueue(msg *storage.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.maxSize {
		return fmt.Errorf("enqueue message for topic %s (current: %d, max: %d): %w",
			msg.Topic, len(q.messages), q.maxSize, ErrQueueFull)
	}

	q.messages = append(q.messages, storage.CopyMessage(msg))
	return nil
}

// dequeue removes and returns the first message from the queue.
// Returns nil if the queue is empty.
func (q *messageQueue) dequeue() *storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil
	}

	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg
}

// len returns the number of messages in the queue.
func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// drain removes and returns all messages from the queue.
func (q *messageQueue) drain() []*storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.messages
	q.messages = make([]*storage.Message, 0)
	return msgs
}

// snapshot returns the queued messages in order without removing them.
func (q *messageQueue) snapshot() []*storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := make([]*storage.Message, len(q.messages))
	copy(msgs, q.messages)
	return msgs
}

// Offline queue operations. Messages published to a disconnected
// resumable session wait here until the client reconnects.

func (s *Session) EnqueueOffline(msg *storage.Message) error {
	return s.offlineQueue.enqueue(msg)
}

func (s *Session) DequeueOffline() *storage.Message {
	return s.offlineQueue.dequeue()
}

func (s *Session) DrainOfflineQueue() []*storage.Message {
	return s.offlineQueue.drain()
}

// OfflineMessages returns the offline queue contents without draining
// them, so persistence can run more than once against live state.
func (s *Session) OfflineMessages() []*storage.Message {
	return s.offlineQueue.snapshot()
}

func (s *Session) OfflineQueueLen() int {
	return s.offlineQueue.len()
}

// Pending queue operations. When the inflight window is full, new
// QoS 1/2 deliveries wait here and are released as acks free slots.

func (s *Session) EnqueuePending(msg *storage.Message) error {
	return s.pendingQueue.enqueue(msg)
}

func (s *Session) DequeuePending() *storage.Message {
	return s.pendingQueue.dequeue()
}

// PendingMessages returns the pending queue contents without draining
// them.
func (s *Session) PendingMessages() []*storage.Message {
	return s.pendingQueue.snapshot()
}

func (s *Session) PendingLen() int {
	return s.pendingQueue.len()
}
