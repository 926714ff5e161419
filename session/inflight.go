// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/absmach/voltmq/storage"
)

// InflightState represents the delivery state of an inflight message.
type InflightState int

const (
	// StateAwaitingAck means PUBLISH was sent at QoS 1, waiting for PUBACK.
	StateAwaitingAck InflightState = iota
	// StateAwaitingRec means PUBLISH was sent at QoS 2, waiting for PUBREC.
	StateAwaitingRec
	// StateAwaitingComp means PUBREL was sent, waiting for PUBCOMP (QoS 2).
	StateAwaitingComp
)

func (s InflightState) String() string {
	switch s {
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateAwaitingRec:
		return "awaiting_rec"
	case StateAwaitingComp:
		return "awaiting_comp"
	default:
		return "unknown"
	}
}

// Direction indicates message direction.
type Direction int

const (
	Outbound Direction = iota // Sent by broker to client
	Inbound                   // Received from client
)

// InflightMessage represents a message awaiting acknowledgment.
type InflightMessage struct {
	PacketID  uint16
	Message   *storage.Message
	State     InflightState
	SentAt    time.Time
	Direction Direction

	// seq orders messages by send time so redelivery after resume
	// preserves the original order.
	seq uint64
}

// InflightTracker tracks outbound QoS 1 and QoS 2 messages awaiting
// acknowledgment, plus inbound QoS 2 packet IDs for duplicate detection.
type InflightTracker struct {
	mu       sync.RWMutex
	messages map[uint16]*InflightMessage
	maxSize  int
	nextSeq  uint64

	// For QoS 2 inbound: track received packet IDs so redelivered
	// publishes are acknowledged without being dispatched twice.
	receivedIDs map[uint16]time.Time
}

// NewInflightTracker creates a new inflight tracker. maxSize bounds the
// number of concurrently unacknowledged outbound messages.
func NewInflightTracker(maxSize int) *InflightTracker {
	if maxSize <= 0 {
		maxSize = 65535
	}
	return &InflightTracker{
		messages:    make(map[uint16]*InflightMessage),
		maxSize:     maxSize,
		receivedIDs: make(map[uint16]time.Time),
	}
}

// Add adds a message to the inflight tracker in the given initial state.
func (t *InflightTracker) Add(packetID uint16, msg *storage.Message, state InflightState, dir Direction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.messages) >= t.maxSize {
		return ErrInflightFull
	}

	t.nextSeq++
	t.messages[packetID] = &InflightMessage{
		PacketID:  packetID,
		Message:   msg,
		State:     state,
		SentAt:    time.Now(),
		Direction: dir,
		seq:       t.nextSeq,
	}
	return nil
}

// Get retrieves an inflight message by packet ID.
func (t *InflightTracker) Get(packetID uint16) (*InflightMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, false
	}

	// Return a copy to prevent races
	cp := *msg
	return &cp, true
}

// Has returns true if the packet ID is in the tracker.
func (t *InflightTracker) Has(packetID uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.messages[packetID]
	return ok
}

// UpdateState updates the state of an inflight message.
func (t *InflightTracker) UpdateState(packetID uint16, state InflightState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("update state for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	msg.State = state
	return nil
}

// Ack acknowledges and removes a message (QoS 1 PUBACK or QoS 2 PUBCOMP).
func (t *InflightTracker) Ack(packetID uint16) (*storage.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, fmt.Errorf("ack packet ID %d: %w", packetID, ErrPacketNotFound)
	}

	delete(t.messages, packetID)
	return msg.Message, nil
}

// Remove removes an inflight message.
func (t *InflightTracker) Remove(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.messages, packetID)
}

// Count returns the number of inflight messages.
func (t *InflightTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// IsFull returns true if the tracker is at capacity.
func (t *InflightTracker) IsFull() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages) >= t.maxSize
}

// All returns all inflight messages ordered by original send time.
// Used on session resume to redeliver in the original order.
func (t *InflightTracker) All() []*InflightMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*InflightMessage, 0, len(t.messages))
	for _, msg := range t.messages {
		cp := *msg
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].seq < result[j].seq
	})
	return result
}

// Clear removes all inflight state including received packet IDs.
func (t *InflightTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = make(map[uint16]*InflightMessage)
	t.receivedIDs = make(map[uint16]time.Time)
	t.nextSeq = 0
}

// --- QoS 2 inbound tracking ---

// MarkReceived marks a packet ID as received (for QoS 2 duplicate detection).
func (t *InflightTracker) MarkReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivedIDs[packetID] = time.Now()
}

// WasReceived returns true if the packet ID was previously received.
func (t *InflightTracker) WasReceived(packetID uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.receivedIDs[packetID]
	return ok
}

// ClearReceived clears a received packet ID (after PUBCOMP sent).
func (t *InflightTracker) ClearReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.receivedIDs, packetID)
}

// ReceivedIDs returns all inbound QoS 2 packet IDs awaiting PUBREL.
func (t *InflightTracker) ReceivedIDs() []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]uint16, 0, len(t.receivedIDs))
	for id := range t.receivedIDs {
		ids = append(ids, id)
	}
	return ids
}
