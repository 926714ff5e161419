// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session holds per-client MQTT session state: delivery
// tracking for QoS 1/2 flows, the offline queue, subscriptions and
// packet ID allocation. Sessions are pure state; connection handling
// and packet dispatch live in the broker.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/voltmq/storage"
)

// State represents the session lifecycle state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session represents an MQTT client session.
type Session struct {
	mu sync.RWMutex

	// ID is the client identifier. Immutable after creation.
	ID string

	// Options from CONNECT
	CleanSession bool
	KeepAlive    uint16 // Keep-alive in seconds, 0 disables

	// Will message (set on CONNECT, discarded on graceful disconnect)
	will *storage.WillMessage

	// QoS tracking
	Inflight     *InflightTracker
	offlineQueue *messageQueue
	pendingQueue *messageQueue

	// Packet ID generator
	nextPacketID uint32

	// Subscriptions: filter -> granted QoS
	subscriptions map[string]byte

	// Lifecycle
	state           State
	connectedAt     time.Time
	disconnectedAt  time.Time
	lastActivity    time.Time
	keepAliveExpiry time.Duration
}

// Options holds options for creating a new session.
type Options struct {
	CleanSession bool
	KeepAlive    uint16
	Will         *storage.WillMessage
	MaxInflight  int
	MaxQueueSize int
}

// New creates a new session.
func New(clientID string, opts Options) *Session {
	s := &Session{
		ID:            clientID,
		CleanSession:  opts.CleanSession,
		KeepAlive:     opts.KeepAlive,
		will:          opts.Will,
		Inflight:      NewInflightTracker(opts.MaxInflight),
		offlineQueue:  newMessageQueue(opts.MaxQueueSize),
		pendingQueue:  newMessageQueue(opts.MaxQueueSize),
		subscriptions: make(map[string]byte),
		state:         StateNew,
		lastActivity:  time.Now(),
	}

	if opts.KeepAlive > 0 {
		s.keepAliveExpiry = keepAliveCutoff(opts.KeepAlive)
	}

	return s
}

// keepAliveCutoff returns the idle cutoff for a keep-alive value,
// one and a half times the interval.
func keepAliveCutoff(keepAlive uint16) time.Duration {
	return time.Duration(keepAlive) * time.Second * 3 / 2
}

// Connect marks the session as connected.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateConnected
	s.connectedAt = time.Now()
	s.lastActivity = time.Now()
}

// Disconnect marks the session as disconnected. A graceful disconnect
// discards the will message.
func (s *Session) Disconnect(graceful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return
	}

	s.state = StateDisconnected
	s.disconnectedAt = time.Now()
	if graceful {
		s.will = nil
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState sets the session state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// IsConnected returns true if the session is in the connected state.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

// DisconnectedAt returns when the session was last disconnected.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectedAt
}

// NextPacketID allocates the next free packet ID. IDs increase
// monotonically, wrap around after 65535 and skip IDs still awaiting
// acknowledgment. Returns ErrPacketIDExhausted when every ID is in
// use rather than blocking.
func (s *Session) NextPacketID() (uint16, error) {
	// One full cycle plus the reserved zero slot.
	for i := 0; i <= 65535; i++ {
		id := atomic.AddUint32(&s.nextPacketID, 1)
		id16 := uint16(id & 0xFFFF)
		if id16 == 0 {
			continue // Packet ID 0 is reserved
		}
		if !s.Inflight.Has(id16) {
			return id16, nil
		}
	}
	return 0, ErrPacketIDExhausted
}

// Touch updates the last activity timestamp. Called for every packet
// received from the client, including PINGREQ.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last client activity.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// KeepAliveExpiry returns the idle cutoff, zero when keep-alive is
// disabled.
func (s *Session) KeepAliveExpiry() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keepAliveExpiry
}

// Expired reports whether the client has been idle past the keep-alive
// cutoff. Always false when keep-alive is disabled.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.keepAliveExpiry == 0 {
		return false
	}
	return now.Sub(s.lastActivity) >= s.keepAliveExpiry
}

// SetWill sets the will message.
func (s *Session) SetWill(will *storage.WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = will
}

// Will returns the will message, nil if none is set.
func (s *Session) Will() *storage.WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.will
}

// TakeWill returns the will message and clears it, so a will fires at
// most once per connection.
func (s *Session) TakeWill() *storage.WillMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	will := s.will
	s.will = nil
	return will
}

// UpdateConnectionOptions updates session options when a client
// reconnects to a resumed session.
func (s *Session) UpdateConnectionOptions(keepAlive uint16, will *storage.WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.KeepAlive = keepAlive
	s.will = will

	if keepAlive > 0 {
		s.keepAliveExpiry = keepAliveCutoff(keepAlive)
	} else {
		s.keepAliveExpiry = 0
	}
}

// AddSubscription records a subscription with its granted QoS.
// Re-subscribing to the same filter replaces the granted QoS.
func (s *Session) AddSubscription(filter string, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

// RemoveSubscription removes a subscription.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// SubscriptionQoS returns the granted QoS for a filter.
func (s *Session) SubscriptionQoS(filter string) (byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qos, ok := s.subscriptions[filter]
	return qos, ok
}

// Subscriptions returns a copy of all subscriptions.
func (s *Session) Subscriptions() map[string]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]byte, len(s.subscriptions))
	for k, v := range s.subscriptions {
		result[k] = v
	}
	return result
}

// ResetState discards all delivery state, queues and subscriptions.
// Used when a clean session replaces stored state.
func (s *Session) ResetState() {
	s.mu.Lock()
	s.subscriptions = make(map[string]byte)
	atomic.StoreUint32(&s.nextPacketID, 0)
	s.mu.Unlock()

	s.Inflight.Clear()
	s.offlineQueue.drain()
	s.pendingQueue.drain()
}

// Info returns session info for persistence.
func (s *Session) Info() *storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &storage.Session{
		ClientID:       s.ID,
		CleanSession:   s.CleanSession,
		KeepAlive:      s.KeepAlive,
		ConnectedAt:    s.connectedAt,
		DisconnectedAt: s.disconnectedAt,
		Connected:      s.state == StateConnected,
	}
}

// RestoreFrom restores lifecycle state from persistence.
func (s *Session) RestoreFrom(stored *storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CleanSession = stored.CleanSession
	s.connectedAt = stored.ConnectedAt
	s.disconnectedAt = stored.DisconnectedAt
	s.state = StateDisconnected
}
