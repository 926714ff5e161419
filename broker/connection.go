// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/absmach/voltmq/mqtt"
)

// boundConn pairs a live connection with the epoch it was bound under.
type boundConn struct {
	conn  mqtt.Connection
	epoch uint64
}

// connTable maps client IDs to their live network connection. Sessions
// hold no connection reference themselves; the broker owns the binding.
//
// Each bind is stamped with a monotonically increasing epoch. A reader
// loop that lost a takeover race tears down only its own binding: unbind
// with a stale epoch is a no-op, so the replacement connection survives.
type connTable struct {
	mu    sync.RWMutex
	conns map[string]boundConn
	epoch uint64
}

func newConnTable() connTable {
	return connTable{conns: make(map[string]boundConn)}
}

// bind associates conn with clientID and returns the binding epoch.
// Any previous binding is replaced; the caller is responsible for
// closing the displaced connection.
func (t *connTable) bind(clientID string, conn mqtt.Connection) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	t.conns[clientID] = boundConn{conn: conn, epoch: t.epoch}
	return t.epoch
}

// unbind removes the binding for clientID if it still belongs to epoch.
// Returns true if the binding was removed.
func (t *connTable) unbind(clientID string, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	bc, ok := t.conns[clientID]
	if !ok || bc.epoch != epoch {
		return false
	}
	delete(t.conns, clientID)
	return true
}

// get returns the current connection and epoch for clientID.
func (t *connTable) get(clientID string) (mqtt.Connection, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bc, ok := t.conns[clientID]
	return bc.conn, bc.epoch, ok
}

// current reports whether epoch is still the live binding for clientID.
func (t *connTable) current(clientID string, epoch uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bc, ok := t.conns[clientID]
	return ok && bc.epoch == epoch
}

func (t *connTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// connOf returns the live connection for a session, or nil when the
// session is not currently attached to one.
func (b *Broker) connOf(clientID string) mqtt.Connection {
	conn, _, ok := b.conns.get(clientID)
	if !ok {
		return nil
	}
	return conn
}
