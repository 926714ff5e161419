// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	// ErrInflightFull is returned when the inflight window is at capacity.
	ErrInflightFull = errors.New("inflight window full")

	// ErrQueueFull is returned when the offline queue is at capacity.
	ErrQueueFull = errors.New("offline queue full")

	// ErrPacketNotFound is returned when an acknowledgment references an
	// unknown packet ID.
	ErrPacketNotFound = errors.New("packet not found in inflight")

	// ErrPacketIDExhausted is returned when all 65535 packet IDs are in use.
	ErrPacketIDExhausted = errors.New("no available packet IDs")

	// ErrNotConnected is returned when an operation requires an attached
	// connection.
	ErrNotConnected = errors.New("session not connected")
)
