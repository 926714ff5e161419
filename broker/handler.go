// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"

	"github.com/absmach/voltmq/mqtt"
	"github.com/absmach/voltmq/mqtt/packets"
	"github.com/absmach/voltmq/session"
)

// Common handler errors.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrBadUserOrPassword = errors.New("bad username or password")
	ErrClientIDRejected  = errors.New("client identifier rejected")
	ErrClientIDRequired  = errors.New("client identifier required")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrTopicInvalid      = errors.New("topic name invalid")
	ErrPacketTooLarge    = errors.New("packet too large")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrInvalidPacketType = errors.New("invalid packet type")
	ErrSessionNotFound   = errors.New("session not found")
)

// Handler is the interface for per-packet-type handlers. Responses are
// written to the connection the packet arrived on, which may no longer
// be the session's bound connection once a takeover displaced it.
type Handler interface {
	// HandleConnect handles CONNECT packets.
	HandleConnect(conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandlePublish handles PUBLISH packets.
	HandlePublish(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandlePubAck handles PUBACK packets.
	HandlePubAck(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandlePubRec handles PUBREC packets.
	HandlePubRec(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandlePubRel handles PUBREL packets.
	HandlePubRel(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandlePubComp handles PUBCOMP packets.
	HandlePubComp(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandleSubscribe handles SUBSCRIBE packets.
	HandleSubscribe(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandleUnsubscribe handles UNSUBSCRIBE packets.
	HandleUnsubscribe(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error

	// HandlePingReq handles PINGREQ packets.
	HandlePingReq(s *session.Session, conn mqtt.Connection) error

	// HandleDisconnect handles DISCONNECT packets.
	HandleDisconnect(s *session.Session, pkt packets.ControlPacket) error
}

// Notifier receives broker lifecycle and messaging events. Implementations
// must not block; the broker calls Notify on hot paths.
type Notifier interface {
	// Notify sends an event asynchronously.
	Notify(ctx context.Context, event any) error

	// Close gracefully shuts down, flushing pending events.
	Close() error
}
