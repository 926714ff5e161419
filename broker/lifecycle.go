// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/voltmq/mqtt"
	"github.com/absmach/voltmq/mqtt/packets"
	"github.com/absmach/voltmq/session"
)

// defaultConnectTimeout bounds how long a fresh connection may sit idle
// before its CONNECT arrives.
const defaultConnectTimeout = 5 * time.Second

// HandleConnection takes ownership of a freshly accepted connection. It
// reads the first packet, which must be a CONNECT; anything else closes
// the connection without a response. The call blocks for the lifetime
// of the session's read loop.
func (b *Broker) HandleConnection(conn mqtt.Connection) {
	if b.shuttingDown.Load() {
		conn.Close()
		return
	}

	timeout := b.connectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	pkt, err := conn.ReadPacket()
	if err != nil {
		b.logOp("connection dropped before connect",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if pkt.Type() != packets.ConnectType {
		b.stats.IncrementProtocolErrors()
		b.logOp("first packet is not connect",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("packet", packets.PacketNames[pkt.Type()]))
		conn.Close()
		return
	}

	if err := b.handler.HandleConnect(conn, pkt); err != nil {
		b.logOp("session ended",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
	}
}

// runSession runs the packet read loop for a connected session. The
// read deadline tracks the keep-alive cutoff of one and a half times
// the negotiated interval; a client idle past the cutoff is torn down
// as an ungraceful disconnect, which fires its will.
func (b *Broker) runSession(handler Handler, s *session.Session, conn mqtt.Connection, epoch uint64) error {
	defer conn.Close()

	for {
		if cutoff := s.KeepAliveExpiry(); cutoff > 0 {
			conn.SetReadDeadline(s.LastActivity().Add(cutoff))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		pkt, err := conn.ReadPacket()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if !s.Expired(time.Now()) {
					continue
				}
				b.logger.Info("keep-alive timeout",
					slog.String("client_id", s.ID),
					slog.Duration("cutoff", s.KeepAliveExpiry()))
				b.handleDisconnect(s, epoch, false)
				return err
			}

			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.stats.IncrementPacketErrors()
			}
			b.handleDisconnect(s, epoch, false)
			return err
		}

		s.Touch()
		b.stats.IncrementMessagesReceived()

		if err := dispatchPacket(handler, s, conn, pkt); err != nil {
			if errors.Is(err, io.EOF) {
				b.handleDisconnect(s, epoch, true)
				return nil
			}
			b.stats.IncrementProtocolErrors()
			b.handleDisconnect(s, epoch, false)
			return err
		}

		if b.shuttingDown.Load() {
			b.handleDisconnect(s, epoch, true)
			return nil
		}
	}
}

// dispatchPacket routes a packet to its handler. A second CONNECT on a
// live session is a protocol violation and ends it.
func dispatchPacket(handler Handler, s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	switch pkt.Type() {
	case packets.PublishType:
		return handler.HandlePublish(s, conn, pkt)
	case packets.PubAckType:
		return handler.HandlePubAck(s, conn, pkt)
	case packets.PubRecType:
		return handler.HandlePubRec(s, conn, pkt)
	case packets.PubRelType:
		return handler.HandlePubRel(s, conn, pkt)
	case packets.PubCompType:
		return handler.HandlePubComp(s, conn, pkt)
	case packets.SubscribeType:
		return handler.HandleSubscribe(s, conn, pkt)
	case packets.UnsubscribeType:
		return handler.HandleUnsubscribe(s, conn, pkt)
	case packets.PingReqType:
		return handler.HandlePingReq(s, conn)
	case packets.DisconnectType:
		return handler.HandleDisconnect(s, pkt)
	case packets.ConnectType:
		return ErrProtocolViolation
	default:
		return ErrInvalidPacketType
	}
}

// Shutdown drains the broker gracefully: new connections are refused
// and existing sessions get until drainTimeout to disconnect on their
// own before Close tears the rest down.
func (b *Broker) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	b.shuttingDown.Store(true)
	b.logger.Info("broker shutting down", slog.Duration("drain_timeout", drainTimeout))

	deadline := time.Now().Add(drainTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Warn("shutdown cancelled by context")
			return b.Close()
		case <-ticker.C:
			count := b.sessionsMap.ConnectedCount()
			if count == 0 {
				b.logger.Info("all clients disconnected")
				return b.Close()
			}
			if time.Now().After(deadline) {
				b.logger.Info("drain timeout reached", slog.Int("remaining_clients", count))
				return b.Close()
			}
		}
	}
}

// Close shuts the broker down now. Live connections are closed as
// graceful disconnects: wills do not fire and resumable session state
// is persisted, so clients can pick up where they left off after a
// restart. Safe to call more than once.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.shuttingDown.Store(true)

	close(b.stopCh)
	b.wg.Wait()

	var ids []string
	b.sessionsMap.ForEach(func(s *session.Session) {
		ids = append(ids, s.ID)
	})
	for _, id := range ids {
		b.closeSession(id)
	}

	b.fanout.Close()

	if b.webhooks != nil {
		if err := b.webhooks.Close(); err != nil {
			b.logError("close webhooks", err)
		}
	}

	b.logger.Info("broker closed")
	return nil
}

// closeSession finalizes one session during broker shutdown.
func (b *Broker) closeSession(id string) {
	b.sessionLocks.Lock(id)
	defer b.sessionLocks.Unlock(id)

	s := b.sessionsMap.Get(id)
	if s == nil {
		return
	}

	if conn, epoch, ok := b.conns.get(id); ok {
		b.conns.unbind(id, epoch)
		conn.Close()
		s.Disconnect(true)
		b.stats.DecrementConnections()
		if b.wills != nil {
			b.wills.Delete(context.Background(), id)
		}
	}

	if !s.CleanSession && b.sessions != nil {
		if err := b.sessions.Save(s.Info()); err != nil {
			b.logError("save session", err, slog.String("client_id", id))
		}
		b.persistSessionState(s)
	}
}
