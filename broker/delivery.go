// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/mqtt"
	"github.com/absmach/voltmq/mqtt/packets"
	v3 "github.com/absmach/voltmq/mqtt/packets/v3"
	"github.com/absmach/voltmq/session"
	"github.com/absmach/voltmq/storage"
)

// DeliverToSession routes one message to a single session, honoring its
// QoS and connection state.
//
// Disconnected sessions queue QoS 1/2 messages for delivery on resume
// and drop QoS 0 messages. Connected sessions get QoS 0 messages written
// straight to the connection; QoS 1/2 messages claim a packet ID and an
// in-flight slot first, or park in the pending queue when the window is
// full. The returned packet ID is 0 for anything that did not enter the
// in-flight window.
//
// Deliveries to the same session are serialized on its key lock, so the
// wire order of QoS 1/2 publishes matches packet ID allocation order.
func (b *Broker) DeliverToSession(s *session.Session, msg *storage.Message) (uint16, error) {
	b.sessionLocks.Lock(s.ID)
	defer b.sessionLocks.Unlock(s.ID)

	return b.deliverLocked(s, msg)
}

func (b *Broker) deliverLocked(s *session.Session, msg *storage.Message) (uint16, error) {
	conn := b.connOf(s.ID)
	if conn == nil || !s.IsConnected() {
		if msg.QoS == 0 {
			return 0, nil
		}
		if err := s.EnqueueOffline(msg); err != nil {
			b.stats.IncrementPublishDropped()
			if b.metrics != nil {
				b.metrics.RecordMessageDropped("offline_queue_full")
			}
			b.logger.Warn("offline queue full, dropping message",
				slog.String("client_id", s.ID),
				slog.String("topic", msg.Topic))
			return 0, err
		}
		return 0, nil
	}

	if msg.QoS == 0 {
		if err := b.writePublish(conn, msg, false); err != nil {
			return 0, err
		}
		b.notify(events.MessageDelivered{
			ClientID:     s.ID,
			MessageTopic: msg.Topic,
			QoS:          msg.QoS,
			PayloadSize:  len(msg.Payload),
		})
		return 0, nil
	}

	// Nothing overtakes messages already parked behind the window.
	if s.Inflight.IsFull() || s.PendingLen() > 0 {
		if err := s.EnqueuePending(msg); err != nil {
			b.stats.IncrementPublishDropped()
			if b.metrics != nil {
				b.metrics.RecordMessageDropped("pending_queue_full")
			}
			b.logger.Warn("pending queue full, dropping message",
				slog.String("client_id", s.ID),
				slog.String("topic", msg.Topic))
			return 0, err
		}
		return 0, nil
	}

	return b.sendLocked(s, conn, msg)
}

// sendLocked allocates a packet ID, tracks the message in flight and
// writes the PUBLISH. Must be called with the session's key lock held
// and a free slot in the in-flight window.
func (b *Broker) sendLocked(s *session.Session, conn mqtt.Connection, msg *storage.Message) (uint16, error) {
	packetID, err := s.NextPacketID()
	if err != nil {
		return 0, err
	}
	msg.PacketID = packetID

	state := session.StateAwaitingAck
	if msg.QoS == 2 {
		state = session.StateAwaitingRec
	}
	if err := s.Inflight.Add(packetID, msg, state, session.Outbound); err != nil {
		return 0, err
	}

	if err := b.writePublish(conn, msg, false); err != nil {
		// The message stays in flight; resume re-sends it with the
		// duplicate flag set.
		return packetID, err
	}

	b.notify(events.MessageDelivered{
		ClientID:     s.ID,
		MessageTopic: msg.Topic,
		QoS:          msg.QoS,
		PayloadSize:  len(msg.Payload),
	})
	return packetID, nil
}

// AckMessage settles the in-flight record for packetID and releases the
// next queued message into the freed slot. Acknowledgments for unknown
// packet IDs are logged and ignored.
func (b *Broker) AckMessage(s *session.Session, packetID uint16) {
	b.sessionLocks.Lock(s.ID)
	_, err := s.Inflight.Ack(packetID)
	b.sessionLocks.Unlock(s.ID)
	if err != nil {
		b.logOp("ignoring ack for unknown packet",
			slog.String("client_id", s.ID),
			slog.Uint64("packet_id", uint64(packetID)))
		return
	}

	b.drainQueued(s)
}

// drainQueued moves parked messages into the in-flight window until it
// fills again or both queues empty. Pending messages go first; they were
// accepted for delivery before anything still in the offline queue.
func (b *Broker) drainQueued(s *session.Session) {
	for {
		b.sessionLocks.Lock(s.ID)
		conn := b.connOf(s.ID)
		if conn == nil || !s.IsConnected() || s.Inflight.IsFull() {
			b.sessionLocks.Unlock(s.ID)
			return
		}
		msg := s.DequeuePending()
		if msg == nil {
			msg = s.DequeueOffline()
		}
		if msg == nil {
			b.sessionLocks.Unlock(s.ID)
			return
		}
		_, err := b.sendLocked(s, conn, msg)
		b.sessionLocks.Unlock(s.ID)
		if err != nil {
			return
		}
	}
}

// resumeDelivery activates a session once the CONNACK is queued and
// flushes everything the client missed: in-flight messages first, in
// their original send order, then the offline queue.
//
// In-flight messages still awaiting their first acknowledgment are
// re-sent as duplicate PUBLISHes. QoS 2 messages whose PUBREL already
// went out get only the PUBREL again; re-publishing those would deliver
// twice.
func (b *Broker) resumeDelivery(s *session.Session) {
	b.sessionLocks.Lock(s.ID)
	conn := b.connOf(s.ID)
	if conn == nil {
		b.sessionLocks.Unlock(s.ID)
		return
	}

	s.Connect()
	if !s.CleanSession && b.sessions != nil {
		if err := b.sessions.Save(s.Info()); err != nil {
			b.logError("save session", err, slog.String("client_id", s.ID))
		}
	}

	for _, inf := range s.Inflight.All() {
		if inf.Direction != session.Outbound {
			continue
		}
		switch inf.State {
		case session.StateAwaitingAck, session.StateAwaitingRec:
			msg := storage.CopyMessage(inf.Message)
			msg.PacketID = inf.PacketID
			if err := b.writePublish(conn, msg, true); err != nil {
				b.logError("redeliver message", err,
					slog.String("client_id", s.ID),
					slog.Uint64("packet_id", uint64(inf.PacketID)))
			}
		case session.StateAwaitingComp:
			if err := b.writePubRel(conn, inf.PacketID); err != nil {
				b.logError("redeliver pubrel", err,
					slog.String("client_id", s.ID),
					slog.Uint64("packet_id", uint64(inf.PacketID)))
			}
		}
	}
	b.sessionLocks.Unlock(s.ID)

	// Offline messages re-enter the regular delivery path one at a time,
	// so they fill the in-flight window or park behind it like any live
	// publish would.
	for {
		b.sessionLocks.Lock(s.ID)
		if !s.IsConnected() {
			b.sessionLocks.Unlock(s.ID)
			return
		}
		msg := s.DequeueOffline()
		if msg == nil {
			b.sessionLocks.Unlock(s.ID)
			return
		}
		_, err := b.deliverLocked(s, msg)
		b.sessionLocks.Unlock(s.ID)
		if err != nil {
			return
		}
	}
}

// writePublish frames msg as a PUBLISH packet and hands it to the
// connection's send queue.
func (b *Broker) writePublish(conn mqtt.Connection, msg *storage.Message, dup bool) error {
	pkt := &v3.Publish{
		FixedHeader: packets.FixedHeader{
			PacketType: packets.PublishType,
			Dup:        dup,
			QoS:        msg.QoS,
			Retain:     msg.Retain,
		},
		TopicName: msg.Topic,
		ID:        msg.PacketID,
		Payload:   msg.Payload,
	}

	if err := conn.WriteDataPacket(pkt, nil); err != nil {
		return err
	}

	b.stats.IncrementPublishSent()
	b.stats.AddBytesSent(uint64(len(msg.Payload)))
	if b.metrics != nil {
		b.metrics.RecordMessageSent(msg.QoS, int64(len(msg.Payload)))
	}
	return nil
}

// writePubRel sends the release for a QoS 2 delivery.
func (b *Broker) writePubRel(conn mqtt.Connection, packetID uint16) error {
	pkt := v3.NewControlPacket(packets.PubRelType).(*v3.PubRel)
	pkt.ID = packetID
	return conn.WriteControlPacket(pkt, nil)
}
