// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"io"
	"log/slog"
	"time"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/mqtt"
	"github.com/absmach/voltmq/mqtt/packets"
	v3 "github.com/absmach/voltmq/mqtt/packets/v3"
	"github.com/absmach/voltmq/session"
	"github.com/absmach/voltmq/storage"
	"github.com/absmach/voltmq/topics"
)

var _ Handler = (*V3Handler)(nil)

// connAckFlushTimeout bounds how long a refused connection is kept open
// for its CONNACK to reach the wire.
const connAckFlushTimeout = time.Second

// V3Handler translates MQTT 3.1.1 packets to broker domain operations.
type V3Handler struct {
	broker *Broker
}

// NewV3Handler creates a new V3 protocol handler.
func NewV3Handler(broker *Broker) *V3Handler {
	return &V3Handler{broker: broker}
}

// HandleConnect handles CONNECT packets. On success it owns the
// connection for its whole lifetime: it sends the CONNACK, flushes
// missed messages and runs the read loop until the client leaves.
func (h *V3Handler) HandleConnect(conn mqtt.Connection, pkt packets.ControlPacket) error {
	start := time.Now()
	p, ok := pkt.(*v3.Connect)
	if !ok {
		return ErrInvalidPacketType
	}

	h.broker.logOp("v3_connect",
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.String("client_id", p.ClientID))

	switch code := p.Validate(); code {
	case v3.Accepted:
	case v3.ErrProtocolViolation:
		h.broker.stats.IncrementProtocolErrors()
		conn.Close()
		return ErrProtocolViolation
	default:
		h.broker.stats.IncrementProtocolErrors()
		sendV3ConnAckRefusal(conn, code)
		return ErrProtocolViolation
	}
	if p.WillFlag {
		if err := topics.ValidateTopicName(p.WillTopic); err != nil {
			h.broker.stats.IncrementProtocolErrors()
			conn.Close()
			return ErrProtocolViolation
		}
	}

	clientID := p.ClientID
	cleanSession := p.CleanSession

	if clientID == "" {
		if !cleanSession {
			h.broker.stats.IncrementProtocolErrors()
			sendV3ConnAckRefusal(conn, v3.ErrRefusedIDRejected)
			return ErrClientIDRequired
		}
		generated, err := GenerateClientID()
		if err != nil {
			sendV3ConnAckRefusal(conn, v3.ErrRefusedServerUnavailable)
			return err
		}
		clientID = generated
	}

	if h.broker.auth != nil {
		authenticated, err := h.broker.auth.Authenticate(clientID, p.Username, string(p.Password))
		if err != nil {
			h.broker.stats.IncrementAuthErrors()
			sendV3ConnAckRefusal(conn, v3.ErrRefusedBadUsernameOrPassword)
			return ErrBadUserOrPassword
		}
		if !authenticated {
			h.broker.stats.IncrementAuthErrors()
			sendV3ConnAckRefusal(conn, v3.ErrRefusedNotAuthorized)
			return ErrNotAuthorized
		}
	}

	var will *storage.WillMessage
	if p.WillFlag {
		will = &storage.WillMessage{
			Topic:   p.WillTopic,
			Payload: p.WillMessage,
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
		}
	}

	opts := session.Options{
		CleanSession: cleanSession,
		KeepAlive:    p.KeepAlive,
		Will:         will,
	}

	s, epoch, resumed, err := h.broker.CreateSession(clientID, conn, opts)
	if err != nil {
		sendV3ConnAckRefusal(conn, v3.ErrRefusedServerUnavailable)
		return err
	}

	if p.KeepAlive > 0 {
		conn.SetKeepAlive(time.Duration(p.KeepAlive) * time.Second)
	}

	sessionPresent := resumed && !cleanSession
	if err := sendV3ConnAck(conn, sessionPresent, v3.Accepted); err != nil {
		h.broker.handleDisconnect(s, epoch, false)
		return err
	}

	h.broker.stats.IncrementConnections()
	if h.broker.metrics != nil {
		h.broker.metrics.RecordConnection("mqtt", "3.1.1")
	}
	h.broker.notify(events.ClientConnected{
		ClientID:     clientID,
		CleanSession: cleanSession,
		KeepAlive:    p.KeepAlive,
		RemoteAddr:   conn.RemoteAddr().String(),
	})
	h.broker.logger.Info("client connected",
		slog.String("client_id", clientID),
		slog.Bool("session_present", sessionPresent),
		slog.Duration("duration", time.Since(start)))

	h.broker.resumeDelivery(s)

	return h.broker.runSession(h, s, conn, epoch)
}

// HandlePublish handles PUBLISH packets.
func (h *V3Handler) HandlePublish(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	p, ok := pkt.(*v3.Publish)
	if !ok {
		return ErrInvalidPacketType
	}

	h.broker.logOp("v3_publish",
		slog.String("client_id", s.ID),
		slog.String("topic", p.TopicName),
		slog.Int("qos", int(p.FixedHeader.QoS)))

	qos := p.FixedHeader.QoS
	if qos > 2 {
		h.broker.stats.IncrementProtocolErrors()
		return ErrProtocolViolation
	}
	if err := topics.ValidateTopicName(p.TopicName); err != nil {
		h.broker.stats.IncrementProtocolErrors()
		return ErrTopicInvalid
	}
	if qos > 0 && p.ID == 0 {
		h.broker.stats.IncrementProtocolErrors()
		return ErrProtocolViolation
	}

	// An unauthorized publish is dropped, not distributed. The QoS
	// handshake still completes so the client is not left hanging.
	authorized := h.broker.auth == nil || h.broker.auth.CanPublish(s.ID, p.TopicName)
	if !authorized {
		h.broker.stats.IncrementAuthzErrors()
	}

	msg := &storage.Message{
		PublishTime: time.Now(),
		Topic:       p.TopicName,
		Payload:     p.Payload,
		QoS:         qos,
		Retain:      p.FixedHeader.Retain,
	}

	switch qos {
	case 0:
		if !authorized {
			return nil
		}
		return h.broker.Publish(s.ID, msg)

	case 1:
		if authorized {
			if err := h.broker.Publish(s.ID, msg); err != nil {
				return err
			}
		}
		return sendV3PubAck(conn, p.ID)

	default:
		// Duplicate of a publish still awaiting its PUBREL: already
		// distributed once, only the PUBREC is repeated.
		if s.Inflight.WasReceived(p.ID) {
			return sendV3PubRec(conn, p.ID)
		}
		if authorized {
			if err := h.broker.Publish(s.ID, msg); err != nil {
				return err
			}
		}
		s.Inflight.MarkReceived(p.ID)
		return sendV3PubRec(conn, p.ID)
	}
}

// HandlePubAck handles PUBACK packets, settling a QoS 1 delivery.
func (h *V3Handler) HandlePubAck(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	p, ok := pkt.(*v3.PubAck)
	if !ok {
		return ErrInvalidPacketType
	}

	h.broker.logOp("v3_puback", slog.String("client_id", s.ID), slog.Int("packet_id", int(p.ID)))
	h.broker.AckMessage(s, p.ID)
	return nil
}

// HandlePubRec handles PUBREC packets: the outbound QoS 2 message moves
// to the released state and the PUBREL goes out. A PUBREC for an
// unknown packet still gets its PUBREL, so a confused client can finish
// the exchange.
func (h *V3Handler) HandlePubRec(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	p, ok := pkt.(*v3.PubRec)
	if !ok {
		return ErrInvalidPacketType
	}

	h.broker.logOp("v3_pubrec", slog.String("client_id", s.ID), slog.Int("packet_id", int(p.ID)))
	if err := s.Inflight.UpdateState(p.ID, session.StateAwaitingComp); err != nil {
		h.broker.logOp("pubrec for unknown packet",
			slog.String("client_id", s.ID),
			slog.Int("packet_id", int(p.ID)))
	}
	return h.broker.writePubRel(conn, p.ID)
}

// HandlePubRel handles PUBREL packets. The inbound publish was already
// distributed when it first arrived, so the release only drops the
// packet ID from the dedup set and answers PUBCOMP. An unknown PUBREL
// gets a PUBCOMP too.
func (h *V3Handler) HandlePubRel(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	p, ok := pkt.(*v3.PubRel)
	if !ok {
		return ErrInvalidPacketType
	}

	h.broker.logOp("v3_pubrel", slog.String("client_id", s.ID), slog.Int("packet_id", int(p.ID)))
	s.Inflight.ClearReceived(p.ID)
	return sendV3PubComp(conn, p.ID)
}

// HandlePubComp handles PUBCOMP packets, settling a QoS 2 delivery.
func (h *V3Handler) HandlePubComp(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	p, ok := pkt.(*v3.PubComp)
	if !ok {
		return ErrInvalidPacketType
	}

	h.broker.logOp("v3_pubcomp", slog.String("client_id", s.ID), slog.Int("packet_id", int(p.ID)))
	h.broker.AckMessage(s, p.ID)
	return nil
}

// HandleSubscribe handles SUBSCRIBE packets. Retained messages for the
// granted filters go out after the SUBACK, off the read loop.
func (h *V3Handler) HandleSubscribe(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	p, ok := pkt.(*v3.Subscribe)
	if !ok {
		return ErrInvalidPacketType
	}
	if len(p.Topics) == 0 {
		h.broker.stats.IncrementProtocolErrors()
		return ErrProtocolViolation
	}

	h.broker.logOp("v3_subscribe", slog.String("client_id", s.ID), slog.Int("topics", len(p.Topics)))

	granted := make([]byte, len(p.Topics))
	for i, t := range p.Topics {
		if err := topics.ValidateTopicFilter(t.Name); err != nil {
			h.broker.stats.IncrementProtocolErrors()
			return ErrProtocolViolation
		}
		if t.QoS > 2 {
			h.broker.stats.IncrementProtocolErrors()
			return ErrProtocolViolation
		}

		if h.broker.auth != nil && !h.broker.auth.CanSubscribe(s.ID, t.Name) {
			h.broker.stats.IncrementAuthzErrors()
			granted[i] = 0x80
			continue
		}

		qos := t.QoS
		if qos > h.broker.maxQoS {
			qos = h.broker.maxQoS
		}

		if err := h.broker.subscribe(s, t.Name, qos); err != nil {
			h.broker.logError("subscribe", err,
				slog.String("client_id", s.ID),
				slog.String("filter", t.Name))
			granted[i] = 0x80
			continue
		}
		granted[i] = qos
	}

	if err := sendV3SubAck(conn, p.ID, granted); err != nil {
		return err
	}

	for i, t := range p.Topics {
		if granted[i] == 0x80 {
			continue
		}
		filter, qos := t.Name, granted[i]
		h.broker.fanout.Submit(func() {
			h.deliverRetained(s, filter, qos)
		})
	}

	return nil
}

// deliverRetained sends the retained messages matching a freshly granted
// filter. Each is delivered once, with the retain flag set, at the lower
// of its stored QoS and the granted QoS.
func (h *V3Handler) deliverRetained(s *session.Session, filter string, grantedQoS byte) {
	retained, err := h.broker.GetRetainedMatching(filter)
	if err != nil {
		h.broker.logError("match retained messages", err,
			slog.String("client_id", s.ID),
			slog.String("filter", filter))
		return
	}

	for _, msg := range retained {
		deliverQoS := msg.QoS
		if grantedQoS < deliverQoS {
			deliverQoS = grantedQoS
		}

		deliverMsg := storage.CopyMessage(msg)
		deliverMsg.QoS = deliverQoS
		deliverMsg.Retain = true
		deliverMsg.PacketID = 0

		if _, err := h.broker.DeliverToSession(s, deliverMsg); err != nil {
			h.broker.logError("deliver retained message", err,
				slog.String("client_id", s.ID),
				slog.String("topic", msg.Topic))
		}
	}
}

// HandleUnsubscribe handles UNSUBSCRIBE packets. Filters the session
// never held are a no-op; the UNSUBACK is sent regardless.
func (h *V3Handler) HandleUnsubscribe(s *session.Session, conn mqtt.Connection, pkt packets.ControlPacket) error {
	p, ok := pkt.(*v3.Unsubscribe)
	if !ok {
		return ErrInvalidPacketType
	}
	if len(p.Topics) == 0 {
		h.broker.stats.IncrementProtocolErrors()
		return ErrProtocolViolation
	}

	h.broker.logOp("v3_unsubscribe", slog.String("client_id", s.ID), slog.Int("topics", len(p.Topics)))

	for _, filter := range p.Topics {
		if err := h.broker.unsubscribe(s, filter); err != nil {
			h.broker.logError("unsubscribe", err,
				slog.String("client_id", s.ID),
				slog.String("filter", filter))
		}
	}

	return sendV3UnsubAck(conn, p.ID)
}

// HandlePingReq handles PINGREQ packets.
func (h *V3Handler) HandlePingReq(s *session.Session, conn mqtt.Connection) error {
	h.broker.logOp("v3_pingreq", slog.String("client_id", s.ID))
	return sendV3PingResp(conn)
}

// HandleDisconnect handles DISCONNECT packets. The io.EOF return tells
// the read loop the client left cleanly, so the will is discarded.
func (h *V3Handler) HandleDisconnect(s *session.Session, pkt packets.ControlPacket) error {
	if _, ok := pkt.(*v3.Disconnect); !ok {
		return ErrInvalidPacketType
	}

	h.broker.logOp("v3_disconnect", slog.String("client_id", s.ID))
	return io.EOF
}

// --- Response packet senders ---

func sendV3ConnAck(conn mqtt.Connection, sessionPresent bool, code byte) error {
	ack := &v3.ConnAck{
		FixedHeader:    packets.FixedHeader{PacketType: packets.ConnAckType},
		SessionPresent: sessionPresent,
		ReturnCode:     code,
	}
	return conn.WriteControlPacket(ack, nil)
}

// sendV3ConnAckRefusal writes a refusal CONNACK and closes the
// connection once the packet is on the wire. Closing right after the
// queued write would race the send loop and could drop the return code
// along with the connection.
func sendV3ConnAckRefusal(conn mqtt.Connection, code byte) {
	sent := make(chan struct{})
	ack := &v3.ConnAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.ConnAckType},
		ReturnCode:  code,
	}
	if err := conn.WriteControlPacket(ack, func() { close(sent) }); err == nil {
		select {
		case <-sent:
		case <-time.After(connAckFlushTimeout):
		}
	}
	conn.Close()
}

func sendV3PubAck(conn mqtt.Connection, packetID uint16) error {
	ack := &v3.PubAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.PubAckType},
		ID:          packetID,
	}
	return conn.WriteControlPacket(ack, nil)
}

func sendV3PubRec(conn mqtt.Connection, packetID uint16) error {
	rec := &v3.PubRec{
		FixedHeader: packets.FixedHeader{PacketType: packets.PubRecType},
		ID:          packetID,
	}
	return conn.WriteControlPacket(rec, nil)
}

func sendV3PubComp(conn mqtt.Connection, packetID uint16) error {
	comp := &v3.PubComp{
		FixedHeader: packets.FixedHeader{PacketType: packets.PubCompType},
		ID:          packetID,
	}
	return conn.WriteControlPacket(comp, nil)
}

func sendV3SubAck(conn mqtt.Connection, packetID uint16, returnCodes []byte) error {
	ack := &v3.SubAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.SubAckType},
		ID:          packetID,
		ReturnCodes: returnCodes,
	}
	return conn.WriteControlPacket(ack, nil)
}

func sendV3UnsubAck(conn mqtt.Connection, packetID uint16) error {
	ack := &v3.UnsubAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.UnsubAckType},
		ID:          packetID,
	}
	return conn.WriteControlPacket(ack, nil)
}

func sendV3PingResp(conn mqtt.Connection) error {
	resp := &v3.PingResp{
		FixedHeader: packets.FixedHeader{PacketType: packets.PingRespType},
	}
	return conn.WriteControlPacket(resp, nil)
}
