// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/session"
	"github.com/absmach/voltmq/storage"
)

const versionString = "voltmq-0.1.0"

// expiryLoop sweeps disconnected sessions past their expiry.
func (b *Broker) expiryLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.ExpireSessions(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

// ExpireSessions removes resumable sessions that have been disconnected
// for at least the configured expiry and returns their client IDs. A
// zero expiry keeps sessions forever. Sessions that reconnect between
// the scan and the removal are left alone.
func (b *Broker) ExpireSessions(now time.Time) []string {
	if b.sessionExpiry <= 0 {
		return nil
	}

	var candidates []string
	b.sessionsMap.ForEach(func(s *session.Session) {
		if s.IsConnected() {
			return
		}
		disconnectedAt := s.DisconnectedAt()
		if disconnectedAt.IsZero() {
			return
		}
		if now.Sub(disconnectedAt) >= b.sessionExpiry {
			candidates = append(candidates, s.ID)
		}
	})

	var removed []string
	for _, clientID := range candidates {
		b.sessionLocks.Lock(clientID)
		s := b.sessionsMap.Get(clientID)
		if s == nil || s.IsConnected() ||
			s.DisconnectedAt().IsZero() || now.Sub(s.DisconnectedAt()) < b.sessionExpiry {
			b.sessionLocks.Unlock(clientID)
			continue
		}
		if err := b.destroySessionLocked(s); err != nil {
			b.logError("expire session", err, slog.String("client_id", clientID))
			b.sessionLocks.Unlock(clientID)
			continue
		}
		b.sessionLocks.Unlock(clientID)

		removed = append(removed, clientID)
		b.notify(events.SessionExpired{ClientID: clientID})
		b.logOp("session expired", slog.String("client_id", clientID))
	}

	if len(removed) > 0 {
		b.logger.Info("expired sessions", slog.Int("count", len(removed)))
	}
	return removed
}

// statsLoop periodically publishes broker statistics.
func (b *Broker) statsLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.publishStats()
		case <-b.stopCh:
			return
		}
	}
}

// publishStats publishes current broker statistics to the $SYS topics.
// Each value is stored retained, so a new $SYS subscriber sees the last
// snapshot immediately, and distributed to live subscribers. Broker
// counters are not inflated by their own publication.
func (b *Broker) publishStats() {
	now := time.Now()
	rows := []struct {
		topic string
		value string
	}{
		{"$SYS/broker/version", versionString},
		{"$SYS/broker/uptime", fmt.Sprintf("%d", int64(b.stats.GetUptime().Seconds()))},
		{"$SYS/broker/clients/connected", fmt.Sprintf("%d", b.stats.GetCurrentConnections())},
		{"$SYS/broker/clients/total", fmt.Sprintf("%d", b.stats.GetTotalConnections())},
		{"$SYS/broker/clients/disconnected", fmt.Sprintf("%d", b.stats.GetDisconnections())},
		{"$SYS/broker/messages/received", fmt.Sprintf("%d", b.stats.GetMessagesReceived())},
		{"$SYS/broker/messages/sent", fmt.Sprintf("%d", b.stats.GetMessagesSent())},
		{"$SYS/broker/messages/publish/received", fmt.Sprintf("%d", b.stats.GetPublishReceived())},
		{"$SYS/broker/messages/publish/sent", fmt.Sprintf("%d", b.stats.GetPublishSent())},
		{"$SYS/broker/messages/publish/dropped", fmt.Sprintf("%d", b.stats.GetPublishDropped())},
		{"$SYS/broker/bytes/received", fmt.Sprintf("%d", b.stats.GetBytesReceived())},
		{"$SYS/broker/bytes/sent", fmt.Sprintf("%d", b.stats.GetBytesSent())},
		{"$SYS/broker/subscriptions/count", fmt.Sprintf("%d", b.stats.GetSubscriptions())},
		{"$SYS/broker/retained/count", fmt.Sprintf("%d", b.stats.GetRetainedMessages())},
		{"$SYS/broker/errors/protocol", fmt.Sprintf("%d", b.stats.GetProtocolErrors())},
		{"$SYS/broker/errors/auth", fmt.Sprintf("%d", b.stats.GetAuthErrors())},
		{"$SYS/broker/errors/authz", fmt.Sprintf("%d", b.stats.GetAuthzErrors())},
		{"$SYS/broker/errors/packet", fmt.Sprintf("%d", b.stats.GetPacketErrors())},
	}

	for _, row := range rows {
		msg := &storage.Message{
			PublishTime: now,
			Topic:       row.topic,
			Payload:     []byte(row.value),
			QoS:         0,
			Retain:      true,
		}
		if err := b.handleRetained(msg); err != nil {
			b.logError("store stats message", err, slog.String("topic", row.topic))
		}
		b.distribute(msg)
	}
}
