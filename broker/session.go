// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/mqtt"
	"github.com/absmach/voltmq/session"
	"github.com/absmach/voltmq/storage"
)

const (
	inflightPrefix = "/inflight/"
	queuePrefix    = "/queue/"
)

// CreateSession creates a new session or resumes an existing one, and
// binds conn as the session's live connection.
//
// A live connection already using the same client ID is displaced first:
// it is closed as a graceful disconnect, so its will does not fire. With
// opts.CleanSession set, any prior state is destroyed before the new
// session is created. Returns the session, the connection's binding
// epoch, and whether previous session state was resumed.
//
// The session is not yet marked connected: messages routed to it queue
// as if it were offline until resumeDelivery runs, after the CONNACK is
// on the wire. Nothing is delivered ahead of the handshake.
func (b *Broker) CreateSession(clientID string, conn mqtt.Connection, opts session.Options) (*session.Session, uint64, bool, error) {
	b.sessionLocks.Lock(clientID)
	defer b.sessionLocks.Unlock(clientID)

	existing := b.sessionsMap.Get(clientID)

	if existing == nil && b.maxSessions > 0 && b.sessionsMap.Count() >= b.maxSessions {
		return nil, 0, false, fmt.Errorf("%w: session limit %d reached", ErrQuotaExceeded, b.maxSessions)
	}

	if existing != nil {
		b.takeoverLocked(existing)
	}

	if opts.CleanSession && existing != nil {
		if err := b.destroySessionLocked(existing); err != nil {
			return nil, 0, false, err
		}
		existing = nil
	}

	opts.MaxInflight = b.maxInflightMessages
	opts.MaxQueueSize = b.maxOfflineQueueSize

	// Persisted sessions are loaded into memory at startup, so an
	// in-memory hit is the only resume case.
	resumed := false
	s := existing
	if s != nil {
		// Delivery state is live, only the connection parameters change.
		s.UpdateConnectionOptions(opts.KeepAlive, opts.Will)
		resumed = true
	} else {
		s = session.New(clientID, opts)
		b.sessionsMap.Set(clientID, s)
		if b.metrics != nil {
			b.metrics.RecordSessionCreated()
		}
	}

	if opts.Will != nil && b.wills != nil {
		opts.Will.ClientID = clientID
		if err := b.wills.Set(context.Background(), clientID, opts.Will); err != nil {
			b.logError("persist will", err, slog.String("client_id", clientID))
		}
	}

	epoch := b.conns.bind(clientID, conn)

	return s, epoch, resumed, nil
}

// takeoverLocked displaces the live connection of a session, if any.
// The displaced connection is closed as a graceful disconnect: its will
// is discarded and its reader loop, which still holds the old epoch,
// tears nothing down. Must be called with the session's key lock held.
func (b *Broker) takeoverLocked(s *session.Session) {
	conn, epoch, ok := b.conns.get(s.ID)
	if !ok {
		return
	}

	b.logger.Info("session takeover",
		slog.String("client_id", s.ID),
		slog.String("remote_addr", conn.RemoteAddr().String()))

	b.conns.unbind(s.ID, epoch)
	conn.Close()
	s.Disconnect(true)
	if b.wills != nil {
		if err := b.wills.Delete(context.Background(), s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			b.logError("delete will", err, slog.String("client_id", s.ID))
		}
	}

	b.stats.DecrementConnections()
	if b.metrics != nil {
		b.metrics.RecordDisconnection("takeover")
	}
	b.notify(events.SessionTakeover{ClientID: s.ID, RemoteAddr: conn.RemoteAddr().String()})
	b.notify(events.ClientDisconnected{ClientID: s.ID, Reason: "takeover"})
}

// DestroySession removes a session and all its state.
func (b *Broker) DestroySession(clientID string) error {
	b.sessionLocks.Lock(clientID)
	defer b.sessionLocks.Unlock(clientID)

	s := b.sessionsMap.Get(clientID)
	if s == nil {
		return nil
	}

	return b.destroySessionLocked(s)
}

// destroySessionLocked removes a session, its subscriptions, queued and
// in-flight messages, and its will. Must be called with the session's
// key lock held.
func (b *Broker) destroySessionLocked(s *session.Session) error {
	if s.IsConnected() {
		s.Disconnect(false)
	}

	if b.sessions != nil {
		if err := b.sessions.Delete(s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	if b.subscriptions != nil {
		if err := b.subscriptions.RemoveAll(s.ID); err != nil {
			return fmt.Errorf("failed to remove subscriptions: %w", err)
		}
	}
	if b.messages != nil {
		if err := b.messages.DeleteByPrefix(s.ID + "/"); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
	}
	if b.wills != nil {
		if err := b.wills.Delete(context.Background(), s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete will: %w", err)
		}
	}

	for filter := range s.Subscriptions() {
		b.router.Unsubscribe(s.ID, filter)
		b.stats.DecrementSubscriptions()
	}

	b.sessionsMap.Delete(s.ID)
	if b.metrics != nil {
		b.metrics.RecordSessionRemoved()
	}

	return nil
}

// handleDisconnect finalizes a connection teardown. graceful reports
// whether the client sent DISCONNECT before the connection dropped; only
// an ungraceful teardown fires the will.
//
// The epoch identifies which connection the caller owned. When a newer
// connection has taken the session over, the epoch is stale and there is
// nothing left to tear down.
func (b *Broker) handleDisconnect(s *session.Session, epoch uint64, graceful bool) {
	b.sessionLocks.Lock(s.ID)
	defer b.sessionLocks.Unlock(s.ID)

	if !b.conns.unbind(s.ID, epoch) {
		return
	}

	// A teardown landing during shutdown is the broker's doing, not the
	// client's; treat it as graceful so no will fires.
	if b.shuttingDown.Load() {
		graceful = true
	}

	s.Disconnect(graceful)

	b.stats.DecrementConnections()
	reason := "normal"
	if !graceful {
		reason = "error"
	}
	if b.metrics != nil {
		b.metrics.RecordDisconnection(reason)
	}
	b.notify(events.ClientDisconnected{ClientID: s.ID, Reason: reason})

	b.logOp("client disconnected",
		slog.String("client_id", s.ID),
		slog.Bool("graceful", graceful))

	if graceful {
		if b.wills != nil {
			if err := b.wills.Delete(context.Background(), s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				b.logError("delete will", err, slog.String("client_id", s.ID))
			}
		}
	} else if s.TakeWill() != nil {
		b.fanout.Submit(func() {
			if err := b.PublishWill(s.ID); err != nil {
				b.logError("publish will", err, slog.String("client_id", s.ID))
			}
		})
	}

	if s.CleanSession {
		if err := b.destroySessionLocked(s); err != nil {
			b.logError("destroy session", err, slog.String("client_id", s.ID))
		}
		return
	}

	if b.sessions != nil {
		if err := b.sessions.Save(s.Info()); err != nil {
			b.logError("save session", err, slog.String("client_id", s.ID))
		}
	}
	b.persistSessionState(s)
}

// persistSessionState saves a session's in-flight messages and queued
// messages to storage so a resumable session survives a broker restart.
// Keys carry a zero padded index, so store iteration order is send order.
func (b *Broker) persistSessionState(s *session.Session) {
	if b.messages == nil {
		return
	}

	if err := b.messages.DeleteByPrefix(s.ID + inflightPrefix); err != nil {
		b.logError("clear inflight state", err, slog.String("client_id", s.ID))
	}
	if err := b.messages.DeleteByPrefix(s.ID + queuePrefix); err != nil {
		b.logError("clear queued state", err, slog.String("client_id", s.ID))
	}

	for i, inf := range s.Inflight.All() {
		if inf.Direction != session.Outbound {
			continue
		}
		msg := storage.CopyMessage(inf.Message)
		msg.PacketID = inf.PacketID
		msg.Released = inf.State == session.StateAwaitingComp
		key := fmt.Sprintf("%s%s%010d", s.ID, inflightPrefix, i)
		if err := b.messages.Store(key, msg); err != nil {
			b.logError("persist inflight message", err, slog.String("client_id", s.ID))
		}
	}

	// Pending messages never entered the in-flight window; they queue
	// behind it, ahead of anything that arrives while offline. Both
	// queues are snapshotted rather than drained, so persisting twice
	// for the same session, disconnect then broker close, stays safe.
	i := 0
	for _, msg := range s.PendingMessages() {
		key := fmt.Sprintf("%s%s%010d", s.ID, queuePrefix, i)
		if err := b.messages.Store(key, msg); err != nil {
			b.logError("persist queued message", err, slog.String("client_id", s.ID))
		}
		i++
	}
	for _, msg := range s.OfflineMessages() {
		key := fmt.Sprintf("%s%s%010d", s.ID, queuePrefix, i)
		if err := b.messages.Store(key, msg); err != nil {
			b.logError("persist queued message", err, slog.String("client_id", s.ID))
		}
		i++
	}
}

// loadPersistedSessions rebuilds in-memory sessions from storage at
// startup: metadata, subscriptions, in-flight messages, and the offline
// queue. Sessions persisted in the connected state crashed with the
// broker; their disconnect time becomes now so the expiry sweep can age
// them out.
func (b *Broker) loadPersistedSessions() {
	if b.sessions == nil {
		return
	}

	stored, err := b.sessions.List()
	if err != nil {
		b.logError("list persisted sessions", err)
		return
	}

	for _, rec := range stored {
		s := session.New(rec.ClientID, session.Options{
			CleanSession: false,
			KeepAlive:    rec.KeepAlive,
			MaxInflight:  b.maxInflightMessages,
			MaxQueueSize: b.maxOfflineQueueSize,
		})
		s.RestoreFrom(rec)
		if rec.Connected || rec.DisconnectedAt.IsZero() {
			s.Disconnect(false)
		}

		subs, err := b.subscriptions.GetForClient(rec.ClientID)
		if err != nil {
			b.logError("restore subscriptions", err, slog.String("client_id", rec.ClientID))
			continue
		}
		for _, sub := range subs {
			b.router.Subscribe(rec.ClientID, sub.Filter, sub.QoS)
			s.AddSubscription(sub.Filter, sub.QoS)
			b.stats.IncrementSubscriptions()
		}

		if err := b.restoreInflightFromStorage(s); err != nil {
			b.logError("restore inflight state", err, slog.String("client_id", rec.ClientID))
		}
		if err := b.restoreQueueFromStorage(s); err != nil {
			b.logError("restore queued state", err, slog.String("client_id", rec.ClientID))
		}

		b.sessionsMap.Set(rec.ClientID, s)
		if b.metrics != nil {
			b.metrics.RecordSessionCreated()
		}
	}

	if len(stored) > 0 {
		b.logger.Info("restored persisted sessions", slog.Int("count", len(stored)))
	}
}

// restoreInflightFromStorage reloads persisted in-flight messages in
// their original send order. The restored tracker state determines what
// resumed delivery re-sends: a PUBLISH marked as duplicate, or only the
// PUBREL for messages whose release was already on the wire.
//
// The persisted keys are left in place; the next disconnect rewrites
// them and a clean session start removes them. Dropping them here would
// lose accepted QoS 1/2 messages if the broker crashed again before the
// next persist.
func (b *Broker) restoreInflightFromStorage(s *session.Session) error {
	if b.messages == nil {
		return nil
	}

	msgs, err := b.messages.List(s.ID + inflightPrefix)
	if err != nil {
		return fmt.Errorf("failed to list inflight messages: %w", err)
	}

	for _, msg := range msgs {
		if msg.PacketID == 0 {
			continue
		}
		state := session.StateAwaitingAck
		if msg.QoS == 2 {
			state = session.StateAwaitingRec
			if msg.Released {
				state = session.StateAwaitingComp
			}
		}
		if err := s.Inflight.Add(msg.PacketID, msg, state, session.Outbound); err != nil {
			b.logError("restore inflight message", err,
				slog.String("client_id", s.ID),
				slog.Uint64("packet_id", uint64(msg.PacketID)))
		}
	}

	return nil
}

// restoreQueueFromStorage reloads the persisted offline queue in order.
func (b *Broker) restoreQueueFromStorage(s *session.Session) error {
	if b.messages == nil {
		return nil
	}

	msgs, err := b.messages.List(s.ID + queuePrefix)
	if err != nil {
		return fmt.Errorf("failed to list queued messages: %w", err)
	}

	for _, msg := range msgs {
		if err := s.EnqueueOffline(msg); err != nil {
			b.logError("restore queued message", err, slog.String("client_id", s.ID))
		}
	}

	return nil
}
