// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the MQTT 3.1.1 session and delivery engine:
// connection lifecycle, QoS 0/1/2 delivery tracking, retained messages,
// wills, and clean or resumable sessions.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/voltmq/broker/router"
	"github.com/absmach/voltmq/config"
	"github.com/absmach/voltmq/server/otel"
	"github.com/absmach/voltmq/session"
	"github.com/absmach/voltmq/storage"
	"github.com/absmach/voltmq/storage/memory"
)

// Broker is the core MQTT broker with clean domain methods.
type Broker struct {
	sessionLocks keyLock
	wg           sync.WaitGroup

	sessionsMap session.Cache
	conns       connTable
	router      *router.TrieRouter

	messages      storage.MessageStore
	sessions      storage.SessionStore
	subscriptions storage.SubscriptionStore
	retained      storage.RetainedStore
	wills         storage.WillStore

	auth     *AuthEngine
	handler  Handler
	logger   *slog.Logger
	stats    *Stats
	webhooks Notifier      // nil if webhooks disabled
	metrics  *otel.Metrics // nil if metrics disabled

	fanout *fanOutPool

	stopCh       chan struct{}
	shuttingDown atomic.Bool
	closed       atomic.Bool

	// Maximum QoS level granted to subscribers (0, 1, or 2)
	maxQoS byte

	maxSessions         int
	sessionExpiry       time.Duration
	sweepInterval       time.Duration
	maxOfflineQueueSize int
	maxInflightMessages int
	maxRetainedMessages int
	connectTimeout      time.Duration
}

// NewBroker creates a new broker instance.
// Parameters:
//   - store: Storage backend for messages, sessions, subscriptions, retained, and wills (nil uses memory)
//   - logger: Logger instance (nil uses default)
//   - stats: Stats collector (nil creates new one)
//   - webhooks: Webhook notifier (nil if webhooks disabled)
//   - metrics: OTel metrics instance (nil if metrics disabled)
func NewBroker(store storage.Store, logger *slog.Logger, stats *Stats, webhooks Notifier, metrics *otel.Metrics, brokerCfg config.BrokerConfig, sessionCfg config.SessionConfig) *Broker {
	if store == nil {
		store = memory.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}

	sweep := sessionCfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}

	b := &Broker{
		sessionsMap:         session.NewShardedCache(),
		conns:               newConnTable(),
		router:              router.NewRouter(),
		messages:            store.Messages(),
		sessions:            store.Sessions(),
		subscriptions:       store.Subscriptions(),
		retained:            store.Retained(),
		wills:               store.Wills(),
		logger:              logger,
		stats:               stats,
		webhooks:            webhooks,
		metrics:             metrics,
		fanout:              newFanOutPool(0),
		stopCh:              make(chan struct{}),
		maxQoS:              2,
		maxSessions:         sessionCfg.MaxSessions,
		sessionExpiry:       sessionCfg.ExpiryInterval,
		sweepInterval:       sweep,
		maxOfflineQueueSize: sessionCfg.MaxOfflineQueueSize,
		maxInflightMessages: sessionCfg.MaxInflightMessages,
		maxRetainedMessages: brokerCfg.MaxRetainedMessages,
		connectTimeout:      brokerCfg.ConnectTimeout,
	}
	b.handler = NewV3Handler(b)

	b.restoreState()
	b.publishPendingWills()

	b.wg.Add(2)
	go b.expiryLoop()
	go b.statsLoop()

	return b
}

// Get returns a session by client ID, or nil if none exists.
func (b *Broker) Get(clientID string) *session.Session {
	return b.sessionsMap.Get(clientID)
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// SetAuthEngine sets the authentication and authorization engine.
// It should be configured before the broker starts accepting connections.
func (b *Broker) SetAuthEngine(auth *AuthEngine) {
	b.auth = auth
}

// SetMaxQoS sets the maximum QoS level granted to subscribers.
// Valid values are 0, 1, or 2. Default is 2.
func (b *Broker) SetMaxQoS(qos byte) {
	if qos > 2 {
		qos = 2
	}
	b.maxQoS = qos
}

// MaxQoS returns the maximum QoS level granted to subscribers.
func (b *Broker) MaxQoS() byte {
	return b.maxQoS
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}

func (b *Broker) notify(event any) {
	if b.webhooks == nil {
		return
	}
	if err := b.webhooks.Notify(context.Background(), event); err != nil {
		b.logError("webhook notify", err)
	}
}

// restoreState rebuilds in-memory state from storage at startup:
// persisted sessions with their subscriptions and queued messages, and
// the retained message count backing the cap and the $SYS counters.
func (b *Broker) restoreState() {
	b.loadPersistedSessions()

	msgs, err := b.retained.Match(context.Background(), "#")
	if err != nil {
		b.logError("restore retained count", err)
		return
	}
	for range msgs {
		b.stats.IncrementRetained()
	}
}

// publishPendingWills delivers wills that were registered but never
// cleared before the previous shutdown. A crash between accepting the
// will on CONNECT and the session's clean disconnect leaves the will
// pending; subscribers still expect it.
func (b *Broker) publishPendingWills() {
	wills, err := b.wills.GetPending(context.Background())
	if err != nil {
		b.logError("load pending wills", err)
		return
	}
	for _, w := range wills {
		if err := b.PublishWill(w.ClientID); err != nil {
			b.logError("publish will", err, slog.String("client_id", w.ClientID))
		}
	}
	if len(wills) > 0 {
		b.logger.Info("published pending wills", slog.Int("count", len(wills)))
	}
}
