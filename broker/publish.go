// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/storage"
)

// Publish accepts a message from clientID, handling retained storage and
// distribution to subscribers. clientID is empty for broker-originated
// publishes such as the $SYS topics.
func (b *Broker) Publish(clientID string, msg *storage.Message) error {
	b.logOp("publish",
		slog.String("topic", msg.Topic),
		slog.Int("qos", int(msg.QoS)),
		slog.Bool("retain", msg.Retain))
	b.stats.IncrementPublishReceived()

	payloadLen := len(msg.Payload)
	b.stats.AddBytesReceived(uint64(payloadLen))

	start := time.Now()
	if b.metrics != nil {
		b.metrics.RecordMessageReceived(msg.QoS, int64(payloadLen))
	}

	// Retained state is settled before routing, so a subscriber arriving
	// mid-publish sees either the old retained message or the new one,
	// never an in-between state.
	if msg.Retain {
		if err := b.handleRetained(msg); err != nil {
			b.logError("store retained message", err, slog.String("topic", msg.Topic))
		}
	}

	ev := events.MessagePublished{
		ClientID:     clientID,
		MessageTopic: msg.Topic,
		QoS:          msg.QoS,
		Retained:     msg.Retain,
		PayloadSize:  payloadLen,
	}
	if b.webhooks != nil {
		// The notifier strips this again unless payload forwarding is
		// enabled for the endpoint set.
		ev.Payload = base64.StdEncoding.EncodeToString(msg.Payload)
	}
	b.notify(ev)

	b.distribute(msg)

	if b.metrics != nil {
		b.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000.0)
	}
	return nil
}

// handleRetained stores or clears the retained message for a topic. An
// empty payload clears; clearing a topic that holds nothing is a no-op.
//
// Topics with a leading '$' level belong to the broker and are exempt
// from the retained limit and the retained counter.
func (b *Broker) handleRetained(msg *storage.Message) error {
	if b.retained == nil {
		return nil
	}
	ctx := context.Background()
	sys := strings.HasPrefix(msg.Topic, "$")

	if len(msg.Payload) == 0 {
		if err := b.retained.Delete(ctx, msg.Topic); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if !sys {
			b.stats.DecrementRetained()
		}
		if b.metrics != nil {
			b.metrics.RecordRetainedDeleted()
		}
		b.notify(events.RetainedMessageSet{
			MessageTopic: msg.Topic,
			PayloadSize:  0,
			Cleared:      true,
		})
		return nil
	}

	_, err := b.retained.Get(ctx, msg.Topic)
	isNew := errors.Is(err, storage.ErrNotFound)
	if err != nil && !isNew {
		return err
	}

	if isNew && !sys && b.maxRetainedMessages > 0 &&
		int(b.stats.GetRetainedMessages()) >= b.maxRetainedMessages {
		return fmt.Errorf("%w: retained message limit %d reached", ErrQuotaExceeded, b.maxRetainedMessages)
	}

	retainedMsg := storage.CopyMessage(msg)
	retainedMsg.Retain = true
	retainedMsg.PacketID = 0
	if err := b.retained.Set(ctx, msg.Topic, retainedMsg); err != nil {
		return err
	}
	if isNew && !sys {
		b.stats.IncrementRetained()
	}
	if b.metrics != nil {
		b.metrics.RecordRetainedSet()
	}
	b.notify(events.RetainedMessageSet{
		MessageTopic: msg.Topic,
		PayloadSize:  len(msg.Payload),
		Cleared:      false,
	})
	return nil
}

// distribute delivers a message to every matching local subscriber at
// the lower of the published and granted QoS. Delivery failures are per
// subscriber; one slow or full session never blocks the rest.
func (b *Broker) distribute(msg *storage.Message) {
	matched := b.router.Match(msg.Topic)

	for _, sub := range matched {
		s := b.sessionsMap.Get(sub.ClientID)
		if s == nil {
			continue
		}

		deliverQoS := msg.QoS
		if sub.QoS < deliverQoS {
			deliverQoS = sub.QoS
		}

		deliverMsg := storage.CopyMessage(msg)
		deliverMsg.QoS = deliverQoS
		deliverMsg.Retain = false // Not retained during distribution
		deliverMsg.PacketID = 0

		if _, err := b.DeliverToSession(s, deliverMsg); err != nil {
			if deliverQoS > 0 {
				b.logger.Warn("failed to deliver QoS message",
					slog.String("client_id", sub.ClientID),
					slog.String("topic", msg.Topic),
					slog.Uint64("qos", uint64(deliverQoS)),
					slog.String("error", err.Error()))
			}
			continue
		}
	}
}

// PublishWill publishes a session's stored will message, if any. The
// will is removed from the store afterwards so it fires at most once.
func (b *Broker) PublishWill(clientID string) error {
	if b.wills == nil {
		return nil
	}

	ctx := context.Background()
	will, err := b.wills.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	msg := &storage.Message{
		Topic:   will.Topic,
		Payload: will.Payload,
		QoS:     will.QoS,
		Retain:  will.Retain,
	}

	if msg.Retain {
		if err := b.handleRetained(msg); err != nil {
			b.logError("store retained will", err, slog.String("topic", msg.Topic))
		}
	}

	b.distribute(msg)

	b.notify(events.WillPublished{
		ClientID:     clientID,
		MessageTopic: will.Topic,
		QoS:          will.QoS,
		Retained:     will.Retain,
	})

	return b.wills.Delete(ctx, clientID)
}

// GetRetainedMatching returns all retained messages matching a topic
// filter.
func (b *Broker) GetRetainedMatching(filter string) ([]*storage.Message, error) {
	if b.retained == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.retained.Match(ctx, filter)
}
