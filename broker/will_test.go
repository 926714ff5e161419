// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"
	"time"

	"github.com/absmach/voltmq/config"
	"github.com/absmach/voltmq/mqtt/packets"
	v3 "github.com/absmach/voltmq/mqtt/packets/v3"
	"github.com/absmach/voltmq/storage/memory"
)

func TestWillFiredOnAbruptDisconnect(t *testing.T) {
	b := newTestBroker(t)

	w := dialBroker(t, b)
	w.mustConnect("watcher", true)
	w.subscribe(1, "alerts/down", 0)

	device := dialBroker(t, b)
	ack := device.connectWill("device", true, "alerts/down", "gone", 0, false)
	if ack.ReturnCode != v3.Accepted {
		t.Fatalf("connect refused: 0x%02x", ack.ReturnCode)
	}
	device.close()

	got := w.expectPublish("alerts/down")
	if string(got.Payload) != "gone" {
		t.Errorf("will payload: got %q, want %q", got.Payload, "gone")
	}
}

func TestWillSuppressedOnGracefulDisconnect(t *testing.T) {
	b := newTestBroker(t)

	w := dialBroker(t, b)
	w.mustConnect("watcher", true)
	w.subscribe(1, "alerts/down", 0)

	device := dialBroker(t, b)
	device.connectWill("device", true, "alerts/down", "gone", 0, false)
	device.disconnect()
	device.expectClosed()

	w.expectNothing(300 * time.Millisecond)
}

func TestWillSuppressedOnTakeover(t *testing.T) {
	b := newTestBroker(t)

	w := dialBroker(t, b)
	w.mustConnect("watcher", true)
	w.subscribe(1, "alerts/down", 0)

	old := dialBroker(t, b)
	old.connectWill("device", false, "alerts/down", "gone", 0, false)

	next := dialBroker(t, b)
	next.mustConnect("device", false)
	old.expectClosed()

	w.expectNothing(300 * time.Millisecond)
}

func TestRetainedWill(t *testing.T) {
	b := newTestBroker(t)

	w := dialBroker(t, b)
	w.mustConnect("watcher", true)
	w.subscribe(1, "status/beacon", 1)
	time.Sleep(100 * time.Millisecond)

	device := dialBroker(t, b)
	device.connectWill("beacon", true, "status/beacon", "offline", 1, true)
	device.close()

	got := w.expectPublish("status/beacon")
	if got.Retain {
		t.Error("live will delivery should not carry the retain flag")
	}
	if string(got.Payload) != "offline" {
		t.Errorf("will payload: got %q", got.Payload)
	}
	w.ack(got.ID)

	late := dialBroker(t, b)
	late.mustConnect("late-watcher", true)
	late.subscribe(1, "status/beacon", 1)
	got = late.expectPublish("status/beacon")
	if !got.Retain || string(got.Payload) != "offline" {
		t.Errorf("stored will: retain %v payload %q", got.Retain, got.Payload)
	}
	late.ack(got.ID)

	if n := b.Stats().GetRetainedMessages(); n != 1 {
		t.Errorf("retained count: got %d, want 1", n)
	}
}

func TestKeepAliveTimeoutFiresWill(t *testing.T) {
	b := newTestBroker(t)

	w := dialBroker(t, b)
	w.mustConnect("watcher", true)
	w.subscribe(1, "alerts/down", 0)

	device := dialBroker(t, b)
	device.send(&v3.Connect{
		FixedHeader:     packets.FixedHeader{PacketType: packets.ConnectType},
		ProtocolName:    "MQTT",
		ProtocolVersion: 4,
		CleanSession:    true,
		KeepAlive:       1,
		ClientID:        "silent-device",
		WillFlag:        true,
		WillTopic:       "alerts/down",
		WillMessage:     []byte("timed out"),
	})
	if ack := device.recvConnAck(); ack.ReturnCode != v3.Accepted {
		t.Fatalf("connect refused: 0x%02x", ack.ReturnCode)
	}

	// A keep alive of one second grants one and a half before the
	// broker declares the client dead.
	got := w.recvWithin(4 * time.Second)
	pub, ok := got.(*v3.Publish)
	if !ok || pub.TopicName != "alerts/down" {
		t.Fatalf("expected will publish, got %#v", got)
	}
	if string(pub.Payload) != "timed out" {
		t.Errorf("will payload: got %q", pub.Payload)
	}
	device.expectClosed()
}

func TestPendingWillFiredOnRestart(t *testing.T) {
	store := memory.New()
	cfg := config.Default()

	b1 := newTestBrokerStore(t, store, cfg.Broker, cfg.Session)
	device := dialBroker(t, b1)
	ack := device.connectWill("flaky", false, "status/flaky", "lost", 1, true)
	if ack.ReturnCode != v3.Accepted {
		t.Fatalf("connect refused: 0x%02x", ack.ReturnCode)
	}

	// Abandon b1 without shutting it down. The stored will is still
	// pending, so a restart against the same store publishes it.
	b2 := newTestBrokerStore(t, store, cfg.Broker, cfg.Session)

	w := dialBroker(t, b2)
	w.mustConnect("watcher", true)
	w.subscribe(1, "status/flaky", 1)
	got := w.expectPublish("status/flaky")
	if !got.Retain || string(got.Payload) != "lost" {
		t.Fatalf("pending will: retain %v payload %q", got.Retain, got.Payload)
	}
	w.ack(got.ID)

	if n := b2.Stats().GetRetainedMessages(); n != 1 {
		t.Errorf("retained count: got %d, want 1", n)
	}
}
