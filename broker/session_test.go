// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"
	"time"

	"github.com/absmach/voltmq/config"
	v3 "github.com/absmach/voltmq/mqtt/packets/v3"
	"github.com/absmach/voltmq/storage/memory"
)

func TestTakeoverMovesDelivery(t *testing.T) {
	b := newTestBroker(t)

	old := dialBroker(t, b)
	old.mustConnect("phone", false)
	old.subscribe(1, "inbox", 1)

	next := dialBroker(t, b)
	ack := next.connect("phone", false)
	if ack.ReturnCode != v3.Accepted || !ack.SessionPresent {
		t.Fatalf("takeover: code 0x%02x present %v", ack.ReturnCode, ack.SessionPresent)
	}

	// The displaced connection is dropped, the session lives on.
	old.expectClosed()

	pub := dialBroker(t, b)
	pub.mustConnect("caller", true)
	pub.publishQoS1(81, "inbox", "ring")

	got := next.expectPublish("inbox")
	if string(got.Payload) != "ring" {
		t.Fatalf("delivery after takeover: got %q", got.Payload)
	}
	next.ack(got.ID)
}

func TestCleanSessionDiscardsState(t *testing.T) {
	b := newTestBroker(t)

	first := dialBroker(t, b)
	first.mustConnect("fickle", false)
	first.subscribe(1, "stuff", 1)
	first.disconnect()
	first.expectClosed()
	time.Sleep(100 * time.Millisecond)

	pub := dialBroker(t, b)
	pub.mustConnect("stuffer", true)
	pub.publishQoS1(91, "stuff", "s1")

	// Reconnecting with clean session wipes the queue and subscriptions.
	wipe := dialBroker(t, b)
	ack := wipe.connect("fickle", true)
	if ack.ReturnCode != v3.Accepted || ack.SessionPresent {
		t.Fatalf("clean reconnect: code 0x%02x present %v", ack.ReturnCode, ack.SessionPresent)
	}
	wipe.expectNothing(200 * time.Millisecond)

	pub.publishQoS1(92, "stuff", "s2")
	wipe.expectNothing(200 * time.Millisecond)
}

func TestResumeRedeliversUnackedQoS1(t *testing.T) {
	b := newTestBroker(t)

	r := dialBroker(t, b)
	r.mustConnect("reader", false)
	r.subscribe(1, "docs", 1)

	pub := dialBroker(t, b)
	pub.mustConnect("writer", true)
	pub.publishQoS1(95, "docs", "draft")

	got := r.expectPublish("docs")
	r.close()
	time.Sleep(100 * time.Millisecond)

	back := dialBroker(t, b)
	ack := back.connect("reader", false)
	if !ack.SessionPresent {
		t.Fatal("expected resumed session")
	}

	re := back.expectPublish("docs")
	if re.ID != got.ID {
		t.Errorf("redelivery id: got %d, want %d", re.ID, got.ID)
	}
	if !re.Dup {
		t.Error("redelivery should set the dup flag")
	}
	if string(re.Payload) != "draft" {
		t.Errorf("redelivery payload: got %q", re.Payload)
	}
	back.ack(re.ID)
	back.expectNothing(200 * time.Millisecond)
}

func TestResumeFinishesQoS2Release(t *testing.T) {
	b := newTestBroker(t)

	r := dialBroker(t, b)
	r.mustConnect("officer", false)
	r.subscribe(1, "orders", 2)

	pub := dialBroker(t, b)
	pub.mustConnect("command", true)
	pub.publish("orders", "advance", 2, false, 9)
	if rec, ok := pub.recv().(*v3.PubRec); !ok || rec.ID != 9 {
		t.Fatalf("expected PUBREC for 9, got %#v", rec)
	}
	pub.pubRel(9)
	if comp, ok := pub.recv().(*v3.PubComp); !ok || comp.ID != 9 {
		t.Fatalf("expected PUBCOMP for 9, got %#v", comp)
	}

	got := r.expectPublish("orders")
	r.pubRec(got.ID)
	if rel, ok := r.recv().(*v3.PubRel); !ok || rel.ID != got.ID {
		t.Fatalf("expected PUBREL for %d, got %#v", got.ID, rel)
	}

	// Drop the connection with the release unanswered.
	r.close()
	time.Sleep(100 * time.Millisecond)

	back := dialBroker(t, b)
	ack := back.connect("officer", false)
	if !ack.SessionPresent {
		t.Fatal("expected resumed session")
	}

	// The message itself must not come again, only the release.
	pkt := back.recv()
	rel, ok := pkt.(*v3.PubRel)
	if !ok {
		t.Fatalf("expected PUBREL on resume, got %T", pkt)
	}
	if rel.ID != got.ID {
		t.Errorf("resumed release id: got %d, want %d", rel.ID, got.ID)
	}
	back.pubComp(rel.ID)
	back.expectNothing(200 * time.Millisecond)
}

func TestExpireSessions(t *testing.T) {
	b := newTestBroker(t)

	gone := dialBroker(t, b)
	gone.mustConnect("gone", false)
	gone.disconnect()
	gone.expectClosed()
	time.Sleep(100 * time.Millisecond)

	here := dialBroker(t, b)
	here.mustConnect("here", false)

	if removed := b.ExpireSessions(time.Now()); len(removed) != 0 {
		t.Fatalf("expired before the deadline: %v", removed)
	}

	removed := b.ExpireSessions(time.Now().Add(10 * time.Minute))
	if len(removed) != 1 || removed[0] != "gone" {
		t.Fatalf("expired: got %v, want [gone]", removed)
	}
	if b.Get("gone") != nil {
		t.Error("expired session should be destroyed")
	}
	if b.Get("here") == nil {
		t.Error("connected session must not expire")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	store := memory.New()
	cfg := config.Default()

	b1 := newTestBrokerStore(t, store, cfg.Broker, cfg.Session)

	durable := dialBroker(t, b1)
	durable.mustConnect("durable", false)
	durable.subscribe(1, "mail", 1)

	pub := dialBroker(t, b1)
	pub.mustConnect("mailman", true)
	pub.publishQoS1(71, "mail", "m1")

	got := durable.expectPublish("mail")
	durable.close()
	time.Sleep(100 * time.Millisecond)

	// Queued behind the disconnect, persisted by shutdown.
	pub.publishQoS1(72, "mail", "m2")
	b1.Close()

	b2 := newTestBrokerStore(t, store, cfg.Broker, cfg.Session)

	back := dialBroker(t, b2)
	ack := back.connect("durable", false)
	if ack.ReturnCode != v3.Accepted || !ack.SessionPresent {
		t.Fatalf("resume after restart: code 0x%02x present %v", ack.ReturnCode, ack.SessionPresent)
	}

	first := back.expectPublish("mail")
	if string(first.Payload) != "m1" || first.ID != got.ID || !first.Dup {
		t.Fatalf("restored inflight: payload %q id %d dup %v", first.Payload, first.ID, first.Dup)
	}
	back.ack(first.ID)

	second := back.expectPublish("mail")
	if string(second.Payload) != "m2" {
		t.Fatalf("restored queue: payload %q", second.Payload)
	}
	back.ack(second.ID)

	// The subscription itself survived the restart too.
	pub2 := dialBroker(t, b2)
	pub2.mustConnect("mailman", true)
	pub2.publishQoS1(73, "mail", "m3")
	third := back.expectPublish("mail")
	if string(third.Payload) != "m3" {
		t.Fatalf("delivery after restart: payload %q", third.Payload)
	}
	back.ack(third.ID)
	back.expectNothing(200 * time.Millisecond)
}
