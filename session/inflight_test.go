package session

import (
	"errors"
	"testing"

	"github.com/absmach/voltmq/storage"
)

func TestInflightAddAck(t *testing.T) {
	tr := NewInflightTracker(10)
	msg := &storage.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}

	if err := tr.Add(1, msg, StateAwaitingAck, Outbound); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !tr.Has(1) {
		t.Error("Has(1) should be true")
	}
	if tr.Count() != 1 {
		t.Errorf("Count: got %d, want 1", tr.Count())
	}

	got, err := tr.Ack(1)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if got.Topic != "a/b" {
		t.Errorf("acked message topic: got %s", got.Topic)
	}
	if tr.Has(1) {
		t.Error("Has(1) should be false after ack")
	}

	_, err = tr.Ack(1)
	if !errors.Is(err, ErrPacketNotFound) {
		t.Errorf("double ack: expected ErrPacketNotFound, got %v", err)
	}
}

func TestInflightStateTransitions(t *testing.T) {
	tr := NewInflightTracker(10)
	msg := &storage.Message{Topic: "a/b", QoS: 2}

	tr.Add(7, msg, StateAwaitingRec, Outbound)

	if err := tr.UpdateState(7, StateAwaitingComp); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	got, ok := tr.Get(7)
	if !ok || got.State != StateAwaitingComp {
		t.Errorf("Get: got %+v, %v", got, ok)
	}

	if err := tr.UpdateState(99, StateAwaitingComp); !errors.Is(err, ErrPacketNotFound) {
		t.Errorf("expected ErrPacketNotFound, got %v", err)
	}
}

func TestInflightFull(t *testing.T) {
	tr := NewInflightTracker(2)
	msg := &storage.Message{Topic: "t", QoS: 1}

	tr.Add(1, msg, StateAwaitingAck, Outbound)
	tr.Add(2, msg, StateAwaitingAck, Outbound)

	err := tr.Add(3, msg, StateAwaitingAck, Outbound)
	if !errors.Is(err, ErrInflightFull) {
		t.Errorf("expected ErrInflightFull, got %v", err)
	}
	if !tr.IsFull() {
		t.Error("IsFull should be true")
	}

	// Ack frees a slot.
	tr.Ack(1)
	if err := tr.Add(3, msg, StateAwaitingAck, Outbound); err != nil {
		t.Errorf("Add after ack failed: %v", err)
	}
}

func TestInflightAllOrdered(t *testing.T) {
	tr := NewInflightTracker(10)

	// Add in non-sequential packet ID order; All must preserve send order.
	ids := []uint16{5, 2, 9, 1}
	for _, id := range ids {
		tr.Add(id, &storage.Message{Topic: "t", PacketID: id, QoS: 1}, StateAwaitingAck, Outbound)
	}

	all := tr.All()
	if len(all) != 4 {
		t.Fatalf("All returned %d messages, want 4", len(all))
	}
	for i, m := range all {
		if m.PacketID != ids[i] {
			t.Errorf("All[%d].PacketID = %d, want %d", i, m.PacketID, ids[i])
		}
	}
}

func TestInflightGetReturnsCopy(t *testing.T) {
	tr := NewInflightTracker(10)
	tr.Add(1, &storage.Message{Topic: "t", QoS: 1}, StateAwaitingAck, Outbound)

	got, _ := tr.Get(1)
	got.State = StateAwaitingComp

	again, _ := tr.Get(1)
	if again.State != StateAwaitingAck {
		t.Error("mutating a Get result must not affect tracked state")
	}
}

func TestInflightReceivedIDs(t *testing.T) {
	tr := NewInflightTracker(10)

	if tr.WasReceived(42) {
		t.Error("WasReceived should be false initially")
	}

	tr.MarkReceived(42)
	if !tr.WasReceived(42) {
		t.Error("WasReceived should be true after MarkReceived")
	}

	ids := tr.ReceivedIDs()
	if len(ids) != 1 || ids[0] != 42 {
		t.Errorf("ReceivedIDs: got %v", ids)
	}

	tr.ClearReceived(42)
	if tr.WasReceived(42) {
		t.Error("WasReceived should be false after ClearReceived")
	}
}

func TestInflightClear(t *testing.T) {
	tr := NewInflightTracker(10)
	tr.Add(1, &storage.Message{Topic: "t"}, StateAwaitingAck, Outbound)
	tr.MarkReceived(9)

	tr.Clear()

	if tr.Count() != 0 {
		t.Errorf("Count after Clear: got %d", tr.Count())
	}
	if tr.WasReceived(9) {
		t.Error("received IDs should be cleared")
	}
}
