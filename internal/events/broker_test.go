package events

import (
	"testing"
	"time"

	"github.com/agentsh/execgate/pkg/types"
)

func TestBrokerPublishAndSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sess1", 10)
	defer b.Unsubscribe("sess1", ch)

	ev := types.Event{SessionID: "sess1", Type: "test"}
	b.Publish(ev)

	select {
	case got := <-ch:
		if got.SessionID != ev.SessionID || got.Type != ev.Type {
			t.Fatalf("event mismatch: got %+v want %+v", got, ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerAllSessions(t *testing.T) {
	b := NewBroker()
	all := b.Subscribe(AllSessions, 10)
	defer b.Unsubscribe(AllSessions, all)
	other := b.Subscribe("sess2", 10)
	defer b.Unsubscribe("sess2", other)

	b.Publish(types.Event{SessionID: "sess1", Type: "a"})
	b.Publish(types.Event{Type: "b"})

	if n := len(all); n != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", n)
	}
	if n := len(other); n != 0 {
		t.Fatalf("unrelated subscriber got %d events, want 0", n)
	}
}

func TestBrokerDropsWhenSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sess1", 1)
	defer b.Unsubscribe("sess1", ch)

	ev := types.Event{SessionID: "sess1", Type: "test"}
	b.Publish(ev) // fills buffer
	b.Publish(ev) // should drop

	if n := len(ch); n != 1 {
		t.Fatalf("expected buffer length 1 after drop, got %d", n)
	}
	if b.DroppedCount() != 1 {
		t.Fatalf("DroppedCount = %d, want 1", b.DroppedCount())
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sess1", 1)
	b.Unsubscribe("sess1", ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	default:
		t.Fatal("expected channel to be closed and readable")
	}
}
