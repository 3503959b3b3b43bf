package roomstate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryFeedFansOut(t *testing.T) {
	feed := NewMemoryFeed(8)
	first := feed.Subscribe()
	defer first.Close()
	second := feed.Subscribe()
	defer second.Close()

	if err := feed.Publish(context.Background(), Event{Type: EventMemberJoined, RoomID: "r1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, sub := range []Subscription{first, second} {
		select {
		case event := <-sub.Events():
			if event.Type != EventMemberJoined || event.RoomID != "r1" {
				t.Fatalf("unexpected event %+v", event)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestMemoryFeedRejectsUntypedEvents(t *testing.T) {
	feed := NewMemoryFeed(8)
	if err := feed.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("untyped event accepted")
	}
}

// A full subscriber buffer must never block Publish. Overflow leaves a
// single lag marker in place of the lost events so the consumer knows to
// rebuild rather than going silently stale.
func TestMemoryFeedOverflowLeavesLagMarker(t *testing.T) {
	feed := NewMemoryFeed(1)
	slow := feed.Subscribe()
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = feed.Publish(context.Background(), Event{Type: EventPresenceChanged, RoomID: "r1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The queue collapses to one lag marker; repeated overflows must not
	// stack additional markers.
	select {
	case event := <-slow.Events():
		if event.Type != EventFeedLagged {
			t.Fatalf("got %+v, want feed lag marker", event)
		}
	default:
		t.Fatal("lag marker missing after overflow")
	}
	select {
	case event := <-slow.Events():
		t.Fatalf("unexpected extra event %+v", event)
	default:
	}
}

func TestMemorySubscriptionCloseIsIdempotent(t *testing.T) {
	feed := NewMemoryFeed(1)
	sub := feed.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("closed subscription still delivers")
	}
	// Publishing after close must not panic on the removed subscriber.
	if err := feed.Publish(context.Background(), Event{Type: EventMemberLeft, RoomID: "r1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
