package events

import (
	"testing"
	"time"
)

func TestBus_DeliversToTypedSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventNowPlaying)
	defer bus.Unsubscribe(EventNowPlaying, sub)

	bus.Publish(EventNowPlaying, Payload{"track_id": "a"})

	select {
	case payload := <-sub:
		if payload["track_id"] != "a" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBus_TypedSubscriberIgnoresOtherEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventNowPlaying)
	defer bus.Unsubscribe(EventNowPlaying, sub)

	bus.Publish(EventTrackEnded, Payload{"track_id": "a"})

	select {
	case payload := <-sub:
		t.Fatalf("subscriber must not see other event types, got %+v", payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_SubscribeAllTagsEventType(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeAll()
	defer bus.UnsubscribeAll(sub)

	bus.Publish(EventStallDetected, Payload{"track_id": "a"})

	select {
	case payload := <-sub:
		if payload["event"] != string(EventStallDetected) {
			t.Fatalf("expected injected event tag, got %+v", payload)
		}
		if payload["track_id"] != "a" {
			t.Fatalf("payload lost, got %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBus_SlowSubscriberIsSkippedNotBlocked(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventNowPlaying)
	defer bus.Unsubscribe(EventNowPlaying, sub)

	// Saturate the buffer, then publish more; Publish must return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventNowPlaying, Payload{"n": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventNowPlaying)
	bus.Unsubscribe(EventNowPlaying, sub)

	if _, ok := <-sub; ok {
		t.Fatal("unsubscribed channel must be closed and drained")
	}

	// Publishing afterwards must not panic.
	bus.Publish(EventNowPlaying, Payload{})
}

func TestBus_PublishWithoutSubscribersIsNoOp(t *testing.T) {
	bus := NewBus()
	bus.Publish(EventSnapshotSaved, Payload{"track_id": "a"})
}
