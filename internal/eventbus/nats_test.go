package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/events"
)

type fakeConn struct {
	mu       sync.Mutex
	messages []fakeMessage
	err      error
}

type fakeMessage struct {
	subject string
	data    []byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, fakeMessage{subject: subject, data: data})
	return nil
}

func (c *fakeConn) snapshot() []fakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeMessage(nil), c.messages...)
}

func TestBridge_ForwardsBusEventsToSubjects(t *testing.T) {
	bus := events.NewBus()
	conn := &fakeConn{}
	bridge := NewBridge(conn, "venuecast.events", "venue-1", bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridge.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.EventPlaybackStarted, events.Payload{"track_id": "a"})

	deadline := time.Now().Add(2 * time.Second)
	var got []fakeMessage
	for time.Now().Before(deadline) {
		if got = conn.snapshot(); len(got) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(got))
	}
	if got[0].subject != "venuecast.events.playback.started" {
		t.Fatalf("unexpected subject %q", got[0].subject)
	}

	var msg busMessage
	if err := json.Unmarshal(got[0].data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.EventType != events.EventPlaybackStarted {
		t.Fatalf("unexpected event type %q", msg.EventType)
	}
	if msg.VenueID != "venue-1" {
		t.Fatalf("unexpected venue %q", msg.VenueID)
	}
	if msg.MessageID == "" || msg.NodeID == "" {
		t.Fatal("message and node IDs must be set")
	}
	if msg.Payload["track_id"] != "a" {
		t.Fatalf("payload lost in transit: %+v", msg.Payload)
	}
	if _, ok := msg.Payload["event"]; ok {
		t.Fatal("the internal event tag must not leak into the payload")
	}
}

func TestBridge_PublishFailureIsDropped(t *testing.T) {
	bus := events.NewBus()
	conn := &fakeConn{err: errors.New("nats down")}
	bridge := NewBridge(conn, "", "venue-1", bus, zerolog.Nop())

	// forward directly; a failing connection must not panic or block.
	bridge.forward(events.Payload{"event": "playback.started", "track_id": "a"})

	if len(conn.snapshot()) != 0 {
		t.Fatal("no message should have been recorded")
	}
}
