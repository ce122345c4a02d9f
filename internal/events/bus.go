/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventNowPlaying      EventType = "now_playing"
	EventPlaybackStarted EventType = "playback.started"
	EventPlaybackPaused  EventType = "playback.paused"
	EventPlaybackStopped EventType = "playback.stopped"
	EventQueueReplaced   EventType = "queue.replaced"
	EventSeek            EventType = "playback.seek"

	// Transition engine events
	EventCrossfadeStarted   EventType = "crossfade.started"
	EventCrossfadeCompleted EventType = "crossfade.completed"
	EventCrossfadeCancelled EventType = "crossfade.cancelled"
	EventTrackEnded         EventType = "track.ended"

	// Resilience events
	EventStallDetected  EventType = "stall.detected"
	EventRecoveryRetry  EventType = "recovery.retry"
	EventRecoverySkip   EventType = "recovery.skip"
	EventNetworkOffline EventType = "network.offline"
	EventNetworkOnline  EventType = "network.online"
	EventWakeLockFailed EventType = "wakelock.failed"

	// Entitlement and URL lifecycle
	EventGateDenied   EventType = "entitlement.denied"
	EventURLRefreshed EventType = "url.refreshed"

	// Scheduler events
	EventScheduleSwitch   EventType = "schedule.switch"
	EventScheduleAdopted  EventType = "schedule.adopted"
	EventScheduleEnabled  EventType = "schedule.enabled"
	EventScheduleDisabled EventType = "schedule.disabled"

	// Persistence events
	EventSnapshotSaved    EventType = "snapshot.saved"
	EventSnapshotRestored EventType = "snapshot.restored"
	EventSnapshotDropped  EventType = "snapshot.dropped"

	// Release checker
	EventUpdateAvailable EventType = "update.available"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
	all  []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll registers a subscriber that receives every event. The event
// type is injected into the payload under "event".
func (b *Bus) SubscribeAll() Subscriber {
	ch := make(Subscriber, 32)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers are skipped rather
// than blocking the publisher.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	all := append([]Subscriber(nil), b.all...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
	if len(all) == 0 {
		return
	}
	tagged := make(Payload, len(payload)+1)
	for k, v := range payload {
		tagged[k] = v
	}
	tagged["event"] = string(eventType)
	for _, sub := range all {
		select {
		case sub <- tagged:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}

// UnsubscribeAll removes a SubscribeAll subscriber.
func (b *Bus) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.all {
		if candidate == sub {
			b.all = append(b.all[:i], b.all[i+1:]...)
			break
		}
	}
	close(sub)
}
