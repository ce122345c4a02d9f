package urlsign

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
)

type countingSigner struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSigner) Sign(_ context.Context, rawURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fmt.Sprintf("%s?sig=%d", rawURL, s.calls), nil
}

func (s *countingSigner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testTrack() model.Track {
	return model.Track{ID: "t1", Title: "One", SourceRef: "media/t1.mp3"}
}

func TestManager_ResolveIsIdempotentPerTrack(t *testing.T) {
	signer := &countingSigner{}
	m := NewManager(signer, 4*time.Hour, events.NewBus(), zerolog.Nop())

	first, err := m.Resolve(context.Background(), testTrack())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := m.Resolve(context.Background(), testTrack())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.AudioURL != second.AudioURL {
		t.Fatalf("expected cached URL, got %q then %q", first.AudioURL, second.AudioURL)
	}
	if signer.count() != 1 {
		t.Fatalf("expected one sign call, got %d", signer.count())
	}
}

func TestManager_ResolveReSignsStaleURL(t *testing.T) {
	signer := &countingSigner{}
	m := NewManager(signer, 4*time.Hour, events.NewBus(), zerolog.Nop())

	base := time.Now()
	current := base
	m.SetClock(func() time.Time { return current })

	if _, err := m.Resolve(context.Background(), testTrack()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Past 0.75 x lifetime the cached URL must not be reused.
	current = base.Add(3*time.Hour + time.Minute)
	resolved, err := m.Resolve(context.Background(), testTrack())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if signer.count() != 2 {
		t.Fatalf("expected re-sign of stale URL, got %d sign calls", signer.count())
	}
	if !resolved.URLIssuedAt.Equal(current) {
		t.Fatalf("expected issue timestamp to advance, got %s", resolved.URLIssuedAt)
	}
}

func TestManager_WatchRefreshesBeforeExpiry(t *testing.T) {
	signer := &countingSigner{}
	// 80ms lifetime: refresh timer fires at 70ms.
	m := NewManager(signer, 80*time.Millisecond, events.NewBus(), zerolog.Nop())

	var refreshed atomic.Int32
	var gotURL atomic.Value
	m.SetRefreshFunc(func(trackID, signedURL string, _ time.Time) {
		if trackID == "t1" {
			refreshed.Add(1)
			gotURL.Store(signedURL)
		}
	})

	playable, err := m.Resolve(context.Background(), testTrack())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m.Watch(playable)
	defer m.Unwatch()

	deadline := time.After(2 * time.Second)
	for refreshed.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected proactive refresh before expiry")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if url, _ := gotURL.Load().(string); url == playable.AudioURL {
		t.Fatalf("expected a fresh URL, got the original %q", url)
	}
}

func TestManager_UnwatchCancelsRefresh(t *testing.T) {
	signer := &countingSigner{}
	m := NewManager(signer, 60*time.Millisecond, events.NewBus(), zerolog.Nop())

	var refreshed atomic.Int32
	m.SetRefreshFunc(func(string, string, time.Time) { refreshed.Add(1) })

	playable, err := m.Resolve(context.Background(), testTrack())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m.Watch(playable)
	m.Unwatch()

	time.Sleep(150 * time.Millisecond)
	if refreshed.Load() != 0 {
		t.Fatalf("expected no refresh after unwatch, got %d", refreshed.Load())
	}
}

func TestManager_CheckStalenessForcesEagerRefresh(t *testing.T) {
	signer := &countingSigner{}
	m := NewManager(signer, 4*time.Hour, events.NewBus(), zerolog.Nop())

	base := time.Now()
	current := base
	m.SetClock(func() time.Time { return current })

	var refreshed atomic.Int32
	m.SetRefreshFunc(func(string, string, time.Time) { refreshed.Add(1) })

	playable, err := m.Resolve(context.Background(), testTrack())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m.Watch(playable)
	defer m.Unwatch()

	// Young URL: no refresh.
	m.CheckStaleness(context.Background())
	if refreshed.Load() != 0 {
		t.Fatalf("expected no refresh for fresh URL, got %d", refreshed.Load())
	}

	// Simulate a long suspend: age beyond 3h of a 4h lifetime.
	current = base.Add(3*time.Hour + time.Minute)
	m.CheckStaleness(context.Background())
	if refreshed.Load() != 1 {
		t.Fatalf("expected eager refresh for stale URL, got %d", refreshed.Load())
	}
	if signer.count() != 2 {
		t.Fatalf("expected second sign call, got %d", signer.count())
	}
}
