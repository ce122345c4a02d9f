package playout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/entitlement"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/model"
	"github.com/venuecast/venuecast/internal/output/outputtest"
	"github.com/venuecast/venuecast/internal/urlsign"
)

type rig struct {
	controller *Controller
	engine     *Engine
	deckA      *outputtest.Fake
	deckB      *outputtest.Fake
	bus        *events.Bus
	urls       *urlsign.Manager
}

func newRig(t *testing.T, window, margin time.Duration, steps int) *rig {
	t.Helper()
	bus := events.NewBus()
	urls := urlsign.NewManager(urlsign.StaticSigner{}, 4*time.Hour, bus, zerolog.Nop())
	c := NewController(urls, entitlement.StaticGate{Allowed: true}, bus, zerolog.Nop())
	a, b := outputtest.New(), outputtest.New()
	e := NewEngine(c, a, b, window, margin, steps, bus, zerolog.Nop())
	c.AttachEngine(e)
	return &rig{controller: c, engine: e, deckA: a, deckB: b, bus: bus, urls: urls}
}

func testTrack(id string) model.Track {
	return model.Track{ID: id, Title: strings.ToUpper(id), SourceRef: "s3://media/" + id + ".mp3"}
}

func testQueue(ids ...string) []model.Track {
	queue := make([]model.Track, 0, len(ids))
	for _, id := range ids {
		queue = append(queue, testTrack(id))
	}
	return queue
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func currentID(c *Controller) string {
	state := c.State()
	if state.CurrentTrack == nil {
		return ""
	}
	return state.CurrentTrack.ID
}

func TestSelectTrack_StartsPlayback(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a", "b", "c")

	if err := r.controller.SelectTrack(context.Background(), queue[0], queue); err != nil {
		t.Fatalf("select: %v", err)
	}

	state := r.controller.State()
	if state.CurrentTrack == nil || state.CurrentTrack.ID != "a" {
		t.Fatalf("expected current track a, got %+v", state.CurrentTrack)
	}
	if !state.IsPlaying {
		t.Fatal("expected playing state")
	}
	if !state.CurrentTrack.Playable() {
		t.Fatal("expected a resolved audio URL on the current track")
	}
	if got := r.deckA.CurrentURL(); got != "s3://media/a.mp3" {
		t.Fatalf("unexpected deck source %q", got)
	}
	if !r.deckA.Playing() {
		t.Fatal("expected the active deck to be playing")
	}
	if len(r.controller.Queue()) != 3 {
		t.Fatalf("expected queue of 3, got %d", len(r.controller.Queue()))
	}
}

func TestAdvance_SequentialVisitsEveryTrack(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a", "b", "c")
	if err := r.controller.SelectTrack(context.Background(), queue[0], queue); err != nil {
		t.Fatalf("select: %v", err)
	}

	want := []string{"b", "c", "a", "b", "c"}
	for i, expected := range want {
		if err := r.controller.Advance(context.Background(), model.DirectionNext); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if got := currentID(r.controller); got != expected {
			t.Fatalf("advance %d: expected %q, got %q", i, expected, got)
		}
	}
}

func TestAdvance_ShuffleNeverRepeatsCurrent(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a", "b", "c", "d")
	if err := r.controller.SelectTrack(context.Background(), queue[0], queue); err != nil {
		t.Fatalf("select: %v", err)
	}
	r.controller.SetShuffle(true)

	for i := 0; i < 40; i++ {
		before := currentID(r.controller)
		if err := r.controller.Advance(context.Background(), model.DirectionNext); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		after := currentID(r.controller)
		if after == before {
			t.Fatalf("shuffle advance %d repeated track %q", i, before)
		}
	}
}

func TestAdvance_ShuffleSingleTrackQueueRepeats(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a")
	if err := r.controller.SelectTrack(context.Background(), queue[0], queue); err != nil {
		t.Fatalf("select: %v", err)
	}
	r.controller.SetShuffle(true)

	if err := r.controller.Advance(context.Background(), model.DirectionNext); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := currentID(r.controller); got != "a" {
		t.Fatalf("expected the only track to repeat, got %q", got)
	}
}

func TestAdvance_PreviousIsDeterministicUnderShuffle(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a", "b", "c")
	if err := r.controller.SelectTrack(context.Background(), queue[1], queue); err != nil {
		t.Fatalf("select: %v", err)
	}
	r.controller.SetShuffle(true)

	if err := r.controller.Advance(context.Background(), model.DirectionPrevious); err != nil {
		t.Fatalf("previous: %v", err)
	}
	if got := currentID(r.controller); got != "a" {
		t.Fatalf("previous from b should land on a, got %q", got)
	}
	if err := r.controller.Advance(context.Background(), model.DirectionPrevious); err != nil {
		t.Fatalf("previous: %v", err)
	}
	if got := currentID(r.controller); got != "c" {
		t.Fatalf("previous from a should wrap to c, got %q", got)
	}
}

func TestAdvance_EmptyQueueIsNoOp(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)

	if err := r.controller.Advance(context.Background(), model.DirectionNext); err != nil {
		t.Fatalf("advance on empty queue must not fail: %v", err)
	}
	if state := r.controller.State(); state.CurrentTrack != nil || state.IsPlaying {
		t.Fatalf("expected untouched state, got %+v", state)
	}
	if len(r.deckA.LoadedURLs) != 0 {
		t.Fatal("deck must not be touched by a no-op advance")
	}
}

func TestSelectTrack_GateDenied(t *testing.T) {
	bus := events.NewBus()
	denied := bus.Subscribe(events.EventGateDenied)
	urls := urlsign.NewManager(urlsign.StaticSigner{}, 4*time.Hour, bus, zerolog.Nop())
	c := NewController(urls, entitlement.StaticGate{Allowed: false}, bus, zerolog.Nop())
	a, b := outputtest.New(), outputtest.New()
	c.AttachEngine(NewEngine(c, a, b, 100*time.Millisecond, 100*time.Millisecond, 10, bus, zerolog.Nop()))

	err := c.SelectTrack(context.Background(), testTrack("a"), testQueue("a"))
	if !errors.Is(err, ErrEntitlementDenied) {
		t.Fatalf("expected entitlement denial, got %v", err)
	}
	select {
	case <-denied:
	default:
		t.Fatal("expected a gate denied event")
	}
	if len(a.LoadedURLs) != 0 {
		t.Fatal("denied command must not touch the deck")
	}
}

func TestTogglePlayPause(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)

	// No current track: toggle is ignored.
	r.controller.TogglePlayPause(context.Background())
	if r.controller.State().IsPlaying {
		t.Fatal("toggle without a track must not set playing")
	}

	queue := testQueue("a", "b")
	if err := r.controller.SelectTrack(context.Background(), queue[0], queue); err != nil {
		t.Fatalf("select: %v", err)
	}

	r.controller.TogglePlayPause(context.Background())
	if state := r.controller.State(); state.IsPlaying {
		t.Fatal("expected paused state")
	}
	if r.deckA.Playing() {
		t.Fatal("expected paused deck")
	}
	if got := currentID(r.controller); got != "a" {
		t.Fatalf("pause must not change track identity, got %q", got)
	}

	r.controller.TogglePlayPause(context.Background())
	if !r.controller.State().IsPlaying || !r.deckA.Playing() {
		t.Fatal("expected resumed playback")
	}
}

func TestTrackEnded_RepeatOneRestartsSameTrack(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a", "b")
	if err := r.controller.SelectTrack(context.Background(), queue[0], queue); err != nil {
		t.Fatalf("select: %v", err)
	}
	r.controller.SetRepeat(model.RepeatOne)
	r.deckA.SetPosition(3 * time.Minute)

	r.deckA.EmitEnded()

	waitFor(t, r.deckA.Playing, "deck did not restart")
	if got := currentID(r.controller); got != "a" {
		t.Fatalf("repeat-one must keep the same track, got %q", got)
	}
	if pos := r.deckA.Position(); pos != 0 {
		t.Fatalf("repeat-one must restart at zero, got %s", pos)
	}
}

func TestTrackEnded_AdvancesWithoutCrossfade(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a", "b", "c")
	if err := r.controller.SelectTrack(context.Background(), queue[0], queue); err != nil {
		t.Fatalf("select: %v", err)
	}
	r.controller.SetCrossfade(false)

	r.deckA.EmitEnded()

	waitFor(t, func() bool { return currentID(r.controller) == "b" }, "track end did not advance")
}

func TestSetRepeat_RejectsUnknownMode(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	r.controller.SetRepeat(model.RepeatAll)
	r.controller.SetRepeat(model.RepeatMode("bogus"))
	if got := r.controller.State().Repeat; got != model.RepeatAll {
		t.Fatalf("unknown mode must be ignored, got %q", got)
	}
}

// gatedSigner blocks Sign calls for selected references until released.
type gatedSigner struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func (s *gatedSigner) Sign(_ context.Context, raw string) (string, error) {
	s.mu.Lock()
	gate := s.gates[raw]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return raw, nil
}

func TestSelectTrack_LaterCommandWinsResolutionRace(t *testing.T) {
	bus := events.NewBus()
	slow := make(chan struct{})
	signer := &gatedSigner{gates: map[string]chan struct{}{"s3://media/a.mp3": slow}}
	urls := urlsign.NewManager(signer, 4*time.Hour, bus, zerolog.Nop())
	c := NewController(urls, entitlement.StaticGate{Allowed: true}, bus, zerolog.Nop())
	a, b := outputtest.New(), outputtest.New()
	c.AttachEngine(NewEngine(c, a, b, 100*time.Millisecond, 100*time.Millisecond, 10, bus, zerolog.Nop()))

	queue := testQueue("a", "b")
	done := make(chan error, 1)
	go func() { done <- c.SelectTrack(context.Background(), queue[0], queue) }()
	time.Sleep(20 * time.Millisecond) // let the first selection reach its resolve

	if err := c.SelectTrack(context.Background(), queue[1], nil); err != nil {
		t.Fatalf("second select: %v", err)
	}
	close(slow)
	if err := <-done; err != nil {
		t.Fatalf("first select: %v", err)
	}

	if got := currentID(c); got != "b" {
		t.Fatalf("later command must win, got %q", got)
	}
	if got := a.CurrentURL(); got != "s3://media/b.mp3" {
		t.Fatalf("deck must carry the later track, got %q", got)
	}
}

func TestSnapshotCapturesQueueAndPosition(t *testing.T) {
	r := newRig(t, 100*time.Millisecond, 100*time.Millisecond, 10)
	queue := testQueue("a", "b", "c")
	if err := r.controller.SelectTrack(context.Background(), queue[1], queue); err != nil {
		t.Fatalf("select: %v", err)
	}
	r.deckA.SetPosition(90 * time.Second)

	snapshot := r.controller.Snapshot()
	if snapshot.CurrentTrackID != "b" {
		t.Fatalf("unexpected current id %q", snapshot.CurrentTrackID)
	}
	if len(snapshot.QueueTrackIDs) != 3 {
		t.Fatalf("expected 3 queue ids, got %d", len(snapshot.QueueTrackIDs))
	}
	if snapshot.Position != 90 {
		t.Fatalf("expected position 90s, got %v", snapshot.Position)
	}
	if !snapshot.WasPlaying {
		t.Fatal("expected wasPlaying")
	}
}
