package remotedeck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/output"
)

// fakePlayer is a minimal in-memory player control API.
type fakePlayer struct {
	mu     sync.Mutex
	status deckStatus
	calls  []string

	playStatus int // non-zero overrides the play response code
}

func (p *fakePlayer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/decks/0/status", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.status)
	})
	mux.HandleFunc("/decks/0/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		action := r.URL.Path[len("/decks/0/"):]
		p.calls = append(p.calls, action)
		if action == "play" && p.playStatus != 0 {
			w.WriteHeader(p.playStatus)
			return
		}
		switch action {
		case "load":
			var body struct {
				URL string `json:"url"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			p.status = deckStatus{URL: body.URL}
		case "play":
			p.status.Playing = true
		case "pause", "stop":
			p.status.Playing = false
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (p *fakePlayer) setStatus(s deckStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func newDeck(t *testing.T, player *fakePlayer) *Deck {
	t.Helper()
	ts := httptest.NewServer(player.handler())
	t.Cleanup(ts.Close)
	d := New(Config{BaseURL: ts.URL, Slot: 0, Poll: 10 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(d.Close)
	return d
}

func TestDeck_LoadPlayRoundTrip(t *testing.T) {
	player := &fakePlayer{}
	d := newDeck(t, player)

	if err := d.Play(context.Background()); !errors.Is(err, output.ErrNoSource) {
		t.Fatalf("play before load must fail with ErrNoSource, got %v", err)
	}
	if err := d.Load(context.Background(), "https://cdn/a.mp3"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := d.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if !d.Playing() {
		t.Fatal("deck must report playing")
	}
}

func TestDeck_AutoplayRejectionMapsFrom409(t *testing.T) {
	player := &fakePlayer{playStatus: http.StatusConflict}
	d := newDeck(t, player)

	if err := d.Load(context.Background(), "https://cdn/a.mp3"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := d.Play(context.Background()); !errors.Is(err, output.ErrAutoplayRejected) {
		t.Fatalf("expected ErrAutoplayRejected, got %v", err)
	}
}

func TestDeck_PollSynthesizesProgressAndEnded(t *testing.T) {
	player := &fakePlayer{}
	d := newDeck(t, player)

	var mu sync.Mutex
	var progressed, ended bool
	d.SetCallbacks(output.Callbacks{
		OnProgress: func(pos, dur time.Duration) {
			mu.Lock()
			progressed = pos == 30*time.Second && dur == 3*time.Minute
			mu.Unlock()
		},
		OnEnded: func() {
			mu.Lock()
			ended = true
			mu.Unlock()
		},
	})

	if err := d.Load(context.Background(), "https://cdn/a.mp3"); err != nil {
		t.Fatalf("load: %v", err)
	}
	player.setStatus(deckStatus{URL: "https://cdn/a.mp3", Playing: true, PositionMs: 30000, DurationMs: 180000})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return progressed
	}, "progress callback never fired with polled values")

	player.setStatus(deckStatus{URL: "https://cdn/a.mp3", Ended: true})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ended
	}, "ended callback never fired")
}

func TestDeck_ErrorFiresOnce(t *testing.T) {
	player := &fakePlayer{}
	d := newDeck(t, player)

	var mu sync.Mutex
	errCount := 0
	d.SetCallbacks(output.Callbacks{
		OnError: func(error) {
			mu.Lock()
			errCount++
			mu.Unlock()
		},
	})

	if err := d.Load(context.Background(), "https://cdn/a.mp3"); err != nil {
		t.Fatalf("load: %v", err)
	}
	player.setStatus(deckStatus{URL: "https://cdn/a.mp3", Error: "decode failed"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errCount >= 1
	}, "error callback never fired")

	// The same sticky error must not re-fire on every poll.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if errCount != 1 {
		t.Fatalf("expected one error callback, got %d", errCount)
	}
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
