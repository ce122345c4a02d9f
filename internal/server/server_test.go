package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/venuecast/venuecast/internal/catalog"
	"github.com/venuecast/venuecast/internal/entitlement"
	"github.com/venuecast/venuecast/internal/events"
	"github.com/venuecast/venuecast/internal/logbuffer"
	"github.com/venuecast/venuecast/internal/model"
	"github.com/venuecast/venuecast/internal/output/outputtest"
	"github.com/venuecast/venuecast/internal/platform"
	"github.com/venuecast/venuecast/internal/playout"
	"github.com/venuecast/venuecast/internal/schedule"
	"github.com/venuecast/venuecast/internal/urlsign"
	"github.com/venuecast/venuecast/internal/version"
)

type fakeProvider struct {
	tracks    map[string]model.Track
	playlists map[string][]model.Track
	rules     []model.ScheduleRule
}

func (p *fakeProvider) GetTrack(_ context.Context, id string) (model.Track, error) {
	track, ok := p.tracks[id]
	if !ok {
		return model.Track{}, catalog.ErrTrackNotFound
	}
	return track, nil
}

func (p *fakeProvider) GetPlaylistTracks(_ context.Context, id string) ([]model.Track, error) {
	tracks, ok := p.playlists[id]
	if !ok {
		return nil, catalog.ErrPlaylistNotFound
	}
	return tracks, nil
}

func (p *fakeProvider) GetActiveSchedules(context.Context, string) ([]model.ScheduleRule, error) {
	return p.rules, nil
}

type rig struct {
	server     *Server
	controller *playout.Controller
	deckA      *outputtest.Fake
	bus        *events.Bus
	logBuf     *logbuffer.Buffer
	ts         *httptest.Server
}

func testTrack(id string) model.Track {
	return model.Track{ID: id, Title: "Track " + id, SourceRef: "s3://media/" + id + ".mp3"}
}

func newRig(t *testing.T, allowed bool) *rig {
	t.Helper()
	bus := events.NewBus()
	urls := urlsign.NewManager(urlsign.StaticSigner{}, 4*time.Hour, bus, zerolog.Nop())
	controller := playout.NewController(urls, entitlement.StaticGate{Allowed: allowed}, bus, zerolog.Nop())
	deckA, deckB := outputtest.New(), outputtest.New()
	engine := playout.NewEngine(controller, deckA, deckB, 5*time.Second, 10*time.Second, 10, bus, zerolog.Nop())
	controller.AttachEngine(engine)
	monitor := playout.NewMonitor(controller, engine, platform.NopWakeLock{}, playout.MonitorConfig{}, bus, zerolog.Nop())

	provider := &fakeProvider{
		tracks: map[string]model.Track{
			"a": testTrack("a"),
			"b": testTrack("b"),
		},
		playlists: map[string][]model.Track{
			"daytime": {testTrack("a"), testTrack("b")},
			"empty":   {},
		},
		rules: []model.ScheduleRule{{
			ID: "late", PlaylistID: "daytime", DaysOfWeek: []int{5},
			StartTime: 22 * 60, EndTime: 6 * 60, Priority: 1, IsActive: true,
		}},
	}
	resolver := schedule.NewResolver(provider, controller, "venue-1", time.Minute, 5*time.Minute, bus, zerolog.Nop())
	export := schedule.NewExportService(provider, zerolog.Nop())
	logBuf := logbuffer.New(100)

	s := New(Config{
		Controller: controller,
		Engine:     engine,
		Monitor:    monitor,
		Resolver:   resolver,
		Export:     export,
		Provider:   provider,
		Bus:        bus,
		LogBuffer:  logBuf,
		VenueID:    "venue-1",
		Bind:       "127.0.0.1",
		Port:       0,
	}, zerolog.Nop())

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &rig{server: s, controller: controller, deckA: deckA, bus: bus, logBuf: logBuf, ts: ts}
}

func (r *rig) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(r.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (r *rig) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(r.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestStatus_IdleDefaults(t *testing.T) {
	r := newRig(t, true)
	resp := r.get(t, "/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	status := decode[statusResponse](t, resp)
	if status.IsPlaying || status.CurrentTrack != nil {
		t.Fatalf("fresh engine must be idle, got %+v", status)
	}
	if status.TransitionPhase != playout.PhaseIdle {
		t.Fatalf("expected idle phase, got %q", status.TransitionPhase)
	}
	if status.Volume != 1 {
		t.Fatalf("expected default volume 1, got %v", status.Volume)
	}
	if status.VenueID != "venue-1" {
		t.Fatalf("unexpected venue %q", status.VenueID)
	}
}

func TestSelect_ByTrackStartsPlayback(t *testing.T) {
	r := newRig(t, true)
	resp := r.post(t, "/v1/playback/select", map[string]string{"track_id": "a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()

	if !r.deckA.Playing() {
		t.Fatal("deck must be playing after select")
	}
	state := r.controller.State()
	if state.CurrentTrack == nil || state.CurrentTrack.ID != "a" {
		t.Fatalf("expected track a current, got %+v", state.CurrentTrack)
	}
}

func TestSelect_ByPlaylistReplacesQueue(t *testing.T) {
	r := newRig(t, true)
	resp := r.post(t, "/v1/playback/select", map[string]string{"playlist_id": "daytime"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()

	queue := r.controller.Queue()
	if len(queue) != 2 || queue[0].ID != "a" {
		t.Fatalf("expected playlist queue, got %+v", queue)
	}
}

func TestSelect_TrackMustBelongToPlaylist(t *testing.T) {
	r := newRig(t, true)
	resp := r.post(t, "/v1/playback/select", map[string]string{"playlist_id": "daytime", "track_id": "zz"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSelect_UnknownTrackIs404(t *testing.T) {
	r := newRig(t, true)
	resp := r.post(t, "/v1/playback/select", map[string]string{"track_id": "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSelect_EmptyPlaylistIsRejected(t *testing.T) {
	r := newRig(t, true)
	resp := r.post(t, "/v1/playback/select", map[string]string{"playlist_id": "empty"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSelect_EntitlementDeniedIs403(t *testing.T) {
	r := newRig(t, false)
	resp := r.post(t, "/v1/playback/select", map[string]string{"track_id": "a"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["error"] != "entitlement_denied" {
		t.Fatalf("unexpected error code %q", body["error"])
	}
}

func TestToggle_FlipsPlayingFlag(t *testing.T) {
	r := newRig(t, true)
	r.post(t, "/v1/playback/select", map[string]string{"track_id": "a"}).Body.Close()

	resp := r.post(t, "/v1/playback/toggle", map[string]string{})
	body := decode[map[string]bool](t, resp)
	if body["is_playing"] {
		t.Fatal("toggle from playing must pause")
	}
	if r.deckA.Playing() {
		t.Fatal("deck must be paused")
	}
}

func TestRepeat_RejectsUnknownMode(t *testing.T) {
	r := newRig(t, true)
	resp := r.post(t, "/v1/playback/repeat", map[string]string{"mode": "sideways"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestVolume_ClampsToUnitRange(t *testing.T) {
	r := newRig(t, true)
	resp := r.post(t, "/v1/playback/volume", map[string]float64{"volume": 2.5})
	body := decode[map[string]float64](t, resp)
	if body["volume"] != 1 {
		t.Fatalf("expected clamp to 1, got %v", body["volume"])
	}
}

func TestSchedule_EnableDisableRoundTrip(t *testing.T) {
	r := newRig(t, true)

	resp := r.get(t, "/v1/schedule/")
	status := decode[map[string]any](t, resp)
	if status["enabled"].(bool) {
		t.Fatal("scheduler must start disabled")
	}

	r.post(t, "/v1/schedule/enable", map[string]string{}).Body.Close()
	resp = r.get(t, "/v1/schedule/")
	status = decode[map[string]any](t, resp)
	if !status["enabled"].(bool) {
		t.Fatal("scheduler must be enabled after enable")
	}

	r.post(t, "/v1/schedule/disable", map[string]string{}).Body.Close()
	resp = r.get(t, "/v1/schedule/")
	status = decode[map[string]any](t, resp)
	if status["enabled"].(bool) {
		t.Fatal("scheduler must be disabled after disable")
	}
}

func TestScheduleExport_ServesICal(t *testing.T) {
	r := newRig(t, true)
	resp := r.get(t, "/v1/schedule/export.ics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("unexpected content type %q", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "BEGIN:VCALENDAR") {
		t.Fatal("expected an iCal body")
	}
}

func TestLogs_FiltersByLevel(t *testing.T) {
	r := newRig(t, true)
	r.logBuf.Add(logbuffer.LogEntry{Level: "warn", Message: "playback stalled", Component: "monitor"})
	r.logBuf.Add(logbuffer.LogEntry{Level: "info", Message: "track started", Component: "controller"})

	resp := r.get(t, "/v1/logs?level=warn")
	body := decode[map[string][]logbuffer.LogEntry](t, resp)
	entries := body["entries"]
	if len(entries) != 1 || entries[0].Message != "playback stalled" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestVersion_ReportsRunningBuild(t *testing.T) {
	r := newRig(t, true)
	resp := r.get(t, "/v1/version")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	status := decode[version.Status](t, resp)
	if status.Running != version.Version {
		t.Fatalf("expected the running build reported, got %+v", status)
	}
	if status.UpdateAvailable {
		t.Fatal("no checker wired, nothing may claim an update")
	}
}

func TestHealthz(t *testing.T) {
	r := newRig(t, true)
	resp := r.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSecurityHeaders_OnEveryResponse(t *testing.T) {
	r := newRig(t, true)
	resp := r.get(t, "/healthz")
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options=%q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options=%q", got)
	}
	if got := resp.Header.Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("no HSTS expected over plain HTTP, got %q", got)
	}
}

func TestEvents_StreamsBusTraffic(t *testing.T) {
	r := newRig(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/v1/events"
	conn, _, err := ws.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "done")

	// The subscription attaches inside the handler goroutine.
	time.Sleep(50 * time.Millisecond)
	r.bus.Publish(events.EventStallDetected, events.Payload{"track_id": "a"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["event"] != "stall.detected" || payload["track_id"] != "a" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
