package logbuffer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBuffer_WrapsAroundCapacity(t *testing.T) {
	buf := New(3)
	for i := 0; i < 5; i++ {
		buf.Add(LogEntry{Level: "info", Message: string(rune('a' + i))})
	}

	all := buf.GetAll()
	if len(all) != 3 {
		t.Fatalf("expected capacity entries, got %d", len(all))
	}
	if all[0].Message != "c" || all[2].Message != "e" {
		t.Fatalf("expected oldest entries evicted, got %+v", all)
	}
}

func TestBuffer_QueryFilters(t *testing.T) {
	buf := New(10)
	buf.Add(LogEntry{Level: "warn", Component: "monitor", Message: "playback stalled"})
	buf.Add(LogEntry{Level: "info", Component: "controller", Message: "track started"})
	buf.Add(LogEntry{Level: "warn", Component: "urlsign", Message: "signed URL refresh failed"})

	warns := buf.Query(QueryParams{Level: "warn"})
	if len(warns) != 2 {
		t.Fatalf("expected 2 warn entries, got %d", len(warns))
	}

	byComponent := buf.Query(QueryParams{Component: "monitor"})
	if len(byComponent) != 1 || byComponent[0].Message != "playback stalled" {
		t.Fatalf("unexpected component filter result %+v", byComponent)
	}

	bySearch := buf.Query(QueryParams{Search: "STALLED"})
	if len(bySearch) != 1 {
		t.Fatal("search must be case insensitive")
	}

	limited := buf.Query(QueryParams{Limit: 1})
	if len(limited) != 1 || limited[0].Message != "signed URL refresh failed" {
		t.Fatalf("limit must keep the newest entries, got %+v", limited)
	}
}

func TestBuffer_QuerySince(t *testing.T) {
	buf := New(10)
	old := time.Now().Add(-time.Hour)
	buf.Add(LogEntry{Timestamp: old, Level: "info", Message: "old"})
	buf.Add(LogEntry{Timestamp: time.Now(), Level: "info", Message: "new"})

	recent := buf.Query(QueryParams{Since: time.Now().Add(-time.Minute)})
	if len(recent) != 1 || recent[0].Message != "new" {
		t.Fatalf("unexpected since filter result %+v", recent)
	}
}

func TestWriter_CapturesZerologOutput(t *testing.T) {
	buf := New(10)
	logger := zerolog.New(NewWriter(buf, nil)).With().Timestamp().Logger()

	logger.Warn().Str("component", "monitor").Str("track_id", "a").Msg("playback stalled")

	entries := buf.GetAll()
	if len(entries) != 1 {
		t.Fatalf("expected one captured entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != "warn" || entry.Message != "playback stalled" || entry.Component != "monitor" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Fields["track_id"] != "a" {
		t.Fatalf("structured fields lost, got %+v", entry.Fields)
	}
}

func TestBuffer_StatsAndClear(t *testing.T) {
	buf := New(10)
	buf.Add(LogEntry{Level: "info"})
	buf.Add(LogEntry{Level: "warn"})
	buf.Add(LogEntry{Level: "warn"})

	stats := buf.Stats()
	if stats.Count != 3 || stats.LevelCount["warn"] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	buf.Clear()
	if len(buf.GetAll()) != 0 {
		t.Fatal("clear must empty the buffer")
	}
}
