/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package model holds the core data types of the playback engine.
package model

import "time"

// Track is an immutable catalog descriptor. It carries no playback
// capability until a signed URL has been attached (see PlayableTrack).
type Track struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Artist        string `json:"artist"`
	Album         string `json:"album"`
	DurationLabel string `json:"duration_label"`
	CoverURL      string `json:"cover_url"`
	Genre         string `json:"genre"`

	// SourceRef is the stable catalog reference exchanged for a signed URL.
	SourceRef string `json:"source_ref"`
}

// PlayableTrack is a Track plus a resolved, time-bounded audio URL.
// The URL is a capability, not identity.
type PlayableTrack struct {
	Track
	AudioURL    string    `json:"audio_url"`
	URLIssuedAt time.Time `json:"url_issued_at"`
}

// Playable reports whether the track currently carries an audio URL.
func (t PlayableTrack) Playable() bool {
	return t.AudioURL != ""
}

// RepeatMode enumerates queue repeat behavior.
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatAll RepeatMode = "all"
	RepeatOne RepeatMode = "one"
)

// Valid reports whether m is a known repeat mode.
func (m RepeatMode) Valid() bool {
	switch m {
	case RepeatOff, RepeatAll, RepeatOne:
		return true
	}
	return false
}

// Direction selects queue navigation for Advance.
type Direction string

const (
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
)

// PlaybackState is the canonical session state. Exactly one exists per
// session, owned by the controller. Invariant: CurrentTrack == nil implies
// IsPlaying == false.
type PlaybackState struct {
	CurrentTrack     *PlayableTrack `json:"current_track"`
	IsPlaying        bool           `json:"is_playing"`
	Shuffle          bool           `json:"shuffle"`
	Repeat           RepeatMode     `json:"repeat"`
	CrossfadeEnabled bool           `json:"crossfade_enabled"`
}

// ScheduleRule binds a playlist to a day/time window with a priority.
// StartTime and EndTime are minutes of day [0, 1440). StartTime > EndTime
// denotes an overnight-spanning rule owned by the day it starts on.
type ScheduleRule struct {
	ID         string `json:"id" yaml:"id"`
	PlaylistID string `json:"playlist_id" yaml:"playlist_id"`
	DaysOfWeek []int  `json:"days_of_week" yaml:"days_of_week"` // 0=Sunday .. 6=Saturday
	StartTime  int    `json:"start_time" yaml:"start_time"`
	EndTime    int    `json:"end_time" yaml:"end_time"`
	Priority   int    `json:"priority" yaml:"priority"`
	IsActive   bool   `json:"is_active" yaml:"is_active"`
}

// Overnight reports whether the rule's window crosses midnight.
func (r ScheduleRule) Overnight() bool {
	return r.StartTime > r.EndTime
}

// AppliesOn reports whether the rule lists the given weekday.
func (r ScheduleRule) AppliesOn(day time.Weekday) bool {
	for _, d := range r.DaysOfWeek {
		if d == int(day) {
			return true
		}
	}
	return false
}

// PlaybackSnapshot is the persisted resume record. It is versionless; an
// unparseable or stale snapshot is simply discarded on restore.
type PlaybackSnapshot struct {
	CurrentTrackID string    `json:"current_track_id"`
	QueueTrackIDs  []string  `json:"queue_track_ids"`
	Position       float64   `json:"position"` // seconds
	WasPlaying     bool      `json:"was_playing"`
	SavedAt        time.Time `json:"saved_at"`
}

// SignedURLHandle pairs a raw catalog reference with its signed form.
type SignedURLHandle struct {
	RawSourceURL string    `json:"raw_source_url"`
	SignedURL    string    `json:"signed_url"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Age returns the handle age at now.
func (h SignedURLHandle) Age(now time.Time) time.Duration {
	return now.Sub(h.IssuedAt)
}
