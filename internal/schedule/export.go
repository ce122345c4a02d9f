/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/catalog"
	"github.com/venuecast/venuecast/internal/model"
)

// ExportService renders a venue's schedule rules as an iCal feed so staff
// can see what plays when in an ordinary calendar client.
type ExportService struct {
	provider catalog.Provider
	logger   zerolog.Logger
}

// NewExportService creates a schedule export service.
func NewExportService(provider catalog.Provider, logger zerolog.Logger) *ExportService {
	return &ExportService{
		provider: provider,
		logger:   logger.With().Str("component", "schedule_export").Logger(),
	}
}

// ExportICalResult contains the iCal export data.
type ExportICalResult struct {
	Data        []byte
	Filename    string
	ContentType string
}

var icalDays = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// ExportToICal renders the venue's active rules as weekly recurring
// events. Overnight rules become events whose DTEND lands on the next
// calendar day, anchored to the day the window starts on.
func (s *ExportService) ExportToICal(ctx context.Context, venueID string) (*ExportICalResult, error) {
	rules, err := s.provider.GetActiveSchedules(ctx, venueID)
	if err != nil {
		return nil, fmt.Errorf("fetch schedules: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\n")
	buf.WriteString("VERSION:2.0\r\n")
	buf.WriteString("PRODID:-//Venuecast//Schedule Export//EN\r\n")
	buf.WriteString(fmt.Sprintf("X-WR-CALNAME:%s playback schedule\r\n", escapeICalText(venueID)))
	buf.WriteString("CALSCALE:GREGORIAN\r\n")
	buf.WriteString("METHOD:PUBLISH\r\n")

	anchor := startOfWeek(time.Now().UTC())
	for _, rule := range rules {
		for _, day := range rule.DaysOfWeek {
			if day < 0 || day > 6 {
				s.logger.Warn().Str("rule_id", rule.ID).Int("day", day).Msg("skipping rule day outside 0..6")
				continue
			}
			writeRuleEvent(&buf, rule, day, anchor)
		}
	}

	buf.WriteString("END:VCALENDAR\r\n")

	filename := fmt.Sprintf("%s-schedule.ics", slugify(venueID))
	return &ExportICalResult{
		Data:        buf.Bytes(),
		Filename:    filename,
		ContentType: "text/calendar; charset=utf-8",
	}, nil
}

func writeRuleEvent(buf *bytes.Buffer, rule model.ScheduleRule, day int, anchor time.Time) {
	start := anchor.AddDate(0, 0, day).Add(time.Duration(rule.StartTime) * time.Minute)
	end := anchor.AddDate(0, 0, day).Add(time.Duration(rule.EndTime) * time.Minute)
	if rule.Overnight() {
		end = end.AddDate(0, 0, 1)
	}

	buf.WriteString("BEGIN:VEVENT\r\n")
	buf.WriteString(fmt.Sprintf("UID:%s-%s@venuecast\r\n", rule.ID, icalDays[day]))
	buf.WriteString(fmt.Sprintf("DTSTAMP:%s\r\n", formatICalTime(time.Now())))
	buf.WriteString(fmt.Sprintf("DTSTART:%s\r\n", formatICalTime(start)))
	buf.WriteString(fmt.Sprintf("DTEND:%s\r\n", formatICalTime(end)))
	buf.WriteString(fmt.Sprintf("RRULE:FREQ=WEEKLY;BYDAY=%s\r\n", icalDays[day]))
	buf.WriteString(fmt.Sprintf("SUMMARY:%s\r\n", escapeICalText("Playlist "+rule.PlaylistID)))
	buf.WriteString(fmt.Sprintf("DESCRIPTION:%s\r\n", escapeICalText(fmt.Sprintf("Rule %s, priority %d", rule.ID, rule.Priority))))
	buf.WriteString("END:VEVENT\r\n")
}

// startOfWeek returns midnight of the Sunday at or before t, matching the
// 0=Sunday day numbering of schedule rules.
func startOfWeek(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}

func formatICalTime(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func escapeICalText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ";", "\\;")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
