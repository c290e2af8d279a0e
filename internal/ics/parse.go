package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "drivegrid/internal/log"
)

// Lesson properties carried on each VEVENT. Feeds without them still parse;
// such lessons have no instructor column on the grid.
const (
	propInstructorID ical.ComponentProperty = "X-INSTRUCTOR-ID"
	propStudentID    ical.ComponentProperty = "X-STUDENT-ID"
	propSector       ical.ComponentProperty = "X-SECTOR"
	propColor        ical.ComponentProperty = "X-COLOR"
	propConfirmed    ical.ComponentProperty = "X-CONFIRMED"
	propGearbox      ical.ComponentProperty = "X-GEARBOX"
	propRecurrenceID ical.ComponentProperty = "RECURRENCE-ID"
)

// ParsedEvent is one lesson VEVENT before recurrence expansion.
type ParsedEvent struct {
	Feed Feed
	UID  string

	Summary     string
	Description string
	Cancelled   bool

	InstructorID string
	StudentID    string
	Sector       string
	Color        string
	Confirmed    bool
	Gearbox      string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	ExDates  []time.Time
	// Recurrence is the RECURRENCE-ID of an overridden instance, nil on
	// base events.
	Recurrence *time.Time
	IsOverride bool
}

// ParseICS parses one feed body. Time zones come from the library's
// VTIMEZONE/TZID handling; RRULE, EXDATE and RECURRENCE-ID are recorded
// for ExpandReservations. A VEVENT that cannot be read is skipped.
func ParseICS(feed Feed, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", feed.ID, "url", redactURL(feed.URL))
		return nil, err
	}

	var events []ParsedEvent
	for _, ve := range cal.Events() {
		ev, err := readLesson(feed, ve)
		if err != nil {
			appLog.Debug("ics vevent skipped", "id", feed.ID, "err", err.Error())
			continue
		}
		events = append(events, ev)
	}
	appLog.Debug("ics feed parsed", "id", feed.ID, "events", len(events))
	return events, nil
}

func prop(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func readLesson(feed Feed, ve *ical.VEvent) (ParsedEvent, error) {
	ev := ParsedEvent{
		Feed:         feed,
		UID:          prop(ve, ical.ComponentPropertyUniqueId),
		Summary:      prop(ve, ical.ComponentPropertySummary),
		Description:  prop(ve, ical.ComponentPropertyDescription),
		Cancelled:    strings.EqualFold(prop(ve, ical.ComponentPropertyStatus), "CANCELLED"),
		InstructorID: prop(ve, propInstructorID),
		StudentID:    prop(ve, propStudentID),
		Sector:       prop(ve, propSector),
		Color:        prop(ve, propColor),
		Confirmed:    truthy(prop(ve, propConfirmed)),
		Gearbox:      prop(ve, propGearbox),
		RawRRule:     prop(ve, ical.ComponentPropertyRrule),
	}
	if ev.UID == "" {
		return ev, errors.New("missing UID")
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return ev, err
	}
	end, err := ve.GetEndAt()
	if err != nil || end.Before(start) {
		end = start
	}
	ev.Start, ev.End = start, end
	ev.AllDay = isDateOnly(ve.GetProperty(ical.ComponentPropertyDtStart))

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, ok := parseICSTime(part); ok {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	if rid := prop(ve, propRecurrenceID); rid != "" {
		if t, ok := parseICSTime(rid); ok {
			ev.Recurrence = &t
			ev.IsOverride = true
		}
	}
	return ev, nil
}

// isDateOnly reports VALUE=DATE or a value without a time part.
func isDateOnly(p *ical.IANAProperty) bool {
	if p == nil {
		return false
	}
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "yes", "1", "confirmed":
		return true
	}
	return false
}

// parseICSTime reads EXDATE / RECURRENCE-ID values, which arrive without
// their parameters here. Floating values use time.Local.
func parseICSTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	var (
		t   time.Time
		err error
	)
	switch {
	case v == "":
		return time.Time{}, false
	case strings.HasSuffix(v, "Z"):
		t, err = time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		t, err = time.ParseInLocation("20060102T150405", v, time.Local)
	default:
		t, err = time.ParseInLocation("20060102", v, time.Local)
	}
	return t, err == nil
}
