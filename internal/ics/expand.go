package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
)

const defaultMaxOccurrences = 5000

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	// DisplayLocation is the wall clock reservations are expressed in.
	// Nil means time.Local.
	DisplayLocation *time.Location

	// RangeStart and RangeEnd are inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps one RRULE; zero means 5000.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds the expanded reservations and the UIDs whose
// expansion hit the cap.
type ExpandResult struct {
	Reservations    []model.Reservation
	TruncatedEvents []string
}

// series groups a UID's base events with its RECURRENCE-ID overrides.
type series struct {
	base      []ParsedEvent
	overrides []ParsedEvent
}

// override returns the override replacing the instance starting at start.
func (s *series) override(start time.Time) (ParsedEvent, bool) {
	for _, o := range s.overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return ParsedEvent{}, false
}

// ExpandReservations turns parsed lessons into reservations inside the range:
//
//   - single lessons and RRULE instances, one reservation each
//   - EXDATE removes instances
//   - RECURRENCE-ID overrides replace them
//   - STATUS:CANCELLED drops a base event or a single instance
//
// All-day events are not lessons and are skipped. Output is ordered by
// start, then id.
func ExpandReservations(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrences
	}

	byUID := make(map[string]*series)
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		s := byUID[ev.UID]
		if s == nil {
			s = &series{}
			byUID[ev.UID] = s
		}
		if ev.IsOverride && ev.Recurrence != nil {
			s.overrides = append(s.overrides, ev)
		} else {
			s.base = append(s.base, ev)
		}
	}

	for uid, s := range byUID {
		truncated := false
		for _, ev := range s.base {
			if ev.Cancelled {
				continue
			}
			var out []model.Reservation
			if ev.RawRRule == "" {
				out = s.single(ev, cfg)
			} else {
				var capped bool
				out, capped = s.recurring(ev, cfg)
				truncated = truncated || capped
			}
			result.Reservations = append(result.Reservations, out...)
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("ics expansion truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
		}
	}

	sort.Slice(result.Reservations, func(i, j int) bool {
		a, b := result.Reservations[i], result.Reservations[j]
		if !a.Start.Equal(*b.Start) {
			return a.Start.Before(*b.Start)
		}
		return a.ID < b.ID
	})
	sort.Strings(result.TruncatedEvents)
	return result, nil
}

func (s *series) single(ev ParsedEvent, cfg ExpandConfig) []model.Reservation {
	if ev.End.Before(cfg.RangeStart) || cfg.RangeEnd.Before(ev.Start) {
		return nil
	}
	if o, ok := s.override(ev.Start); ok {
		if o.Cancelled {
			return nil
		}
		ev = o
	}
	return []model.Reservation{toReservation(ev, ev.UID, ev.Start, ev.End, cfg.DisplayLocation)}
}

func (s *series) recurring(ev ParsedEvent, cfg ExpandConfig) ([]model.Reservation, bool) {
	rule, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics rrule rejected", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	rule.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// A lesson that began before RangeStart may still be running inside it.
	dur := ev.End.Sub(ev.Start)
	loc := ev.Start.Location()
	starts := set.Between(cfg.RangeStart.Add(-dur).In(loc), cfg.RangeEnd.In(loc), true)
	capped := len(starts) > cfg.MaxOccurrencesPerEvent
	if capped {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
	}

	out := make([]model.Reservation, 0, len(starts))
	for _, at := range starts {
		inst, start, end := ev, at, at.Add(dur)
		if o, ok := s.override(at); ok {
			if o.Cancelled {
				continue
			}
			inst, start, end = o, o.Start, o.End
		}
		id := ev.UID + "@" + at.UTC().Format("20060102T150405Z")
		out = append(out, toReservation(inst, id, start, end, cfg.DisplayLocation))
	}
	return out, capped
}

// toReservation places an instance on loc's wall clock. The description is
// the private note, falling back to the summary.
func toReservation(ev ParsedEvent, id string, start, end time.Time, loc *time.Location) model.Reservation {
	s, e := start.In(loc), end.In(loc)
	note := ev.Description
	if note == "" {
		note = ev.Summary
	}
	return model.Reservation{
		ID:             id,
		Start:          &s,
		End:            &e,
		InstructorID:   ev.InstructorID,
		StudentID:      ev.StudentID,
		Sector:         ev.Sector,
		Color:          ev.Color,
		Confirmed:      ev.Confirmed,
		PrivateMessage: note,
		Gearbox:        ev.Gearbox,
	}
}
