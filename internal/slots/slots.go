package slots

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teambition/rrule-go"

	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
)

// Blackout is a daily interval in which no lesson may take place.
type Blackout struct {
	// Start / End are "HH:MM" wall-clock marks.
	Start string
	End   string

	// RRule optionally restricts the days on which the blackout applies,
	// e.g. "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR". Empty means every day.
	RRule string
}

// Schedule is the fixed lesson grid for a day.
type Schedule struct {
	// Marks are "HH:MM" lesson start times.
	Marks    []string
	Duration time.Duration

	// Open / Close bound the operating window [Open, Close).
	Open  string
	Close string

	Blackouts []Blackout
}

// Window is a generated [Start, End) lesson window.
type Window struct {
	Start time.Time
	End   time.Time
}

// Label renders the window as "HH:MM-HH:MM".
func (w Window) Label() string {
	return w.Start.Format("15:04") + "-" + w.End.Format("15:04")
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Generate returns the ordered, non-overlapping lesson windows for day.
//
//   - Each window is a mark plus Duration.
//   - Windows must lie fully inside [Open, Close).
//   - Windows overlapping any applicable blackout are dropped. Touching a
//     blackout boundary is not an overlap.
//   - Malformed marks are skipped. A duration longer than the operating
//     window yields no windows.
func Generate(day time.Time, s Schedule) []Window {
	day = model.StartOfDay(day)
	if s.Duration <= 0 {
		return nil
	}

	open, okOpen := atMark(day, s.Open)
	closeAt, okClose := atMark(day, s.Close)
	if !okOpen || !okClose || !closeAt.After(open) {
		return nil
	}

	blackouts := make([]Window, 0, len(s.Blackouts))
	for _, b := range s.Blackouts {
		if !appliesOn(b, day) {
			continue
		}
		bs, ok1 := atMark(day, b.Start)
		be, ok2 := atMark(day, b.End)
		if !ok1 || !ok2 || !be.After(bs) {
			continue
		}
		blackouts = append(blackouts, Window{Start: bs, End: be})
	}

	candidates := make([]Window, 0, len(s.Marks))
	for _, m := range s.Marks {
		start, ok := atMark(day, m)
		if !ok {
			continue
		}
		w := Window{Start: start, End: start.Add(s.Duration)}
		if w.Start.Before(open) || w.End.After(closeAt) {
			continue
		}
		if overlapsAny(w, blackouts) {
			continue
		}
		candidates = append(candidates, w)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Start.Before(candidates[j].Start)
	})

	out := make([]Window, 0, len(candidates))
	for _, w := range candidates {
		if n := len(out); n > 0 && w.Start.Before(out[n-1].End) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Generator memoizes Generate by day key. Safe for concurrent use.
type Generator struct {
	sched Schedule

	mu    sync.Mutex
	cache map[string][]Window
}

func NewGenerator(s Schedule) *Generator {
	return &Generator{sched: s, cache: make(map[string][]Window)}
}

// ForDay returns the windows for day; the result must not be mutated.
func (g *Generator) ForDay(day time.Time) []Window {
	key := model.DayKey(day) + "@" + day.Location().String()

	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.cache[key]; ok {
		return w
	}
	w := Generate(day, g.sched)
	g.cache[key] = w
	return w
}

// Schedule returns the schedule the generator was built with.
func (g *Generator) Schedule() Schedule {
	return g.sched
}

// ParseMark parses "HH:MM" into minutes since midnight.
func ParseMark(mark string) (int, bool) {
	h, m, found := strings.Cut(strings.TrimSpace(mark), ":")
	if !found {
		return 0, false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, false
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, false
	}
	if hh == 24 && mm != 0 {
		return 0, false
	}
	return hh*60 + mm, true
}

func atMark(day time.Time, mark string) (time.Time, bool) {
	mins, ok := ParseMark(mark)
	if !ok {
		return time.Time{}, false
	}
	// Wall clock, not elapsed time: DST days are 23 or 25 hours long.
	return time.Date(day.Year(), day.Month(), day.Day(), mins/60, mins%60, 0, 0, day.Location()), true
}

func overlapsAny(w Window, blackouts []Window) bool {
	for _, b := range blackouts {
		if w.Start.Before(b.End) && b.Start.Before(w.End) {
			return true
		}
	}
	return false
}

// recurrenceAnchor is an arbitrary Monday used as DTSTART for blackout rules.
var recurrenceAnchor = time.Date(2000, time.January, 3, 0, 0, 0, 0, time.UTC)

func appliesOn(b Blackout, day time.Time) bool {
	if strings.TrimSpace(b.RRule) == "" {
		return true
	}
	opt, err := rrule.StrToROption(b.RRule)
	if err != nil {
		appLog.Debug("slots: ignoring blackout with bad rrule", "rrule", b.RRule, "err", err.Error())
		return true
	}
	anchor := time.Date(recurrenceAnchor.Year(), recurrenceAnchor.Month(), recurrenceAnchor.Day(), 0, 0, 0, 0, day.Location())
	opt.Dtstart = anchor
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return true
	}
	return len(r.Between(day, day.AddDate(0, 0, 1).Add(-time.Nanosecond), true)) > 0
}
