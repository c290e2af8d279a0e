// Package window maps an unbounded, horizontally scrolled sequence of days
// onto a fixed number of mounted day slots.
package window

import (
	"math"
	"sync"
	"time"

	"drivegrid/internal/model"
)

// Range is a contiguous run of calendar days starting at First.
type Range struct {
	First time.Time
	Days  int
}

// DayAt returns the logical day at index i. Indices outside [0, Days) are
// still valid logical days.
func (r Range) DayAt(i int) time.Time {
	return r.First.AddDate(0, 0, i)
}

// IndexOf returns the logical index of day t relative to First.
func (r Range) IndexOf(t time.Time) int {
	first := model.StartOfDay(r.First)
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, first.Location())
	// Calendar arithmetic through UTC avoids DST-length days.
	a := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// Contains reports whether t's day lies inside the range.
func (r Range) Contains(t time.Time) bool {
	i := r.IndexOf(t)
	return i >= 0 && i < r.Days
}

// RangeFor spans the earliest to latest start (always including today),
// padded by pad days on both sides.
func RangeFor(starts []time.Time, today time.Time, pad int) Range {
	if pad < 0 {
		pad = 0
	}
	lo := model.StartOfDay(today)
	hi := lo
	for _, s := range starts {
		d := model.StartOfDay(s.In(today.Location()))
		if d.Before(lo) {
			lo = d
		}
		if d.After(hi) {
			hi = d
		}
	}
	r := Range{First: lo.AddDate(0, 0, -pad)}
	r.Days = r.IndexOf(hi) + pad + 1
	return r
}

// Slot is one mounted day slot. Index is the slot identity (0..Size-1); the
// day it shows changes as the window moves.
type Slot struct {
	Index    int
	DayIndex int
	Day      time.Time
	// InRange is false for logical days past the end of the range.
	InRange bool
}

// Virtualizer tracks the window start for a scroll position. Safe for
// concurrent use.
type Virtualizer struct {
	mu       sync.RWMutex
	rng      Range
	size     int
	dayWidth float64
	winStart int
	offset   float64
}

// New creates a virtualizer with size mounted slots of dayWidth pixels.
func New(rng Range, size int, dayWidth float64) *Virtualizer {
	if size < 1 {
		size = 1
	}
	if dayWidth <= 0 {
		dayWidth = 1
	}
	return &Virtualizer{rng: rng, size: size, dayWidth: dayWidth}
}

// Size is the constant number of mounted slots.
func (v *Virtualizer) Size() int { return v.size }

// Range returns the current logical range.
func (v *Virtualizer) Range() Range {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rng
}

// WinStart is the logical index of slot 0.
func (v *Virtualizer) WinStart() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.winStart
}

// ScrollWidth is the full scrollable extent; unmounted days keep their width.
func (v *Virtualizer) ScrollWidth() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return float64(v.rng.Days) * v.dayWidth
}

// OnScroll recomputes the window for a scroll offset and reports whether
// winStart moved.
func (v *Virtualizer) OnScroll(offset float64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.offset = offset
	return v.recompute()
}

// SetRange replaces the logical range, keeping the scroll offset, e.g. when
// new reservations widen the known span.
func (v *Virtualizer) SetRange(rng Range) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rng = rng
	return v.recompute()
}

func (v *Virtualizer) recompute() bool {
	rough := int(math.Floor(v.offset / v.dayWidth))
	maxStart := v.rng.Days - v.size
	if maxStart < 0 {
		maxStart = 0
	}
	start := clamp(rough-v.size/2, 0, maxStart)
	changed := start != v.winStart
	v.winStart = start
	return changed
}

// Slots returns exactly Size slots; slot i shows logical day winStart+i.
func (v *Virtualizer) Slots() []Slot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Slot, v.size)
	for i := range out {
		idx := v.winStart + i
		out[i] = Slot{
			Index:    i,
			DayIndex: idx,
			Day:      v.rng.DayAt(idx),
			InRange:  idx < v.rng.Days,
		}
	}
	return out
}

// Mounted reports whether logical day index i is inside the window. Days
// outside render as same-width placeholders.
func (v *Virtualizer) Mounted(i int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return i >= v.winStart && i < v.winStart+v.size && i < v.rng.Days
}

// CenterOn returns the scroll offset that puts day in the middle of a
// viewport of the given width. The caller applies it and feeds the
// resulting scroll event back through OnScroll.
func (v *Virtualizer) CenterOn(day time.Time, viewportWidth float64) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.rng.Contains(day) {
		return 0, false
	}
	idx := v.rng.IndexOf(day)
	left := float64(idx)*v.dayWidth + v.dayWidth/2 - viewportWidth/2
	maxLeft := float64(v.rng.Days)*v.dayWidth - viewportWidth
	if left > maxLeft {
		left = maxLeft
	}
	if left < 0 {
		left = 0
	}
	return left, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
