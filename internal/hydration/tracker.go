// Package hydration decides when a mounted grid column switches from skeleton
// placeholders to real reservation content.
package hydration

import (
	"sort"
	"sync"
	"time"
)

// DefaultBuffer is the extra pixel margin around the viewport in which
// columns already count as visible.
const DefaultBuffer = 200

// Key identifies one column on one day.
type Key struct {
	Day    string
	Entity string
}

// Rect is a bounding box in viewport pixels.
type Rect struct {
	Left, Top, Right, Bottom float64
}

// Expand grows r by px on every side.
func (r Rect) Expand(px float64) Rect {
	return Rect{Left: r.Left - px, Top: r.Top - px, Right: r.Right + px, Bottom: r.Bottom + px}
}

// Intersects reports whether r and o overlap with positive area.
func (r Rect) Intersects(o Rect) bool {
	return r.Left < o.Right && o.Left < r.Right && r.Top < o.Bottom && o.Top < r.Bottom
}

// Tracker holds per-(day, entity) hydration flags. Flags only go from false
// to true; Reset clears all of them and starts a new epoch. Safe for
// concurrent use.
type Tracker struct {
	buffer float64

	mu       sync.RWMutex
	epoch    uint64
	hydrated map[Key]struct{}
}

func NewTracker(buffer float64) *Tracker {
	if buffer < 0 {
		buffer = 0
	}
	return &Tracker{buffer: buffer, hydrated: make(map[Key]struct{})}
}

// Observe hydrates every column whose box intersects the buffered viewport.
// It is called on scroll settle and on the first paint, and returns the
// newly hydrated keys sorted by day then entity.
func (t *Tracker) Observe(viewport Rect, columns map[Key]Rect) []Key {
	area := viewport.Expand(t.buffer)

	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []Key
	for k, box := range columns {
		if _, ok := t.hydrated[k]; ok {
			continue
		}
		if !box.Intersects(area) {
			continue
		}
		t.hydrated[k] = struct{}{}
		fresh = append(fresh, k)
	}
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Day != fresh[j].Day {
			return fresh[i].Day < fresh[j].Day
		}
		return fresh[i].Entity < fresh[j].Entity
	})
	return fresh
}

// Hydrate marks k explicitly, e.g. for a column the user just edited.
func (t *Tracker) Hydrate(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrated[k] = struct{}{}
}

// IsHydrated reports whether k shows real content.
func (t *Tracker) IsHydrated(k Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.hydrated[k]
	return ok
}

// Epoch is the current data epoch.
func (t *Tracker) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Len is the number of hydrated columns in this epoch.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hydrated)
}

// Reset clears all flags and returns the new epoch. Call it only when the
// data source is replaced, not on regular refreshes.
func (t *Tracker) Reset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	t.hydrated = make(map[Key]struct{})
	return t.epoch
}

// Settler runs fn once scrolling has been idle for delay. Each Touch
// supersedes the pending run; Cancel drops it, e.g. when a drag starts.
type Settler struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewSettler(delay time.Duration, fn func()) *Settler {
	return &Settler{delay: delay, fn: fn}
}

// Touch (re)arms the idle timer.
func (s *Settler) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		current := gen == s.gen
		if current {
			s.timer = nil
		}
		s.mu.Unlock()
		if current {
			s.fn()
		}
	})
}

// Cancel drops a pending run.
func (s *Settler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// Pending reports whether a run is armed.
func (s *Settler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
