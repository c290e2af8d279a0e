package window

import (
	"sort"
	"sync"
	"time"

	"drivegrid/internal/model"
)

// DefaultAutoJumpPause is how long programmatic jumps stay suspended after a
// user gesture.
const DefaultAutoJumpPause = 4 * time.Second

// Navigator is the navigation state shared by the jump callbacks: whether
// programmatic (auto) jumps are suspended and which days the current search
// matched. It is passed explicitly to JumpToDate / AutoJump / NextMatch.
type Navigator struct {
	Now   func() time.Time
	Pause time.Duration

	mu             sync.Mutex
	suspendedUntil time.Time
	matched        []time.Time
	cursor         int
}

func NewNavigator() *Navigator {
	return &Navigator{Now: time.Now, Pause: DefaultAutoJumpPause, cursor: -1}
}

// UserGesture suspends auto-jumps for Pause.
func (n *Navigator) UserGesture() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.suspendedUntil = n.Now().Add(n.Pause)
}

// AutoJumpAllowed reports whether programmatic jumps may move the view.
func (n *Navigator) AutoJumpAllowed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.Now().Before(n.suspendedUntil)
}

// SetMatches replaces the matched days (deduplicated, ascending) and resets
// the cursor.
func (n *Navigator) SetMatches(days []time.Time) {
	seen := make(map[string]struct{}, len(days))
	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		k := model.DayKey(d)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, model.StartOfDay(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	n.mu.Lock()
	defer n.mu.Unlock()
	n.matched = out
	n.cursor = -1
}

// Matches returns a copy of the matched days.
func (n *Navigator) Matches() []time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Time(nil), n.matched...)
}

// NextMatch advances the cursor, wrapping around.
func (n *Navigator) NextMatch() (time.Time, bool) {
	return n.step(1)
}

// PrevMatch moves the cursor back, wrapping around.
func (n *Navigator) PrevMatch() (time.Time, bool) {
	return n.step(-1)
}

func (n *Navigator) step(delta int) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.matched) == 0 {
		return time.Time{}, false
	}
	if n.cursor < 0 && delta < 0 {
		n.cursor = 0
	}
	n.cursor = ((n.cursor+delta)%len(n.matched) + len(n.matched)) % len(n.matched)
	return n.matched[n.cursor], true
}

// JumpToDate is a user-initiated jump: it centers day and suspends
// auto-jumps so a pending programmatic jump cannot yank the view back.
func JumpToDate(nav *Navigator, v *Virtualizer, day time.Time, viewportWidth float64) (float64, bool) {
	left, ok := v.CenterOn(day, viewportWidth)
	if !ok {
		return 0, false
	}
	nav.UserGesture()
	v.OnScroll(left)
	return left, true
}

// AutoJump centers day only when auto-jumps are not suspended.
func AutoJump(nav *Navigator, v *Virtualizer, day time.Time, viewportWidth float64) (float64, bool) {
	if !nav.AutoJumpAllowed() {
		return 0, false
	}
	left, ok := v.CenterOn(day, viewportWidth)
	if !ok {
		return 0, false
	}
	v.OnScroll(left)
	return left, true
}
