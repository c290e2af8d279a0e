package freshness

import "time"

// DefaultLadder is the poll delay sequence used while nothing changes.
var DefaultLadder = []time.Duration{
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	13 * time.Second,
	21 * time.Second,
	34 * time.Second,
	55 * time.Second,
	60 * time.Second,
}

// Backoff walks a fixed, non-decreasing ladder of delays and sticks at the
// last rung.
type Backoff struct {
	ladder []time.Duration
	step   int
}

// NewBackoff copies ladder, enforcing non-decreasing rungs. An empty ladder
// uses DefaultLadder.
func NewBackoff(ladder []time.Duration) *Backoff {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	out := make([]time.Duration, len(ladder))
	for i, d := range ladder {
		if d <= 0 {
			d = time.Second
		}
		if i > 0 && d < out[i-1] {
			d = out[i-1]
		}
		out[i] = d
	}
	return &Backoff{ladder: out}
}

// Floor is the first rung.
func (b *Backoff) Floor() time.Duration { return b.ladder[0] }

// Ceiling is the last rung.
func (b *Backoff) Ceiling() time.Duration { return b.ladder[len(b.ladder)-1] }

// Current is the delay at the current rung.
func (b *Backoff) Current() time.Duration { return b.ladder[b.step] }

// Reset returns to the floor.
func (b *Backoff) Reset() time.Duration {
	b.step = 0
	return b.Current()
}

// Advance climbs one rung, capped at the ceiling.
func (b *Backoff) Advance() time.Duration {
	if b.step < len(b.ladder)-1 {
		b.step++
	}
	return b.Current()
}

// LadderFromSeconds converts config seconds to durations, skipping
// non-positive values.
func LadderFromSeconds(secs []int) []time.Duration {
	out := make([]time.Duration, 0, len(secs))
	for _, s := range secs {
		if s > 0 {
			out = append(out, time.Duration(s)*time.Second)
		}
	}
	return out
}
