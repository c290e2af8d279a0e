package grid

import (
	"fmt"

	"drivegrid/internal/position"
)

// Direction is a single-step nudge direction.
type Direction int

const (
	Left Direction = iota
	Right
	Up
	Down
)

// ParseDirection accepts "left", "right", "up" and "down".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "left":
		return Left, true
	case "right":
		return Right, true
	case "up":
		return Up, true
	case "down":
		return Down, true
	}
	return 0, false
}

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Up:
		return "up"
	case Down:
		return "down"
	}
	return "unknown"
}

// Nudge moves id one step on l's day, clamped to the grid. If the target is
// occupied the two entities swap day-specific positions; otherwise only id
// changes. A clamped no-op move returns no changes.
//
// A swap frees the occupant's claim on the target, which an earlier entity
// that lost that slot would otherwise take back on the next resolve. Such
// entities are pinned where they stand, so the batch may hold more than two
// changes while exactly two entities change places.
func Nudge(l Layout, id string, dir Direction, descriptor Accessor) ([]Change, error) {
	cur, ok := l.PositionOf(id)
	if !ok {
		return nil, fmt.Errorf("nudge %q: %w", id, ErrUnknownEntity)
	}

	target := cur
	switch dir {
	case Left:
		target.Col--
	case Right:
		target.Col++
	case Up:
		target.Row--
	case Down:
		target.Row++
	}
	target.Col = clamp(target.Col, 1, l.Cols)
	target.Row = clamp(target.Row, 1, l.Rows)
	if target == cur {
		return nil, nil
	}

	changes := []Change{{ID: id, Descriptor: position.Upsert(descriptor(id), l.Day, target)}}
	occupant := l.At(target)
	if occupant == "" || occupant == id {
		return changes, nil
	}
	changes = append(changes, Change{ID: occupant, Descriptor: position.Upsert(descriptor(occupant), l.Day, cur)})
	return pinDisplaced(l, changes, descriptor), nil
}

// pinDisplaced adds a day-specific position for every entity the batch
// would move besides the ones it names. Each pass pins at least one entity,
// so it settles within l.Len() passes.
func pinDisplaced(l Layout, changes []Change, descriptor Accessor) []Change {
	want := make(map[string]position.Position, l.Len())
	for _, c := range l.Cells() {
		want[c.ID] = c.Position
	}
	named := make(map[string]bool, len(changes))
	for _, c := range changes {
		p, _ := position.Resolve(c.Descriptor, l.Day)
		want[c.ID] = p
		named[c.ID] = true
	}

	ids := l.Order()
	for range ids {
		next := Resolve(ids, l.Day, overlay(descriptor, changes))
		pinned := false
		for _, c := range next.Cells() {
			p := want[c.ID]
			if named[c.ID] || c.Position == p {
				continue
			}
			changes = append(changes, Change{ID: c.ID, Descriptor: position.Upsert(descriptor(c.ID), l.Day, p)})
			named[c.ID] = true
			pinned = true
		}
		if !pinned {
			break
		}
	}
	return changes
}

// overlay reads descriptors from changes first, then from base.
func overlay(base Accessor, changes []Change) Accessor {
	return func(id string) string {
		for i := len(changes) - 1; i >= 0; i-- {
			if changes[i].ID == id {
				return changes[i].Descriptor
			}
		}
		return base(id)
	}
}

// SwapColumns exchanges columns a and b on l's day: every entity in a gets
// a day-specific position in b on the same row and vice versa.
func SwapColumns(l Layout, a, b int, descriptor Accessor) ([]Change, error) {
	if a < 1 || a > l.Cols || b < 1 || b > l.Cols {
		return nil, fmt.Errorf("swap columns %d<->%d: %w", a, b, ErrInvalidColumn)
	}
	if a == b {
		return nil, nil
	}

	var changes []Change
	for row := 1; row <= l.Rows; row++ {
		if id := l.At(position.Position{Col: a, Row: row}); id != "" {
			changes = append(changes, Change{ID: id, Descriptor: position.Upsert(descriptor(id), l.Day, position.Position{Col: b, Row: row})})
		}
		if id := l.At(position.Position{Col: b, Row: row}); id != "" {
			changes = append(changes, Change{ID: id, Descriptor: position.Upsert(descriptor(id), l.Day, position.Position{Col: a, Row: row})})
		}
	}
	return changes, nil
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
