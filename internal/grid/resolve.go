// Package grid turns instructors and their position descriptors into a
// conflict-free per-day column layout, and computes manual moves (nudge,
// column swap) as descriptor change batches.
package grid

import (
	"context"
	"errors"

	"drivegrid/internal/position"
)

var (
	ErrUnknownEntity = errors.New("grid: entity is not part of the layout")
	ErrInvalidColumn = errors.New("grid: column out of range")
)

// Accessor returns the current descriptor string for an entity id.
type Accessor func(id string) string

// Change is a new descriptor for one entity.
type Change struct {
	ID         string
	Descriptor string
}

// Store holds descriptors and applies change batches atomically: either all
// changes of a batch become visible or none do.
type Store interface {
	Descriptor(id string) string
	Apply(ctx context.Context, changes []Change) error
}

// Cell is one occupied grid address.
type Cell struct {
	ID       string
	Position position.Position
	// Explicit is false when the entity was placed by first-free fallback.
	Explicit bool
}

// Layout is the resolved grid for a single day.
type Layout struct {
	Day  string
	Rows int
	Cols int

	slots    []string
	where    map[string]position.Position
	explicit map[string]bool
}

// Resolve places ids on day's grid.
//
//  1. ids are ordered naturally (numeric-aware); this is the fallback order.
//  2. Rows = max(ceil(n/Cols), highest day-specific row requested for day).
//  3. In fallback order, each entity with an in-bounds resolved position
//     claims that slot if it is still free. The earlier entity wins a
//     contested slot.
//  4. Remaining entities take the first free slot in row-major order.
func Resolve(ids []string, day string, descriptor Accessor) Layout {
	order := uniqueIDs(ids)
	SortNatural(order)

	cols := position.Columns
	resolved := make(map[string]position.Position, len(order))
	sources := make(map[string]position.Source, len(order))
	rows := (len(order) + cols - 1) / cols
	for _, id := range order {
		var s string
		if descriptor != nil {
			s = descriptor(id)
		}
		p, src := position.Decode(s).Resolve(day)
		if src == position.SourceNone {
			continue
		}
		resolved[id] = p
		sources[id] = src
		if src == position.SourceDay && p.Row > rows {
			rows = p.Row
		}
	}

	l := Layout{
		Day:      day,
		Rows:     rows,
		Cols:     cols,
		slots:    make([]string, rows*cols),
		where:    make(map[string]position.Position, len(order)),
		explicit: make(map[string]bool, len(order)),
	}

	pending := make([]string, 0, len(order))
	for _, id := range order {
		p, ok := resolved[id]
		if !ok || !l.inBounds(p) || l.slots[l.offset(p)] != "" {
			pending = append(pending, id)
			continue
		}
		l.place(id, p)
		l.explicit[id] = true
	}

	next := 0
	for _, id := range pending {
		for next < len(l.slots) && l.slots[next] != "" {
			next++
		}
		if next >= len(l.slots) {
			// Unreachable: rows*cols >= len(order).
			break
		}
		l.place(id, l.positionAt(next))
	}
	return l
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (l *Layout) place(id string, p position.Position) {
	l.slots[l.offset(p)] = id
	l.where[id] = p
}

func (l Layout) inBounds(p position.Position) bool {
	return p.Col >= 1 && p.Col <= l.Cols && p.Row >= 1 && p.Row <= l.Rows
}

func (l Layout) offset(p position.Position) int {
	return (p.Row-1)*l.Cols + (p.Col - 1)
}

func (l Layout) positionAt(offset int) position.Position {
	return position.Position{Col: offset%l.Cols + 1, Row: offset/l.Cols + 1}
}

// Order returns entity ids by slot in row-major order.
func (l Layout) Order() []string {
	out := make([]string, 0, len(l.where))
	for _, id := range l.slots {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Cells returns occupied cells in row-major order.
func (l Layout) Cells() []Cell {
	out := make([]Cell, 0, len(l.where))
	for i, id := range l.slots {
		if id == "" {
			continue
		}
		out = append(out, Cell{ID: id, Position: l.positionAt(i), Explicit: l.explicit[id]})
	}
	return out
}

// At returns the entity at p, or "" when p is empty or out of bounds.
func (l Layout) At(p position.Position) string {
	if !l.inBounds(p) {
		return ""
	}
	return l.slots[l.offset(p)]
}

// PositionOf returns where id was placed.
func (l Layout) PositionOf(id string) (position.Position, bool) {
	p, ok := l.where[id]
	return p, ok
}

// Len is the number of placed entities.
func (l Layout) Len() int {
	return len(l.where)
}

// Initialize returns default-position changes for entities whose descriptor
// is empty, pinning them to where they were placed in l.
func Initialize(l Layout, descriptor Accessor) []Change {
	var changes []Change
	for _, c := range l.Cells() {
		s := descriptor(c.ID)
		if !position.Decode(s).Empty() {
			continue
		}
		changes = append(changes, Change{ID: c.ID, Descriptor: position.UpsertDefault(s, c.Position)})
	}
	return changes
}
