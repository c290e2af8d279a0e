// Package board composes the grid pieces into per-day views: slot windows,
// the resolved instructor columns, their reservations (or skeletons until
// hydrated), and the cell actions.
package board

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"drivegrid/internal/freshness"
	"drivegrid/internal/grid"
	"drivegrid/internal/hydration"
	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
	"drivegrid/internal/slots"
)

var (
	ErrUnknownDay    = errors.New("board: invalid day key")
	ErrUnknownWindow = errors.New("board: lesson window out of range")
)

// Interactions brackets position edits so that no refresh lands mid-edit.
// *freshness.Controller implements it.
type Interactions interface {
	BeginInteraction()
	EndInteraction() freshness.Outcome
}

// CreateRequest describes a lesson to create at an empty slot.
type CreateRequest struct {
	InstructorID string    `json:"instructor_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

// Options wires a Board. Generator, Cache and Store are required.
type Options struct {
	Generator *slots.Generator
	Cache     freshness.Reader
	Store     grid.Store
	Tracker   *hydration.Tracker
	Directory model.Directory
	Location  *time.Location

	Interactions Interactions
	// SettleDelay is the idle-scroll time before a hydration pass runs.
	SettleDelay time.Duration

	// OnOpen is invoked when a populated cell is activated.
	OnOpen func(model.Reservation)
	// OnCreate is invoked when an empty cell is activated.
	OnCreate func(CreateRequest)
}

// Board is safe for concurrent use.
type Board struct {
	gen      *slots.Generator
	cache    freshness.Reader
	store    grid.Store
	tracker  *hydration.Tracker
	loc      *time.Location
	gate     Interactions
	onOpen   func(model.Reservation)
	onCreate func(CreateRequest)
	settler  *hydration.Settler

	mu  sync.RWMutex
	dir model.Directory

	geoMu    sync.Mutex
	viewport hydration.Rect
	columns  map[hydration.Key]hydration.Rect
}

func New(opts Options) *Board {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Tracker == nil {
		opts.Tracker = hydration.NewTracker(hydration.DefaultBuffer)
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 150 * time.Millisecond
	}
	b := &Board{
		gen:      opts.Generator,
		cache:    opts.Cache,
		store:    opts.Store,
		tracker:  opts.Tracker,
		loc:      opts.Location,
		gate:     opts.Interactions,
		onOpen:   opts.OnOpen,
		onCreate: opts.OnCreate,
		dir:      opts.Directory,
	}
	b.settler = hydration.NewSettler(opts.SettleDelay, b.settle)
	return b
}

// Tracker exposes the hydration tracker.
func (b *Board) Tracker() *hydration.Tracker { return b.tracker }

// Location is the display zone.
func (b *Board) Location() *time.Location { return b.loc }

// Directory returns the current reference lists.
func (b *Board) Directory() model.Directory {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dir
}

// SetDirectory replaces the reference lists.
func (b *Board) SetDirectory(d model.Directory) {
	b.mu.Lock()
	b.dir = d
	b.mu.Unlock()
}

// ResetHydration starts a new hydration epoch; called when the data source
// is replaced.
func (b *Board) ResetHydration(epoch uint64) {
	b.tracker.Reset()
	appLog.Info("board: hydration reset", "epoch", epoch)
}

// ParseDay parses a day key in the display zone.
func (b *Board) ParseDay(key string) (time.Time, error) {
	d, ok := model.ParseDayKey(key, b.loc)
	if !ok {
		return time.Time{}, ErrUnknownDay
	}
	return d, nil
}

// Windows returns the lesson windows of day.
func (b *Board) Windows(day time.Time) []slots.Window {
	return b.gen.ForDay(day)
}

// Instructors returns every instructor id to place on dayKey: the directory
// plus anyone holding a reservation that day.
func (b *Board) Instructors(dayKey string) []string {
	dir := b.Directory()
	seen := make(map[string]struct{}, len(dir.Instructors))
	ids := make([]string, 0, len(dir.Instructors))
	for id := range dir.Instructors {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, r := range b.cache.Day(dayKey) {
		if r.InstructorID == "" {
			continue
		}
		if _, ok := seen[r.InstructorID]; ok {
			continue
		}
		seen[r.InstructorID] = struct{}{}
		ids = append(ids, r.InstructorID)
	}
	sort.Strings(ids)
	return ids
}

// Layout resolves the grid for dayKey against the current descriptors.
func (b *Board) Layout(dayKey string) grid.Layout {
	return grid.Resolve(b.Instructors(dayKey), dayKey, b.store.Descriptor)
}

// Initialize persists default placements for instructors seen without a
// descriptor. It returns the number of initialized instructors.
func (b *Board) Initialize(ctx context.Context, l grid.Layout) (int, error) {
	changes := grid.Initialize(l, b.store.Descriptor)
	if len(changes) == 0 {
		return 0, nil
	}
	if err := b.store.Apply(ctx, changes); err != nil {
		return 0, err
	}
	appLog.Debug("board: default positions initialized", "day", l.Day, "count", len(changes))
	return len(changes), nil
}

// Nudge moves one instructor a single step on dayKey.
func (b *Board) Nudge(ctx context.Context, dayKey, id string, dir grid.Direction) (grid.Layout, error) {
	if _, err := b.ParseDay(dayKey); err != nil {
		return grid.Layout{}, err
	}
	return b.edit(ctx, dayKey, func(l grid.Layout) ([]grid.Change, error) {
		return grid.Nudge(l, id, dir, b.store.Descriptor)
	})
}

// SwapColumns exchanges two columns on dayKey.
func (b *Board) SwapColumns(ctx context.Context, dayKey string, a, c int) (grid.Layout, error) {
	if _, err := b.ParseDay(dayKey); err != nil {
		return grid.Layout{}, err
	}
	return b.edit(ctx, dayKey, func(l grid.Layout) ([]grid.Change, error) {
		return grid.SwapColumns(l, a, c, b.store.Descriptor)
	})
}

// edit runs one position edit as an interaction and returns the layout
// after the batch was applied.
func (b *Board) edit(ctx context.Context, dayKey string, plan func(grid.Layout) ([]grid.Change, error)) (grid.Layout, error) {
	if b.gate != nil {
		b.gate.BeginInteraction()
		defer b.gate.EndInteraction()
	}
	l := b.Layout(dayKey)
	changes, err := plan(l)
	if err != nil {
		return l, err
	}
	if len(changes) > 0 {
		if err := b.store.Apply(ctx, changes); err != nil {
			return l, err
		}
	}
	return b.Layout(dayKey), nil
}

// ActionKind says what activating a cell did.
type ActionKind string

const (
	ActionOpen   ActionKind = "open"
	ActionCreate ActionKind = "create"
)

// Action is the result of Activate.
type Action struct {
	Kind        ActionKind       `json:"kind"`
	Reservation *ReservationView `json:"reservation,omitempty"`
	Create      *CreateRequest   `json:"create,omitempty"`
}

// Activate handles a click on (day, instructor, window): a populated cell
// opens its first reservation, an empty one requests a new lesson there.
func (b *Board) Activate(dayKey, instructorID string, window int) (Action, error) {
	day, err := b.ParseDay(dayKey)
	if err != nil {
		return Action{}, err
	}
	windows := b.Windows(day)
	if window < 0 || window >= len(windows) {
		return Action{}, ErrUnknownWindow
	}
	w := windows[window]

	for _, r := range b.cache.Day(dayKey) {
		if r.InstructorID != instructorID || r.Start == nil {
			continue
		}
		if w.Contains(*r.Start) {
			if b.onOpen != nil {
				b.onOpen(r)
			}
			view := Present(r, b.Directory())
			return Action{Kind: ActionOpen, Reservation: &view}, nil
		}
	}

	req := CreateRequest{InstructorID: instructorID, Start: w.Start, End: w.End}
	if b.onCreate != nil {
		b.onCreate(req)
	}
	return Action{Kind: ActionCreate, Create: &req}, nil
}
