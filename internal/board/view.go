package board

import (
	"context"
	"time"

	"drivegrid/internal/hydration"
	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
	"drivegrid/internal/search"
	"drivegrid/internal/slots"
)

// ReservationView is a reservation as the grid shows it.
type ReservationView struct {
	ID           string     `json:"id"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Time         string     `json:"time,omitempty"`
	InstructorID string     `json:"instructor_id"`
	StudentID    string     `json:"student_id,omitempty"`
	StudentName  string     `json:"student_name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Sector       string     `json:"sector,omitempty"`
	Color        string     `json:"color,omitempty"`
	Confirmed    bool       `json:"confirmed"`
	Note         string     `json:"note,omitempty"`
	Gearbox      string     `json:"gearbox,omitempty"`
	Local        bool       `json:"local,omitempty"`
	Matched      bool       `json:"matched,omitempty"`

	// NameSpans marks the query hits inside StudentName.
	NameSpans []search.Span `json:"name_spans,omitempty"`
}

// Present resolves the directory references of r.
func Present(r model.Reservation, dir model.Directory) ReservationView {
	v := ReservationView{
		ID:           r.ID,
		Start:        r.Start,
		End:          r.End,
		InstructorID: r.InstructorID,
		StudentID:    r.StudentID,
		Sector:       r.Sector,
		Color:        r.Color,
		Confirmed:    r.Confirmed,
		Note:         r.PrivateMessage,
		Gearbox:      r.Gearbox,
		Local:        r.Local,
	}
	if r.Start != nil {
		v.Time = r.Start.Format("15:04")
		if r.End != nil {
			v.Time += "-" + r.End.Format("15:04")
		}
	}
	if s, ok := dir.Students[r.StudentID]; ok {
		v.StudentName = s.FullName()
		v.Phone = s.Phone
	}
	return v
}

// WindowView is one lesson window header.
type WindowView struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CellView is one (instructor, window) cell. Reservations is nil while the
// column is a skeleton.
type CellView struct {
	Window       int               `json:"window"`
	Reservations []ReservationView `json:"reservations,omitempty"`
}

// ColumnView is one placed instructor.
type ColumnView struct {
	InstructorID string `json:"instructor_id"`
	Name         string `json:"name"`
	Group        string `json:"group,omitempty"`
	Plate        string `json:"plate,omitempty"`
	Row          int    `json:"row"`
	Col          int    `json:"col"`
	Explicit     bool   `json:"explicit"`
	Hydrated     bool   `json:"hydrated"`
	Matched      bool   `json:"matched,omitempty"`

	Cells []CellView `json:"cells"`
	// OffGrid holds the instructor's reservations that fall in no window.
	OffGrid []ReservationView `json:"off_grid,omitempty"`
}

// DayView is everything needed to paint one day.
type DayView struct {
	Day     string       `json:"day"`
	Rows    int          `json:"rows"`
	Cols    int          `json:"cols"`
	Windows []WindowView `json:"windows"`
	Columns []ColumnView `json:"columns"`
	Version uint64       `json:"version"`
	Epoch   uint64       `json:"epoch"`
}

// ViewOptions tunes View.
type ViewOptions struct {
	// FirstPaint hydrates every column of the day before building the view.
	FirstPaint bool
	// Query marks matching reservations and instructor columns.
	Query string
}

// View builds the day view for dayKey. Instructors without a stored
// placement get one persisted on the way; a failure there is logged and the
// view still renders with the resolved fallback positions.
func (b *Board) View(ctx context.Context, dayKey string, opts ViewOptions) (DayView, error) {
	day, err := b.ParseDay(dayKey)
	if err != nil {
		return DayView{}, err
	}
	dayKey = model.DayKey(day)

	l := b.Layout(dayKey)
	if n, err := b.Initialize(ctx, l); err != nil {
		appLog.Error("board: initialize positions failed", err, "day", dayKey)
	} else if n > 0 {
		l = b.Layout(dayKey)
	}

	windows := b.Windows(day)
	dir := b.Directory()
	tokens := search.Tokenize(opts.Query)

	byInstructor := make(map[string][]model.Reservation)
	for _, r := range b.cache.Day(dayKey) {
		byInstructor[r.InstructorID] = append(byInstructor[r.InstructorID], r)
	}

	out := DayView{
		Day:     dayKey,
		Rows:    l.Rows,
		Cols:    l.Cols,
		Windows: make([]WindowView, 0, len(windows)),
		Version: b.cache.Version(),
		Epoch:   b.tracker.Epoch(),
	}
	for _, w := range windows {
		out.Windows = append(out.Windows, WindowView{Label: w.Label(), Start: w.Start, End: w.End})
	}

	for _, c := range l.Cells() {
		key := hydration.Key{Day: dayKey, Entity: c.ID}
		if opts.FirstPaint {
			b.tracker.Hydrate(key)
		}
		col := ColumnView{
			InstructorID: c.ID,
			Name:         c.ID,
			Row:          c.Position.Row,
			Col:          c.Position.Col,
			Explicit:     c.Explicit,
			Hydrated:     b.tracker.IsHydrated(key),
			Cells:        make([]CellView, len(windows)),
		}
		if inst, ok := dir.Instructors[c.ID]; ok {
			col.Name = inst.Name
			col.Group = dir.Groups[inst.GroupID].Name
			col.Plate = dir.Cars[inst.CarID].Plate
			if len(tokens) > 0 {
				col.Matched = search.Match(tokens, search.InstructorDocument(inst, dir))
			}
		}
		for i := range col.Cells {
			col.Cells[i].Window = i
		}
		if col.Hydrated {
			fillColumn(&col, windows, byInstructor[c.ID], dir, tokens)
		}
		out.Columns = append(out.Columns, col)
	}
	return out, nil
}

func fillColumn(col *ColumnView, windows []slots.Window, list []model.Reservation, dir model.Directory, tokens []search.Token) {
	for _, r := range list {
		v := Present(r, dir)
		if len(tokens) > 0 {
			v.Matched = search.Match(tokens, search.ReservationDocument(r, dir))
		}
		placed := false
		for i, w := range windows {
			if r.Start != nil && w.Contains(*r.Start) {
				col.Cells[i].Reservations = append(col.Cells[i].Reservations, v)
				placed = true
				break
			}
		}
		if !placed {
			col.OffGrid = append(col.OffGrid, v)
		}
	}
}

// Hydrate marks the given instructors of dayKey as hydrated, e.g. after the
// client reported them visible.
func (b *Board) Hydrate(dayKey string, ids ...string) {
	for _, id := range ids {
		b.tracker.Hydrate(hydration.Key{Day: dayKey, Entity: id})
	}
}

// Geometry is a client's last reported layout: the viewport and the column
// rectangles keyed by (day, instructor).
type Geometry struct {
	Viewport hydration.Rect
	Columns  map[hydration.Key]hydration.Rect
}

// Scrolled records g and arms the idle-scroll hydration pass.
func (b *Board) Scrolled(g Geometry) {
	b.geoMu.Lock()
	b.viewport = g.Viewport
	b.columns = g.Columns
	b.geoMu.Unlock()
	b.settler.Touch()
}

// CancelSettle drops a pending hydration pass; wired to gesture starts.
func (b *Board) CancelSettle() {
	b.settler.Cancel()
}

// Observe runs a hydration pass against the given geometry immediately.
func (b *Board) Observe(g Geometry) []hydration.Key {
	return b.tracker.Observe(g.Viewport, g.Columns)
}

func (b *Board) settle() {
	b.geoMu.Lock()
	g := Geometry{Viewport: b.viewport, Columns: b.columns}
	b.geoMu.Unlock()
	if keys := b.Observe(g); len(keys) > 0 {
		appLog.Debug("board: columns hydrated", "count", len(keys))
	}
}
