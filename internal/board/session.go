package board

import (
	"sync"
	"time"

	"drivegrid/internal/model"
	"drivegrid/internal/search"
	"drivegrid/internal/window"
)

// SessionOptions sizes the horizontal day strip.
type SessionOptions struct {
	// Mounted is the number of day slots kept mounted.
	Mounted int
	// DayWidth is the pixel width of one day.
	DayWidth float64
	// Pad is the number of days added on both ends of the known range.
	Pad int
	Now func() time.Time
}

// SlotView is one mounted day slot.
type SlotView struct {
	Index   int    `json:"index"`
	Day     string `json:"day"`
	InRange bool   `json:"in_range"`
	Matched bool   `json:"matched,omitempty"`
}

// StripView describes the scroll strip: its total width and what is mounted.
type StripView struct {
	First       string     `json:"first"`
	Days        int        `json:"days"`
	ScrollWidth float64    `json:"scroll_width"`
	WinStart    int        `json:"win_start"`
	Slots       []SlotView `json:"slots"`
}

// SearchResult lists the reservations and days matching a query.
type SearchResult struct {
	Query   string            `json:"query"`
	Days    []string          `json:"days"`
	Results []ReservationView `json:"results"`
}

// Session is the navigation state of one grid: the day virtualizer, the
// jump navigator and the active search.
type Session struct {
	board *Board
	opts  SessionOptions
	virt  *window.Virtualizer
	nav   *window.Navigator

	mu     sync.Mutex
	query  string
	tokens []search.Token
}

func NewSession(b *Board, opts SessionOptions) *Session {
	if opts.Mounted <= 0 {
		opts.Mounted = 7
	}
	if opts.DayWidth <= 0 {
		opts.DayWidth = 640
	}
	if opts.Pad < 0 {
		opts.Pad = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	nav := window.NewNavigator()
	nav.Now = opts.Now
	s := &Session{board: b, opts: opts, nav: nav}
	s.virt = window.New(s.currentRange(), opts.Mounted, opts.DayWidth)
	return s
}

func (s *Session) today() time.Time {
	return model.StartOfDay(s.opts.Now().In(s.board.Location()))
}

func (s *Session) currentRange() window.Range {
	return window.RangeFor(s.board.cache.Starts(), s.today(), s.opts.Pad)
}

// Refresh recomputes the range from the cache and re-runs the active search.
// Called after a snapshot was applied.
func (s *Session) Refresh() {
	s.virt.SetRange(s.currentRange())
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()
	if len(tokens) > 0 {
		s.nav.SetMatches(search.MatchingDays(tokens, s.board.cache.All(), s.board.Directory()))
	}
}

// Strip returns the current strip.
func (s *Session) Strip() StripView {
	rng := s.virt.Range()
	matched := make(map[string]struct{})
	for _, d := range s.nav.Matches() {
		matched[model.DayKey(d)] = struct{}{}
	}
	out := StripView{
		First:       model.DayKey(rng.First),
		Days:        rng.Days,
		ScrollWidth: s.virt.ScrollWidth(),
		WinStart:    s.virt.WinStart(),
	}
	for _, sl := range s.virt.Slots() {
		key := model.DayKey(sl.Day)
		_, hit := matched[key]
		out.Slots = append(out.Slots, SlotView{Index: sl.Index, Day: key, InRange: sl.InRange, Matched: hit})
	}
	return out
}

// Scroll handles a user scroll to offset and reports whether the mounted
// window moved.
func (s *Session) Scroll(offset float64) bool {
	s.nav.UserGesture()
	s.board.CancelSettle()
	return s.virt.OnScroll(offset)
}

// Jump centers day; a user jump suspends auto-jumps.
func (s *Session) Jump(day time.Time, viewportWidth float64) (float64, bool) {
	return window.JumpToDate(s.nav, s.virt, day, viewportWidth)
}

// JumpToday is the auto-jump issued on load; it yields to recent gestures.
func (s *Session) JumpToday(viewportWidth float64) (float64, bool) {
	return window.AutoJump(s.nav, s.virt, s.today(), viewportWidth)
}

// Search sets the active query and returns the matching days. An empty
// query clears the matches.
func (s *Session) Search(q string) SearchResult {
	tokens := search.Tokenize(q)
	s.mu.Lock()
	s.query = q
	s.tokens = tokens
	s.mu.Unlock()

	dir := s.board.Directory()
	var hits []model.Reservation
	if len(tokens) > 0 {
		hits = search.Reservations(tokens, s.board.cache.All(), dir)
	}
	s.nav.SetMatches(search.MatchingDays(tokens, hits, dir))

	out := SearchResult{Query: q, Days: []string{}, Results: make([]ReservationView, 0, len(hits))}
	for _, d := range s.nav.Matches() {
		out.Days = append(out.Days, model.DayKey(d))
	}
	hl := search.NewHighlighter(tokens)
	for _, r := range hits {
		v := Present(r, dir)
		v.Matched = true
		v.NameSpans = hl.Spans(v.StudentName)
		out.Results = append(out.Results, v)
	}
	return out
}

// Query returns the active query.
func (s *Session) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// NextMatch jumps to the next matching day, wrapping around.
func (s *Session) NextMatch(viewportWidth float64) (time.Time, float64, bool) {
	day, ok := s.nav.NextMatch()
	if !ok {
		return time.Time{}, 0, false
	}
	left, ok := s.Jump(day, viewportWidth)
	return day, left, ok
}

// PrevMatch jumps to the previous matching day, wrapping around.
func (s *Session) PrevMatch(viewportWidth float64) (time.Time, float64, bool) {
	day, ok := s.nav.PrevMatch()
	if !ok {
		return time.Time{}, 0, false
	}
	left, ok := s.Jump(day, viewportWidth)
	return day, left, ok
}
