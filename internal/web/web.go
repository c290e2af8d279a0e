package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"drivegrid/internal/board"
	"drivegrid/internal/config"
	"drivegrid/internal/freshness"
	"drivegrid/internal/grid"
	"drivegrid/internal/hydration"
	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
)

// Sync is the part of the refresh controller the API drives.
// *freshness.Controller implements it.
type Sync interface {
	Request(freshness.Request)
	Status() freshness.Status
	SetHidden(hidden bool)
	BeginInteraction()
	EndInteraction() freshness.Outcome
	Edit(r model.Reservation)
	Forget(id string) bool
}

// ReloadFunc re-reads the reservation source and returns the new epoch.
type ReloadFunc func(ctx context.Context) (uint64, error)

// Server provides the grid HTTP API.
type Server struct {
	cfg     *config.Config
	board   *board.Board
	session *board.Session
	sync    Sync
	reload  ReloadFunc
	mux     *http.ServeMux
}

// NewServer constructs a new Server. sync may be nil, in which case refresh
// endpoints answer 503.
func NewServer(cfg *config.Config, b *board.Board, sess *board.Session, sync Sync) *Server {
	s := &Server{
		cfg:     cfg,
		board:   b,
		session: sess,
		sync:    sync,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// OnReload installs the hook behind POST /api/source/reload.
func (s *Server) OnReload(fn ReloadFunc) { s.reload = fn }

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="DriveGrid", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the HTTP server on cfg.Listen until ctx is cancelled, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/visibility", s.handleVisibility)
	s.mux.HandleFunc("POST /api/interaction", s.handleInteraction)
	s.mux.HandleFunc("POST /api/source/reload", s.handleReload)
	s.mux.HandleFunc("POST /api/reservations/local", s.handleLocalEdit)
	s.mux.HandleFunc("DELETE /api/reservations/local/{id}", s.handleLocalForget)

	s.mux.HandleFunc("GET /api/slots", s.handleSlots)
	s.mux.HandleFunc("GET /api/grid", s.handleGrid)
	s.mux.HandleFunc("POST /api/grid/nudge", s.handleNudge)
	s.mux.HandleFunc("POST /api/grid/swap", s.handleSwap)
	s.mux.HandleFunc("POST /api/grid/activate", s.handleActivate)
	s.mux.HandleFunc("POST /api/grid/hydrate", s.handleHydrate)
	s.mux.HandleFunc("POST /api/viewport", s.handleViewport)

	s.mux.HandleFunc("GET /api/strip", s.handleStrip)
	s.mux.HandleFunc("POST /api/strip/scroll", s.handleScroll)
	s.mux.HandleFunc("POST /api/strip/jump", s.handleJump)

	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("POST /api/search/step", s.handleSearchStep)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Sync      *freshness.Status `json:"sync,omitempty"`
	Hydration uint64            `json:"hydration_epoch"`
	Timezone  string            `json:"timezone"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Hydration: s.board.Tracker().Epoch(),
		Timezone:  s.board.Location().String(),
	}
	if s.sync != nil {
		st := s.sync.Status()
		resp.Sync = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no reservation source")
		return
	}
	s.sync.Request(freshness.Request{Reason: freshness.ReasonManual})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type visibilityRequest struct {
	Hidden bool `json:"hidden"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.sync != nil {
		s.sync.SetHidden(req.Hidden)
	}
	w.WriteHeader(http.StatusNoContent)
}

type interactionRequest struct {
	// Phase is "begin" or "end".
	Phase string `json:"phase"`
}

// handleInteraction brackets client-side drags so that no snapshot lands
// mid-gesture.
func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.sync == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch req.Phase {
	case "begin":
		s.sync.BeginInteraction()
		writeJSON(w, http.StatusOK, map[string]string{"outcome": "begun"})
	case "end":
		out := s.sync.EndInteraction()
		writeJSON(w, http.StatusOK, map[string]string{"outcome": out.String()})
	default:
		writeError(w, http.StatusBadRequest, "phase must be begin or end")
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusServiceUnavailable, "reload not available")
		return
	}
	epoch, err := s.reload(r.Context())
	if err != nil {
		appLog.Error("api source reload failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"epoch": epoch})
}

// handleLocalEdit shows a reservation before the source confirms it. The
// next snapshot carrying the same id replaces it.
//
// POST /api/reservations/local {"id":"tmp-1","startTime":"2025-03-10T08:00:00","instructorId":1}
func (s *Server) handleLocalEdit(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no reservation source")
		return
	}
	var dto model.ReservationDTO
	if !decodeBody(w, r, &dto) {
		return
	}
	res := dto.ToReservation(s.board.Location())
	if res.ID == "" || res.Start == nil {
		writeError(w, http.StatusBadRequest, "id and a valid startTime are required")
		return
	}
	s.sync.Edit(res)
	res.Local = true
	writeJSON(w, http.StatusAccepted, board.Present(res, s.board.Directory()))
}

func (s *Server) handleLocalForget(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no reservation source")
		return
	}
	if !s.sync.Forget(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "no local reservation with that id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type slotDTO struct {
	Index int       `json:"index"`
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// handleSlots returns the lesson windows of a day.
//
// GET /api/slots?day=2025-03-10
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	day, err := s.board.ParseDay(r.URL.Query().Get("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	windows := s.board.Windows(day)
	out := make([]slotDTO, 0, len(windows))
	for i, win := range windows {
		out = append(out, slotDTO{Index: i, Label: win.Label(), Start: win.Start, End: win.End})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGrid returns the day view.
//
// GET /api/grid?day=2025-03-10&first=1&q=ion
//   - first: hydrate every column (first paint)
//   - q:     mark matching reservations; defaults to the active search
func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := board.ViewOptions{FirstPaint: parseBool(q.Get("first"))}
	if q.Has("q") {
		opts.Query = q.Get("q")
	} else if s.session != nil {
		opts.Query = s.session.Query()
	}

	view, err := s.board.View(r.Context(), q.Get("day"), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type nudgeRequest struct {
	Day          string `json:"day"`
	InstructorID string `json:"instructor_id"`
	Direction    string `json:"direction"`
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req nudgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dir, ok := grid.ParseDirection(req.Direction)
	if !ok {
		writeError(w, http.StatusBadRequest, "direction must be left, right, up or down")
		return
	}
	l, err := s.board.Nudge(r.Context(), req.Day, req.InstructorID, dir)
	if err != nil {
		writeEditError(w, "nudge", err)
		return
	}
	writeJSON(w, http.StatusOK, layoutResponse(l))
}

type swapRequest struct {
	Day string `json:"day"`
	A   int    `json:"a"`
	B   int    `json:"b"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	l, err := s.board.SwapColumns(r.Context(), req.Day, req.A, req.B)
	if err != nil {
		writeEditError(w, "swap", err)
		return
	}
	writeJSON(w, http.StatusOK, layoutResponse(l))
}

type activateRequest struct {
	Day          string `json:"day"`
	InstructorID string `json:"instructor_id"`
	Window       int    `json:"window"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	action, err := s.board.Activate(req.Day, req.InstructorID, req.Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, action)
}

type hydrateRequest struct {
	Day           string   `json:"day"`
	InstructorIDs []string `json:"instructor_ids"`
}

func (s *Server) handleHydrate(w http.ResponseWriter, r *http.Request) {
	var req hydrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.board.ParseDay(req.Day); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.board.Hydrate(req.Day, req.InstructorIDs...)
	w.WriteHeader(http.StatusNoContent)
}

type rectDTO struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (r rectDTO) rect() hydration.Rect {
	return hydration.Rect{Left: r.Left, Top: r.Top, Right: r.Right, Bottom: r.Bottom}
}

type columnRectDTO struct {
	Day          string  `json:"day"`
	InstructorID string  `json:"instructor_id"`
	Rect         rectDTO `json:"rect"`
}

type viewportRequest struct {
	Viewport rectDTO         `json:"viewport"`
	Columns  []columnRectDTO `json:"columns"`
	// Settled runs the hydration pass now instead of after the idle delay.
	Settled bool `json:"settled"`
}

type hydratedDTO struct {
	Day          string `json:"day"`
	InstructorID string `json:"instructor_id"`
}

// handleViewport receives the client's scroll geometry.
func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	g := board.Geometry{
		Viewport: req.Viewport.rect(),
		Columns:  make(map[hydration.Key]hydration.Rect, len(req.Columns)),
	}
	for _, c := range req.Columns {
		g.Columns[hydration.Key{Day: c.Day, Entity: c.InstructorID}] = c.Rect.rect()
	}

	if !req.Settled {
		s.board.Scrolled(g)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	keys := s.board.Observe(g)
	out := make([]hydratedDTO, 0, len(keys))
	for _, k := range keys {
		out = append(out, hydratedDTO{Day: k.Day, InstructorID: k.Entity})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hydrated": out})
}

func (s *Server) handleStrip(w http.ResponseWriter, _ *http.Request) {
	if !s.requireSession(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.session.Strip())
}

type scrollRequest struct {
	Offset float64 `json:"offset"`
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w) {
		return
	}
	var req scrollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.session.Scroll(req.Offset)
	writeJSON(w, http.StatusOK, s.session.Strip())
}

type jumpRequest struct {
	// Day is a day key or "today".
	Day           string  `json:"day"`
	ViewportWidth float64 `json:"viewport_width"`
}

type jumpResponse struct {
	Day    string  `json:"day,omitempty"`
	Offset float64 `json:"offset"`
	Moved  bool    `json:"moved"`
}

// handleJump centers a day. "today" is the programmatic load-time jump and
// yields to a recent user gesture; any other day is a user jump.
func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w) {
		return
	}
	var req jumpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Day == "today" {
		left, ok := s.session.JumpToday(req.ViewportWidth)
		writeJSON(w, http.StatusOK, jumpResponse{Day: req.Day, Offset: left, Moved: ok})
		return
	}
	day, err := s.board.ParseDay(req.Day)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	left, ok := s.session.Jump(day, req.ViewportWidth)
	writeJSON(w, http.StatusOK, jumpResponse{Day: req.Day, Offset: left, Moved: ok})
}

// handleSearch sets the active query.
//
// GET /api/search?q=ion+09:
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.session.Search(r.URL.Query().Get("q")))
}

type stepRequest struct {
	Reverse       bool    `json:"reverse"`
	ViewportWidth float64 `json:"viewport_width"`
}

// handleSearchStep jumps to the next (or previous) matching day.
func (s *Server) handleSearchStep(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w) {
		return
	}
	var req stepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	step := s.session.NextMatch
	if req.Reverse {
		step = s.session.PrevMatch
	}
	day, left, ok := step(req.ViewportWidth)
	if day.IsZero() {
		writeError(w, http.StatusNotFound, "no matching days")
		return
	}
	writeJSON(w, http.StatusOK, jumpResponse{Day: day.Format("2006-01-02"), Offset: left, Moved: ok})
}

func (s *Server) requireSession(w http.ResponseWriter) bool {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "navigation is not enabled")
		return false
	}
	return true
}

type placementDTO struct {
	InstructorID string `json:"instructor_id"`
	Col          int    `json:"col"`
	Row          int    `json:"row"`
	Explicit     bool   `json:"explicit"`
}

type layoutDTO struct {
	Day     string         `json:"day"`
	Rows    int            `json:"rows"`
	Cols    int            `json:"cols"`
	Columns []placementDTO `json:"columns"`
}

func layoutResponse(l grid.Layout) layoutDTO {
	out := layoutDTO{Day: l.Day, Rows: l.Rows, Cols: l.Cols, Columns: []placementDTO{}}
	for _, c := range l.Cells() {
		out.Columns = append(out.Columns, placementDTO{
			InstructorID: c.ID,
			Col:          c.Position.Col,
			Row:          c.Position.Row,
			Explicit:     c.Explicit,
		})
	}
	return out
}

func writeEditError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, board.ErrUnknownDay),
		errors.Is(err, grid.ErrInvalidColumn):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, grid.ErrUnknownEntity):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		appLog.Error("api "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save positions")
	}
}

// maxBodyBytes bounds request bodies; viewport reports are the largest.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
