// Package freshness keeps the local reservation cache converged with the
// server. Three signals ask for a refresh: an adaptive poll, push events and
// announcements from other instances. They all funnel into one Controller,
// which never swaps data in while the user is mid-gesture.
package freshness

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"drivegrid/internal/broadcast"
	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
)

var ErrNoSource = errors.New("freshness: no reservation source")

// Source is the remote system of record.
type Source interface {
	// Check is the lightweight "changed since etag?" query. An empty etag
	// always reports a change.
	Check(ctx context.Context, etag string) (bool, error)
	// Load fetches the full snapshot.
	Load(ctx context.Context) (Snapshot, error)
}

// Reason says why a refresh was requested.
type Reason int

const (
	ReasonPoll Reason = iota
	ReasonPush
	ReasonConnected
	ReasonDisconnected
	ReasonBroadcast
	ReasonManual
	ReasonInteractionEnd
)

func (r Reason) String() string {
	switch r {
	case ReasonPoll:
		return "poll"
	case ReasonPush:
		return "push"
	case ReasonConnected:
		return "connected"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonBroadcast:
		return "broadcast"
	case ReasonManual:
		return "manual"
	case ReasonInteractionEnd:
		return "interaction-end"
	}
	return "unknown"
}

// Request is one "refresh requested" event on the merged channel.
type Request struct {
	Reason Reason
	ETag   string
	Origin string
}

// Outcome reports what a tick or request did.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeUnchanged
	OutcomeFailed
	OutcomeApplied
	OutcomeBuffered
	OutcomeDeferred
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeFailed:
		return "failed"
	case OutcomeApplied:
		return "applied"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeStale:
		return "stale"
	}
	return "unknown"
}

// Options configures a Controller. Zero values pick defaults.
type Options struct {
	Ladder     []time.Duration
	MinSpacing time.Duration

	// MaxInteraction bounds how long an interaction may hold back data.
	// Past it the interaction is ended as if the client had sent the end.
	// Zero means one minute.
	MaxInteraction time.Duration

	// Origin identifies this instance on the broadcast channel.
	Origin      string
	Broadcaster broadcast.Channel

	// OnApply runs after new data became visible, once per apply.
	OnApply func(version uint64)
	// OnEpoch runs after the data source was replaced.
	OnEpoch func(epoch uint64)

	Now func() time.Time
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	Delay       time.Duration `json:"delay"`
	NextPoll    time.Time     `json:"next_poll"`
	Interacting bool          `json:"interacting"`
	Hidden      bool          `json:"hidden"`
	Buffered    bool          `json:"buffered"`
	Pending     bool          `json:"pending"`
	ETag        string        `json:"etag"`
	Version     uint64        `json:"version"`
	Epoch       uint64        `json:"epoch"`
}

type buffered struct {
	snap Snapshot
	seq  uint64
}

// Controller owns the cache and decides when to fetch and when to apply.
type Controller struct {
	cache    *Cache
	origin   string
	bc       broadcast.Channel
	onApply  func(uint64)
	onEpoch  func(uint64)
	now      func() time.Time
	requests chan Request
	wake     chan struct{}

	mu           sync.Mutex
	src          Source
	backoff      *Backoff
	limiter      *rate.Limiter
	hidden       bool
	interactions int
	heldSince    time.Time
	maxHold      time.Duration
	inFlight     bool
	pending      bool
	// announce rides along with a pending retry of a change-driven refresh.
	announce     bool
	buffered     *buffered
	fetchedTag   string
	seq          uint64
	epoch        uint64
	nextPoll     time.Time
	retryAt      time.Time
	cancelHooks  []func()
}

// NewController creates a controller around src. The first poll is due
// immediately.
func NewController(src Source, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	if opts.MaxInteraction <= 0 {
		opts.MaxInteraction = time.Minute
	}
	limit := rate.Inf
	if opts.MinSpacing > 0 {
		limit = rate.Every(opts.MinSpacing)
	}
	c := &Controller{
		cache:    NewCache(),
		origin:   opts.Origin,
		bc:       opts.Broadcaster,
		onApply:  opts.OnApply,
		onEpoch:  opts.OnEpoch,
		now:      opts.Now,
		requests: make(chan Request, 8),
		wake:     make(chan struct{}, 1),
		src:      src,
		backoff:  NewBackoff(opts.Ladder),
		limiter:  rate.NewLimiter(limit, 1),
		maxHold:  opts.MaxInteraction,
	}
	c.nextPoll = c.now()
	return c
}

// Cache exposes the read side of the replica.
func (c *Controller) Cache() Reader { return c.cache }

// Origin is this instance's broadcast id.
func (c *Controller) Origin() string { return c.origin }

// Delay is the current poll delay.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Current()
}

// Status snapshots the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Delay:       c.backoff.Current(),
		NextPoll:    c.nextPoll,
		Interacting: c.interactions > 0,
		Hidden:      c.hidden,
		Buffered:    c.buffered != nil,
		Pending:     c.pending,
		ETag:        c.cache.ETag(),
		Version:     c.cache.Version(),
		Epoch:       c.epoch,
	}
}

// Tick runs one adaptive-poll step and schedules the next one.
//
//   - An interaction held past MaxInteraction is released first.
//   - Hidden or mid-gesture: reschedule at the current delay, no fetch.
//   - A previous fetch still in flight: no-op.
//   - A deferred push/broadcast refresh is pending: refresh now.
//   - Otherwise ask the source for changes. A change resets the ladder to
//     the floor, refreshes and announces; no change (or a failed check)
//     climbs a rung.
func (c *Controller) Tick(ctx context.Context) Outcome {
	c.releaseStale()

	c.mu.Lock()
	now := c.now()
	if c.hidden || c.interactions > 0 || c.inFlight {
		c.nextPoll = now.Add(c.backoff.Current())
		c.mu.Unlock()
		return OutcomeSkipped
	}
	if c.src == nil {
		c.nextPoll = now.Add(c.backoff.Advance())
		c.mu.Unlock()
		return OutcomeFailed
	}
	if c.pending {
		c.pending = false
		announce := c.takeAnnounce()
		c.nextPoll = now.Add(c.backoff.Reset())
		c.mu.Unlock()
		if announce {
			return c.refreshAndAnnounce(ctx, ReasonPoll)
		}
		return c.refresh(ctx, ReasonPoll)
	}
	src, tag := c.src, c.fetchedTag
	c.inFlight = true
	c.mu.Unlock()

	changed, err := src.Check(ctx, tag)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		delay := c.backoff.Advance()
		c.nextPoll = now.Add(delay)
		c.mu.Unlock()
		appLog.Error("freshness: change check failed", err, "next_delay", delay.String())
		return OutcomeFailed
	}
	if !changed {
		delay := c.backoff.Advance()
		c.nextPoll = now.Add(delay)
		c.mu.Unlock()
		appLog.Debug("freshness: no change", "next_delay", delay.String())
		return OutcomeUnchanged
	}
	c.nextPoll = now.Add(c.backoff.Reset())
	c.mu.Unlock()

	return c.refreshAndAnnounce(ctx, ReasonPoll)
}

// Handle processes one request from the merged channel.
func (c *Controller) Handle(ctx context.Context, req Request) Outcome {
	switch req.Reason {
	case ReasonPoll:
		return c.Tick(ctx)

	case ReasonConnected:
		c.resetToFloor()
		return c.refreshIfIdle(ctx, req.Reason)

	case ReasonDisconnected:
		// Polling takes over at the floor delay.
		c.resetToFloor()
		return OutcomeSkipped

	case ReasonPush:
		return c.refreshIfIdle(ctx, req.Reason)

	case ReasonBroadcast:
		c.mu.Lock()
		own := req.Origin != "" && req.Origin == c.origin
		known := req.ETag != "" && req.ETag == c.fetchedTag
		c.mu.Unlock()
		if own || known {
			return OutcomeSkipped
		}
		return c.refreshIfIdle(ctx, req.Reason)

	case ReasonManual:
		return c.refreshAndAnnounce(ctx, req.Reason)

	case ReasonInteractionEnd:
		c.mu.Lock()
		run := c.pending && c.interactions == 0 && !c.inFlight
		announce := false
		if run {
			c.pending = false
			announce = c.takeAnnounce()
		}
		c.mu.Unlock()
		if !run {
			return OutcomeSkipped
		}
		if announce {
			return c.refreshAndAnnounce(ctx, req.Reason)
		}
		return c.refresh(ctx, req.Reason)
	}
	return OutcomeSkipped
}

func (c *Controller) resetToFloor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextPoll = c.now().Add(c.backoff.Reset())
}

func (c *Controller) refreshIfIdle(ctx context.Context, reason Reason) Outcome {
	c.mu.Lock()
	if c.interactions > 0 {
		c.pending = true
		c.mu.Unlock()
		appLog.Debug("freshness: refresh deferred until interaction ends", "reason", reason.String())
		return OutcomeDeferred
	}
	c.mu.Unlock()
	return c.refresh(ctx, reason)
}

// refresh loads a full snapshot, subject to single-flight and the minimum
// inter-fetch spacing, then applies it or buffers it during interaction.
func (c *Controller) refresh(ctx context.Context, reason Reason) Outcome {
	c.mu.Lock()
	if c.src == nil {
		c.mu.Unlock()
		appLog.Error("freshness: refresh skipped", ErrNoSource, "reason", reason.String())
		return OutcomeFailed
	}
	if c.inFlight {
		c.pending = true
		c.mu.Unlock()
		return OutcomeDeferred
	}
	now := c.now()
	res := c.limiter.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		c.pending = true
		c.retryAt = now.Add(wait)
		c.mu.Unlock()
		appLog.Debug("freshness: refresh spaced out", "reason", reason.String(), "wait", wait.String())
		return OutcomeDeferred
	}
	c.retryAt = time.Time{}
	c.inFlight = true
	c.seq++
	seq, epoch, src := c.seq, c.epoch, c.src
	c.mu.Unlock()

	snap, err := src.Load(ctx)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.mu.Unlock()
		appLog.Error("freshness: refresh failed", err, "reason", reason.String())
		return OutcomeFailed
	}
	if epoch != c.epoch {
		c.mu.Unlock()
		return OutcomeStale
	}
	c.fetchedTag = snap.ETag
	if c.interactions > 0 {
		c.buffered = &buffered{snap: snap, seq: seq}
		c.mu.Unlock()
		appLog.Debug("freshness: snapshot buffered during interaction", "reason", reason.String(), "etag", snap.ETag)
		return OutcomeBuffered
	}
	// A newer fetch supersedes anything still buffered.
	c.buffered = nil
	applied := c.cache.replace(snap, seq)
	version := c.cache.Version()
	c.mu.Unlock()

	if !applied {
		return OutcomeStale
	}
	appLog.Info("freshness: snapshot applied", "reason", reason.String(), "reservations", len(snap.Reservations), "etag", snap.ETag)
	if c.onApply != nil {
		c.onApply(version)
	}
	return OutcomeApplied
}

// refreshAndAnnounce refreshes after a detected change and tells the other
// instances. When the refresh is deferred the announcement waits for the
// retry.
func (c *Controller) refreshAndAnnounce(ctx context.Context, reason Reason) Outcome {
	out := c.refresh(ctx, reason)
	switch out {
	case OutcomeApplied, OutcomeBuffered:
		c.publish(ctx)
	case OutcomeDeferred:
		c.mu.Lock()
		c.announce = true
		c.mu.Unlock()
	}
	return out
}

// takeAnnounce must be called with c.mu held.
func (c *Controller) takeAnnounce() bool {
	a := c.announce
	c.announce = false
	return a
}

func (c *Controller) publish(ctx context.Context) {
	if c.bc == nil {
		return
	}
	c.mu.Lock()
	tag := c.fetchedTag
	c.mu.Unlock()
	if err := c.bc.Publish(ctx, broadcast.Changed(tag, c.origin)); err != nil {
		appLog.Error("freshness: broadcast failed", err)
	}
}

// OnGestureStart registers a hook run whenever an interaction begins, used
// to clear debounced timers (idle-scroll hydration, auto-jump).
func (c *Controller) OnGestureStart(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelHooks = append(c.cancelHooks, fn)
}

// BeginInteraction marks the start of a pan, drag or position edit. Until
// the matching EndInteraction, fetched data is buffered and not applied.
func (c *Controller) BeginInteraction() {
	c.mu.Lock()
	c.interactions++
	c.heldSince = c.now()
	hooks := append([]func(){}, c.cancelHooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// EndInteraction closes one interaction. When the last one ends the
// buffered snapshot (the most recent one) is applied once, and a deferred
// refresh is queued on the request channel.
func (c *Controller) EndInteraction() Outcome {
	return c.endInteraction(false)
}

// releaseStale ends every open interaction once the latest BeginInteraction
// is older than MaxInteraction.
func (c *Controller) releaseStale() Outcome {
	return c.endInteraction(true)
}

func (c *Controller) endInteraction(expire bool) Outcome {
	c.mu.Lock()
	if c.interactions == 0 {
		c.mu.Unlock()
		return OutcomeSkipped
	}
	if expire {
		held := c.now().Sub(c.heldSince)
		if held < c.maxHold {
			c.mu.Unlock()
			return OutcomeSkipped
		}
		appLog.Warn("freshness: interaction held too long, releasing", "open", c.interactions, "held", held.String())
		c.interactions = 0
	} else {
		c.interactions--
		if c.interactions > 0 {
			c.mu.Unlock()
			return OutcomeSkipped
		}
	}
	b := c.buffered
	c.buffered = nil
	pending := c.pending
	applied := false
	if b != nil {
		applied = c.cache.replace(b.snap, b.seq)
	}
	version := c.cache.Version()
	c.mu.Unlock()

	if pending {
		c.Request(Request{Reason: ReasonInteractionEnd})
	}
	if !applied {
		return OutcomeSkipped
	}
	appLog.Info("freshness: buffered snapshot applied", "etag", b.snap.ETag)
	if c.onApply != nil {
		c.onApply(version)
	}
	return OutcomeApplied
}

// Interacting reports whether a gesture is in progress.
func (c *Controller) Interacting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interactions > 0
}

// SetHidden pauses (true) or resumes (false) polling. Resuming polls right away.
func (c *Controller) SetHidden(hidden bool) {
	c.mu.Lock()
	c.hidden = hidden
	if !hidden {
		c.nextPoll = c.now()
	}
	c.mu.Unlock()
	c.poke()
}

// Edit applies an optimistic local change; the next snapshot reconciles it.
func (c *Controller) Edit(r model.Reservation) {
	c.cache.putLocal(r)
	if c.onApply != nil {
		c.onApply(c.cache.Version())
	}
}

// Forget optimistically removes a reservation.
func (c *Controller) Forget(id string) bool {
	ok := c.cache.removeLocal(id)
	if ok && c.onApply != nil {
		c.onApply(c.cache.Version())
	}
	return ok
}

// ReplaceSource swaps the data source, starting a new epoch: the cache is
// cleared, in-flight results from the old source are discarded and OnEpoch
// fires. A refresh is requested.
func (c *Controller) ReplaceSource(src Source) uint64 {
	c.mu.Lock()
	c.src = src
	c.epoch++
	epoch := c.epoch
	c.fetchedTag = ""
	c.buffered = nil
	c.pending = false
	c.announce = false
	c.cache.clear()
	c.nextPoll = c.now().Add(c.backoff.Reset())
	c.mu.Unlock()

	appLog.Info("freshness: data source replaced", "epoch", epoch)
	if c.onEpoch != nil {
		c.onEpoch(epoch)
	}
	c.Request(Request{Reason: ReasonManual})
	return epoch
}

// Request enqueues req without blocking. When the queue is full the request
// is dropped: a queued refresh already covers it.
func (c *Controller) Request(req Request) {
	select {
	case c.requests <- req:
	default:
		appLog.Debug("freshness: request coalesced", "reason", req.Reason.String())
	}
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pump forwards broadcast messages into the request channel until ctx is
// done or the stream closes.
func (c *Controller) Pump(ctx context.Context, msgs <-chan broadcast.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			c.Request(Request{Reason: ReasonBroadcast, ETag: m.ETag, Origin: m.Origin})
		}
	}
}

// Run is the single consumer: it serves poll timers, spaced-out retries and
// requests one at a time until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	timer := time.NewTimer(c.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.requests:
			c.Handle(ctx, req)
		case <-c.wake:
		case <-timer.C:
			c.releaseStale()
			if c.retryDue() {
				c.Handle(ctx, Request{Reason: ReasonInteractionEnd})
			}
			if c.pollDue() {
				c.Tick(ctx)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.untilNext())
	}
}

func (c *Controller) pollDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.nextPoll)
}

func (c *Controller) retryDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryAt.IsZero() || c.now().Before(c.retryAt) {
		return false
	}
	c.retryAt = time.Time{}
	return true
}

func (c *Controller) untilNext() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.nextPoll
	if !c.retryAt.IsZero() && c.retryAt.Before(next) {
		next = c.retryAt
	}
	if c.interactions > 0 {
		if release := c.heldSince.Add(c.maxHold); release.Before(next) {
			next = release
		}
	}
	d := next.Sub(c.now())
	if d < 0 {
		return 0
	}
	return time.Duration(math.Min(float64(d), float64(c.backoff.Ceiling())))
}
