package freshness

import (
	"sort"
	"sync"
	"time"

	"drivegrid/internal/model"
)

// Snapshot is one full server view of the reservations.
type Snapshot struct {
	Reservations []model.Reservation
	ETag         string
}

// Reader is the read-only view of the cache used by the board and search.
type Reader interface {
	Get(id string) (model.Reservation, bool)
	Day(dayKey string) []model.Reservation
	All() []model.Reservation
	Starts() []time.Time
	Version() uint64
	ETag() string
}

// Cache is the local reservation replica. The Controller is its only
// writer; everything else reads through Reader.
type Cache struct {
	mu      sync.RWMutex
	byID    map[string]model.Reservation
	byDay   map[string][]model.Reservation
	etag    string
	seq     uint64
	version uint64
}

func NewCache() *Cache {
	return &Cache{
		byID:  make(map[string]model.Reservation),
		byDay: make(map[string][]model.Reservation),
	}
}

// replace swaps in s if seq is newer than the applied snapshot. Optimistic
// local entries are dropped: the server view wins.
func (c *Cache) replace(s Snapshot, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.seq {
		return false
	}
	c.byID = make(map[string]model.Reservation, len(s.Reservations))
	for _, r := range s.Reservations {
		r.Local = false
		c.byID[r.ID] = r
	}
	c.seq = seq
	c.etag = s.ETag
	c.reindex()
	return true
}

func (c *Cache) putLocal(r model.Reservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Local = true
	c.byID[r.ID] = r
	c.reindex()
}

func (c *Cache) removeLocal(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return false
	}
	delete(c.byID, id)
	c.reindex()
	return true
}

func (c *Cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]model.Reservation)
	c.etag = ""
	c.reindex()
}

// reindex rebuilds day buckets and bumps the version. Callers hold mu.
func (c *Cache) reindex() {
	c.byDay = make(map[string][]model.Reservation)
	for _, r := range c.byID {
		key, ok := r.DayKey()
		if !ok {
			continue
		}
		c.byDay[key] = append(c.byDay[key], r)
	}
	for _, list := range c.byDay {
		sortByStart(list)
	}
	c.version++
}

func sortByStart(list []model.Reservation) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Start.Equal(*b.Start) {
			return a.Start.Before(*b.Start)
		}
		return a.ID < b.ID
	})
}

func (c *Cache) Get(id string) (model.Reservation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	return r, ok
}

// Day returns the reservations starting on dayKey, ordered by start.
func (c *Cache) Day(dayKey string) []model.Reservation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Reservation(nil), c.byDay[dayKey]...)
}

// All returns every cached reservation ordered by id.
func (c *Cache) All() []model.Reservation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Reservation, 0, len(c.byID))
	for _, r := range c.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Starts returns the parseable start times, for sizing the day range.
func (c *Cache) Starts() []time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]time.Time, 0, len(c.byID))
	for _, r := range c.byID {
		if r.Start != nil {
			out = append(out, *r.Start)
		}
	}
	return out
}

// Version increases on every visible mutation.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// ETag of the applied server snapshot.
func (c *Cache) ETag() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.etag
}

var _ Reader = (*Cache)(nil)
