package model

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DayKeyLayout is the canonical calendar-day key used by position
// descriptors, hydration keys and day bucketing.
const DayKeyLayout = "2006-01-02"

// Reservation is a single lesson booking as mirrored from the server.
//
// Start/End are floating wall-clock times: their Location is the configured
// display zone and carries no meaning on the wire. Start is nil when the
// server sent something unparseable; such reservations are kept in the cache
// but never bucketed into a day.
type Reservation struct {
	ID           string
	Start        *time.Time
	End          *time.Time
	InstructorID string
	StudentID    string

	Sector         string
	Color          string
	Confirmed      bool
	PrivateMessage string
	Gearbox        string

	// Local marks an optimistic edit not yet confirmed by a server snapshot.
	Local bool
}

// DayKey returns the reservation's day key and false when Start is unknown.
func (r Reservation) DayKey() (string, bool) {
	if r.Start == nil {
		return "", false
	}
	return DayKey(*r.Start), true
}

// Instructor is a grid column owner. Order is the position descriptor; it is
// opaque outside internal/position.
type Instructor struct {
	ID      string
	Name    string
	GroupID string
	CarID   string
	Order   string
}

type Student struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
}

// FullName joins first and last name, skipping empty parts.
func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

type Group struct {
	ID   string
	Name string
}

type Car struct {
	ID    string
	Plate string
}

// Directory holds the read-only reference lists keyed by id.
type Directory struct {
	Instructors map[string]Instructor
	Students    map[string]Student
	Groups      map[string]Group
	Cars        map[string]Car
}

// NewDirectory builds a Directory from flat lists.
func NewDirectory(instructors []Instructor, students []Student, groups []Group, cars []Car) Directory {
	d := Directory{
		Instructors: make(map[string]Instructor, len(instructors)),
		Students:    make(map[string]Student, len(students)),
		Groups:      make(map[string]Group, len(groups)),
		Cars:        make(map[string]Car, len(cars)),
	}
	for _, i := range instructors {
		d.Instructors[i.ID] = i
	}
	for _, s := range students {
		d.Students[s.ID] = s
	}
	for _, g := range groups {
		d.Groups[g.ID] = g
	}
	for _, c := range cars {
		d.Cars[c.ID] = c
	}
	return d
}

// InstructorIDs returns all instructor ids in unspecified order.
func (d Directory) InstructorIDs() []string {
	ids := make([]string, 0, len(d.Instructors))
	for id := range d.Instructors {
		ids = append(ids, id)
	}
	return ids
}

// DayKey formats t as a calendar-day key in t's own location.
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// ParseDayKey parses a day key into midnight of that day in loc.
func ParseDayKey(key string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DayKeyLayout, strings.TrimSpace(key), loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

var floatingLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"02.01.2006 15:04",
	DayKeyLayout,
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
}

// ParseFloating parses a timezone-naive timestamp as wall-clock time in loc.
// Zoned inputs keep their wall clock and drop the offset. It never fails
// loudly: unparseable input yields ok=false.
func ParseFloating(s string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range floatingLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), true
		}
	}
	// Epoch milliseconds, as produced by some clients.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 12 {
		t := time.UnixMilli(ms).UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), true
	}
	return time.Time{}, false
}

// FlexID accepts both JSON strings and JSON numbers as an identifier.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	*f = FlexID(string(b))
	return nil
}

// ReservationDTO is the wire shape consumed from the reservations API.
type ReservationDTO struct {
	ID             FlexID  `json:"id"`
	StartTime      string  `json:"startTime"`
	EndTime        *string `json:"endTime,omitempty"`
	InstructorID   FlexID  `json:"instructorId"`
	UserID         FlexID  `json:"userId,omitempty"`
	StudentID      FlexID  `json:"studentId,omitempty"`
	Sector         *string `json:"sector,omitempty"`
	Color          *string `json:"color,omitempty"`
	IsConfirmed    *bool   `json:"isConfirmed,omitempty"`
	PrivateMessage *string `json:"privateMessage,omitempty"`
	Gearbox        *string `json:"gearbox,omitempty"`
}

// ToReservation converts the DTO, parsing times as floating in loc.
func (d ReservationDTO) ToReservation(loc *time.Location) Reservation {
	r := Reservation{
		ID:           string(d.ID),
		InstructorID: string(d.InstructorID),
		StudentID:    string(d.StudentID),
	}
	if r.StudentID == "" {
		r.StudentID = string(d.UserID)
	}
	if t, ok := ParseFloating(d.StartTime, loc); ok {
		r.Start = &t
	}
	if d.EndTime != nil {
		if t, ok := ParseFloating(*d.EndTime, loc); ok {
			r.End = &t
		}
	}
	if d.Sector != nil {
		r.Sector = *d.Sector
	}
	if d.Color != nil {
		r.Color = *d.Color
	}
	if d.IsConfirmed != nil {
		r.Confirmed = *d.IsConfirmed
	}
	if d.PrivateMessage != nil {
		r.PrivateMessage = *d.PrivateMessage
	}
	if d.Gearbox != nil {
		r.Gearbox = *d.Gearbox
	}
	return r
}

// DecodeReservations decodes a JSON array of reservation DTOs. Entries
// without an id are dropped.
func DecodeReservations(data []byte, loc *time.Location) ([]Reservation, error) {
	var dtos []ReservationDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, err
	}
	out := make([]Reservation, 0, len(dtos))
	for _, d := range dtos {
		if d.ID == "" {
			continue
		}
		out = append(out, d.ToReservation(loc))
	}
	return out, nil
}
