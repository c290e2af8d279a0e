package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var calendarLines = []string{
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//drivegrid//test//EN",
	"BEGIN:VEVENT",
	"UID:lesson-1",
	"DTSTAMP:20250301T000000Z",
	"DTSTART:20250310T080000Z",
	"DTEND:20250310T093000Z",
	"SUMMARY:Driving lesson",
	"DESCRIPTION:Bring ID",
	"X-INSTRUCTOR-ID:7",
	"X-STUDENT-ID:42",
	"X-SECTOR:north",
	"X-COLOR:#ff0000",
	"X-CONFIRMED:TRUE",
	"X-GEARBOX:manual",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:weekly",
	"DTSTAMP:20250301T000000Z",
	"DTSTART:20250311T090000Z",
	"DTEND:20250311T103000Z",
	"RRULE:FREQ=WEEKLY;COUNT=3",
	"EXDATE:20250318T090000Z",
	"X-INSTRUCTOR-ID:8",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:weekly",
	"DTSTAMP:20250301T000000Z",
	"RECURRENCE-ID:20250325T090000Z",
	"DTSTART:20250325T120000Z",
	"DTEND:20250325T133000Z",
	"X-INSTRUCTOR-ID:9",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:cancelled",
	"DTSTAMP:20250301T000000Z",
	"STATUS:CANCELLED",
	"DTSTART:20250312T080000Z",
	"DTEND:20250312T093000Z",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:holiday",
	"DTSTAMP:20250301T000000Z",
	"DTSTART;VALUE=DATE:20250313",
	"DTEND;VALUE=DATE:20250314",
	"END:VEVENT",
	"END:VCALENDAR",
}

func calendar() []byte {
	return []byte(strings.Join(calendarLines, "\r\n") + "\r\n")
}

func TestParseICS(t *testing.T) {
	events, err := ParseICS(Feed{ID: "main", URL: "https://example.com/cal.ics?token=x"}, calendar())
	require.NoError(t, err)
	// The all-day holiday parses too; expansion drops it.
	require.GreaterOrEqual(t, len(events), 4)

	var lesson ParsedEvent
	for _, ev := range events {
		if ev.UID == "lesson-1" {
			lesson = ev
		}
	}
	assert.Equal(t, "7", lesson.InstructorID)
	assert.Equal(t, "42", lesson.StudentID)
	assert.Equal(t, "north", lesson.Sector)
	assert.Equal(t, "#ff0000", lesson.Color)
	assert.True(t, lesson.Confirmed)
	assert.Equal(t, "manual", lesson.Gearbox)
	assert.Equal(t, "Bring ID", lesson.Description)
	assert.True(t, lesson.Start.Equal(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)))

	_, err = ParseICS(Feed{ID: "empty"}, nil)
	assert.Error(t, err)
}

func TestExpandReservations(t *testing.T) {
	events, err := ParseICS(Feed{ID: "main"}, calendar())
	require.NoError(t, err)

	res, err := ExpandReservations(events, ExpandConfig{
		DisplayLocation: time.UTC,
		RangeStart:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:        time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, res.Reservations, 3)

	first := res.Reservations[0]
	assert.Equal(t, "lesson-1", first.ID)
	assert.Equal(t, "Bring ID", first.PrivateMessage)
	assert.Equal(t, 90*time.Minute, first.End.Sub(*first.Start))

	second := res.Reservations[1]
	assert.Equal(t, "weekly@20250311T090000Z", second.ID)
	assert.Equal(t, "8", second.InstructorID)

	moved := res.Reservations[2]
	assert.Equal(t, "weekly@20250325T090000Z", moved.ID)
	assert.Equal(t, "9", moved.InstructorID)
	assert.True(t, moved.Start.Equal(time.Date(2025, 3, 25, 12, 0, 0, 0, time.UTC)))
	assert.Empty(t, res.TruncatedEvents)
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	_, err := ExpandReservations(nil, ExpandConfig{
		RangeStart: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
}

type feedServer struct {
	mu      sync.Mutex
	version string
	full    int
}

func (s *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag := `"` + s.version + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.full++
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "text/calendar")
	w.Write(calendar())
}

func (s *feedServer) bump(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

func TestReservationSourceConditionalFetch(t *testing.T) {
	fs := &feedServer{version: "v1"}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	fetcher := NewFetcher(t.TempDir())
	src := NewReservationSource(fetcher, []Feed{{ID: "main", URL: srv.URL + "/cal.ics"}}, SourceOptions{
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC) },
	})
	ctx := context.Background()

	changed, err := src.Check(ctx, "")
	require.NoError(t, err)
	assert.True(t, changed)

	snap, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, snap.ETag)
	assert.Len(t, snap.Reservations, 3)

	changed, err = src.Check(ctx, snap.ETag)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, fs.full)

	fs.bump("v2")
	changed, err = src.Check(ctx, snap.ETag)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestFetcherFallsBackToCache(t *testing.T) {
	fs := &feedServer{version: "v1"}
	srv := httptest.NewServer(fs)

	fetcher := NewFetcher(t.TempDir())
	feed := Feed{ID: "main", URL: srv.URL + "/cal.ics"}
	first, err := fetcher.FetchOne(context.Background(), feed)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	srv.Close()

	again, err := fetcher.FetchOne(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, first.Body, again.Body)
	assert.Equal(t, `"v1"`, again.ETag)

	_, err = NewFetcher(t.TempDir()).FetchOne(context.Background(), feed)
	assert.Error(t, err)
}

func TestValidatorHashesBodyWithoutETag(t *testing.T) {
	a := validator("", []byte("one"))
	b := validator("", []byte("two"))
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, `"sha256-`))
	assert.Equal(t, `"x"`, validator(`"x"`, []byte("one")))
	assert.Empty(t, validator("", nil))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/private.ics?token=abc"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
