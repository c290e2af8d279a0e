package slots

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labels(ws []Window) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Start.Format("15:04"))
	}
	return out
}

func drivingSchedule() Schedule {
	return Schedule{
		Marks:     []string{"07:00", "08:30", "10:00", "11:30", "13:00", "13:30", "15:00", "16:30", "18:00", "19:30"},
		Duration:  90 * time.Minute,
		Open:      "07:00",
		Close:     "21:00",
		Blackouts: []Blackout{{Start: "13:00", End: "13:30"}},
	}
}

func TestGenerateBlackoutBoundary(t *testing.T) {
	day := time.Date(2024, 5, 3, 15, 0, 0, 0, time.UTC)
	got := Generate(day, drivingSchedule())

	assert.Equal(t,
		[]string{"07:00", "08:30", "10:00", "11:30", "13:30", "15:00", "16:30", "18:00", "19:30"},
		labels(got))
	assert.Equal(t, "19:30-21:00", got[len(got)-1].Label())
}

func TestGenerateDegenerate(t *testing.T) {
	day := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)

	s := drivingSchedule()
	s.Duration = 15 * time.Hour
	assert.Empty(t, Generate(day, s))

	s = drivingSchedule()
	s.Marks = []string{"bogus", "25:00", "06:00", "20:00", "07:00"}
	assert.Equal(t, []string{"07:00"}, labels(Generate(day, s)))

	s = drivingSchedule()
	s.Open = "x"
	assert.Empty(t, Generate(day, s))
}

func TestGenerateDropsOverlappingMarks(t *testing.T) {
	day := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	s := Schedule{
		Marks:    []string{"09:00", "08:00", "08:30"},
		Duration: time.Hour,
		Open:     "07:00",
		Close:    "21:00",
	}
	assert.Equal(t, []string{"08:00", "09:00"}, labels(Generate(day, s)))
}

func TestBlackoutRecurrence(t *testing.T) {
	s := drivingSchedule()
	s.Blackouts[0].RRule = "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR"

	friday := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	saturday := friday.AddDate(0, 0, 1)

	assert.NotContains(t, labels(Generate(friday, s)), "13:00")
	assert.Contains(t, labels(Generate(saturday, s)), "13:00")
}

func TestGeneratorMemoizes(t *testing.T) {
	g := NewGenerator(drivingSchedule())
	day := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)

	a := g.ForDay(day)
	b := g.ForDay(day.Add(3 * time.Hour))
	require.NotEmpty(t, a)
	assert.Same(t, &a[0], &b[0])
	assert.Equal(t, a, Generate(day, drivingSchedule()))
}

func TestParseMark(t *testing.T) {
	m, ok := ParseMark("07:30")
	assert.True(t, ok)
	assert.Equal(t, 450, m)

	_, ok = ParseMark("7h30")
	assert.False(t, ok)
	_, ok = ParseMark("24:01")
	assert.False(t, ok)
}

func TestGenerateKeepsWallClockOnDSTDays(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Chisinau")
	require.NoError(t, err)
	s := Schedule{
		Marks:     []string{"07:00", "08:30", "13:00"},
		Duration:  90 * time.Minute,
		Open:      "07:00",
		Close:     "20:00",
		Blackouts: []Blackout{{Start: "13:00", End: "13:30", RRule: "FREQ=WEEKLY;BYDAY=SU"}},
	}

	for _, day := range []time.Time{
		time.Date(2024, 3, 31, 0, 0, 0, 0, loc),  // spring forward
		time.Date(2024, 10, 27, 0, 0, 0, 0, loc), // fall back
	} {
		got := Generate(day, s)
		require.Len(t, got, 2, day.Format("2006-01-02"))
		assert.Equal(t, "07:00-08:30", got[0].Label())
		assert.Equal(t, "08:30-10:00", got[1].Label())
	}
}
