package window

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var first = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestWindowInvariant(t *testing.T) {
	rng := Range{First: first, Days: 120}
	v := New(rng, 9, 300)

	for offset := -500.0; offset <= 40000; offset += 137 {
		v.OnScroll(offset)
		slots := v.Slots()
		require.Len(t, slots, 9)

		start := v.WinStart()
		assert.GreaterOrEqual(t, start, 0)
		assert.LessOrEqual(t, start, 120-9)
		for i, s := range slots {
			assert.Equal(t, i, s.Index)
			assert.Equal(t, start+i, s.DayIndex)
			assert.True(t, rng.DayAt(start+i).Equal(s.Day))
		}
	}
}

func TestOnScrollCentersWindow(t *testing.T) {
	v := New(Range{First: first, Days: 60}, 7, 100)

	assert.True(t, v.OnScroll(2050)) // rough index 20
	assert.Equal(t, 17, v.WinStart())
	assert.False(t, v.OnScroll(2099))

	assert.True(t, v.Mounted(17))
	assert.True(t, v.Mounted(23))
	assert.False(t, v.Mounted(24))
	assert.False(t, v.Mounted(16))
	assert.Equal(t, 6000.0, v.ScrollWidth())
}

func TestShortRangeKeepsSlotCount(t *testing.T) {
	v := New(Range{First: first, Days: 3}, 7, 100)
	v.OnScroll(250)
	slots := v.Slots()
	require.Len(t, slots, 7)
	assert.Equal(t, 0, v.WinStart())
	assert.True(t, slots[2].InRange)
	assert.False(t, slots[3].InRange)
	assert.False(t, v.Mounted(3))
}

func TestCenterOn(t *testing.T) {
	v := New(Range{First: first, Days: 60}, 7, 100)

	left, ok := v.CenterOn(first.AddDate(0, 0, 30), 500)
	require.True(t, ok)
	assert.Equal(t, 2800.0, left)

	v.OnScroll(left)
	assert.True(t, v.Mounted(30))

	left, ok = v.CenterOn(first, 500)
	require.True(t, ok)
	assert.Equal(t, 0.0, left)

	left, ok = v.CenterOn(first.AddDate(0, 0, 59), 500)
	require.True(t, ok)
	assert.Equal(t, 5500.0, left)

	_, ok = v.CenterOn(first.AddDate(0, 0, 60), 500)
	assert.False(t, ok)
}

func TestSetRangeReresolves(t *testing.T) {
	v := New(Range{First: first, Days: 60}, 7, 100)
	v.OnScroll(5500)
	assert.Equal(t, 52, v.WinStart())

	assert.True(t, v.SetRange(Range{First: first, Days: 30}))
	assert.Equal(t, 23, v.WinStart())
}

func TestRangeFor(t *testing.T) {
	today := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	starts := []time.Time{
		time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	r := RangeFor(starts, today, 2)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), r.First)
	assert.Equal(t, 34, r.Days)
	assert.True(t, r.Contains(today))
	assert.Equal(t, 9, r.IndexOf(today))

	empty := RangeFor(nil, today, 0)
	assert.Equal(t, 1, empty.Days)
}

func TestNavigator(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	nav := NewNavigator()
	nav.Now = func() time.Time { return now }

	v := New(Range{First: first, Days: 60}, 7, 100)

	_, ok := AutoJump(nav, v, first.AddDate(0, 0, 40), 500)
	assert.True(t, ok)

	_, ok = JumpToDate(nav, v, first.AddDate(0, 0, 10), 500)
	require.True(t, ok)
	assert.True(t, v.Mounted(10))
	assert.False(t, nav.AutoJumpAllowed())

	_, ok = AutoJump(nav, v, first.AddDate(0, 0, 40), 500)
	assert.False(t, ok)
	assert.True(t, v.Mounted(10))

	now = now.Add(DefaultAutoJumpPause)
	assert.True(t, nav.AutoJumpAllowed())

	nav.SetMatches([]time.Time{
		first.AddDate(0, 0, 5).Add(10 * time.Hour),
		first.AddDate(0, 0, 2),
		first.AddDate(0, 0, 5),
	})
	require.Len(t, nav.Matches(), 2)

	d, ok := nav.NextMatch()
	require.True(t, ok)
	assert.Equal(t, first.AddDate(0, 0, 2), d)
	d, _ = nav.NextMatch()
	assert.Equal(t, first.AddDate(0, 0, 5), d)
	d, _ = nav.NextMatch()
	assert.Equal(t, first.AddDate(0, 0, 2), d)
	d, _ = nav.PrevMatch()
	assert.Equal(t, first.AddDate(0, 0, 5), d)

	nav.SetMatches(nil)
	_, ok = nav.NextMatch()
	assert.False(t, ok)
}

func TestRangeAcrossDSTTransitions(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Chisinau")
	require.NoError(t, err)

	today := time.Date(2024, 3, 30, 12, 0, 0, 0, loc)
	starts := []time.Time{time.Date(2024, 10, 28, 9, 0, 0, 0, loc)}
	r := RangeFor(starts, today, 0)

	assert.Equal(t, time.Date(2024, 3, 30, 0, 0, 0, 0, loc), r.First)
	assert.Equal(t, 213, r.Days)
	assert.Equal(t, 1, r.IndexOf(time.Date(2024, 3, 31, 23, 30, 0, 0, loc)))
	assert.Equal(t, 2, r.IndexOf(time.Date(2024, 4, 1, 0, 0, 0, 0, loc)))
	assert.Equal(t, 211, r.IndexOf(time.Date(2024, 10, 27, 23, 59, 0, 0, loc)))

	for _, i := range []int{1, 2, 211, 212} {
		d := r.DayAt(i)
		assert.Equal(t, 0, d.Hour(), d.String())
		assert.Equal(t, i, r.IndexOf(d))
	}
}
