package grid

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivegrid/internal/position"
)

const day = "2024-05-03"

type descriptors map[string]string

func (d descriptors) get(id string) string { return d[id] }

func (d descriptors) apply(changes []Change) {
	for _, c := range changes {
		d[c.ID] = c.Descriptor
	}
}

func pos(col, row int) position.Position { return position.Position{Col: col, Row: row} }

func TestNaturalLess(t *testing.T) {
	ids := []string{"i10", "i2", "I1", "b", "a20", "a3", "7", "07", "10"}
	SortNatural(ids)
	assert.Equal(t, []string{"07", "7", "10", "a3", "a20", "b", "I1", "i2", "i10"}, ids)
}

func TestResolveFallbackOrder(t *testing.T) {
	l := Resolve([]string{"10", "2", "1", "3", "2", ""}, day, descriptors{}.get)

	assert.Equal(t, 2, l.Rows)
	assert.Equal(t, []string{"1", "2", "3", "10"}, l.Order())
	p, ok := l.PositionOf("10")
	require.True(t, ok)
	assert.Equal(t, pos(1, 2), p)
}

func TestResolveExplicitAndFirstClaim(t *testing.T) {
	d := descriptors{
		"1": position.Upsert("", day, pos(3, 1)),
		"2": position.Upsert("", day, pos(3, 1)), // loses the contested slot
		"3": position.UpsertDefault("", pos(1, 1)),
		"4": "",
	}
	l := Resolve([]string{"4", "3", "2", "1"}, day, d.get)

	assert.Equal(t, "1", l.At(pos(3, 1)))
	assert.Equal(t, "3", l.At(pos(1, 1)))
	assert.Equal(t, "2", l.At(pos(2, 1)))
	assert.Equal(t, "4", l.At(pos(1, 2)))

	cells := l.Cells()
	require.Len(t, cells, 4)
	assert.True(t, cells[0].Explicit)
	assert.False(t, cells[1].Explicit)
}

func TestResolveRowsGrowForDayOverrides(t *testing.T) {
	d := descriptors{
		"a": position.Upsert("", day, pos(2, 5)),
		"b": position.UpsertDefault("", pos(1, 9)), // default rows never extend the grid
	}
	l := Resolve([]string{"a", "b"}, day, d.get)

	assert.Equal(t, 5, l.Rows)
	assert.Equal(t, "a", l.At(pos(2, 5)))
	assert.Equal(t, "b", l.At(pos(1, 1)))

	other := Resolve([]string{"a", "b"}, "2024-05-04", d.get)
	assert.Equal(t, 1, other.Rows)
}

func TestResolveInjectiveAndStable(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(12)
		ids := make([]string, 0, n)
		d := descriptors{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("i%d", rng.Intn(20))
			ids = append(ids, id)
			switch rng.Intn(3) {
			case 0:
				d[id] = position.Upsert("", day, pos(rng.Intn(4)+1, rng.Intn(5)+1))
			case 1:
				d[id] = position.UpsertDefault("", pos(rng.Intn(3)+1, rng.Intn(5)+1))
			}
		}

		l := Resolve(ids, day, d.get)
		seen := map[position.Position]string{}
		for _, c := range l.Cells() {
			other, dup := seen[c.Position]
			require.False(t, dup, "%s and %s share %v", c.ID, other, c.Position)
			seen[c.Position] = c.ID
		}
		assert.Equal(t, len(uniqueIDs(ids)), l.Len())

		again := Resolve(ids, day, d.get)
		assert.Equal(t, l.Order(), again.Order())
		assert.Equal(t, l.Cells(), again.Cells())
	}
}

func TestNudge(t *testing.T) {
	d := descriptors{}
	ids := []string{"1", "2", "3", "4"}
	l := Resolve(ids, day, d.get)

	t.Run("onto occupied swaps", func(t *testing.T) {
		changes, err := Nudge(l, "1", Right, d.get)
		require.NoError(t, err)
		require.Len(t, changes, 2)

		d2 := descriptors{}
		d2.apply(changes)
		after := Resolve(ids, day, d2.get)
		assert.Equal(t, "2", after.At(pos(1, 1)))
		assert.Equal(t, "1", after.At(pos(2, 1)))
	})

	t.Run("onto free moves one", func(t *testing.T) {
		changes, err := Nudge(l, "4", Right, d.get)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		p, ok := position.Resolve(changes[0].Descriptor, day)
		require.True(t, ok)
		assert.Equal(t, pos(2, 2), p)
	})

	t.Run("clamped", func(t *testing.T) {
		changes, err := Nudge(l, "1", Up, d.get)
		require.NoError(t, err)
		assert.Empty(t, changes)
		changes, err = Nudge(l, "4", Down, d.get)
		require.NoError(t, err)
		assert.Empty(t, changes)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Nudge(l, "99", Left, d.get)
		assert.ErrorIs(t, err, ErrUnknownEntity)
	})
}

func TestNudgePinsLosingClaimant(t *testing.T) {
	d := descriptors{
		"a": position.Upsert("", day, pos(2, 1)),
		"b": position.Upsert("", day, pos(2, 1)),
	}
	ids := []string{"a", "b", "c"}
	l := Resolve(ids, day, d.get)
	require.Equal(t, "b", l.At(pos(1, 1)))
	require.Equal(t, "a", l.At(pos(2, 1)))
	require.Equal(t, "c", l.At(pos(3, 1)))

	changes, err := Nudge(l, "c", Left, d.get)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, "c", changes[0].ID)
	assert.Equal(t, "a", changes[1].ID)
	assert.Equal(t, "b", changes[2].ID)

	d.apply(changes)
	after := Resolve(ids, day, d.get)
	assert.Equal(t, "b", after.At(pos(1, 1)), "b stays put")
	assert.Equal(t, "c", after.At(pos(2, 1)))
	assert.Equal(t, "a", after.At(pos(3, 1)))
}

func TestSwapColumns(t *testing.T) {
	d := descriptors{}
	ids := []string{"1", "2", "3", "4", "5"}
	l := Resolve(ids, day, d.get)

	changes, err := SwapColumns(l, 1, 3, d.get)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	d.apply(changes)
	after := Resolve(ids, day, d.get)
	assert.Equal(t, "3", after.At(pos(1, 1)))
	assert.Equal(t, "1", after.At(pos(3, 1)))
	assert.Equal(t, "4", after.At(pos(3, 2)))
	// Entities without explicit positions refill from the first free slot.
	assert.Equal(t, "2", after.At(pos(2, 1)))
	assert.Equal(t, "5", after.At(pos(1, 2)))

	none, err := SwapColumns(l, 2, 2, d.get)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = SwapColumns(l, 0, 2, d.get)
	assert.ErrorIs(t, err, ErrInvalidColumn)
}

func TestInitialize(t *testing.T) {
	d := descriptors{"2": position.UpsertDefault("", pos(3, 1))}
	l := Resolve([]string{"1", "2"}, day, d.get)

	changes := Initialize(l, d.get)
	require.Len(t, changes, 1)
	assert.Equal(t, "1", changes[0].ID)
	p, ok := position.Resolve(changes[0].Descriptor, "2030-01-01")
	require.True(t, ok)
	assert.Equal(t, pos(1, 1), p)
}

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"left", "right", "up", "down"} {
		d, ok := ParseDirection(s)
		require.True(t, ok)
		assert.Equal(t, s, d.String())
	}
	_, ok := ParseDirection("sideways")
	assert.False(t, ok)
}
