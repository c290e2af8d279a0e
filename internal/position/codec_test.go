package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexRoundTrip(t *testing.T) {
	for idx := 1; idx <= 30; idx++ {
		p, ok := FromIndex(idx)
		require.True(t, ok)
		require.True(t, p.Valid())
		assert.Equal(t, idx, p.Index())
	}
	_, ok := FromIndex(0)
	assert.False(t, ok)

	assert.Equal(t, Position{Col: 1, Row: 2}, mustFromIndex(t, 4))
	assert.Equal(t, Position{Col: 3, Row: 1}, mustFromIndex(t, 3))
}

func mustFromIndex(t *testing.T, idx int) Position {
	t.Helper()
	p, ok := FromIndex(idx)
	require.True(t, ok)
	return p
}

func TestUpsertRoundTrip(t *testing.T) {
	days := []string{"2024-01-01", "2024-02-29", "2025-12-31"}
	for _, day := range days {
		for col := 1; col <= Columns; col++ {
			for row := 1; row <= 6; row++ {
				enc := Upsert("", day, Position{Col: col, Row: row})
				got, ok := Resolve(enc, day)
				require.True(t, ok, enc)
				assert.Equal(t, Position{Col: col, Row: row}, got)
				assert.Equal(t, GrammarStructured, Decode(enc).Grammar)
			}
		}
	}
}

func TestLegacyDecode(t *testing.T) {
	d := Decode("all4,2024-05-03 2, 2024-05-03 9;20240504:6|garbage,2024-05-0x1,default7")

	assert.Equal(t, GrammarLegacy, d.Grammar)
	require.NotNil(t, d.Default)
	assert.Equal(t, Position{Col: 1, Row: 2}, *d.Default, "first default wins")

	// "2024-05-03 2" splits into a bare date and a bare index; both are malformed.
	_, ok := d.Days["2024-05-03"]
	assert.False(t, ok)
	assert.Equal(t, Position{Col: 3, Row: 2}, d.Days["2024-05-04"])
	assert.Len(t, d.Days, 1)
}

func TestLegacyFirstOccurrenceWins(t *testing.T) {
	d := Decode("2024-05-035,2024-05-031")
	assert.Equal(t, Position{Col: 2, Row: 2}, d.Days["2024-05-03"])
}

func TestLegacyForwardCompat(t *testing.T) {
	legacy := "default2,2024-05-036,20240507:1,2024-05-0310"
	upgraded := Upgrade(legacy)

	require.Equal(t, GrammarStructured, Decode(upgraded).Grammar)
	for _, day := range []string{"2024-05-03", "2024-05-07", "2024-05-09"} {
		a, okA := Resolve(legacy, day)
		b, okB := Resolve(upgraded, day)
		assert.Equal(t, okA, okB, day)
		assert.Equal(t, a, b, day)
	}

	p, _ := Resolve(upgraded, "2024-05-09")
	assert.Equal(t, Position{Col: 2, Row: 1}, p, "falls back to default")
}

func TestUpsertKeepsDefaultAndReplacesInPlace(t *testing.T) {
	s := UpsertDefault("", Position{Col: 1, Row: 1})
	s = Upsert(s, "2024-05-03", Position{Col: 2, Row: 3})
	s = Upsert(s, "2024-05-03", Position{Col: 3, Row: 1})

	d := Decode(s)
	require.NotNil(t, d.Default)
	assert.Equal(t, Position{Col: 1, Row: 1}, *d.Default)
	assert.Equal(t, map[string]Position{"2024-05-03": {Col: 3, Row: 1}}, d.Days)
}

func TestUpsertIgnoresInvalidInput(t *testing.T) {
	assert.Equal(t, "all1", Upsert("all1", "2024-05-03", Position{Col: 4, Row: 1}))
	assert.Equal(t, "all1", Upsert("all1", "not-a-day", Position{Col: 1, Row: 1}))
	assert.Equal(t, "", UpsertDefault("", Position{}))
}

func TestResolveEmptyAndMalformed(t *testing.T) {
	for _, s := range []string{"", "   ", "{broken", "xyz,,;", `{"v":2,"days":{"nope":{"col":9,"row":1}}}`} {
		_, ok := Resolve(s, "2024-05-03")
		assert.False(t, ok, s)
	}
	assert.Equal(t, "", Upgrade("garbage"))
}

func TestStructuredDecode(t *testing.T) {
	s := `{"v":2,"default":{"col":2,"row":1},"days":{"20240503":{"col":1,"row":4},"2024-05-04":{"col":0,"row":1}}}`
	d := Decode(s)
	assert.Equal(t, GrammarStructured, d.Grammar)
	assert.Equal(t, map[string]Position{"2024-05-03": {Col: 1, Row: 4}}, d.Days)

	p, src := d.Resolve("2024-05-04")
	assert.Equal(t, SourceDefault, src)
	assert.Equal(t, Position{Col: 2, Row: 1}, p)
}

func TestEncodeIsDeterministic(t *testing.T) {
	s := Upsert("", "2024-05-04", Position{Col: 1, Row: 1})
	s = Upsert(s, "2024-05-03", Position{Col: 2, Row: 1})
	assert.Equal(t, `{"v":2,"days":{"2024-05-03":{"col":2,"row":1},"2024-05-04":{"col":1,"row":1}}}`, s)
	assert.Equal(t, s, Upgrade(s))
}

func TestCompactDayKeysResolve(t *testing.T) {
	s := Upsert("", "20240503", Position{Col: 2, Row: 2})
	assert.Equal(t, `{"v":2,"days":{"2024-05-03":{"col":2,"row":2}}}`, s)

	for _, day := range []string{"20240503", "2024-05-03", " 2024-05-03 "} {
		p, ok := Resolve(s, day)
		require.True(t, ok, day)
		assert.Equal(t, Position{Col: 2, Row: 2}, p, day)
	}

	d := Decode(s).WithDay("20240504", Position{Col: 1, Row: 1})
	p, src := d.Resolve("2024-05-04")
	assert.Equal(t, SourceDay, src)
	assert.Equal(t, Position{Col: 1, Row: 1}, p)

	_, src = d.Resolve("0503")
	assert.Equal(t, SourceNone, src)
}
