package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivegrid/internal/model"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ionut stefanescu", Normalize("Ionuț Ștefănescu"))
	assert.Equal(t, "cafe", Normalize("CAFÉ"))
	assert.Equal(t, "", Normalize(""))
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		query string
		want  []Token
	}{
		{"", nil},
		{"   ", nil},
		{"9:", []Token{{Kind: KindTime, Raw: "9:", Value: "09:"}}},
		{"09:3", []Token{{Kind: KindTime, Raw: "09:3", Value: "09:3"}}},
		{"0721-555", []Token{{Kind: KindDigits, Raw: "0721-555", Value: "0721555"}}},
		{"12", []Token{{Kind: KindText, Raw: "12", Value: "12"}}},
		{"B-12-XYZ", []Token{{Kind: KindPlate, Raw: "B-12-XYZ", Value: "b12xyz"}}},
		{"Ană x", []Token{{Kind: KindText, Raw: "Ană", Value: "ana"}}},
		{"ion 09:", []Token{
			{Kind: KindText, Raw: "ion", Value: "ion"},
			{Kind: KindTime, Raw: "09:", Value: "09:"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.query))
		})
	}
}

func directory() model.Directory {
	return model.NewDirectory(
		[]model.Instructor{
			{ID: "1", Name: "Mihai Georgescu", GroupID: "g1", CarID: "c1"},
			{ID: "2", Name: "Elena Dobre", GroupID: "g2", CarID: "c2"},
		},
		[]model.Student{
			{ID: "s1", FirstName: "Ion", LastName: "Popescu", Phone: "0721 555 010"},
			{ID: "s2", FirstName: "Ion", LastName: "Rusu", Phone: "0744 000 111"},
			{ID: "s3", FirstName: "Ioana", LastName: "Ștefan", Phone: "0755 123 456"},
		},
		[]model.Group{{ID: "g1", Name: "Nord"}, {ID: "g2", Name: "Sud"}},
		[]model.Car{{ID: "c1", Plate: "B-123-ABC"}, {ID: "c2", Plate: "IF-09-XYZ"}},
	)
}

func reservation(id, student, instructor string, start time.Time) model.Reservation {
	return model.Reservation{ID: id, StudentID: student, InstructorID: instructor, Start: &start}
}

func TestSearchConjunction(t *testing.T) {
	dir := directory()
	day := time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC)
	first := reservation("r1", "s1", "1", day.Add(9*time.Hour))
	second := reservation("r2", "s2", "1", day.Add(10*time.Hour))

	tokens := Tokenize("ion 09:")
	assert.True(t, Match(tokens, ReservationDocument(first, dir)))
	assert.False(t, Match(tokens, ReservationDocument(second, dir)))

	got := Reservations(tokens, []model.Reservation{first, second}, dir)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
}

func TestFacets(t *testing.T) {
	dir := directory()
	start := time.Date(2025, 5, 6, 14, 30, 0, 0, time.UTC)
	r := reservation("r3", "s3", "2", start)
	r.PrivateMessage = "Examen traseu"
	doc := ReservationDocument(r, dir)

	tests := []struct {
		query string
		want  bool
	}{
		{"", true},
		{"stefan", true},
		{"ȘTEFAN ioana", true},
		{"examen", true},
		{"sud", true},
		{"nord", false},
		{"elena", true},
		{"14:", true},
		{"14:3", true},
		{"9:", false},
		{"123456", true},
		{"0755", true},
		{"999", false},
		{"IF09XYZ", true},
		{"if-09", true},
		{"B123ABC", false},
		{"stefan 15:", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchQuery(tt.query, doc))
		})
	}
}

func TestDigitRunMatchesPlateDigits(t *testing.T) {
	dir := directory()
	doc := InstructorDocument(dir.Instructors["1"], dir)
	assert.True(t, MatchQuery("123", doc))
	assert.True(t, MatchQuery("mihai", doc))
	assert.False(t, MatchQuery("09:", doc))
}

func TestMatchingDays(t *testing.T) {
	dir := directory()
	d1 := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 5, 8, 11, 0, 0, 0, time.UTC)
	list := []model.Reservation{
		reservation("a", "s1", "1", d2),
		reservation("b", "s1", "1", d1),
		reservation("c", "s1", "1", d1.Add(2*time.Hour)),
		reservation("d", "s2", "2", d1),
		{ID: "e", StudentID: "s1"},
	}

	days := MatchingDays(Tokenize("popescu"), list, dir)
	require.Len(t, days, 2)
	assert.True(t, days[0].Equal(time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC)))
	assert.True(t, days[1].Equal(time.Date(2025, 5, 8, 0, 0, 0, 0, time.UTC)))

	assert.Nil(t, MatchingDays(nil, list, dir))
}

func TestHighlightSpans(t *testing.T) {
	text := "Ionuț Ionescu"
	spans := Highlight("ionut", text)
	require.Len(t, spans, 1)
	assert.Equal(t, "Ionuț", text[spans[0].Start:spans[0].End])

	spans = Highlight("ion", text)
	require.Len(t, spans, 2)
	assert.Equal(t, "Ion", text[spans[0].Start:spans[0].End])
	assert.Equal(t, "Ion", text[spans[1].Start:spans[1].End])

	plate := "IF-09-XYZ"
	spans = Highlight("if09", plate)
	require.Len(t, spans, 1)
	assert.Equal(t, "IF-09", plate[spans[0].Start:spans[0].End])

	assert.Nil(t, Highlight("", text))
	assert.Nil(t, Highlight("zz", text))
}

func TestHighlightPrefersLongerToken(t *testing.T) {
	text := "Ionescu"
	spans := NewHighlighter(Tokenize("ion ionescu")).Spans(text)
	require.Len(t, spans, 1)
	assert.Equal(t, Span{Start: 0, End: len(text)}, spans[0])
}
