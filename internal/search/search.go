// Package search matches free-text queries against reservations and
// instructors, and computes highlight spans for display.
//
// A query is split on whitespace and every token is classified by its shape:
//
//	09:      time prefix, matched against the lesson start "HH:MM"
//	60123    digit run (3+ digits), matched against phone and plate digits
//	ab12cd   plate-like (letters and digits, 4+ chars), matched against plates
//	ion      free text (2+ chars), matched against names, group, note, plate
//
// An item matches when every token matches (conjunction). Text is compared
// after diacritic stripping and case folding, so "Ionuț" matches "ionut".
package search

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind is the facet a token is matched against.
type Kind int

const (
	KindText Kind = iota
	KindTime
	KindDigits
	KindPlate
)

func (k Kind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindDigits:
		return "digits"
	case KindPlate:
		return "plate"
	}
	return "text"
}

const (
	minDigitRun = 3
	minPlateLen = 4
	minTextLen  = 2
)

// Token is one classified query word. Value is already normalized for its
// facet.
type Token struct {
	Kind  Kind
	Raw   string
	Value string
}

var timePrefix = regexp.MustCompile(`^(\d{1,2}):(\d{0,2})$`)

// Normalize strips diacritics and folds case: NFD, drop nonspacing marks,
// NFC, lowercase.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// PlateKey normalizes a licence plate to lowercase letters and digits.
func PlateKey(s string) string {
	var b strings.Builder
	for _, r := range Normalize(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Tokenize classifies every whitespace-separated word of q. Words too short
// to be meaningful are dropped; an empty result matches everything.
func Tokenize(q string) []Token {
	var out []Token
	for _, raw := range strings.Fields(q) {
		if tok, ok := classify(raw); ok {
			out = append(out, tok)
		}
	}
	return out
}

func classify(raw string) (Token, bool) {
	if m := timePrefix.FindStringSubmatch(raw); m != nil {
		hour := m[1]
		if len(hour) == 1 {
			hour = "0" + hour
		}
		return Token{Kind: KindTime, Raw: raw, Value: hour + ":" + m[2]}, true
	}
	if isDigitRun(raw) {
		if d := Digits(raw); len(d) >= minDigitRun {
			return Token{Kind: KindDigits, Raw: raw, Value: d}, true
		}
	}
	if key := PlateKey(raw); utf8.RuneCountInString(key) >= minPlateLen && hasLetterAndDigit(key) && isPlateShaped(raw) {
		return Token{Kind: KindPlate, Raw: raw, Value: key}, true
	}
	if v := Normalize(raw); utf8.RuneCountInString(v) >= minTextLen {
		return Token{Kind: KindText, Raw: raw, Value: v}, true
	}
	return Token{}, false
}

// isDigitRun accepts digits plus the punctuation phone numbers are written
// with.
func isDigitRun(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case strings.ContainsRune("+-./()", r):
		default:
			return false
		}
	}
	return true
}

func isPlateShaped(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != ' ' {
			return false
		}
	}
	return true
}

func hasLetterAndDigit(s string) bool {
	var letter, digit bool
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLetter(r):
			letter = true
		}
	}
	return letter && digit
}

// Document is the pre-normalized searchable view of one item.
type Document struct {
	// Start is the lesson start as "HH:MM"; empty for entities.
	Start  string
	Phones []string
	Plates []string
	Texts  []string
}

// NewDocument normalizes the raw facets.
func NewDocument(start string, phones, plates, texts []string) Document {
	d := Document{Start: start}
	for _, p := range phones {
		if v := Digits(p); v != "" {
			d.Phones = append(d.Phones, v)
		}
	}
	for _, p := range plates {
		if v := PlateKey(p); v != "" {
			d.Plates = append(d.Plates, v)
		}
	}
	for _, t := range texts {
		if v := Normalize(t); v != "" {
			d.Texts = append(d.Texts, v)
		}
	}
	return d
}

// Matches reports whether the token's facet of d contains its value.
func (t Token) Matches(d Document) bool {
	switch t.Kind {
	case KindTime:
		return d.Start != "" && strings.HasPrefix(d.Start, t.Value)
	case KindDigits:
		if containsAny(d.Phones, t.Value) {
			return true
		}
		for _, p := range d.Plates {
			if strings.Contains(Digits(p), t.Value) {
				return true
			}
		}
		return false
	case KindPlate:
		return containsAny(d.Plates, t.Value)
	default:
		return containsAny(d.Texts, t.Value)
	}
}

func containsAny(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}

// Match reports whether every token matches d.
func Match(tokens []Token, d Document) bool {
	for _, t := range tokens {
		if !t.Matches(d) {
			return false
		}
	}
	return true
}

// MatchQuery tokenizes q and matches it against d.
func MatchQuery(q string, d Document) bool {
	return Match(Tokenize(q), d)
}
