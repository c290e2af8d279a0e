// Package position owns the instructor position descriptor: the string that
// records where an instructor column sits in the day grid, globally and per day.
//
// Two grammars are decoded:
//
//   - Legacy: delimiter-separated tokens, either "<dateKey><slotIndex>"
//     (day-specific) or "all<slotIndex>" / "default<slotIndex>" (default).
//     slotIndex is 1-based row-major: index = (row-1)*Columns + column.
//     The first occurrence of a key wins.
//   - Structured: {"v":2,"default":{"col":1,"row":1},"days":{"2024-05-03":{...}}}.
//
// Every write re-serializes to the structured grammar.
package position

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
)

// Columns is the fixed number of grid columns per day.
const Columns = 3

const structuredVersion = 2

// Position is a 1-based (column, row) grid address.
type Position struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Valid reports whether p is addressable: column in [1, Columns], row >= 1.
func (p Position) Valid() bool {
	return p.Col >= 1 && p.Col <= Columns && p.Row >= 1
}

// Index returns the legacy 1-based row-major slot index.
func (p Position) Index() int {
	return (p.Row-1)*Columns + p.Col
}

// FromIndex converts a 1-based row-major slot index back to a Position.
func FromIndex(idx int) (Position, bool) {
	if idx < 1 {
		return Position{}, false
	}
	return Position{Col: (idx-1)%Columns + 1, Row: (idx-1)/Columns + 1}, true
}

// Grammar tags which serialization a descriptor was decoded from.
type Grammar int

const (
	GrammarEmpty Grammar = iota
	GrammarLegacy
	GrammarStructured
)

func (g Grammar) String() string {
	switch g {
	case GrammarLegacy:
		return "legacy"
	case GrammarStructured:
		return "structured"
	default:
		return "empty"
	}
}

// Source tells where a resolved position came from.
type Source int

const (
	SourceNone Source = iota
	SourceDay
	SourceDefault
)

// Descriptor is the decoded form of a position descriptor string.
type Descriptor struct {
	Grammar Grammar
	Default *Position
	Days    map[string]Position
}

type wireDescriptor struct {
	V       int                 `json:"v"`
	Default *Position           `json:"default,omitempty"`
	Days    map[string]Position `json:"days,omitempty"`
}

// Decode parses s permissively. It tries the structured grammar first and
// falls back to legacy tokens; unparseable tokens are skipped.
func Decode(s string) Descriptor {
	s = strings.TrimSpace(s)
	if s == "" {
		return Descriptor{Grammar: GrammarEmpty}
	}
	if strings.HasPrefix(s, "{") {
		if d, ok := decodeStructured(s); ok {
			return d
		}
	}
	return decodeLegacy(s)
}

func decodeStructured(s string) (Descriptor, bool) {
	var w wireDescriptor
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return Descriptor{}, false
	}
	d := Descriptor{Grammar: GrammarStructured, Days: make(map[string]Position, len(w.Days))}
	if w.Default != nil && w.Default.Valid() {
		p := *w.Default
		d.Default = &p
	}
	for k, p := range w.Days {
		key, ok := normalizeDayKey(k)
		if !ok || !p.Valid() {
			continue
		}
		if _, seen := d.Days[key]; seen {
			continue
		}
		d.Days[key] = p
	}
	return d, true
}

func isDelimiter(r rune) bool {
	switch r {
	case ',', ';', '|', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func decodeLegacy(s string) Descriptor {
	d := Descriptor{Grammar: GrammarLegacy, Days: make(map[string]Position)}
	for _, tok := range strings.FieldsFunc(s, isDelimiter) {
		isDefault, key, pos, ok := parseLegacyToken(tok)
		if !ok {
			appLog.Debug("position: skipping malformed token", "token", tok)
			continue
		}
		if isDefault {
			if d.Default == nil {
				p := pos
				d.Default = &p
			}
			continue
		}
		if _, seen := d.Days[key]; !seen {
			d.Days[key] = pos
		}
	}
	return d
}

func parseLegacyToken(tok string) (isDefault bool, key string, pos Position, ok bool) {
	lower := strings.ToLower(tok)
	var rest string
	switch {
	case strings.HasPrefix(lower, "default"):
		isDefault, rest = true, tok[len("default"):]
	case strings.HasPrefix(lower, "all"):
		isDefault, rest = true, tok[len("all"):]
	case len(tok) > 10 && isDashedDate(tok[:10]):
		key, rest = tok[:10], tok[10:]
	case len(tok) > 8 && isCompactDate(tok[:8]):
		t, _ := time.Parse("20060102", tok[:8])
		key, rest = model.DayKey(t), tok[8:]
	default:
		return false, "", Position{}, false
	}
	rest = strings.TrimLeft(rest, ":=@#-_")
	idx, err := strconv.Atoi(rest)
	if err != nil {
		return false, "", Position{}, false
	}
	pos, ok = FromIndex(idx)
	return isDefault, key, pos, ok
}

func isDashedDate(s string) bool {
	_, err := time.Parse(model.DayKeyLayout, s)
	return err == nil
}

func isCompactDate(s string) bool {
	_, err := time.Parse("20060102", s)
	return err == nil
}

func normalizeDayKey(k string) (string, bool) {
	k = strings.TrimSpace(k)
	if isDashedDate(k) {
		return k, true
	}
	if len(k) == 8 && isCompactDate(k) {
		t, _ := time.Parse("20060102", k)
		return model.DayKey(t), true
	}
	return "", false
}

// Empty reports whether the descriptor carries no position at all.
func (d Descriptor) Empty() bool {
	return d.Default == nil && len(d.Days) == 0
}

// Resolve returns the day-specific position for day, else the default.
// day may be dashed or compact ("20240503").
func (d Descriptor) Resolve(day string) (Position, Source) {
	if key, ok := normalizeDayKey(day); ok {
		if p, ok := d.Days[key]; ok {
			return p, SourceDay
		}
	}
	if d.Default != nil {
		return *d.Default, SourceDefault
	}
	return Position{}, SourceNone
}

// WithDay returns a copy with the day entry replaced or inserted. A
// compact day key is stored dashed.
func (d Descriptor) WithDay(day string, p Position) Descriptor {
	if key, ok := normalizeDayKey(day); ok {
		day = key
	}
	out := d.clone()
	out.Days[day] = p
	return out
}

// WithDefault returns a copy with the default entry replaced.
func (d Descriptor) WithDefault(p Position) Descriptor {
	out := d.clone()
	out.Default = &p
	return out
}

func (d Descriptor) clone() Descriptor {
	out := Descriptor{Grammar: d.Grammar, Days: make(map[string]Position, len(d.Days)+1)}
	for k, v := range d.Days {
		out.Days[k] = v
	}
	if d.Default != nil {
		p := *d.Default
		out.Default = &p
	}
	return out
}

// Encode serializes to the structured grammar. An empty descriptor encodes
// to "".
func (d Descriptor) Encode() string {
	if d.Empty() {
		return ""
	}
	w := wireDescriptor{V: structuredVersion, Default: d.Default}
	if len(d.Days) > 0 {
		w.Days = d.Days
	}
	data, err := json.Marshal(w)
	if err != nil {
		// Position and map[string]Position always marshal.
		appLog.Error("position: encode failed", err)
		return ""
	}
	return string(data)
}

// Resolve decodes s and resolves it for day. ok is false when neither a
// day-specific nor a default entry exists.
func Resolve(s, day string) (Position, bool) {
	p, src := Decode(s).Resolve(day)
	return p, src != SourceNone
}

// Upsert sets the day-specific position of s for day, leaving the default
// untouched. An invalid position or day key leaves s unchanged.
func Upsert(s, day string, p Position) string {
	key, ok := normalizeDayKey(day)
	if !ok || !p.Valid() {
		return s
	}
	return Decode(s).WithDay(key, p).Encode()
}

// UpsertDefault sets the default position of s.
func UpsertDefault(s string, p Position) string {
	if !p.Valid() {
		return s
	}
	return Decode(s).WithDefault(p).Encode()
}

// Upgrade re-serializes any accepted descriptor to the structured grammar.
func Upgrade(s string) string {
	return Decode(s).Encode()
}
