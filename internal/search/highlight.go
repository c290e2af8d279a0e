package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Span is a byte range [Start, End) in the displayed text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Highlighter marks token occurrences in display strings. It never alters
// the text itself.
type Highlighter struct {
	re *regexp.Regexp
}

// separators allowed between the characters of a digit or plate token, so
// "0721" highlights inside "0721 555" and "ab12" inside "AB-12".
const separators = `[\s\-./()]*`

// NewHighlighter builds one case-insensitive alternation from tokens. With
// no tokens Spans always returns nil.
func NewHighlighter(tokens []Token) *Highlighter {
	parts := make([]string, 0, len(tokens))
	seen := make(map[string]bool)
	for _, t := range tokens {
		p := pattern(t)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return &Highlighter{}
	}
	// Longest first, so "ionescu" wins over "ion" at the same offset.
	sort.SliceStable(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
	return &Highlighter{re: regexp.MustCompile(`(?i)(?:` + strings.Join(parts, "|") + `)`)}
}

func pattern(t Token) string {
	switch t.Kind {
	case KindDigits, KindPlate:
		chars := make([]string, 0, len(t.Value))
		for _, r := range t.Value {
			chars = append(chars, regexp.QuoteMeta(string(r)))
		}
		return strings.Join(chars, separators)
	default:
		return regexp.QuoteMeta(t.Value)
	}
}

// Spans returns the non-overlapping match ranges in text, as byte offsets
// into the original (unfolded) string.
func (h *Highlighter) Spans(text string) []Span {
	if h == nil || h.re == nil || text == "" {
		return nil
	}
	folded, origin := fold(text)
	matches := h.re.FindAllStringIndex(folded, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Span, 0, len(matches))
	for _, m := range matches {
		if m[0] == m[1] {
			continue
		}
		start := origin[m[0]].start
		end := origin[m[1]-1].end
		if n := len(out); n > 0 && start < out[n-1].End {
			continue
		}
		out = append(out, Span{Start: start, End: end})
	}
	return out
}

type runeSpan struct{ start, end int }

// fold normalizes text rune by rune, recording for every folded byte the
// original rune it came from.
func fold(text string) (string, []runeSpan) {
	var b strings.Builder
	origin := make([]runeSpan, 0, len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if f := Normalize(string(r)); f != "" {
			b.WriteString(f)
			for k := 0; k < len(f); k++ {
				origin = append(origin, runeSpan{start: i, end: i + size})
			}
		}
		i += size
	}
	return b.String(), origin
}

// Highlight tokenizes q and returns the spans in text.
func Highlight(q, text string) []Span {
	return NewHighlighter(Tokenize(q)).Spans(text)
}
