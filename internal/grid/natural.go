package grid

import (
	"sort"
	"strings"
)

// NaturalLess orders strings with embedded numbers numerically, so "i2"
// sorts before "i10". Non-digit runs compare case-insensitively; full ties
// fall back to byte order to keep the order total.
func NaturalLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ca, cb := a[ai], b[bi]
		if isDigit(ca) && isDigit(cb) {
			ae := scanDigits(a, ai)
			be := scanDigits(b, bi)
			na := strings.TrimLeft(a[ai:ae], "0")
			nb := strings.TrimLeft(b[bi:be], "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			ai, bi = ae, be
			continue
		}
		la, lb := lower(ca), lower(cb)
		if la != lb {
			return la < lb
		}
		ai++
		bi++
	}
	if (len(a) - ai) != (len(b) - bi) {
		return len(a)-ai < len(b)-bi
	}
	return a < b
}

// SortNatural sorts ids in place with NaturalLess.
func SortNatural(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return NaturalLess(ids[i], ids[j]) })
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func scanDigits(s string, i int) int {
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return i
}
