package mailboxes

import (
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MatchResult is the outcome of matching a listing pattern against a
// mailbox name.
type MatchResult int8

const (
	MatchNone   MatchResult = iota
	MatchPrefix             // the name's children may match
	MatchExact
)

func (m MatchResult) String() string {
	switch m {
	case MatchNone:
		return "MatchNone"
	case MatchPrefix:
		return "MatchPrefix"
	case MatchExact:
		return "MatchExact"
	default:
		return "MatchResult(unknown)"
	}
}

// Match matches a listing pattern against a mailbox name. '%'
// matches within one hierarchy segment, '*' across segments.
// Comparison folds per Unicode title-case.
func Match(pattern, name string) MatchResult {
	p := foldRunes(norm.NFC.String(pattern))
	n := foldRunes(norm.NFC.String(name))
	return match(p, 0, n, 0)
}

func foldRunes(s string) []rune {
	runes := []rune(s)
	for i, r := range runes {
		runes[i] = unicode.ToTitle(r)
	}
	return runes
}

func match(p []rune, pi int, n []rune, ni int) MatchResult {
	for pi < len(p) {
		c := p[pi]
		if c == '*' || c == '%' {
			best := MatchNone
			for i := ni; ; i++ {
				if r := match(p, pi+1, n, i); r > best {
					best = r
				}
				if i >= len(n) {
					break
				}
				if c == '%' && n[i] == '/' {
					// '%' stops at the hierarchy separator.
					break
				}
			}
			return best
		}
		if ni >= len(n) {
			// The name ran out with pattern left over: a child of
			// this name may still match.
			return MatchPrefix
		}
		if n[ni] != c {
			return MatchNone
		}
		pi++
		ni++
	}
	if ni == len(n) {
		return MatchExact
	}
	return MatchNone
}
