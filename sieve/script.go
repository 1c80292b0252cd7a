// Package sieve interprets the Sieve filtering language (RFC 5228)
// over incoming messages to determine their fate.
package sieve

import "fmt"

// Comparator selects how strings are normalized before matching.
type Comparator int8

const (
	AsciiCasemap Comparator = iota // i;ascii-casemap, the default
	Octet                          // i;octet
)

func (c Comparator) String() string {
	switch c {
	case AsciiCasemap:
		return "i;ascii-casemap"
	case Octet:
		return "i;octet"
	default:
		return fmt.Sprintf("Comparator(%d)", int(c))
	}
}

// MatchType selects the matching relation of a test.
type MatchType int8

const (
	Is MatchType = iota
	Contains
	Matches
)

func (m MatchType) String() string {
	switch m {
	case Is:
		return ":is"
	case Contains:
		return ":contains"
	case Matches:
		return ":matches"
	default:
		return fmt.Sprintf("MatchType(%d)", int(m))
	}
}

// AddressPart projects an address in an address or envelope test.
type AddressPart int8

const (
	All AddressPart = iota
	Localpart
	Domain
)

func (p AddressPart) String() string {
	switch p {
	case All:
		return ":all"
	case Localpart:
		return ":localpart"
	case Domain:
		return ":domain"
	default:
		return fmt.Sprintf("AddressPart(%d)", int(p))
	}
}

// Test is a node in a test expression tree.
//
// The leaves are address, envelope, header, exists, size, true and
// false; allof, anyof and not combine.
type Test struct {
	Name string

	Comparator Comparator
	Match      MatchType
	Part       AddressPart

	Headers []string // header field names, or envelope parts
	Keys    []string

	Tests []*Test // allof, anyof, not

	SizeOver  bool // size :over (true) or :under (false)
	SizeLimit int64
}

// Command is one Sieve command. Conditional commands carry a Test and
// a nested block.
type Command struct {
	Name string

	Test  *Test
	Block []*Command

	Args []string // string or string-list argument

	// vacation
	VacationDays    int
	VacationSubject string
}

// Script is a parsed Sieve script: an ordered list of top-level
// commands plus the capabilities its require statements named.
type Script struct {
	Requires []string
	Commands []*Command
}

// Required reports whether the script required the named capability.
func (s *Script) Required(capability string) bool {
	for _, r := range s.Requires {
		if r == capability {
			return true
		}
	}
	return false
}
