package email

import (
	"strings"
)

// AddressKind classifies a parsed address.
type AddressKind int8

const (
	AddressNormal     AddressKind = iota // localpart@domain
	AddressBounce                        // the empty reverse-path <>
	AddressEmptyGroup                    // RFC 5322 group with no members
	AddressLocal                         // localpart without a domain
	AddressInvalid
)

func (k AddressKind) String() string {
	switch k {
	case AddressNormal:
		return "Normal"
	case AddressBounce:
		return "Bounce"
	case AddressEmptyGroup:
		return "EmptyGroup"
	case AddressLocal:
		return "Local"
	case AddressInvalid:
		return "Invalid"
	default:
		return "AddressKind(unknown)"
	}
}

// Address is a parsed email address.
//
// Name may contain any Unicode, Localpart and Domain are kept as
// received (7-bit in practice). Equality of two addresses is
// case-insensitive on Localpart and Domain; compare Canon values.
type Address struct {
	Name      string // proper name, may be empty
	Localpart string
	Domain    string

	invalid bool
	id      int64 // addresses table row, 0 until cached
}

// NewAddress builds an address and classifies it by its parts.
func NewAddress(name, localpart, domain string) *Address {
	return &Address{Name: name, Localpart: localpart, Domain: domain}
}

// Bounce returns the empty reverse-path <>.
func Bounce() *Address { return &Address{} }

// Invalid returns an address carrying only an unparsable raw form.
func Invalid(raw string) *Address {
	return &Address{Name: raw, invalid: true}
}

func (a *Address) Kind() AddressKind {
	switch {
	case a == nil || a.invalid:
		return AddressInvalid
	case a.Localpart == "" && a.Domain == "" && a.Name == "":
		return AddressBounce
	case a.Localpart == "" && a.Domain == "":
		return AddressEmptyGroup
	case a.Domain == "":
		return AddressLocal
	default:
		return AddressNormal
	}
}

// ID returns the database id, or 0 if the address is not cached yet.
func (a *Address) ID() int64 { return a.id }

// SetID freezes the address with its addresses table row id.
// Name, Localpart and Domain must not change once an id is set.
func (a *Address) SetID(id int64) { a.id = id }

// ClearID detaches the address from its table row, for callers whose
// assigning transaction rolled back. The identity triple stays frozen.
func (a *Address) ClearID() { a.id = 0 }

// Canon returns the canonical lower-cased localpart@domain form
// used for case-insensitive equality.
func (a *Address) Canon() string {
	return strings.ToLower(a.Localpart) + "@" + strings.ToLower(a.Domain)
}

// LpDomain returns localpart@domain as received.
func (a *Address) LpDomain() string {
	return a.Localpart + "@" + a.Domain
}

// Equal reports case-insensitive equality on localpart and domain.
func (a *Address) Equal(b *Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return strings.EqualFold(a.Localpart, b.Localpart) &&
		strings.EqualFold(a.Domain, b.Domain)
}

// String renders the address for a header or an SMTP response.
// The bounce address renders as <>.
func (a *Address) String() string {
	switch a.Kind() {
	case AddressInvalid:
		return a.Name
	case AddressBounce:
		return "<>"
	case AddressEmptyGroup:
		return a.Name + ":;"
	case AddressLocal:
		return a.Localpart
	}
	if a.Name == "" {
		return "<" + a.LpDomain() + ">"
	}
	return FormatAddress(a)
}

// Uniquify collapses addresses equal under Canon and Name,
// preserving first-seen order.
func Uniquify(addrs []*Address) []*Address {
	seen := make(map[string]bool, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		key := a.Name + "\x00" + a.Canon()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}
