// Package urlfetch parses IMAP URLs (RFC 5092) with URLAUTH
// authorization (RFC 4467) and resolves them to literal octets,
// which is what the SMTP BURL extension (RFC 4468) needs.
package urlfetch

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URL is a parsed URLAUTH-authorized IMAP URL of the form
//
//	imap://[user@]host/mailbox;UIDVALIDITY=n/;UID=n[/;SECTION=s]
//	    [/;PARTIAL=a.b];URLAUTH=access:mech:token
//
// Access is one of anonymous, authuser, user+<name>, submit+<name>.
type URL struct {
	Raw     string
	User    string
	Host    string
	Mailbox string

	UIDValidity uint32
	UID         uint32
	Section     string

	HasPartial    bool
	PartialOffset int64
	PartialLength int64

	Access string
	Mech   string
	Token  string

	rump string // everything through ";URLAUTH=<access>", the HMAC input
}

// Rump returns the URL up to and including the access specifier,
// the octets the URLAUTH token authenticates.
func (u *URL) Rump() string { return u.rump }

// ParseURL parses an IMAP URL carrying a URLAUTH component.
func ParseURL(raw string) (*URL, error) {
	u := &URL{Raw: raw}
	s := raw

	const scheme = "imap://"
	if !strings.HasPrefix(strings.ToLower(s), scheme) {
		return nil, fmt.Errorf("urlfetch: not an imap URL: %q", raw)
	}
	s = s[len(scheme):]

	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return nil, fmt.Errorf("urlfetch: no path in %q", raw)
	}
	authority, path := s[:slash], s[slash+1:]
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		u.User, u.Host = authority[:at], authority[at+1:]
	} else {
		u.Host = authority
	}
	if u.Host == "" {
		return nil, fmt.Errorf("urlfetch: empty host in %q", raw)
	}

	// The URLAUTH component terminates the URL.
	authAt := strings.Index(path, ";URLAUTH=")
	if authAt < 0 {
		return nil, fmt.Errorf("urlfetch: no URLAUTH component in %q", raw)
	}
	auth := path[authAt+len(";URLAUTH="):]
	path = path[:authAt]

	parts := strings.SplitN(auth, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("urlfetch: URLAUTH needs access:mech:token in %q", raw)
	}
	u.Access, u.Mech, u.Token = parts[0], parts[1], parts[2]
	if u.Access == "" || u.Mech == "" || u.Token == "" {
		return nil, fmt.Errorf("urlfetch: incomplete URLAUTH in %q", raw)
	}
	u.rump = raw[:len(raw)-len(auth)] + u.Access

	// path: mailbox;UIDVALIDITY=n/;UID=n[/;SECTION=s][/;PARTIAL=a.b]
	segs := strings.Split(path, "/;")
	mboxSeg := segs[0]
	if i := strings.Index(mboxSeg, ";UIDVALIDITY="); i >= 0 {
		v, err := parseUint32(mboxSeg[i+len(";UIDVALIDITY="):])
		if err != nil {
			return nil, fmt.Errorf("urlfetch: bad UIDVALIDITY in %q: %v", raw, err)
		}
		u.UIDValidity = v
		mboxSeg = mboxSeg[:i]
	}
	mailbox, err := url.PathUnescape(mboxSeg)
	if err != nil {
		return nil, fmt.Errorf("urlfetch: bad mailbox escape in %q: %v", raw, err)
	}
	if mailbox == "" {
		return nil, fmt.Errorf("urlfetch: empty mailbox in %q", raw)
	}
	u.Mailbox = mailbox

	for _, seg := range segs[1:] {
		switch {
		case strings.HasPrefix(seg, "UID="):
			v, err := parseUint32(seg[len("UID="):])
			if err != nil {
				return nil, fmt.Errorf("urlfetch: bad UID in %q: %v", raw, err)
			}
			u.UID = v
		case strings.HasPrefix(seg, "SECTION="):
			sec, err := url.PathUnescape(seg[len("SECTION="):])
			if err != nil {
				return nil, fmt.Errorf("urlfetch: bad SECTION escape in %q: %v", raw, err)
			}
			u.Section = sec
		case strings.HasPrefix(seg, "PARTIAL="):
			if err := u.parsePartial(seg[len("PARTIAL="):]); err != nil {
				return nil, fmt.Errorf("urlfetch: bad PARTIAL in %q: %v", raw, err)
			}
		default:
			return nil, fmt.Errorf("urlfetch: unknown component %q in %q", seg, raw)
		}
	}

	if u.UIDValidity == 0 {
		return nil, fmt.Errorf("urlfetch: missing UIDVALIDITY in %q", raw)
	}
	if u.UID == 0 {
		return nil, fmt.Errorf("urlfetch: missing UID in %q", raw)
	}
	if err := u.checkAccess(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *URL) parsePartial(s string) error {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return fmt.Errorf("expected offset.length, got %q", s)
	}
	off, err := strconv.ParseInt(s[:dot], 10, 64)
	if err != nil {
		return err
	}
	length, err := strconv.ParseInt(s[dot+1:], 10, 64)
	if err != nil {
		return err
	}
	if off < 0 || length <= 0 {
		return fmt.Errorf("bad range %q", s)
	}
	u.HasPartial = true
	u.PartialOffset = off
	u.PartialLength = length
	return nil
}

func (u *URL) checkAccess() error {
	a := strings.ToLower(u.Access)
	switch {
	case a == "anonymous" || a == "authuser":
		return nil
	case strings.HasPrefix(a, "user+") && len(a) > len("user+"):
		return nil
	case strings.HasPrefix(a, "submit+") && len(a) > len("submit+"):
		return nil
	}
	return fmt.Errorf("urlfetch: unknown access specifier %q", u.Access)
}

// Permitted reports whether the URL's access specifier admits the
// given authenticated login ("" when unauthenticated).
func (u *URL) Permitted(login string) bool {
	a := strings.ToLower(u.Access)
	login = strings.ToLower(login)
	switch {
	case a == "anonymous":
		return true
	case login == "":
		return false
	case a == "authuser":
		return true
	case a == "user+"+login:
		return true
	case a == "submit+"+login:
		return true
	}
	return false
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("zero value")
	}
	return uint32(v), nil
}
