package sieve

import (
	"fmt"
	"time"

	"oryx.ink/email"
)

// Result is the tri-state outcome of a test. Tests over message data
// that has not arrived yet are Undecidable and the evaluation of that
// recipient suspends until more data is present.
type Result int8

const (
	False Result = iota
	True
	Undecidable
)

func (r Result) String() string {
	switch r {
	case False:
		return "False"
	case True:
		return "True"
	case Undecidable:
		return "Undecidable"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ActionType tags an Action.
type ActionType int8

const (
	FileInto ActionType = iota
	Redirect
	Reject
	Discard
	Vacation
)

func (t ActionType) String() string {
	switch t {
	case FileInto:
		return "FileInto"
	case Redirect:
		return "Redirect"
	case Reject:
		return "Reject"
	case Discard:
		return "Discard"
	case Vacation:
		return "Vacation"
	default:
		return fmt.Sprintf("ActionType(%d)", int(t))
	}
}

// Action describes one effect to perform on behalf of one recipient.
type Action struct {
	Type ActionType

	MailboxID   int64  // FileInto
	MailboxName string // FileInto

	Sender    *email.Address // Redirect: envelope sender
	Recipient *email.Address // Redirect: where to
	Message   *email.Msg     // Redirect

	Reason string // Reject reason, Vacation text
	Days   int    // Vacation
	Subject string // Vacation
}

// Sieve evaluates the active scripts of a message's recipients.
//
// Usage is specific: create one per transaction, set the sender with
// SetSender, the recipients with AddRecipient, and the message with
// SetMessage once the body is complete. Evaluate may be called any
// time after AddRecipient; results for tests that only need the
// envelope are available before the message is.
type Sieve struct {
	// Lookup resolves a fileinto mailbox path for the owner of the
	// recipient's home mailbox. Returning an error fails the
	// recipient's context.
	Lookup func(owner int64, name string) (mailboxID int64, err error)

	sender     *email.Address
	msg        *email.Msg
	now        time.Time
	recipients []*recipient
}

type recipient struct {
	addr        *email.Address
	owner       int64
	mailboxID   int64 // home mailbox
	mailboxName string

	done         bool
	ok           bool
	implicitKeep bool
	softErr      bool
	errstr       string
	actions      []*Action
	pending      []*Command
}

// SetSender records the envelope sender.
func (s *Sieve) SetSender(addr *email.Address) { s.sender = addr }

// Sender returns the envelope sender, nil before SetSender.
func (s *Sieve) Sender() *email.Address { return s.sender }

// AddRecipient records a local recipient with its home mailbox and
// active script. A nil script means no filtering: only the implicit
// keep fires. scriptErr carries the script's parse error, which
// defers delivery for this recipient.
func (s *Sieve) AddRecipient(addr *email.Address, owner, mailboxID int64, mailboxName string, script *Script, scriptErr error) {
	r := &recipient{
		addr:         addr,
		owner:        owner,
		mailboxID:    mailboxID,
		mailboxName:  mailboxName,
		ok:           true,
		implicitKeep: true,
	}
	if scriptErr != nil {
		r.done = true
		r.ok = false
		r.softErr = true
		r.errstr = fmt.Sprintf("sieve script does not parse: %v", scriptErr)
	} else if script != nil {
		r.pending = append(r.pending, script.Commands...)
	}
	s.recipients = append(s.recipients, r)
}

// SetMessage records the parsed message. Tests over header fields and
// size become decidable once it is set.
func (s *Sieve) SetMessage(msg *email.Msg, now time.Time) {
	s.msg = msg
	s.now = now
}

// Evaluate runs every recipient's pending commands as far as the
// available data permits. When a recipient's queue drains, the
// implicit keep resolves and the recipient is done.
func (s *Sieve) Evaluate() {
	for _, r := range s.recipients {
		for !r.done && len(r.pending) > 0 {
			if !s.evaluate(r, r.pending[0]) {
				break // undecidable, wait for more message data
			}
			if len(r.pending) > 0 {
				r.pending = r.pending[1:]
			}
		}
		if !r.done && len(r.pending) == 0 {
			r.done = true
		}
		if r.done && r.ok && r.implicitKeep {
			r.implicitKeep = false
			r.actions = append(r.actions, &Action{
				Type:        FileInto,
				MailboxID:   r.mailboxID,
				MailboxName: r.mailboxName,
			})
		}
	}
}

// evaluate runs one command. It reports false if the command cannot
// be decided yet and must stay at the head of the pending queue.
func (s *Sieve) evaluate(r *recipient, c *Command) bool {
	switch c.Name {
	case "if", "elsif":
		res := s.test(r, c.Test)
		if res == Undecidable {
			// cannot evaluate this test with the information
			// available. must wait until more data is available.
			return false
		}
		if res == True {
			r.spliceBlock(c)
		}
		// on False, proceed to the next branch.

	case "else":
		r.spliceBlock(c)

	case "require":
		// checked at parse time

	case "stop":
		r.done = true
		r.pending = nil

	case "reject":
		r.implicitKeep = false
		r.actions = append(r.actions, &Action{Type: Reject, Reason: arg(c)})

	case "fileinto":
		r.implicitKeep = false
		name := arg(c)
		id, err := s.lookup(r.owner, name)
		if err != nil {
			r.fail(fmt.Sprintf("fileinto %q: %v", name, err))
			return true
		}
		r.actions = append(r.actions, &Action{
			Type:        FileInto,
			MailboxID:   id,
			MailboxName: name,
		})

	case "redirect":
		r.implicitKeep = false
		to, err := email.ParseAddress(arg(c))
		if err != nil {
			r.fail(fmt.Sprintf("redirect %q: %v", arg(c), err))
			return true
		}
		r.actions = append(r.actions, &Action{
			Type:      Redirect,
			Sender:    s.sender,
			Recipient: to,
			Message:   s.msg,
		})

	case "keep":
		r.implicitKeep = false
		r.actions = append(r.actions, &Action{
			Type:        FileInto,
			MailboxID:   r.mailboxID,
			MailboxName: r.mailboxName,
		})

	case "discard":
		r.implicitKeep = false
		r.actions = append(r.actions, &Action{Type: Discard})

	case "vacation":
		r.actions = append(r.actions, &Action{
			Type:    Vacation,
			Reason:  arg(c),
			Days:    c.VacationDays,
			Subject: c.VacationSubject,
		})
	}
	return true
}

func arg(c *Command) string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

func (s *Sieve) lookup(owner int64, name string) (int64, error) {
	if s.Lookup == nil {
		return 0, fmt.Errorf("no mailbox lookup configured")
	}
	return s.Lookup(owner, name)
}

func (r *recipient) fail(errstr string) {
	r.ok = false
	r.errstr = errstr
	r.done = true
	r.pending = nil
}

// spliceBlock replaces the if/elsif*/else chain headed by c with the
// body of c's block: the rest of the chain is dropped and the block
// commands take its place in the pending queue.
func (r *recipient) spliceBlock(c *Command) {
	rest := r.pending[1:]
	for len(rest) > 0 && (rest[0].Name == "elsif" || rest[0].Name == "else") {
		rest = rest[1:]
	}
	pending := make([]*Command, 0, 1+len(c.Block)+len(rest))
	pending = append(pending, c) // consumed by the caller
	pending = append(pending, c.Block...)
	pending = append(pending, rest...)
	r.pending = pending
}

func (s *Sieve) test(r *recipient, t *Test) Result {
	var haystack []string

	switch t.Name {
	case "true":
		return True
	case "false":
		return False

	case "not":
		if len(t.Tests) == 0 {
			return False
		}
		switch s.test(r, t.Tests[0]) {
		case True:
			return False
		case False:
			return True
		default:
			return Undecidable
		}

	case "allof":
		res := True
		for _, inner := range t.Tests {
			switch s.test(r, inner) {
			case False:
				return False
			case Undecidable:
				res = Undecidable
			}
		}
		return res

	case "anyof":
		res := False
		for _, inner := range t.Tests {
			switch s.test(r, inner) {
			case True:
				return True
			case Undecidable:
				res = Undecidable
			}
		}
		return res

	case "size":
		if s.msg == nil {
			return Undecidable
		}
		if t.SizeOver {
			if s.msg.EncodedSize > t.SizeLimit {
				return True
			}
		} else {
			if s.msg.EncodedSize < t.SizeLimit {
				return True
			}
		}
		return False

	case "exists":
		if s.msg == nil {
			return Undecidable
		}
		for _, name := range t.Headers {
			if !s.msg.Headers.Has(email.CanonicalKey([]byte(name))) {
				return False
			}
		}
		return True

	case "header":
		if s.msg == nil {
			return Undecidable
		}
		for _, name := range t.Headers {
			key := email.CanonicalKey([]byte(name))
			s.msg.Headers.Get(key) // build index
			for _, v := range s.msg.Headers.Index[key] {
				haystack = append(haystack, string(v))
			}
		}

	case "address":
		if s.msg == nil {
			return Undecidable
		}
		for _, name := range t.Headers {
			key := email.CanonicalKey([]byte(name))
			if !email.IsAddressKey(key) {
				continue
			}
			addrs, err := s.msg.Headers.Addresses(key)
			if err != nil {
				continue
			}
			for _, a := range addrs {
				haystack = append(haystack, projectAddress(a, t.Part))
			}
		}

	case "envelope":
		for _, part := range t.Headers {
			switch fold(AsciiCasemap, part) {
			case "from":
				if s.sender != nil {
					haystack = append(haystack, projectAddress(s.sender, t.Part))
				}
			case "to":
				haystack = append(haystack, projectAddress(r.addr, t.Part))
			}
		}

	default:
		return False
	}

	for _, h := range haystack {
		for _, key := range t.Keys {
			if match(t.Comparator, t.Match, key, h) {
				return True
			}
		}
	}
	return False
}

// projectAddress renders the selected part of an address for an
// address or envelope test.
func projectAddress(a *email.Address, part AddressPart) string {
	switch part {
	case Localpart:
		return a.Localpart
	case Domain:
		return a.Domain
	default:
		return a.LpDomain()
	}
}

// Done reports whether every recipient's evaluation has finished.
func (s *Sieve) Done() bool {
	for _, r := range s.recipients {
		if !r.done {
			return false
		}
	}
	return true
}

func (s *Sieve) recipient(addr *email.Address) *recipient {
	for _, r := range s.recipients {
		if r.addr.Equal(addr) {
			return r
		}
	}
	return nil
}

// Actions returns the actions decided for addr, or nil if addr was
// never added as a recipient.
func (s *Sieve) Actions(addr *email.Address) []*Action {
	r := s.recipient(addr)
	if r == nil {
		return nil
	}
	return r.actions
}

// AddAction records an externally decided action for addr, e.g. the
// immediate redirect representing a remote recipient.
func (s *Sieve) AddAction(addr *email.Address, a *Action) {
	if r := s.recipient(addr); r != nil {
		r.actions = append(r.actions, a)
	}
}

// Rejected reports whether addr's script rejected the message.
func (s *Sieve) Rejected(addr *email.Address) bool {
	r := s.recipient(addr)
	if r == nil {
		return false
	}
	for _, a := range r.actions {
		if a.Type == Reject {
			return true
		}
	}
	return false
}

// RejectedAll reports whether every recipient rejected the message.
func (s *Sieve) RejectedAll() bool {
	if len(s.recipients) == 0 {
		return false
	}
	for _, r := range s.recipients {
		if !s.Rejected(r.addr) {
			return false
		}
	}
	return true
}

// Error returns addr's per-recipient failure, or "".
func (s *Sieve) Error(addr *email.Address) string {
	if r := s.recipient(addr); r != nil {
		return r.errstr
	}
	return ""
}

// FirstError returns the first per-recipient failure, or "".
func (s *Sieve) FirstError() string {
	for _, r := range s.recipients {
		if r.errstr != "" {
			return r.errstr
		}
	}
	return ""
}

// SoftError reports whether every per-recipient failure is transient.
func (s *Sieve) SoftError() bool {
	soft := false
	for _, r := range s.recipients {
		if r.errstr != "" {
			if !r.softErr {
				return false
			}
			soft = true
		}
	}
	return soft
}
