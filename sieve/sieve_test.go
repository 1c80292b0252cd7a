package sieve

import (
	"fmt"
	"testing"
	"time"

	"oryx.ink/email"
)

func testLookup(owner int64, name string) (int64, error) {
	switch name {
	case "INBOX/Junk":
		return 77, nil
	case "Spam":
		return 78, nil
	}
	return 0, fmt.Errorf("no such mailbox")
}

func mustParse(t *testing.T, src string) *Script {
	t.Helper()
	script, err := Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

func testMsg(t *testing.T, raw string) *email.Msg {
	t.Helper()
	msg := email.Parse([]byte(raw))
	if !msg.Valid() {
		t.Fatalf("test message does not parse: %s", msg.ParseError)
	}
	return msg
}

func newSieve(t *testing.T, script string, rcpt *email.Address) *Sieve {
	t.Helper()
	s := &Sieve{Lookup: testLookup}
	s.SetSender(email.NewAddress("", "s", "a"))
	var parsed *Script
	var err error
	if script != "" {
		parsed, err = Parse(script)
	}
	s.AddRecipient(rcpt, 1, 42, "INBOX", parsed, err)
	return s
}

func TestImplicitKeep(t *testing.T) {
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, "", rcpt)
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	if !s.Done() {
		t.Fatal("not done")
	}
	actions := s.Actions(rcpt)
	if len(actions) != 1 || actions[0].Type != FileInto || actions[0].MailboxID != 42 {
		t.Fatalf("actions = %+v, want one FileInto home", actions)
	}
}

func TestFileintoStop(t *testing.T) {
	const script = `require ["fileinto"];
if header :contains "Subject" "spam" { fileinto "INBOX/Junk"; stop; }`
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, script, rcpt)
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: spam alert\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	if !s.Done() {
		t.Fatal("not done")
	}
	actions := s.Actions(rcpt)
	if len(actions) != 1 {
		t.Fatalf("actions = %+v, want exactly one", actions)
	}
	if actions[0].Type != FileInto || actions[0].MailboxID != 77 {
		t.Errorf("action = %+v, want FileInto INBOX/Junk", actions[0])
	}
}

func TestSuspendOnHeaderTest(t *testing.T) {
	const script = `if header :contains "Subject" "spam" { discard; }`
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, script, rcpt)
	s.Evaluate()
	if s.Done() {
		t.Fatal("done before the message arrived")
	}
	if actions := s.Actions(rcpt); len(actions) != 0 {
		t.Fatalf("premature actions: %+v", actions)
	}
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: ok\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	if !s.Done() {
		t.Fatal("still not done with message present")
	}
	actions := s.Actions(rcpt)
	if len(actions) != 1 || actions[0].Type != FileInto {
		t.Fatalf("actions = %+v, want implicit keep", actions)
	}
}

func TestEnvelopeDecidableEarly(t *testing.T) {
	const script = `if envelope :localpart "to" "u" { fileinto "Spam"; }`
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, script, rcpt)
	s.Evaluate()
	if !s.Done() {
		t.Fatal("envelope-only script undecided without message")
	}
	actions := s.Actions(rcpt)
	if len(actions) != 1 || actions[0].MailboxID != 78 {
		t.Fatalf("actions = %+v, want FileInto Spam", actions)
	}
}

func TestEnvelopeStableAcrossBody(t *testing.T) {
	// An envelope-only script must yield identical actions whether
	// evaluated before or after the body arrives.
	const script = `if envelope :is "from" "s@a" { discard; }`
	rcpt := email.NewAddress("", "u", "b")

	before := newSieve(t, script, rcpt)
	before.Evaluate()

	after := newSieve(t, script, rcpt)
	after.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"), time.Now())
	after.Evaluate()

	a, b := before.Actions(rcpt), after.Actions(rcpt)
	if len(a) != len(b) || len(a) != 1 || a[0].Type != b[0].Type {
		t.Errorf("before=%+v after=%+v, want identical", a, b)
	}
}

func TestStopInElse(t *testing.T) {
	const script = `
if false { discard; }
else { stop; }
fileinto "Spam";`
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, script, rcpt)
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	if !s.Done() {
		t.Fatal("not done")
	}
	// stop skipped the trailing fileinto; implicit keep still resolves.
	actions := s.Actions(rcpt)
	if len(actions) != 1 || actions[0].Type != FileInto || actions[0].MailboxID != 42 {
		t.Fatalf("actions = %+v, want implicit keep only", actions)
	}
}

func TestElsifChainRemoval(t *testing.T) {
	const script = `
if true { fileinto "Spam"; }
elsif true { discard; }
else { discard; }`
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, script, rcpt)
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	actions := s.Actions(rcpt)
	if len(actions) != 1 || actions[0].MailboxID != 78 {
		t.Fatalf("actions = %+v, want only FileInto Spam", actions)
	}
}

func TestReject(t *testing.T) {
	const script = `reject "go away";`
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, script, rcpt)
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	if !s.Rejected(rcpt) {
		t.Error("Rejected = false, want true")
	}
	if !s.RejectedAll() {
		t.Error("RejectedAll = false, want true")
	}
	actions := s.Actions(rcpt)
	if len(actions) != 1 || actions[0].Type != Reject || actions[0].Reason != "go away" {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestRedirectPreservesBounceSender(t *testing.T) {
	const script = `redirect "fwd@c.example";`
	rcpt := email.NewAddress("", "u", "b")
	s := &Sieve{Lookup: testLookup}
	s.SetSender(email.Bounce())
	s.AddRecipient(rcpt, 1, 42, "INBOX", mustParse(t, script), nil)
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	actions := s.Actions(rcpt)
	if len(actions) != 1 || actions[0].Type != Redirect {
		t.Fatalf("actions = %+v", actions)
	}
	if got, want := actions[0].Sender.Kind(), email.AddressBounce; got != want {
		t.Errorf("redirect sender kind = %v, want %v", got, want)
	}
	if got, want := actions[0].Recipient.Canon(), "fwd@c.example"; got != want {
		t.Errorf("redirect recipient = %q, want %q", got, want)
	}
}

func TestMissingMailboxFails(t *testing.T) {
	const script = `fileinto "NoSuchPlace";`
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, script, rcpt)
	s.SetMessage(testMsg(t, "From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"), time.Now())
	s.Evaluate()
	if s.Error(rcpt) == "" {
		t.Error("missing mailbox did not fail the recipient")
	}
	if s.SoftError() {
		t.Error("missing mailbox reported as soft")
	}
}

func TestScriptParseErrorDefers(t *testing.T) {
	rcpt := email.NewAddress("", "u", "b")
	s := &Sieve{Lookup: testLookup}
	s.SetSender(email.NewAddress("", "s", "a"))
	_, err := Parse(`if broken`)
	if err == nil {
		t.Fatal("script should not parse")
	}
	s.AddRecipient(rcpt, 1, 42, "INBOX", nil, err)
	s.Evaluate()
	if !s.Done() {
		t.Fatal("not done")
	}
	if s.Error(rcpt) == "" {
		t.Error("parse error lost")
	}
	if !s.SoftError() {
		t.Error("parse error should be a soft (deferred) failure")
	}
	if actions := s.Actions(rcpt); len(actions) != 0 {
		t.Errorf("failed context produced actions: %+v", actions)
	}
}

func TestAllofFalseDecidesDespiteUndecidable(t *testing.T) {
	// allof(header..., false) is False even without the message:
	// short-circuit on the constant, no need to wait.
	// allof(header..., true) stays Undecidable.
	rcpt := email.NewAddress("", "u", "b")
	s := newSieve(t, `if allof (header :is "X" "y", true) { discard; }`, rcpt)
	s.Evaluate()
	if s.Done() {
		t.Error("allof with undecidable term decided early")
	}

	s2 := newSieve(t, `if allof (header :is "X" "y", false) { discard; }`, rcpt)
	s2.Evaluate()
	if !s2.Done() {
		t.Error("allof with False term did not short-circuit")
	}
}
