package urlfetch

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestParseURL(t *testing.T) {
	raw := "imap://alice@h/Drafts;UIDVALIDITY=7/;UID=12;URLAUTH=user+alice:internal:0123abcd"
	u, err := ParseURL(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.User != "alice" || u.Host != "h" || u.Mailbox != "Drafts" {
		t.Errorf("authority = %q@%q/%q", u.User, u.Host, u.Mailbox)
	}
	if u.UIDValidity != 7 || u.UID != 12 {
		t.Errorf("uidvalidity=%d uid=%d, want 7, 12", u.UIDValidity, u.UID)
	}
	if u.Access != "user+alice" || u.Mech != "internal" || u.Token != "0123abcd" {
		t.Errorf("urlauth = %q:%q:%q", u.Access, u.Mech, u.Token)
	}
	if got, want := u.Rump(), "imap://alice@h/Drafts;UIDVALIDITY=7/;UID=12;URLAUTH=user+alice"; got != want {
		t.Errorf("Rump() = %q, want %q", got, want)
	}
}

func TestParseURLSectionPartial(t *testing.T) {
	raw := "imap://h/INBOX;UIDVALIDITY=3/;UID=9/;SECTION=1.2/;PARTIAL=10.20;URLAUTH=anonymous:internal:ff"
	u, err := ParseURL(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Section != "1.2" {
		t.Errorf("Section = %q, want 1.2", u.Section)
	}
	if !u.HasPartial || u.PartialOffset != 10 || u.PartialLength != 20 {
		t.Errorf("partial = %v %d.%d", u.HasPartial, u.PartialOffset, u.PartialLength)
	}
}

func TestParseURLEscapedMailbox(t *testing.T) {
	u, err := ParseURL("imap://h/Archive%2F2020;UIDVALIDITY=3/;UID=9;URLAUTH=authuser:internal:ff")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := u.Mailbox, "Archive/2020"; got != want {
		t.Errorf("Mailbox = %q, want %q", got, want)
	}
}

func TestParseURLErrors(t *testing.T) {
	bad := []string{
		"http://h/INBOX;UIDVALIDITY=3/;UID=9;URLAUTH=anonymous:internal:ff",
		"imap://h/INBOX;UIDVALIDITY=3/;UID=9", // no URLAUTH
		"imap://h/INBOX/;UID=9;URLAUTH=anonymous:internal:ff",          // no uidvalidity
		"imap://h/INBOX;UIDVALIDITY=3;URLAUTH=anonymous:internal:ff",   // no uid
		"imap://h/INBOX;UIDVALIDITY=3/;UID=9;URLAUTH=anonymous:ff",     // no token
		"imap://h/INBOX;UIDVALIDITY=3/;UID=9;URLAUTH=wild+x:internal:ff", // bad access
		"imap:///INBOX;UIDVALIDITY=3/;UID=9;URLAUTH=anonymous:internal:ff", // no host
	}
	for _, raw := range bad {
		if u, err := ParseURL(raw); err == nil {
			t.Errorf("ParseURL(%q) = %+v, want error", raw, u)
		}
	}
}

func TestPermitted(t *testing.T) {
	tests := []struct {
		access string
		login  string
		want   bool
	}{
		{"anonymous", "", true},
		{"anonymous", "bob", true},
		{"authuser", "", false},
		{"authuser", "bob", true},
		{"user+alice", "alice", true},
		{"user+alice", "Alice", true},
		{"user+alice", "bob", false},
		{"submit+alice", "alice", true},
		{"submit+alice", "bob", false},
	}
	for _, test := range tests {
		raw := fmt.Sprintf("imap://h/INBOX;UIDVALIDITY=3/;UID=9;URLAUTH=%s:internal:ff", test.access)
		u, err := ParseURL(raw)
		if err != nil {
			t.Fatalf("ParseURL(%q): %v", raw, err)
		}
		if got := u.Permitted(test.login); got != test.want {
			t.Errorf("access=%q login=%q: Permitted = %v, want %v",
				test.access, test.login, got, test.want)
		}
	}
}

type fakeStore struct {
	uidvalidity uint32
	key         []byte
	literal     []byte
	err         error
}

func (s *fakeStore) MailboxMeta(ctx context.Context, name string) (int64, uint32, []byte, error) {
	if s.err != nil {
		return 0, 0, nil, s.err
	}
	return 7, s.uidvalidity, s.key, nil
}

func (s *fakeStore) Literal(ctx context.Context, mailboxID int64, uid uint32, section string) ([]byte, error) {
	return s.literal, nil
}

func signedURL(t *testing.T, key []byte, partial string) *URL {
	t.Helper()
	rump := "imap://h/INBOX;UIDVALIDITY=3/;UID=9" + partial + ";URLAUTH=anonymous"
	raw := rump + ":internal:" + Token(key, rump)
	u, err := ParseURL(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestFetcherResolve(t *testing.T) {
	key := []byte("mailbox-key")
	store := &fakeStore{uidvalidity: 3, key: key, literal: []byte("hello, literal")}
	f := &Fetcher{Store: store}

	u := signedURL(t, key, "")
	got, err := f.Resolve(context.Background(), []*URL{u})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got[0]) != "hello, literal" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestFetcherPartial(t *testing.T) {
	key := []byte("mailbox-key")
	store := &fakeStore{uidvalidity: 3, key: key, literal: []byte("0123456789")}
	f := &Fetcher{Store: store}

	u := signedURL(t, key, "/;PARTIAL=2.3")
	got, err := f.Resolve(context.Background(), []*URL{u})
	if err != nil {
		t.Fatal(err)
	}
	if string(got[0]) != "234" {
		t.Errorf("partial = %q, want 234", got[0])
	}
}

func TestFetcherBadToken(t *testing.T) {
	key := []byte("mailbox-key")
	store := &fakeStore{uidvalidity: 3, key: key, literal: []byte("x")}
	f := &Fetcher{Store: store}

	u := signedURL(t, []byte("some-other-key"), "")
	if _, err := f.Resolve(context.Background(), []*URL{u}); err == nil {
		t.Error("forged token resolved")
	}
}

func TestFetcherUIDValidityMismatch(t *testing.T) {
	key := []byte("mailbox-key")
	store := &fakeStore{uidvalidity: 4, key: key, literal: []byte("x")}
	f := &Fetcher{Store: store}

	u := signedURL(t, key, "")
	_, err := f.Resolve(context.Background(), []*URL{u})
	if err == nil || !strings.Contains(err.Error(), "uidvalidity") {
		t.Errorf("err = %v, want uidvalidity mismatch", err)
	}
}
