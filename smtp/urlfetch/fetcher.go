package urlfetch

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// Store is the mailbox store the fetcher reads from.
type Store interface {
	// MailboxMeta resolves a mailbox path to its id, current
	// uidvalidity and URLAUTH key.
	MailboxMeta(ctx context.Context, name string) (id int64, uidvalidity uint32, urlauthKey []byte, err error)

	// Literal returns the octets of the message uid in the mailbox,
	// projected to the given section ("" for the whole message).
	Literal(ctx context.Context, mailboxID int64, uid uint32, section string) ([]byte, error)
}

// Fetcher resolves parsed IMAP URLs into literal octets.
//
// Failures are per-URL; Resolve stops at the first failure since its
// only caller, BURL, aborts the whole command on any failure.
type Fetcher struct {
	Store Store
}

// Token computes the URLAUTH token for a rump URL under a mailbox key.
func Token(key []byte, rump string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(rump))
	return hex.EncodeToString(mac.Sum(nil))
}

// Resolve fetches every URL in order and returns each URL's octets
// as a separate slice, in the same order.
func (f *Fetcher) Resolve(ctx context.Context, urls []*URL) ([][]byte, error) {
	out := make([][]byte, 0, len(urls))
	for _, u := range urls {
		data, err := f.fetch(ctx, u)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (f *Fetcher) fetch(ctx context.Context, u *URL) ([]byte, error) {
	id, uidvalidity, key, err := f.Store.MailboxMeta(ctx, u.Mailbox)
	if err != nil {
		return nil, fmt.Errorf("urlfetch: mailbox %q: %v", u.Mailbox, err)
	}
	if uidvalidity != u.UIDValidity {
		return nil, fmt.Errorf("urlfetch: mailbox %q uidvalidity is %d, URL names %d",
			u.Mailbox, uidvalidity, u.UIDValidity)
	}

	if strings.ToLower(u.Mech) != "internal" {
		return nil, fmt.Errorf("urlfetch: unsupported URLAUTH mechanism %q", u.Mech)
	}
	want := Token(key, u.Rump())
	if !hmac.Equal([]byte(strings.ToLower(u.Token)), []byte(want)) {
		return nil, fmt.Errorf("urlfetch: URLAUTH token does not verify")
	}

	data, err := f.Store.Literal(ctx, id, u.UID, u.Section)
	if err != nil {
		return nil, fmt.Errorf("urlfetch: %s uid %d: %v", u.Mailbox, u.UID, err)
	}

	if u.HasPartial {
		if u.PartialOffset >= int64(len(data)) {
			return nil, fmt.Errorf("urlfetch: PARTIAL offset %d past end of %d octets",
				u.PartialOffset, len(data))
		}
		end := u.PartialOffset + u.PartialLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		data = data[u.PartialOffset:end]
	}
	return data, nil
}
