package smtpserver

import (
	"context"
	"errors"

	"oryx.ink/email"
	"oryx.ink/smtp/urlfetch"
)

// ErrNoSuchAddress is returned by Backend.Resolve for a recipient
// that no alias maps to a local mailbox.
var ErrNoSuchAddress = errors.New("smtpserver: no such address")

// User is an authenticated submitter.
type User struct {
	ID    int64
	Login string

	// Addresses the user may appear as: the registered addresses
	// plus any aliases bound to the user's home mailbox.
	Addresses []*email.Address
}

// RcptInfo is a recipient resolved against the alias table.
type RcptInfo struct {
	MailboxID   int64 // home mailbox
	MailboxName string
	Owner       int64
	OwnerLogin  string

	HasScript bool
	Script    string // active sieve script source
}

// OutboundDelivery is one message bound for remote transport.
type OutboundDelivery struct {
	Msg        *email.Msg
	Sender     *email.Address
	Recipients []*email.Address
}

// InjectRequest is one transaction's worth of persistence: the
// message filed into local mailboxes plus outbound deliveries.
type InjectRequest struct {
	TransactionID string
	Msg           *email.Msg
	MailboxIDs    []int64
	Deliveries    []*OutboundDelivery
}

// Backend connects the wire protocol to the mail store.
type Backend interface {
	// Authenticate verifies a login and returns the user with their
	// permitted sender addresses.
	Authenticate(ctx context.Context, remoteAddr, username string, password []byte) (*User, error)

	// Resolve maps a recipient address onto its local mailbox, owner
	// and active sieve script. ErrNoSuchAddress means unknown.
	Resolve(ctx context.Context, addr *email.Address) (*RcptInfo, error)

	// LookupMailbox resolves a sieve fileinto path for a mailbox owner.
	LookupMailbox(ctx context.Context, owner int64, name string) (int64, error)

	// Inject persists the request in one transaction.
	Inject(ctx context.Context, req *InjectRequest) error

	// FetchURL resolves a BURL reference to literal octets.
	FetchURL(ctx context.Context, u *urlfetch.URL) ([]byte, error)
}

// transientError is implemented by injection errors that deserve a
// 4xx rather than a 5xx response.
type transientError interface {
	Transient() bool
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var te transientError
	if errors.As(err, &te) {
		return te.Transient()
	}
	return false
}
