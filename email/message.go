// Package email is a light-weight set of types fundamental to processing email.
package email

import (
	"fmt"
	"time"
)

// MsgID is a unique identifier for a message.
//
// MsgID is unique across all mailboxes.
//
// A message does not have a MsgID until it is stored in the database.
type MsgID int64

func (id MsgID) String() string { return fmt.Sprintf("m%d", int64(id)) }

// Msg is a parsed email message.
//
// ParseError is empty when the wire form parsed cleanly. A Msg with a
// non-empty ParseError still carries whatever header fields and body
// octets could be recovered; callers that need a storable message wrap
// it with WrapUnparsable.
type Msg struct {
	MsgID       MsgID  // assigned on insertion, 0 otherwise
	RawHash     string // sha256 hex of the wire form
	Date        time.Time
	Headers     Header
	Flags       []string
	Parts       []Part // Parts[i].PartNum == i
	EncodedSize int64  // size of encoded message, IMAP value RFC822.SIZE
	ParseError  string
}

// Part represents a single part of a MIME multipart message.
// A Msg with a single text/plain part is not multipart encoded.
type Part struct {
	PartNum     int
	ContentType string
	Charset     string
	ContentID   string
	IsText      bool
	Content     []byte
	Fingerprint string // sha256 hex of Content, the bodypart dedup key
	NumLines    int64

	BodypartID int64 // bodyparts table row, 0 until stored
}

// Valid reports whether the message parsed without defects.
func (m *Msg) Valid() bool { return m.ParseError == "" }

// Root returns the first part, the whole body for non-multipart
// messages.
func (m *Msg) Root() *Part {
	if len(m.Parts) == 0 {
		return nil
	}
	return &m.Parts[0]
}

// From returns the first From address, or nil.
func (m *Msg) From() *Address {
	addrs, err := m.Headers.Addresses("From")
	if err != nil || len(addrs) == 0 {
		return nil
	}
	return addrs[0]
}
