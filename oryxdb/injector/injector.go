// Package injector persists batches of messages into mailboxes, plus
// outbound deliveries, as single dedup-tolerant transactions.
package injector

import (
	"context"
	"fmt"
	"log"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"oryx.ink/email"
	"oryx.ink/oryxdb/addrcache"
	"oryx.ink/oryxdb/db"
	"oryx.ink/oryxdb/mailboxes"
)

// ErrKind classifies an injection failure for the SMTP response.
type ErrKind int8

const (
	KindTransient ErrKind = iota // deadlock, busy: worth a retry
	KindPermanent
)

// Error is a typed injection failure.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("injector: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the caller should answer 4xx.
func (e *Error) Transient() bool { return e.Kind == KindTransient }

// Delivery is one outbound (message, sender, recipient-list) tuple.
// The spool manager picks it up after commit.
type Delivery struct {
	Msg        *email.Msg
	Sender     *email.Address
	Recipients []*email.Address
}

// Observer is notified after a commit places a message in a mailbox.
type Observer interface {
	MessageInjected(mailboxID int64, uid uint32, modseq int64, msgID email.MsgID)
}

// maxAttempts bounds retries of transient store failures.
const maxAttempts = 3

// Injector writes injectees and deliveries to the store.
//
// It is shared across sessions; every Inject call checks a
// connection out of the pool for the life of its transaction.
type Injector struct {
	DB       *sqlitex.Pool
	Registry *mailboxes.Registry
	Cache    *addrcache.Cache
	Logf     func(format string, v ...interface{})

	observers []Observer
}

// RegisterObserver adds an announce target. Not safe to call
// concurrently with Inject; register during setup.
func (in *Injector) RegisterObserver(obs Observer) {
	in.observers = append(in.observers, obs)
}

func (in *Injector) logf(format string, v ...interface{}) {
	if in.Logf != nil {
		in.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// Inject persists the batch in one transaction. On success every
// injectee's mailbox views are frozen and observers are notified; on
// failure nothing is consumed, no UIDs, no modseqs, no ids.
func (in *Injector) Inject(ctx context.Context, injectees []*Injectee, deliveries []*Delivery) error {
	conn := in.DB.Get(ctx)
	if conn == nil {
		return &Error{Kind: KindTransient, Err: context.Canceled}
	}
	defer in.DB.Put(conn)

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		staged, runErr := in.run(conn, injectees, deliveries)
		if runErr == nil {
			// The savepoint has committed: the staged address rows
			// are durable, so the ids may enter the shared cache.
			in.Cache.Commit(staged)
			in.announce(injectees)
			return nil
		}
		// The savepoint rolled back and took any freshly inserted
		// Addresses rows with it; detach the ids assigned this
		// attempt so a retry re-resolves them.
		staged.Rollback()
		err = runErr
		if !transientCode(err) {
			return &Error{Kind: KindPermanent, Err: err}
		}
		in.logf("injector: transient failure, attempt %d: %v", attempt+1, err)
	}
	return &Error{Kind: KindTransient, Err: err}
}

func transientCode(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.SQLITE_BUSY, sqlite.SQLITE_LOCKED:
		return true
	}
	return false
}

// run executes the injection phases inside one savepoint. Any error
// rolls the whole transaction back; the returned assignment tracks
// the address ids resolved inside it so the caller can settle them.
func (in *Injector) run(conn *sqlite.Conn, injectees []*Injectee, deliveries []*Delivery) (staged *addrcache.Assignment, err error) {
	defer sqlitex.Save(conn)(&err)

	// Phase 1: find messages. The same wire form injected twice is
	// one Messages row.
	msgs := collectMsgs(injectees, deliveries)
	known := make(map[string]email.MsgID) // RawHash -> id, 0 if new
	for _, m := range msgs {
		id, err := findMessage(conn, m.RawHash)
		if err != nil {
			return nil, err
		}
		known[m.RawHash] = id
	}

	// Phase 2: find dependencies: the union of header addresses and
	// delivery envelopes, and the bodyparts of new messages. Every
	// occurrence object goes in, duplicates included: the message
	// insert reads ids back per occurrence, so each object must end
	// up assigned.
	var addrs []*email.Address
	for _, m := range msgs {
		if known[m.RawHash] != 0 {
			continue
		}
		for _, k := range email.AddressKeys {
			fieldAddrs, aerr := m.Headers.Addresses(k)
			if aerr != nil {
				continue
			}
			for _, a := range fieldAddrs {
				// The bounce address and group markers have no row.
				if a.Kind() == email.AddressNormal {
					addrs = append(addrs, a)
				}
			}
		}
	}
	for _, d := range deliveries {
		if d.Sender != nil && d.Sender.Kind() == email.AddressNormal {
			addrs = append(addrs, d.Sender)
		}
		addrs = append(addrs, d.Recipients...)
	}

	// Phase 3: update addresses through the shared cache.
	staged, err = in.Cache.Lookup(conn, addrs)
	if err != nil {
		return staged, err
	}

	// Phase 4: create dependencies: bodyparts keyed by fingerprint.
	for _, m := range msgs {
		if known[m.RawHash] != 0 {
			continue
		}
		for i := range m.Parts {
			if err := insertBodypart(conn, &m.Parts[i]); err != nil {
				return staged, err
			}
		}
	}

	// Phase 5: select message ids.
	for _, m := range msgs {
		if id := known[m.RawHash]; id != 0 {
			m.MsgID = id
			continue
		}
		if err := insertMessage(conn, m); err != nil {
			return staged, err
		}
		known[m.RawHash] = m.MsgID
	}

	// Phase 6: select UIDs, one allocation per target mailbox.
	perMailbox := make(map[int64][]*MailboxView)
	var mailboxOrder []int64
	for _, inj := range injectees {
		for _, v := range inj.views {
			if len(perMailbox[v.MailboxID]) == 0 {
				mailboxOrder = append(mailboxOrder, v.MailboxID)
			}
			perMailbox[v.MailboxID] = append(perMailbox[v.MailboxID], v)
		}
	}
	for _, mailboxID := range mailboxOrder {
		views := perMailbox[mailboxID]
		firstUID, modseq, err := in.Registry.Allocate(conn, mailboxID, len(views))
		if err != nil {
			return staged, err
		}
		for i, v := range views {
			v.UID = firstUID + uint32(i)
			v.ModSeq = modseq
		}
	}

	// Phase 7: insert mailbox_messages, flags, annotations.
	for _, inj := range injectees {
		for _, v := range inj.views {
			if err := insertMailboxMessage(conn, inj.Msg.MsgID, v); err != nil {
				return staged, err
			}
		}
	}

	// Phase 8: insert deliveries for the spool manager.
	for _, d := range deliveries {
		if err := insertDelivery(conn, d); err != nil {
			return staged, err
		}
	}

	return staged, nil
}

func (in *Injector) announce(injectees []*Injectee) {
	for _, inj := range injectees {
		inj.freeze()
	}
	for _, inj := range injectees {
		for _, v := range inj.views {
			for _, obs := range in.observers {
				obs.MessageInjected(v.MailboxID, v.UID, v.ModSeq, inj.Msg.MsgID)
			}
		}
	}
}

// collectMsgs returns the distinct messages of the batch, injectees
// first, keyed by wire fingerprint.
func collectMsgs(injectees []*Injectee, deliveries []*Delivery) []*email.Msg {
	var msgs []*email.Msg
	seen := make(map[string]bool)
	add := func(m *email.Msg) {
		if m == nil || seen[m.RawHash] {
			return
		}
		seen[m.RawHash] = true
		msgs = append(msgs, m)
	}
	for _, inj := range injectees {
		add(inj.Msg)
	}
	for _, d := range deliveries {
		add(d.Msg)
	}
	return msgs
}

func findMessage(conn *sqlite.Conn, rawHash string) (email.MsgID, error) {
	stmt := conn.Prep("SELECT MessageID FROM Messages WHERE RawHash = $rawHash;")
	stmt.SetText("$rawHash", rawHash)
	if hasNext, err := stmt.Step(); err != nil {
		return 0, err
	} else if !hasNext {
		return 0, nil
	}
	id := email.MsgID(stmt.GetInt64("MessageID"))
	stmt.Reset()
	return id, nil
}

func insertBodypart(conn *sqlite.Conn, part *email.Part) error {
	stmt := conn.Prep("SELECT BodypartID FROM Bodyparts WHERE Fingerprint = $fingerprint;")
	stmt.SetText("$fingerprint", part.Fingerprint)
	if hasNext, err := stmt.Step(); err != nil {
		return err
	} else if hasNext {
		part.BodypartID = stmt.GetInt64("BodypartID")
		stmt.Reset()
		return nil
	}

	stmt = conn.Prep(`INSERT INTO Bodyparts (Fingerprint, NumBytes, NumLines, Bytes, Text)
		VALUES ($fingerprint, $numBytes, $numLines, $bytes, $text);`)
	stmt.SetText("$fingerprint", part.Fingerprint)
	stmt.SetInt64("$numBytes", int64(len(part.Content)))
	stmt.SetInt64("$numLines", part.NumLines)
	if part.IsText {
		stmt.SetNull("$bytes")
		stmt.SetText("$text", string(part.Content))
	} else {
		stmt.SetBytes("$bytes", part.Content)
		stmt.SetNull("$text")
	}
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			// Duplicate insertion collapses to the existing row.
			sel := conn.Prep("SELECT BodypartID FROM Bodyparts WHERE Fingerprint = $fingerprint;")
			sel.SetText("$fingerprint", part.Fingerprint)
			id, serr := sqlitex.ResultInt64(sel)
			if serr != nil {
				return serr
			}
			part.BodypartID = id
			return nil
		}
		return err
	}
	part.BodypartID = conn.LastInsertRowID()
	return nil
}

func insertMessage(conn *sqlite.Conn, m *email.Msg) error {
	stmt := conn.Prep(`INSERT INTO Messages (RawHash, RFC822Size, InternalDate)
		VALUES ($rawHash, $size, $date);`)
	stmt.SetText("$rawHash", m.RawHash)
	stmt.SetInt64("$size", m.EncodedSize)
	stmt.SetInt64("$date", m.Date.Unix())
	if _, err := stmt.Step(); err != nil {
		return err
	}
	m.MsgID = email.MsgID(conn.LastInsertRowID())

	// Header fields, in wire position order.
	hf := conn.Prep(`INSERT INTO HeaderFields (MessageID, Part, Position, Field, Value)
		VALUES ($messageID, 0, $position, $field, $value);`)
	af := conn.Prep(`INSERT INTO AddressFields (MessageID, Part, Position, Field, AddressID, Number)
		VALUES ($messageID, 0, $position, $field, $addressID, $number);`)
	occurrence := make(map[email.Key]int)
	for pos := range m.Headers.Fields {
		f := &m.Headers.Fields[pos]
		hf.Reset()
		hf.SetInt64("$messageID", int64(m.MsgID))
		hf.SetInt64("$position", int64(pos))
		hf.SetText("$field", string(f.Key))
		hf.SetText("$value", string(f.Value))
		if _, err := hf.Step(); err != nil {
			return err
		}
		if !email.IsAddressKey(f.Key) {
			continue
		}
		occ := occurrence[f.Key]
		occurrence[f.Key] = occ + 1
		fieldAddrs := m.Headers.AddressesAt(f.Key, occ)
		for number, a := range fieldAddrs {
			if a.ID() == 0 {
				continue // bounce or group marker, no row
			}
			af.Reset()
			af.SetInt64("$messageID", int64(m.MsgID))
			af.SetInt64("$position", int64(pos))
			af.SetText("$field", string(f.Key))
			af.SetInt64("$addressID", a.ID())
			af.SetInt64("$number", int64(number))
			if _, err := af.Step(); err != nil {
				return err
			}
		}
	}

	mp := conn.Prep(`INSERT INTO MessageParts (MessageID, Part, BodypartID, ContentType, ContentID)
		VALUES ($messageID, $part, $bodypartID, $contentType, $contentID);`)
	for i := range m.Parts {
		part := &m.Parts[i]
		mp.Reset()
		mp.SetInt64("$messageID", int64(m.MsgID))
		mp.SetInt64("$part", int64(part.PartNum))
		mp.SetInt64("$bodypartID", part.BodypartID)
		mp.SetText("$contentType", part.ContentType)
		mp.SetText("$contentID", part.ContentID)
		if _, err := mp.Step(); err != nil {
			return err
		}
	}
	return nil
}

func insertMailboxMessage(conn *sqlite.Conn, msgID email.MsgID, v *MailboxView) error {
	stmt := conn.Prep(`INSERT INTO MailboxMessages (MailboxID, UID, ModSeq, MessageID)
		VALUES ($mailboxID, $uid, $modseq, $messageID);`)
	stmt.SetInt64("$mailboxID", v.MailboxID)
	stmt.SetInt64("$uid", int64(v.UID))
	stmt.SetInt64("$modseq", v.ModSeq)
	stmt.SetInt64("$messageID", int64(msgID))
	if _, err := stmt.Step(); err != nil {
		return err
	}

	flag := conn.Prep(`INSERT INTO Flags (MailboxID, UID, Flag) VALUES ($mailboxID, $uid, $flag);`)
	for _, f := range v.Flags {
		flag.Reset()
		flag.SetInt64("$mailboxID", v.MailboxID)
		flag.SetInt64("$uid", int64(v.UID))
		flag.SetText("$flag", f)
		if _, err := flag.Step(); err != nil {
			return err
		}
	}

	ann := conn.Prep(`INSERT INTO Annotations (MailboxID, UID, Entry, Owner, Value)
		VALUES ($mailboxID, $uid, $entry, $owner, $value);`)
	for _, a := range v.Annotations {
		if err := db.ValidAnnotationEntry(a.Entry); err != nil {
			return err
		}
		ann.Reset()
		ann.SetInt64("$mailboxID", v.MailboxID)
		ann.SetInt64("$uid", int64(v.UID))
		ann.SetText("$entry", a.Entry)
		ann.SetInt64("$owner", a.Owner)
		ann.SetText("$value", a.Value)
		if _, err := ann.Step(); err != nil {
			return err
		}
	}
	return nil
}

func insertDelivery(conn *sqlite.Conn, d *Delivery) error {
	sender := ""
	if d.Sender != nil && d.Sender.Kind() != email.AddressBounce {
		sender = d.Sender.LpDomain()
	}
	stmt := conn.Prep(`INSERT INTO Deliveries (MessageID, Sender, Recipient, State, Tries)
		VALUES ($messageID, $sender, $recipient, $state, 0);`)
	for _, rcpt := range d.Recipients {
		stmt.Reset()
		stmt.SetInt64("$messageID", int64(d.Msg.MsgID))
		stmt.SetText("$sender", sender)
		stmt.SetText("$recipient", rcpt.LpDomain())
		stmt.SetInt64("$state", int64(db.DeliverySending))
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}
