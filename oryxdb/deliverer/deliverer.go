// Package deliverer hands accepted outbound messages to a
// retry-capable sender.
package deliverer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"oryx.ink/email"
	"oryx.ink/oryxdb/db"
)

// Result is the outcome of one recipient's delivery attempt.
type Result struct {
	Recipient string
	Code      int
	Details   string
	Err       error
}

// Success reports a 2xx outcome.
func (r Result) Success() bool { return r.Code >= 200 && r.Code < 300 }

// PermFailure reports a 5xx outcome from the next hop.
func (r Result) PermFailure() bool { return r.Code >= 500 }

// Sender transmits a message to its next hop.
type Sender interface {
	Send(ctx context.Context, from string, recipients []string, msg []byte) []Result
}

// retryWindow bounds how long a transiently failing delivery keeps
// being retried before it is marked permanently failed.
const retryWindow = 36 * time.Hour

// Deliverer periodically scans the Deliveries spool and sends what
// is ready. The injector kicks it on commit so fresh mail does not
// wait for the ticker.
type Deliverer struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool *sqlitex.Pool
	sender Sender
	Logf   func(format string, v ...interface{})

	newmsg chan struct{}
}

func New(dbpool *sqlitex.Pool, sender Sender) *Deliverer {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Deliverer{
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
		dbpool:   dbpool,
		sender:   sender,
		newmsg:   make(chan struct{}, 1),
	}
}

func (d *Deliverer) logf(format string, v ...interface{}) {
	if d.Logf != nil {
		d.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// Kick prompts a spool scan. It is OK to drop kicks here, the
// ticker picks up anything missed.
func (d *Deliverer) Kick() {
	select {
	case d.newmsg <- struct{}{}:
	default:
	}
}

func (d *Deliverer) Shutdown() {
	d.cancelFn()
	<-d.done
}

type spoolEntry struct {
	messageID  int64
	sender     string
	recipients []string
	contents   []byte
}

func (d *Deliverer) collect() (entries []spoolEntry, more bool, err error) {
	conn := d.dbpool.Get(d.ctx)
	if conn == nil {
		return nil, false, context.Canceled
	}
	defer d.dbpool.Put(conn)

	const limit = 300
	type key struct {
		messageID int64
		sender    string
	}
	grouped := make(map[key][]string)
	var order []key

	stmt := conn.Prep(`SELECT MessageID, Sender, Recipient FROM Deliveries
		WHERE State = $sending ORDER BY DeliveryID LIMIT $limit;`)
	stmt.SetInt64("$sending", int64(db.DeliverySending))
	stmt.SetInt64("$limit", limit)
	count := 0
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, false, err
		} else if !hasNext {
			break
		}
		k := key{stmt.GetInt64("MessageID"), stmt.GetText("Sender")}
		if len(grouped[k]) == 0 {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], stmt.GetText("Recipient"))
		count++
	}

	for _, k := range order {
		contents, err := BuildMessage(conn, email.MsgID(k.messageID))
		if err != nil {
			return nil, false, fmt.Errorf("deliverer: build %d: %v", k.messageID, err)
		}
		entries = append(entries, spoolEntry{
			messageID:  k.messageID,
			sender:     k.sender,
			recipients: grouped[k],
			contents:   contents,
		})
	}
	return entries, count == limit, nil
}

// BuildMessage reconstructs the wire form of a stored message:
// header fields in position order, bodyparts below. Multipart
// messages are rebuilt with a fresh boundary.
func BuildMessage(conn *sqlite.Conn, msgID email.MsgID) ([]byte, error) {
	buf := new(bytes.Buffer)

	hdr := email.Header{}
	stmt := conn.Prep(`SELECT Field, Value FROM HeaderFields
		WHERE MessageID = $messageID AND Part = 0 ORDER BY Position;`)
	stmt.SetInt64("$messageID", int64(msgID))
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasNext {
			break
		}
		hdr.Add(email.Key(stmt.GetText("Field")), []byte(stmt.GetText("Value")))
	}
	if len(hdr.Fields) == 0 {
		return nil, fmt.Errorf("no header fields for %v", msgID)
	}

	type part struct {
		contentType string
		contentID   string
		content     []byte
	}
	var parts []part
	stmt = conn.Prep(`SELECT ContentType, ContentID,
			coalesce(Bytes, Text) AS Content
		FROM MessageParts
		INNER JOIN Bodyparts ON MessageParts.BodypartID = Bodyparts.BodypartID
		WHERE MessageID = $messageID ORDER BY Part;`)
	stmt.SetInt64("$messageID", int64(msgID))
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasNext {
			break
		}
		p := part{
			contentType: stmt.GetText("ContentType"),
			contentID:   stmt.GetText("ContentID"),
		}
		n := stmt.GetLen("Content")
		p.content = make([]byte, n)
		stmt.GetBytes("Content", p.content)
		parts = append(parts, p)
	}

	if len(parts) <= 1 {
		if _, err := hdr.Encode(buf); err != nil {
			return nil, err
		}
		if len(parts) == 1 {
			buf.Write(parts[0].content)
		}
		return buf.Bytes(), nil
	}

	boundary := fmt.Sprintf("oryx-%v", msgID)
	hdr.Del("Content-Type")
	hdr.Add("Content-Type", []byte(fmt.Sprintf(`multipart/mixed; boundary=%q`, boundary)))
	if _, err := hdr.Encode(buf); err != nil {
		return nil, err
	}
	for _, p := range parts {
		fmt.Fprintf(buf, "--%s\r\n", boundary)
		if p.contentType != "" {
			fmt.Fprintf(buf, "Content-Type: %s\r\n", p.contentType)
		}
		if p.contentID != "" {
			fmt.Fprintf(buf, "Content-ID: <%s>\r\n", p.contentID)
		}
		fmt.Fprintf(buf, "\r\n")
		buf.Write(p.content)
		fmt.Fprintf(buf, "\r\n")
	}
	fmt.Fprintf(buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}

func (d *Deliverer) deliver(entry spoolEntry) error {
	results := d.sender.Send(d.ctx, entry.sender, entry.recipients, entry.contents)

	// An SMTP send may have succeeded; do absolutely everything we
	// can to get that fact recorded, so skip the canceled context.
	conn := d.dbpool.Get(nil)
	defer d.dbpool.Put(conn)

	now := time.Now().Unix()
	stmt := conn.Prep(`UPDATE Deliveries SET
			State = $state,
			Tries = Tries + 1,
			FirstTry = coalesce(FirstTry, $now),
			LastTry = $now,
			Code = $code,
			Details = $details
		WHERE MessageID = $messageID AND Recipient = $recipient;`)
	for _, res := range results {
		state := db.DeliverySending
		switch {
		case res.Success():
			state = db.DeliveryDone
		case res.PermFailure():
			state = db.DeliveryFailed
		}
		details := res.Details
		if res.Err != nil {
			if details != "" {
				details += ", "
			}
			details += "error: " + res.Err.Error()
		}
		stmt.Reset()
		stmt.SetInt64("$state", int64(state))
		stmt.SetInt64("$now", now)
		stmt.SetInt64("$code", int64(res.Code))
		stmt.SetText("$details", details)
		stmt.SetInt64("$messageID", entry.messageID)
		stmt.SetText("$recipient", res.Recipient)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}

	// Anything transiently failing for longer than the retry window
	// becomes a permanent failure.
	stmt = conn.Prep(`UPDATE Deliveries SET State = $failed
		WHERE MessageID = $messageID
		AND State = $sending
		AND FirstTry IS NOT NULL
		AND $now - FirstTry > $window;`)
	stmt.SetInt64("$failed", int64(db.DeliveryFailed))
	stmt.SetInt64("$sending", int64(db.DeliverySending))
	stmt.SetInt64("$messageID", entry.messageID)
	stmt.SetInt64("$now", now)
	stmt.SetInt64("$window", int64(retryWindow/time.Second))
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return nil
}

func (d *Deliverer) Run() error {
	defer close(d.done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case <-d.newmsg:
		case <-ticker.C:
		}

		entries, more, err := d.collect()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		if more {
			// There are probably more messages ready to send.
			// Prime the pump for the next cycle.
			d.Kick()
		}

		var wg sync.WaitGroup
		for _, entry := range entries {
			wg.Add(1)
			go func(entry spoolEntry) {
				defer wg.Done()
				if err := d.deliver(entry); err != nil {
					d.logf("deliverer: %d: %v", entry.messageID, err)
				}
			}(entry)
		}
		wg.Wait()
	}
}
