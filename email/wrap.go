package email

import (
	"bytes"
	"fmt"
	"time"
)

// WrapUnparsable builds a well-formed single-part message whose body
// carries the original octets and the parse error, so that a message
// we could not parse can still be stored and retrieved intact.
//
// The returned message always parses cleanly.
func WrapUnparsable(raw []byte, parseError, comment, transactionID string) *Msg {
	now := time.Now()

	buf := new(bytes.Buffer)
	hdr := Header{}
	hdr.Add("From", []byte(`"Mail Delivery System" <invalid@invalid.invalid>`))
	hdr.Add("Subject", []byte(comment))
	hdr.Add("Date", []byte(now.Format("Mon, 2 Jan 2006 15:04:05 -0700")))
	if transactionID != "" {
		hdr.Add("Message-ID", []byte("<"+transactionID+".wrapper@invalid.invalid>"))
	}
	hdr.Add("MIME-Version", []byte("1.0"))
	hdr.Add("Content-Type", []byte(`text/plain; charset="us-ascii"`))
	if _, err := hdr.Encode(buf); err != nil {
		// Writing to a bytes.Buffer cannot fail.
		panic(fmt.Sprintf("email.WrapUnparsable: %v", err))
	}

	fmt.Fprintf(buf, "The appended message arrived but could not be parsed:\r\n")
	fmt.Fprintf(buf, "    %s\r\n\r\n", parseError)
	buf.Write(raw)

	msg := Parse(buf.Bytes())
	msg.Date = now
	return msg
}
