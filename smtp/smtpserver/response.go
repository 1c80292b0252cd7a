package smtpserver

import (
	"fmt"
	"strings"
)

// reply is one response line: a 3-digit code, an enhanced status
// code (RFC 3463) and text.
type reply struct {
	code int
	enh  string
	text string
}

// respBuf buffers the response lines a command composes. Nothing is
// written to the wire until the command finalizes, preserving reply
// order under pipelining.
//
// Replies group into multiline responses; emit ends the current
// group, which LMTP's per-recipient DATA replies use to produce one
// standalone response per RCPT.
type respBuf struct {
	rendered []string
	pending  []reply
}

func (r *respBuf) respond(code int, enh, text string) {
	r.pending = append(r.pending, reply{code: code, enh: enh, text: text})
}

// emit closes the current multiline group.
func (r *respBuf) emit() {
	for i, line := range r.pending {
		sep := " "
		if i < len(r.pending)-1 {
			sep = "-"
		}
		if line.enh != "" {
			r.rendered = append(r.rendered,
				fmt.Sprintf("%d%s%s %s\r\n", line.code, sep, line.enh, line.text))
		} else {
			r.rendered = append(r.rendered,
				fmt.Sprintf("%d%s%s\r\n", line.code, sep, line.text))
		}
	}
	r.pending = nil
}

// String renders every buffered group for the wire.
func (r *respBuf) String() string {
	r.emit()
	return strings.Join(r.rendered, "")
}

func (r *respBuf) empty() bool {
	return len(r.rendered) == 0 && len(r.pending) == 0
}
