// Package copysink writes on-disk copies of received messages for audit.
package copysink

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"oryx.ink/email"
)

// Mode selects which messages get copied.
type Mode int8

const (
	None Mode = iota
	All
	Delivered // only messages that were accepted without error
	Errors    // only messages that failed or were wrapped
)

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "all":
		return All, nil
	case "delivered":
		return Delivered, nil
	case "errors":
		return Errors, nil
	}
	return None, fmt.Errorf("copysink: unknown message-copy mode %q", s)
}

// Sink writes copies into a directory. Writes are best-effort: any
// failure is logged as a disaster and otherwise ignored, so a full
// disk never changes an SMTP response.
type Sink struct {
	Mode Mode
	Dir  string
	Logf func(format string, v ...interface{})
}

func (s *Sink) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// Copy writes one message copy. transactionID names the file (path
// separators replaced); errText is the sieve/injection error or the
// "Worked around" parser note, empty on clean delivery.
func (s *Sink) Copy(transactionID string, sender *email.Address, recipients []*email.Address, errText string, body []byte) {
	if s == nil || s.Mode == None {
		return
	}
	switch s.Mode {
	case Delivered:
		if errText != "" {
			return
		}
	case Errors:
		if errText == "" {
			return
		}
	}

	filename := strings.ReplaceAll(transactionID, "/", "-")
	if errText != "" {
		filename += "-err"
	}
	path := filepath.Join(s.Dir, filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		s.logf("copysink: disaster: could not open %s for writing: %v", path, err)
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "From: %s\n", sender)
	for _, rcpt := range recipients {
		fmt.Fprintf(f, "To: %s\n", rcpt)
	}
	if errText != "" {
		fmt.Fprintf(f, "Error: %s\n", errText)
	}
	fmt.Fprintf(f, "\n")
	if _, err := f.Write(body); err != nil {
		s.logf("copysink: disaster: writing %s: %v", path, err)
	}
}
