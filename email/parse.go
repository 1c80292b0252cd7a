package email

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
)

// Parse parses a wire-form message into a Msg.
//
// Parse never fails: whatever defect it finds is recorded in
// Msg.ParseError and the recovered header and body are kept, so the
// caller can decide between rejecting and wrapping.
func Parse(raw []byte) *Msg {
	msg := &Msg{
		RawHash:     Fingerprint(raw),
		EncodedSize: int64(len(raw)),
		Date:        time.Now(),
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	r := NewReader(br)
	hdr, err := r.ReadMIMEHeader()
	msg.Headers = hdr
	if err != nil && err != io.EOF {
		msg.ParseError = fmt.Sprintf("header: %v", err)
		return msg
	}
	if len(hdr.Fields) == 0 {
		msg.ParseError = "header: no header fields before body"
		return msg
	}

	body := raw[headerEnd(raw):]

	if date := hdr.Get("Date"); len(date) > 0 {
		if t, derr := parseDate(string(date)); derr == nil {
			msg.Date = t
		}
	}

	// Every address-valued field must parse. The first defect is the
	// message's defect.
	for _, k := range AddressKeys {
		if !hdr.Has(k) {
			continue
		}
		if _, aerr := hdr.Addresses(k); aerr != nil && msg.ParseError == "" {
			msg.ParseError = aerr.Error()
		}
	}

	ctype, params := contentType(&hdr)
	if strings.HasPrefix(ctype, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			msg.ParseError = "multipart message without boundary parameter"
			msg.Parts = []Part{newPart(0, "text/plain", "", "", body)}
			return msg
		}
		parts, perr := splitMultipart(body, boundary)
		if perr != nil {
			if msg.ParseError == "" {
				msg.ParseError = perr.Error()
			}
			msg.Parts = []Part{newPart(0, "text/plain", "", "", body)}
			return msg
		}
		msg.Parts = parts
		return msg
	}

	charset := params["charset"]
	msg.Parts = []Part{newPart(0, ctype, charset, string(hdr.Get("Content-ID")), body)}
	return msg
}

// Fingerprint is the content dedup key: sha256 hex.
func Fingerprint(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func newPart(num int, ctype, charset, contentID string, content []byte) Part {
	return Part{
		PartNum:     num,
		ContentType: ctype,
		Charset:     charset,
		ContentID:   strings.Trim(contentID, "<>"),
		IsText:      strings.HasPrefix(ctype, "text/") || ctype == "message/rfc822",
		Content:     content,
		Fingerprint: Fingerprint(content),
		NumLines:    int64(bytes.Count(content, []byte{'\n'})),
	}
}

func contentType(hdr *Header) (ctype string, params map[string]string) {
	v := hdr.Get("Content-Type")
	if len(v) == 0 {
		return "text/plain", nil
	}
	ctype, params, err := mime.ParseMediaType(string(v))
	if err != nil {
		return "text/plain", nil
	}
	return ctype, params
}

// headerEnd returns the offset of the first body byte: one past the
// blank line that terminates the header. A message with no blank line
// is all header.
func headerEnd(raw []byte) int {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return len(raw)
}

// splitMultipart splits the top level of a multipart body.
// Nested multiparts are kept whole as single parts; the store works
// on top-level parts only.
func splitMultipart(body []byte, boundary string) ([]Part, error) {
	delim := []byte("--" + boundary)
	var parts []Part

	rest := body
	i := bytes.Index(rest, delim)
	if i < 0 {
		return nil, fmt.Errorf("multipart boundary %q not found", boundary)
	}
	rest = rest[i+len(delim):]

	for {
		// Step over the CRLF following the delimiter.
		if bytes.HasPrefix(rest, []byte("--")) {
			break // closing delimiter
		}
		rest = skipEOL(rest)

		end := bytes.Index(rest, delim)
		if end < 0 {
			return nil, fmt.Errorf("multipart boundary %q not terminated", boundary)
		}
		chunk := trimEOL(rest[:end])
		rest = rest[end+len(delim):]

		br := bufio.NewReader(bytes.NewReader(chunk))
		r := NewReader(br)
		phdr, err := r.ReadMIMEHeader()
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("part %d header: %v", len(parts), err)
		}
		content := chunk[headerEnd(chunk):]
		ctype, params := contentType(&phdr)
		parts = append(parts, newPart(len(parts), ctype, params["charset"],
			string(phdr.Get("Content-ID")), content))
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("multipart message with no parts")
	}
	return parts, nil
}

func skipEOL(b []byte) []byte {
	if bytes.HasPrefix(b, []byte("\r\n")) {
		return b[2:]
	}
	if bytes.HasPrefix(b, []byte("\n")) {
		return b[1:]
	}
	return b
}

func trimEOL(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable Date: %q", s)
}
