package email

import (
	"bytes"
	"fmt"
	"io"
)

// Key is a canonical MIME header entry key.
//
// Use CanonicalKey to canonise bytes as a Key.
type Key string

// AddressKeys lists the address-valued header fields, in the order
// they are indexed into the address_fields table.
var AddressKeys = []Key{
	"From", "Sender", "Reply-To", "To", "CC", "BCC", "Return-Path",
	"Resent-From", "Resent-Sender", "Resent-To", "Resent-CC", "Resent-BCC",
}

// IsAddressKey reports whether k names an address-valued field.
func IsAddressKey(k Key) bool {
	for _, ak := range AddressKeys {
		if k == ak {
			return true
		}
	}
	return false
}

type Field struct {
	Key   Key
	Value []byte
}

func (f *Field) Encode(w io.Writer) (n int, err error) {
	var wErr error
	defer func() {
		if err == nil {
			err = wErr
		}
	}()
	printf := func(format string, args ...interface{}) {
		var n2 int
		n2, err := fmt.Fprintf(w, format, args...)
		if wErr == nil {
			wErr = err
		}
		n += n2
	}

	v := f.Value
	if len(v) == 0 {
		printf("%s:\r\n", f.Key)
		return 0, nil
	}
	printf("%s: ", f.Key)

	// Header line limit:
	//
	// 	Each line of characters MUST be no more than 998 characters, and
	//	SHOULD be no more than 78 characters, excluding	the CRLF.
	//
	// https://tools.ietf.org/html/rfc5322#section-2.1.1
	//
	// We aim for conservative lines.
	// If we cannot manage that, we enforce the header limit.
	const padding = "    "
	spent := len(f.Key) + len(": ")
	limit := 78

	firstPass := false
	for {
		if len(v) < limit-spent {
			printf("%s", v)
			break
		}
		var i int
		for i = limit - spent - 1; i > 0; i-- {
			if v[i] == ' ' {
				break
			}
		}
		if i == 0 {
			// There is nowhere to break this line.
			if limit == 78 {
				limit = 998
				continue
			}
			// RFC 5322 says we MUST not exceed this, so we do not.
			// Insert folding white space so we can break.
			i = 998 - spent
		}
		if firstPass {
			printf("%s", v[:i])
			firstPass = false
		} else {
			printf("%s\r\n%s", v[:i], padding)
		}
		spent = len(padding)
		limit = 78
		v = v[i:]
	}
	printf("\r\n")
	return n, nil
}

// Header is a MIME-style header: an ordered field sequence with a
// lazily built index by canonical key.
type Header struct {
	Fields []Field
	Index  map[Key][][]byte

	addrs    map[Key][][]*Address // per field occurrence
	addrsErr map[Key]error
}

func (h *Header) Add(k Key, v []byte) {
	h.Fields = append(h.Fields, Field{Key: k, Value: v})
	if h.Index == nil {
		h.Index = make(map[Key][][]byte)
	}
	h.Index[k] = append(h.Index[k], v)
	delete(h.addrs, k)
	delete(h.addrsErr, k)
}

// Prepend inserts a field before all existing fields.
func (h *Header) Prepend(k Key, v []byte) {
	h.Fields = append([]Field{{Key: k, Value: v}}, h.Fields...)
	if h.Index == nil {
		h.Index = make(map[Key][][]byte)
	}
	h.Index[k] = append([][]byte{v}, h.Index[k]...)
	delete(h.addrs, k)
	delete(h.addrsErr, k)
}

func (h *Header) Get(k Key) []byte {
	if h.Index == nil {
		h.Index = make(map[Key][][]byte)
		for _, f := range h.Fields {
			h.Index[f.Key] = append(h.Index[f.Key], f.Value)
		}
	}
	vals := h.Index[k]
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func (h *Header) Has(k Key) bool {
	h.Get(k)
	return len(h.Index[k]) > 0
}

func (h *Header) Del(k Key) {
	var fields []Field
	for _, f := range h.Fields {
		if f.Key != k {
			fields = append(fields, f)
		}
	}
	h.Fields = fields
	if h.Index != nil {
		delete(h.Index, k)
	}
	delete(h.addrs, k)
	delete(h.addrsErr, k)
}

// Addresses parses and returns the addresses of every occurrence of
// the field k, in order. Results are cached; mutating the field
// invalidates the cache.
func (h *Header) Addresses(k Key) ([]*Address, error) {
	perOcc, err := h.parseAddresses(k)
	var addrs []*Address
	for _, occ := range perOcc {
		addrs = append(addrs, occ...)
	}
	return addrs, err
}

// AddressesAt returns the addresses of the i-th occurrence of the
// field k (0-based).
func (h *Header) AddressesAt(k Key, i int) []*Address {
	perOcc, _ := h.parseAddresses(k)
	if i < 0 || i >= len(perOcc) {
		return nil
	}
	return perOcc[i]
}

func (h *Header) parseAddresses(k Key) ([][]*Address, error) {
	if h.addrs != nil {
		if addrs, found := h.addrs[k]; found {
			return addrs, h.addrsErr[k]
		}
	}
	h.Get(k) // build index
	perOcc := make([][]*Address, 0, len(h.Index[k]))
	var err error
	for _, v := range h.Index[k] {
		str := string(bytes.TrimSpace(v))
		if str == "" || str == "<>" {
			perOcc = append(perOcc, []*Address{Bounce()})
			continue
		}
		parsed, perr := ParseAddressList(str)
		if perr != nil {
			if err == nil {
				err = fmt.Errorf("%s: %v", k, perr)
			}
			perOcc = append(perOcc, nil)
			continue
		}
		perOcc = append(perOcc, parsed)
	}
	if h.addrs == nil {
		h.addrs = make(map[Key][][]*Address)
		h.addrsErr = make(map[Key]error)
	}
	h.addrs[k] = perOcc
	h.addrsErr[k] = err
	return perOcc, err
}

func (h *Header) Encode(w io.Writer) (n int, err error) {
	for i := range h.Fields {
		n2, err := h.Fields[i].Encode(w)
		n += n2
		if err != nil {
			return n, err
		}
	}
	n2, err := io.WriteString(w, "\r\n")
	n += n2
	return n, err
}

func (h Header) String() string {
	buf := new(bytes.Buffer)
	if _, err := h.Encode(buf); err != nil {
		return fmt.Sprintf("email.Header(encode error: %v)", err)
	}
	return buf.String()
}

// CanonicalKey builds a MIME header key out of bytes.
//
// Common keys are returned in their conventional capitalization,
// anything else capitalizes each letter following a '-'.
func CanonicalKey(keyBytes []byte) Key {
	b := make([]byte, 0, 64)
	b = append(b, keyBytes...)
	asciiLower(b)

	switch string(b) {
	case "subject":
		return "Subject"
	case "date":
		return "Date"
	case "to":
		return "To"
	case "from":
		return "From"
	case "cc":
		return "CC"
	case "bcc":
		return "BCC"
	case "sender":
		return "Sender"
	case "reply-to":
		return "Reply-To"
	case "return-path":
		return "Return-Path"
	case "resent-from":
		return "Resent-From"
	case "resent-sender":
		return "Resent-Sender"
	case "resent-to":
		return "Resent-To"
	case "resent-cc":
		return "Resent-CC"
	case "resent-bcc":
		return "Resent-BCC"
	case "content-id":
		return "Content-ID"
	case "content-disposition":
		return "Content-Disposition"
	case "content-type":
		return "Content-Type"
	case "content-transfer-encoding":
		return "Content-Transfer-Encoding"
	case "received":
		return "Received"
	case "delivered-to":
		return "Delivered-To"
	case "dkim-signature":
		return "DKIM-Signature"
	case "message-id":
		return "Message-ID"
	case "mime-version":
		return "MIME-Version"
	case "references":
		return "References"
	case "in-reply-to":
		return "In-Reply-To"
	case "list-id":
		return "List-ID"
	case "list-post":
		return "List-Post"
	case "list-unsubscribe":
		return "List-Unsubscribe"
	case "precedence":
		return "Precedence"
	case "auto-submitted":
		return "Auto-Submitted"
	case "envelope-id":
		return "Envelope-ID"
	default:
		// Capitalize each letter following a '-'.
		for i, c := range b {
			if 'a' <= c && c <= 'z' {
				if i == 0 || (i > 0 && b[i-1] == '-') {
					b[i] -= 'a' - 'A'
				}
			}
		}
		return Key(b)
	}
}

func asciiLower(data []byte) {
	for i, b := range data {
		if b >= 'A' && b <= 'Z' {
			data[i] = b + ('a' - 'A')
		}
	}
}
