package smtpserver

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"oryx.ink/email"
	"oryx.ink/sieve"
	"oryx.ink/smtp/urlfetch"
)

func (s *session) cmdData(arg []byte) bool {
	cmd := s.enqueue("DATA")
	cmd.wait()
	res := new(respBuf)

	if !s.hasTLS(res) || len(arg) > 0 {
		if len(arg) > 0 && res.empty() {
			res.respond(501, "5.5.4", "Syntax error (no parameters allowed)")
		}
		cmd.finish(s, res)
		return true
	}
	if s.server.Dialect == Submit {
		res.respond(502, "5.5.1", "DATA not available on the submission port, use BDAT")
		cmd.finish(s, res)
		return true
	}
	if s.sender == nil || len(s.rcpts) == 0 {
		res.respond(503, "5.5.1", "No valid recipients")
		cmd.finish(s, res)
		return true
	}

	local, remote := 0, 0
	for _, r := range s.rcpts {
		if r.remote {
			remote++
		} else {
			local++
		}
	}
	goAhead := fmt.Sprintf("354 Go ahead (%d local recipients", local)
	if remote > 0 {
		goAhead += fmt.Sprintf(", %d remote recipients", remote)
	}
	goAhead += ")\r\n"
	s.write(goAhead)

	// Data mode: dot-terminated, dot-stuffing undone.
	for {
		line, err := s.readLine(stateData)
		if err != nil {
			s.log("data read error", logs{"err": err.Error()})
			close(cmd.done)
			return false
		}
		if line == nil {
			close(cmd.done) // oversize, response already written
			return false
		}
		if len(line) == 1 && line[0] == '.' {
			break
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		err = s.appendBody(line)
		if err == nil {
			err = s.appendBody([]byte("\r\n"))
		}
		if err != nil {
			s.log("body spool error", logs{"err": err.Error()})
			s.write("451 4.3.0 Local error spooling message\r\n")
			close(cmd.done)
			return false
		}
		if s.bodyLen() > s.server.MaxSize {
			s.write("552 5.3.4 Too much mail data\r\n")
			close(cmd.done)
			return false
		}
	}

	s.newTransaction()
	s.inject(res)
	cmd.finish(s, res)
	return true
}

func (s *session) cmdBdat(arg []byte) bool {
	cmd := s.enqueue("BDAT")
	res := new(respBuf)

	fields := bytes.Fields(arg)
	var size int64
	var last bool
	var synErr string
	switch {
	case len(fields) == 0 || len(fields) > 2:
		synErr = "Syntax: BDAT <size> [LAST]"
	default:
		var err error
		size, err = strconv.ParseInt(string(fields[0]), 10, 64)
		if err != nil || size < 0 {
			synErr = "Syntax: BDAT <size> [LAST]"
		}
		if len(fields) == 2 {
			if strings.EqualFold(string(fields[1]), "LAST") {
				last = true
			} else {
				synErr = "Syntax: BDAT <size> [LAST]"
			}
		}
	}
	if synErr != "" {
		cmd.wait()
		res.respond(501, "5.5.4", synErr)
		cmd.finish(s, res)
		return true
	}
	if size > int64(s.server.MaxSize) {
		cmd.wait()
		res.respond(552, "5.3.4", "Too much mail data")
		cmd.finish(s, res)
		return false
	}

	// Chunk mode: the octets arrive whatever else is wrong with the
	// transaction, so they must be consumed before responding.
	chunk := make([]byte, size)
	if s.server.ReadTimeout != 0 {
		s.c.SetReadDeadline(time.Now().Add(s.server.ReadTimeout))
	}
	if _, err := io.ReadFull(s.br, chunk); err != nil {
		s.log("chunk read error", logs{"err": err.Error()})
		close(cmd.done)
		return false
	}

	cmd.wait()
	if s.sender == nil || len(s.rcpts) == 0 {
		res.respond(503, "5.5.1", "No valid recipients")
		cmd.finish(s, res)
		return true
	}
	if s.bodyLen()+len(chunk) > s.server.MaxSize {
		res.respond(552, "5.3.4", "Too much mail data")
		cmd.finish(s, res)
		return false
	}
	if err := s.appendBody(chunk); err != nil {
		res.respond(451, "4.3.0", "Local error spooling message")
		cmd.finish(s, res)
		return false
	}
	s.newTransaction()

	if last {
		s.inject(res)
	} else {
		res.respond(250, "2.0.0", fmt.Sprintf("%d octets received", size))
	}
	cmd.finish(s, res)
	return true
}

func (s *session) cmdBurl(arg []byte) bool {
	cmd := s.enqueue("BURL")
	res := new(respBuf)

	fields := bytes.Fields(arg)
	var last bool
	if len(fields) == 2 && strings.EqualFold(string(fields[1]), "LAST") {
		last = true
		fields = fields[:1]
	}
	if len(fields) != 1 {
		go func() {
			cmd.wait()
			res.respond(501, "5.5.4", "Syntax: BURL <imap-url> [LAST]")
			cmd.finish(s, res)
		}()
		return true
	}

	u, err := urlfetch.ParseURL(string(fields[0]))
	if err != nil {
		go func() {
			cmd.wait()
			res.respond(501, "5.5.4", "Can't parse that URL")
			cmd.finish(s, res)
		}()
		return true
	}

	login := ""
	if s.user != nil {
		login = s.user.Login
	}
	if !u.Permitted(login) {
		go func() {
			cmd.wait()
			res.respond(554, "5.7.0", "Do not have permission to read that URL")
			cmd.finish(s, res)
		}()
		return true
	}

	// The URL resolves against the store while earlier commands
	// finalize; only the body append is ordered.
	go func() {
		data, fetchErr := s.server.Backend.FetchURL(s.ctx, u)

		cmd.wait()
		defer cmd.finish(s, res)

		if fetchErr != nil {
			res.respond(554, "5.5.0", "URL resolution problem: "+fetchErr.Error())
			return
		}
		if s.sender == nil || len(s.rcpts) == 0 {
			res.respond(503, "5.5.1", "No valid recipients")
			return
		}
		if s.bodyLen()+len(data) > s.server.MaxSize {
			res.respond(552, "5.3.4", "Too much mail data")
			return
		}
		if err := s.appendBody(data); err != nil {
			res.respond(451, "4.3.0", "Local error spooling message")
			return
		}
		s.newTransaction()

		if last {
			s.inject(res)
		} else {
			res.respond(250, "2.0.0", "OK")
		}
	}()
	return true
}

// buildRaw prepends the synthetic Received header and, when a sender
// was given, a Return-Path header to the received octets.
func (s *session) buildRaw(body []byte) []byte {
	buf := new(bytes.Buffer)

	if s.sender != nil {
		fmt.Fprintf(buf, "Return-Path: %s\r\n", s.sender)
	}

	with := "esmtp"
	if s.server.Dialect == Lmtp {
		with = "lmtp"
	}
	version := s.server.Version
	if version == "" {
		version = "devel"
	}
	from := s.remoteAddr
	if s.user != nil && len(s.user.Addresses) > 0 {
		from = s.user.Addresses[0].LpDomain()
	}
	fmt.Fprintf(buf, "Received: from %s (HELO %s) by %s (oryxd %s) with %s id %s",
		from, s.helo, s.server.Hostname, version, with, s.txID)
	if len(s.rcpts) == 1 {
		fmt.Fprintf(buf, " for %s", s.rcpts[0].addr.LpDomain())
	} else if len(s.rcpts) > 1 {
		fmt.Fprintf(buf, " (%d recipients)", len(s.rcpts))
	}
	fmt.Fprintf(buf, ";\r\n\t%s\r\n", s.txTime.Format("Mon, 2 Jan 2006 15:04:05 -0700"))

	buf.Write(body)
	return buf.Bytes()
}

// addressPermitted reports whether the authenticated user may send
// mail appearing as a.
func (s *session) addressPermitted(a *email.Address) bool {
	if a == nil {
		return false
	}
	switch a.Kind() {
	case email.AddressLocal, email.AddressInvalid:
		return false
	case email.AddressNormal:
		if s.user == nil {
			return false
		}
		lp := strings.ToLower(a.Localpart)
		if s.server.UseSubaddressing {
			if i := strings.Index(lp, s.server.AddressSeparator); i >= 0 {
				lp = lp[:i]
			}
		}
		domain := strings.ToLower(a.Domain)
		for _, p := range s.user.Addresses {
			if lp == strings.ToLower(p.Localpart) && domain == strings.ToLower(p.Domain) {
				return true
			}
		}
		return false
	}
	return true
}

// checkSenderFields verifies that From, Resent-From and Return-Path
// name only addresses the authenticated user may use, and that the
// envelope sender is theirs too. Every address must be authorised,
// not just one.
func (s *session) checkSenderFields(msg *email.Msg) string {
	for _, key := range []email.Key{"From", "Resent-From", "Return-Path"} {
		if !msg.Headers.Has(key) {
			continue
		}
		addrs, err := msg.Headers.Addresses(key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if !s.addressPermitted(a) {
				return "Not authorised to use this address: " + a.LpDomain()
			}
		}
	}
	if !s.addressPermitted(s.sender) {
		return "Not authorised to use this SMTP sender address: " + s.sender.LpDomain()
	}
	return ""
}

// submitChores applies the RFC 4409 submission-time changes.
func (s *session) submitChores(msg *email.Msg) {
	h := &msg.Headers

	// remove bcc if present
	h.Del("BCC")

	// add a message-id if there isn't any
	if !h.Has("Message-ID") {
		h.Add("Message-ID", []byte(fmt.Sprintf("<%s@%s>", s.txID, s.server.Hostname)))
	}

	if s.user == nil {
		return
	}

	// remove the specified sender if the sender isn't an address the
	// user may use.
	if h.Has("Sender") {
		if addrs, err := h.Addresses("Sender"); err == nil && len(addrs) > 0 &&
			!s.addressPermitted(addrs[0]) {
			h.Del("Sender")
		}
	}

	// specify a sender if From doesn't already name the user.
	if !h.Has("Sender") && len(s.user.Addresses) > 0 {
		from, _ := h.Addresses("From")
		sender := s.user.Addresses[0]
		if len(from) != 1 || !s.addressPermitted(from[0]) {
			// if From contains any address for the user, use that in
			// Sender instead of the primary address.
			for _, a := range from {
				if s.addressPermitted(a) {
					sender = a
				}
			}
			h.Add("Sender", []byte(sender.LpDomain()))
		}
	}
}

// inject runs the sieve and the injector and composes the response.
// This is the shared tail of DATA, BDAT LAST and BURL LAST.
func (s *session) inject(res *respBuf) {
	body, err := s.bodyBytes()
	if err != nil {
		s.log("body read error", logs{"err": err.Error()})
		res.respond(451, "4.3.0", "Local error reading spooled message")
		s.resetEnvelope()
		return
	}
	raw := s.buildRaw(body)
	msg := email.Parse(raw)
	okText := "OK"

	if s.server.Dialect == Submit && msg.Valid() && s.server.CheckSenderAddresses {
		if e := s.checkSenderFields(msg); e != "" {
			res.respond(554, "5.7.0", e)
			s.resetEnvelope()
			return
		}
	}

	if !msg.Valid() {
		if s.server.Dialect == Submit {
			// Submission never wraps; clients should learn about
			// their bugs.
			res.respond(554, "5.6.0", "Syntax error: "+msg.ParseError)
			s.resetEnvelope()
			return
		}
		wrapper := email.WrapUnparsable(raw, msg.ParseError,
			"Message arrived but could not be stored", s.txID)
		messagesWrapped.Inc()
		okText = "Worked around: " + msg.ParseError
		msg = wrapper
	} else if s.server.Dialect == Submit {
		s.submitChores(msg)
	}

	s.sv.SetMessage(msg, s.txTime)
	s.sv.Evaluate()

	// Collect mailbox filings and outbound deliveries from the
	// per-recipient actions, plus the remote recipients themselves.
	var mailboxIDs []int64
	seenMailbox := make(map[int64]bool)
	var deliveries []*OutboundDelivery
	var remoteAddrs []*email.Address

	for _, r := range s.rcpts {
		if r.remote {
			remoteAddrs = append(remoteAddrs, r.addr)
			continue
		}
		for _, a := range s.sv.Actions(r.addr) {
			switch a.Type {
			case sieve.FileInto:
				if !seenMailbox[a.MailboxID] {
					seenMailbox[a.MailboxID] = true
					mailboxIDs = append(mailboxIDs, a.MailboxID)
				}
			case sieve.Redirect:
				deliveries = append(deliveries, &OutboundDelivery{
					Msg:        a.Message,
					Sender:     a.Sender,
					Recipients: []*email.Address{a.Recipient},
				})
			case sieve.Vacation:
				if d := s.vacationReply(a, r.addr); d != nil {
					deliveries = append(deliveries, d)
				}
			}
		}
	}
	if len(remoteAddrs) > 0 {
		deliveries = append(deliveries, &OutboundDelivery{
			Msg:        msg,
			Sender:     s.sender,
			Recipients: remoteAddrs,
		})
		messagesSubmitted.Inc()
	}

	var injErr error
	if len(mailboxIDs) > 0 || len(deliveries) > 0 {
		injErr = s.server.Backend.Inject(s.ctx, &InjectRequest{
			TransactionID: s.txID,
			Msg:           msg,
			MailboxIDs:    mailboxIDs,
			Deliveries:    deliveries,
		})
		if injErr != nil {
			if IsTransient(injErr) {
				injectionsTotal.WithLabelValues("transient").Inc()
			} else {
				injectionsTotal.WithLabelValues("error").Inc()
			}
		} else {
			injectionsTotal.WithLabelValues("ok").Inc()
		}
	}

	copyErr := s.sv.FirstError()
	if copyErr == "" && injErr != nil {
		copyErr = injErr.Error()
	}
	if copyErr == "" && okText != "OK" {
		copyErr = okText
	}
	s.copyMessage(copyErr, raw)

	if injErr != nil {
		if IsTransient(injErr) || s.server.SoftBounce {
			res.respond(451, "4.6.0", "Injection error: "+injErr.Error())
		} else {
			res.respond(551, "5.6.0", "Injection error: "+injErr.Error())
		}
		s.resetEnvelope()
		return
	}

	if s.server.Dialect == Lmtp {
		// One reply per RCPT, in acceptance order.
		for _, r := range s.rcpts {
			prefix := r.addr.String()
			switch {
			case s.sv.Rejected(r.addr):
				res.respond(551, "5.7.1", prefix+": Rejected")
			case s.sv.Error(r.addr) == "":
				res.respond(250, "2.1.5", prefix+": "+okText)
			case s.sv.SoftError():
				res.respond(450, "4.0.0", prefix+": "+s.sv.Error(r.addr))
			default:
				res.respond(550, "5.0.0", prefix+": "+s.sv.Error(r.addr))
			}
			res.emit()
		}
	} else {
		switch {
		case s.sv.RejectedAll():
			res.respond(551, "5.7.1", "Rejected by all recipients")
		case s.sv.FirstError() != "" && s.sv.SoftError():
			res.respond(451, "4.0.0", "Sieve error: "+s.sv.FirstError())
		case s.sv.FirstError() != "":
			res.respond(551, "5.7.1", "Sieve error: "+s.sv.FirstError())
		default:
			res.respond(250, "2.0.0", okText)
		}
	}

	s.resetEnvelope()
}

// vacationReply builds the auto-reply delivery for a vacation action.
func (s *session) vacationReply(a *sieve.Action, rcptAddr *email.Address) *OutboundDelivery {
	if s.sender == nil || s.sender.Kind() != email.AddressNormal {
		// Never auto-reply to bounces.
		return nil
	}
	subject := a.Subject
	if subject == "" {
		subject = "Auto: away"
	}
	buf := new(bytes.Buffer)
	hdr := email.Header{}
	hdr.Add("From", []byte(rcptAddr.LpDomain()))
	hdr.Add("To", []byte(s.sender.LpDomain()))
	hdr.Add("Subject", []byte(subject))
	hdr.Add("Date", []byte(s.txTime.Format("Mon, 2 Jan 2006 15:04:05 -0700")))
	hdr.Add("Auto-Submitted", []byte("auto-replied"))
	hdr.Add("Message-ID", []byte(fmt.Sprintf("<%s.vacation@%s>", s.txID, s.server.Hostname)))
	if _, err := hdr.Encode(buf); err != nil {
		return nil
	}
	buf.WriteString(a.Reason)
	buf.WriteString("\r\n")

	reply := email.Parse(buf.Bytes())
	if !reply.Valid() {
		s.log("vacation reply does not parse", logs{"err": reply.ParseError})
		return nil
	}
	return &OutboundDelivery{
		Msg:        reply,
		Sender:     email.Bounce(), // no mail loops
		Recipients: []*email.Address{s.sender},
	}
}

func (s *session) copyMessage(errText string, raw []byte) {
	if s.server.Copy == nil {
		return
	}
	var rcptAddrs []*email.Address
	for _, r := range s.rcpts {
		rcptAddrs = append(rcptAddrs, r.addr)
	}
	s.server.Copy.Copy(s.txID, s.sender, rcptAddrs, errText, raw)
}
