package smtpserver

import (
	"bytes"
	"fmt"
	"strings"

	"oryx.ink/email"
	"oryx.ink/sieve"
)

// esmtpParam is one KEY=value (or bare KEY) ESMTP parameter.
type esmtpParam struct {
	key   string // upper-cased
	value string
}

// parsePath parses "FROM:<path> [params]" / "TO:<path> [params]".
func parsePath(arg []byte, prefix string) (*email.Address, []esmtpParam, error) {
	if len(arg) < len(prefix) || !strings.EqualFold(string(arg[:len(prefix)]), prefix) {
		return nil, nil, fmt.Errorf("expected %q", prefix)
	}
	arg = bytes.TrimLeft(arg[len(prefix):], " ")

	var path, rest []byte
	if len(arg) > 0 && arg[0] == '<' {
		end := bytes.IndexByte(arg, '>')
		if end < 0 {
			return nil, nil, fmt.Errorf("unclosed angle bracket")
		}
		path, rest = arg[1:end], arg[end+1:]
	} else if i := bytes.IndexByte(arg, ' '); i >= 0 {
		path, rest = arg[:i], arg[i+1:]
	} else {
		path, rest = arg, nil
	}

	addr, err := parseReversePath(path)
	if err != nil {
		return nil, nil, err
	}

	var params []esmtpParam
	for _, tok := range bytes.Fields(rest) {
		key, value := string(tok), ""
		if i := strings.IndexByte(key, '='); i >= 0 {
			key, value = key[:i], key[i+1:]
		}
		params = append(params, esmtpParam{key: strings.ToUpper(key), value: value})
	}
	return addr, params, nil
}

// parseReversePath parses the octets between the angle brackets.
// The empty path is the bounce address.
func parseReversePath(path []byte) (*email.Address, error) {
	path = bytes.TrimSpace(path)
	if len(path) == 0 {
		return email.Bounce(), nil
	}
	// Drop an RFC 5321 source route: "@a,@b:" before the mailbox.
	if path[0] == '@' {
		if i := bytes.IndexByte(path, ':'); i >= 0 {
			path = path[i+1:]
		}
	}
	if bytes.IndexByte(path, '@') < 0 {
		// A path without a domain is a local address, e.g.
		// <postmaster>.
		return email.NewAddress("", string(path), ""), nil
	}
	addr, err := email.ParseAddress(string(path))
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func (s *session) cmdMail(arg []byte) bool {
	return s.simpleCmd("MAIL", func(res *respBuf) bool {
		if !s.hasTLS(res) {
			return true
		}
		if s.server.MustAuth && s.user == nil {
			res.respond(530, "5.7.1", "Authorization required")
			return true
		}
		select {
		case <-s.server.shutdown:
			res.respond(421, "4.3.0", "Server shutting down")
			return false
		default:
		}
		if s.sender != nil {
			res.respond(503, "5.5.1", "Sender address already specified: "+s.sender.String())
			return true
		}

		addr, params, err := parsePath(arg, "FROM:")
		if err != nil {
			res.respond(501, "5.1.7", fmt.Sprintf("Syntax error (bad sender address): %v", err))
			return true
		}
		for _, p := range params {
			if perr := checkMailParam(p); perr != "" {
				res.respond(501, "5.5.4", perr)
				return true
			}
		}

		s.sender = addr
		s.sv = &sieve.Sieve{Lookup: func(owner int64, name string) (int64, error) {
			return s.server.Backend.LookupMailbox(s.ctx, owner, name)
		}}
		s.sv.SetSender(addr)
		if addr.Kind() == email.AddressBounce {
			res.respond(250, "2.1.0", "Accepted message from mailer-daemon")
		} else {
			res.respond(250, "2.1.0", "Accepted message from "+addr.String())
		}
		return true
	})
}

func checkMailParam(p esmtpParam) (errText string) {
	switch p.key {
	case "RET":
		switch strings.ToUpper(p.value) {
		case "FULL", "HDRS":
		default:
			return "RET must be FULL or HDRS"
		}
	case "ENVID":
		if p.value == "" {
			return "ENVID requires a value"
		}
	case "BODY":
		switch strings.ToUpper(p.value) {
		case "7BIT", "8BITMIME":
		default:
			return "BODY must be 7BIT or 8BITMIME"
		}
	case "SIZE":
		// advertised via the SIZE capability; the limit is enforced
		// while reading the body
	default:
		return fmt.Sprintf("Unknown ESMTP parameter: %s (value: %s)", p.key, p.value)
	}
	return ""
}

func checkRcptParam(p esmtpParam) (orcpt, notify, errText string) {
	switch p.key {
	case "NOTIFY":
		value := strings.ToUpper(p.value)
		if value == "NEVER" {
			return "", value, ""
		}
		for _, v := range strings.Split(value, ",") {
			switch v {
			case "SUCCESS", "DELAY", "FAILURE":
			default:
				return "", "", fmt.Sprintf("Bad NOTIFY value: %q", v)
			}
		}
		return "", value, ""
	case "ORCPT":
		if !strings.HasPrefix(strings.ToLower(p.value), "rfc822;") {
			// the original address may legitimately be non-822
			return "", "", ""
		}
		orig := p.value[len("rfc822;"):]
		if _, err := email.ParseAddress(orig); err != nil {
			return "", "", fmt.Sprintf("Bad ORCPT: %v", err)
		}
		return orig, "", ""
	default:
		return "", "", fmt.Sprintf("Unknown ESMTP parameter: %s (value: %s)", p.key, p.value)
	}
}

// cmdRcpt parses synchronously, resolves the recipient against the
// alias table concurrently, and finalizes in order behind its
// predecessor.
func (s *session) cmdRcpt(arg []byte) bool {
	cmd := s.enqueue("RCPT")
	res := new(respBuf)

	addr, params, perr := parsePath(arg, "TO:")
	var orcpt, notify string
	var paramErr string
	if perr == nil {
		for _, p := range params {
			o, n, errText := checkRcptParam(p)
			if errText != "" {
				paramErr = errText
				break
			}
			if o != "" {
				orcpt = o
			}
			if n != "" {
				notify = n
			}
		}
	}

	if perr != nil || paramErr != "" {
		go func() {
			cmd.wait()
			if perr != nil {
				res.respond(501, "5.1.7", fmt.Sprintf("Syntax error (bad rcpt): %v", perr))
			} else {
				res.respond(501, "5.5.4", paramErr)
			}
			cmd.finish(s, res)
		}()
		return true
	}

	// The alias-table query may overlap earlier commands; only the
	// finalize below is ordered.
	go func() {
		info, err := s.server.Backend.Resolve(s.ctx, addr)

		cmd.wait()
		defer cmd.finish(s, res)

		if !s.hasTLS(res) {
			return
		}
		if s.sender == nil {
			res.respond(503, "5.5.1", "Must send MAIL FROM before RCPT TO")
			return
		}
		if len(s.rcpts)+1 > s.server.MaxRecipients {
			res.respond(452, "4.5.3", "Too many recipients")
			return
		}

		switch {
		case err == nil:
			var script *sieve.Script
			var scriptErr error
			if info.HasScript {
				script, scriptErr = sieve.Parse(info.Script)
			}
			s.sv.AddRecipient(addr, info.Owner, info.MailboxID, info.MailboxName, script, scriptErr)
			s.rcpts = append(s.rcpts, &rcpt{addr: addr, info: info, orcpt: orcpt, notify: notify})
			res.respond(250, "2.1.5", "Will send to "+strings.ToLower(addr.String()))

		case err == ErrNoSuchAddress && s.server.Dialect == Submit && s.user != nil:
			// Accepted for onward delivery.
			s.rcpts = append(s.rcpts, &rcpt{addr: addr, remote: true, orcpt: orcpt, notify: notify})
			res.respond(250, "2.1.0", "Submission accepted for "+addr.String())

		case err == ErrNoSuchAddress:
			res.respond(450, "4.1.1", addr.String()+" is not a legal destination address")

		default:
			s.log("rcpt resolve error", logs{"err": err.Error()})
			res.respond(451, "4.3.0", "Temporary failure resolving recipient")
		}
	}()
	return true
}
