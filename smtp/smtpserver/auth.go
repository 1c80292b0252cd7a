package smtpserver

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

// cmdAuth runs a SASL conversation. PLAIN and LOGIN are served; the
// mechanism list advertised tracks this switch.
func (s *session) cmdAuth(arg []byte) bool {
	cmd := s.enqueue("AUTH")
	cmd.wait()
	res := new(respBuf)
	defer cmd.finish(s, res)

	if s.server.Dialect == Lmtp {
		res.respond(502, "5.5.1", "AUTH not available on LMTP")
		return true
	}
	if !s.hasTLS(res) {
		return true
	}
	if s.user != nil {
		res.respond(503, "5.5.1", "Already authenticated")
		return true
	}

	fields := bytes.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		res.respond(501, "5.5.4", "Syntax: AUTH <mechanism> [initial-response]")
		return true
	}
	mech := string(toUpperASCII(fields[0]))

	var initial []byte
	if len(fields) == 2 {
		if string(fields[1]) == "=" {
			initial = []byte{}
		} else {
			dec, err := decodeBase64(fields[1])
			if err != nil {
				res.respond(501, "5.5.2", "Bad base64 in initial response")
				return true
			}
			initial = dec
		}
	}

	var user *User
	authenticate := func(username, password string) error {
		u, err := s.server.Backend.Authenticate(s.ctx, s.remoteAddr, username, []byte(password))
		if err != nil {
			return err
		}
		user = u
		return nil
	}

	var srv sasl.Server
	switch mech {
	case sasl.Plain:
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("identities do not match")
			}
			return authenticate(username, password)
		})
	case sasl.Login:
		srv = sasl.NewLoginServer(authenticate)
	default:
		res.respond(504, "5.5.4", "Unrecognized authentication type")
		return true
	}

	// Sasl input state: challenge/response lines until the mechanism
	// is done.
	response := initial
	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			s.log("authentication failed", logs{"mech": mech, "err": err.Error()})
			res.respond(535, "5.7.8", "Authentication failed")
			return true
		}
		if done {
			break
		}
		s.write(fmt.Sprintf("334 %s\r\n", base64.StdEncoding.EncodeToString(challenge)))
		line, rerr := s.readLine(stateSasl)
		if rerr != nil || line == nil {
			res.respond(501, "5.5.2", "Bad AUTH response")
			return true
		}
		if string(line) == "*" {
			res.respond(501, "5.0.0", "Authentication cancelled")
			return true
		}
		response, err = decodeBase64(bytes.TrimSpace(line))
		if err != nil {
			res.respond(501, "5.5.2", "Bad base64 in response")
			return true
		}
	}

	if user == nil {
		res.respond(535, "5.7.8", "Authentication failed")
		return true
	}
	s.user = user
	s.log("authenticated", logs{"login": user.Login})
	res.respond(235, "2.7.0", "Authentication successful")
	return true
}

func decodeBase64(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
