// Package smtpserver implements ESMTP, LMTP and Submission reception.
package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"crawshaw.io/iox"
	"github.com/google/uuid"
	"oryx.ink/email"
	"oryx.ink/sieve"
	"oryx.ink/smtp/copysink"
)

// ErrServerClosed is returned by ServeTLS and ServeSTARTTLS when the
// Shutdown method is called.
var ErrServerClosed = errors.New("smtpserver: Server closed")

// Dialect selects the wire dialect a listener speaks.
type Dialect int8

const (
	Smtp Dialect = iota
	Lmtp
	Submit
)

func (d Dialect) String() string {
	switch d {
	case Smtp:
		return "smtp"
	case Lmtp:
		return "lmtp"
	case Submit:
		return "submit"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// inputState is what the session reader expects next from the client.
type inputState int8

const (
	stateCommand inputState = iota
	stateSasl
	stateChunk
	stateData
)

// maxLineLen is the RFC 5322 hard line limit. A longer command or
// body line fails the session.
const maxLineLen = 998

// Server is an SMTP, LMTP or Submission server.
type Server struct {
	Backend  Backend
	Hostname string
	Version  string
	Dialect  Dialect

	// Filer spools message bodies during reception.
	Filer *iox.Filer

	ReadTimeout   time.Duration // idle limit, command and body modes
	WriteTimeout  time.Duration
	MaxSize       int // maximum message bytes, default: 1 << 26
	MaxRecipients int // max message recipients (RFC 5321 requires a min 100), default: 100
	Rand          *rand.Rand
	TLSConfig     *tls.Config
	Logf          func(format string, v ...interface{})

	// AllowNoTLS set to true means a non-TLS session can send mail
	// without calling STARTTLS.
	AllowNoTLS bool

	// MustAuth requires AUTH before MAIL. Set for the Submit dialect.
	MustAuth bool

	// CheckSenderAddresses enforces From/Resent-From/Return-Path and
	// envelope sender ownership on submission. A Sender field the user
	// may not use is removed rather than rejected, with or without it.
	CheckSenderAddresses bool

	// UseSubaddressing strips "+detail" from localparts before
	// sender-permission checks.
	UseSubaddressing bool

	// AddressSeparator is the subaddressing delimiter, default "+".
	AddressSeparator string

	// SoftBounce promotes permanent injection failures to 4xx.
	SoftBounce bool

	// Copy, if non-nil, writes audit copies of received messages.
	Copy *copysink.Sink

	servingTLS bool

	randLock sync.Mutex // used after initialization to access Rand

	ln net.Listener

	shutdown         chan struct{}
	shutdownCtx      context.Context // nil until shutdown is closed
	shutdownComplete chan struct{}

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}
}

func (server *Server) Shutdown(ctx context.Context) error {
	server.shutdownCtx = ctx
	close(server.shutdown)
	server.ln.Close()

	select {
	case <-server.shutdownComplete:
	case <-ctx.Done():
	}

	return nil
}

func (server *Server) ServeTLS(ln net.Listener) error {
	server.servingTLS = true
	return server.serve(ln)
}

func (server *Server) ServeSTARTTLS(ln net.Listener) error {
	return server.serve(ln)
}

func (server *Server) serve(ln net.Listener) error {
	if server.MaxSize == 0 {
		server.MaxSize = 1 << 26
	}
	if server.MaxRecipients == 0 {
		server.MaxRecipients = 100
	}
	if server.AddressSeparator == "" {
		server.AddressSeparator = "+"
	}
	if server.Rand == nil {
		server.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if server.Logf == nil {
		server.Logf = log.Printf
	}
	if server.Filer == nil {
		server.Filer = iox.NewFiler(0)
	}

	server.sessionsMu.Lock()
	server.sessions = make(map[*session]struct{})
	server.sessionsMu.Unlock()

	server.shutdown = make(chan struct{})
	server.shutdownComplete = make(chan struct{})
	server.ln = ln
	defer func() {
		ln.Close()
		close(server.shutdownComplete)
	}()

	var tempDelay time.Duration // sleep on accept failure

acceptLoop:
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-server.shutdown:
				break acceptLoop
			default:
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				}
				tempDelay *= 2
				if tempDelay > 1*time.Second {
					tempDelay = 1 * time.Second
				}
				server.Logf("smtpserver: accept error: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		if server.servingTLS {
			c = tls.Server(c, server.TLSConfig)
		}
		tempDelay = 0
		go server.serveSession(c)
	}

	// Cleanup
	for {
		select {
		case <-server.shutdownCtx.Done():
			server.sessionsMu.Lock()
			for s := range server.sessions {
				s.c.Close()
			}
			server.sessionsMu.Unlock()

			return ErrServerClosed
		default:
			server.sessionsMu.Lock()
			numSessions := len(server.sessions)
			server.sessionsMu.Unlock()

			if numSessions == 0 {
				return ErrServerClosed
			}

			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (server *Server) newID() int64 {
	for {
		server.randLock.Lock()
		id := server.Rand.Int63()
		server.randLock.Unlock()
		if id > 1 {
			return id
		}
	}
}

func (server *Server) serveSession(c net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	closedDone := make(chan struct{})
	close(closedDone)
	s := &session{
		server:     server,
		c:          c,
		br:         bufio.NewReaderSize(c, 4096),
		bw:         bufio.NewWriter(c),
		id:         server.newID(),
		ctx:        ctx,
		cancel:     cancel,
		tls:        server.servingTLS,
		remoteAddr: c.RemoteAddr().String(),
		lastDone:   closedDone,
	}
	if server.TLSConfig != nil {
		s.tlsConfig.InsecureSkipVerify = server.TLSConfig.InsecureSkipVerify
		s.tlsConfig.Certificates = append([]tls.Certificate{}, server.TLSConfig.Certificates...)
	}
	s.tlsConfig.GetConfigForClient = s.getConfigForClient

	server.sessionsMu.Lock()
	server.sessions[s] = struct{}{}
	server.sessionsMu.Unlock()

	sessionsTotal.WithLabelValues(server.Dialect.String()).Inc()
	s.serve()
}

// session is one client connection. The session goroutine owns the
// reader; command finalization is chained through done channels so
// that responses, and envelope mutations, happen in arrival order
// even when a command's backend work ran ahead (see command.go).
type session struct {
	server     *Server
	c          net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	id         int64
	ctx        context.Context
	cancel     context.CancelFunc
	tlsConfig  tls.Config
	tls        bool
	remoteAddr string

	writeMu sync.Mutex

	lastDone <-chan struct{} // done channel of the newest command

	// Envelope state. Only touched by a command that has waited for
	// its predecessor to finalize, which serializes access.
	helo   string
	user   *User
	sender *email.Address
	rcpts  []*rcpt
	sv     *sieve.Sieve
	body   *iox.BufferFile
	txID   string
	txTime time.Time
}

// appendBody spools body octets into the transaction buffer.
func (s *session) appendBody(data []byte) error {
	if s.body == nil {
		s.body = s.server.Filer.BufferFile(0)
	}
	_, err := s.body.Write(data)
	return err
}

func (s *session) bodyLen() int {
	if s.body == nil {
		return 0
	}
	return int(s.body.Size())
}

// bodyBytes drains the spooled body for parsing.
func (s *session) bodyBytes() ([]byte, error) {
	if s.body == nil {
		return nil, nil
	}
	if _, err := s.body.Seek(0, 0); err != nil {
		return nil, err
	}
	return io.ReadAll(s.body)
}

type rcpt struct {
	addr   *email.Address
	remote bool
	info   *RcptInfo
	orcpt  string
	notify string
}

func (s *session) getConfigForClient(info *tls.ClientHelloInfo) (*tls.Config, error) {
	s.log("STARTTLS client cipher suites", logs{"ciphers": info.CipherSuites})
	return &s.tlsConfig, nil
}

type logs map[string]interface{}

func (s *session) log(desc string, logFields logs) {
	now := time.Now().UnixNano()
	values, err := json.Marshal(logFields)
	if err != nil {
		values = []byte(err.Error())
	}
	s.server.Logf(`SMTP:{ "desc": %q, "remoteaddr": %q, "sessionid": %d, "time": %d, "tls": %v, "values": %s }`, desc, s.remoteAddr, s.id, now, s.tls, values)
}

// write flushes rendered response text to the client.
func (s *session) write(text string) {
	if text == "" {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.server.WriteTimeout != 0 {
		s.c.SetWriteDeadline(time.Now().Add(s.server.WriteTimeout))
	}
	s.bw.WriteString(text)
	s.bw.Flush()
}

func (s *session) serve() {
	defer func() {
		s.server.sessionsMu.Lock()
		delete(s.server.sessions, s)
		s.server.sessionsMu.Unlock()
		if r := recover(); r != nil {
			s.log("panic", logs{"panic": r, "stack": string(debug.Stack())})
			panic(r)
		}
	}()
	defer func() {
		s.cancel()
		s.c.Close()
		// Drain the command chain so no finalizer touches the
		// envelope after cleanup.
		<-s.lastDone
		s.resetEnvelope()
	}()

	greeting := "ESMTP"
	if s.server.Dialect == Lmtp {
		greeting = "LMTP"
	}
	version := s.server.Version
	if version == "" {
		version = "devel"
	}
	s.write(fmt.Sprintf("220 %s %s oryxd %s\r\n", s.server.Hostname, greeting, version))

	for {
		line, err := s.readLine(stateCommand)
		if err != nil {
			if isTimeout(err) {
				s.write("421 4.4.2 idle timeout, closing transmission channel\r\n")
			}
			s.log("command read error", logs{"err": err.Error()})
			return
		}
		if line == nil {
			// Oversize line; readLine already responded and the
			// connection must close.
			return
		}

		var verbBytes, arg []byte
		if i := bytes.IndexByte(line, ' '); i >= 0 {
			verbBytes = line[:i]
			arg = bytes.TrimSpace(line[i+1:])
		} else {
			verbBytes = line
		}
		verb := string(toUpperASCII(verbBytes))

		moreSession := s.serveCmd(verb, arg)

		if !moreSession {
			return
		}
	}
}

// readLine reads one CRLF-terminated line without the CRLF, enforcing
// the 998 octet limit. On an oversize line it responds 500 5.5.2 and
// returns (nil, nil): the session must close.
func (s *session) readLine(state inputState) ([]byte, error) {
	if s.server.ReadTimeout != 0 {
		s.c.SetReadDeadline(time.Now().Add(s.server.ReadTimeout))
	}
	sl, err := s.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		s.write("500 5.5.2 Line too long (legal maximum is 998 bytes)\r\n")
		s.log("oversize line", logs{"state": int(state)})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	line := sl[:len(sl)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	if len(line) > maxLineLen {
		s.write("500 5.5.2 Line too long (legal maximum is 998 bytes)\r\n")
		s.log("oversize line", logs{"state": int(state), "len": len(line)})
		return nil, nil
	}
	// ReadSlice data is only valid until the next read.
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

func (s *session) serveCmd(verb string, arg []byte) bool {
	switch verb {
	case "NOOP":
		return s.simpleCmd(verb, func(res *respBuf) bool {
			res.respond(250, "2.0.0", "OK")
			return true
		})

	case "QUIT":
		return s.simpleCmd(verb, func(res *respBuf) bool {
			res.respond(221, "2.0.0", "Bye")
			return false
		})

	case "VRFY":
		return s.simpleCmd(verb, func(res *respBuf) bool {
			res.respond(252, "2.5.2", "Cannot VRFY, but will accept the message and attempt delivery")
			return true
		})

	case "EXPN":
		return s.simpleCmd(verb, func(res *respBuf) bool {
			res.respond(502, "5.5.1", "EXPN not available")
			return true
		})

	case "HELP":
		return s.simpleCmd(verb, func(res *respBuf) bool {
			res.respond(214, "2.0.0", "Supported: EHLO MAIL RCPT DATA BDAT BURL RSET NOOP QUIT STARTTLS AUTH")
			return true
		})

	case "HELO", "EHLO", "LHLO":
		return s.cmdHello(verb, arg)

	case "STARTTLS":
		return s.cmdStartTLS(arg)

	case "AUTH":
		return s.cmdAuth(arg)

	case "MAIL":
		return s.cmdMail(arg)

	case "RCPT":
		return s.cmdRcpt(arg)

	case "DATA":
		return s.cmdData(arg)

	case "BDAT":
		return s.cmdBdat(arg)

	case "BURL":
		return s.cmdBurl(arg)

	case "RSET":
		return s.simpleCmd(verb, func(res *respBuf) bool {
			s.resetEnvelope()
			res.respond(250, "2.0.0", "OK")
			return true
		})

	default:
		return s.simpleCmd(verb, func(res *respBuf) bool {
			res.respond(500, "5.5.2", "Error: command not recognized")
			return true
		})
	}
}

// simpleCmd runs fn on the session goroutine once every earlier
// command has finalized.
func (s *session) simpleCmd(verb string, fn func(res *respBuf) bool) bool {
	cmd := s.enqueue(verb)
	cmd.wait()
	res := new(respBuf)
	more := fn(res)
	cmd.finish(s, res)
	return more
}

func (s *session) resetEnvelope() {
	s.sender = nil
	s.rcpts = nil
	s.sv = nil
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.txID = ""
	s.txTime = time.Time{}
}

// newTransaction assigns the transaction id and wall-clock time on
// the first body-bearing command of a mail transaction.
func (s *session) newTransaction() {
	if s.txID != "" {
		return
	}
	s.txID = uuid.New().String()
	s.txTime = time.Now()
}

func (s *session) cmdHello(verb string, arg []byte) bool {
	return s.simpleCmd(verb, func(res *respBuf) bool {
		wantVerb := "EHLO"
		if s.server.Dialect == Lmtp {
			wantVerb = "LHLO"
		}
		if (verb == "LHLO") != (s.server.Dialect == Lmtp) {
			res.respond(500, "5.5.1", fmt.Sprintf("This is %s; use %s", s.server.Dialect, wantVerb))
			return true
		}
		if len(arg) == 0 {
			res.respond(501, "5.5.4", "Hostname required")
			return true
		}
		s.resetEnvelope()
		s.helo = string(arg)

		if verb == "HELO" {
			res.respond(250, "", s.server.Hostname)
			return true
		}

		caps := []string{
			s.server.Hostname,
			"PIPELINING",
			"8BITMIME",
			fmt.Sprintf("SIZE %d", s.server.MaxSize),
			"CHUNKING",
			"BURL imap",
			"DSN",
			"ENHANCEDSTATUSCODES",
		}
		if !s.tls && s.server.TLSConfig != nil {
			caps = append(caps, "STARTTLS")
		}
		if s.server.Dialect != Lmtp {
			caps = append(caps, "AUTH PLAIN LOGIN")
		}
		for _, c := range caps {
			res.respond(250, "", c)
		}
		return true
	})
}

func (s *session) cmdStartTLS(arg []byte) bool {
	cmd := s.enqueue("STARTTLS")
	cmd.wait()
	res := new(respBuf)
	switch {
	case s.tls:
		res.respond(454, "4.7.0", "TLS already in use")
		cmd.finish(s, res)
		return true
	case len(arg) > 0:
		res.respond(501, "5.5.4", "Syntax error (no parameters allowed)")
		cmd.finish(s, res)
		return true
	case s.server.TLSConfig == nil:
		res.respond(454, "4.7.0", "TLS not available")
		cmd.finish(s, res)
		return true
	}
	res.respond(220, "2.0.0", "Ready to start TLS")
	cmd.finish(s, res)

	s.c = tls.Server(s.c, &s.tlsConfig)
	s.br = bufio.NewReaderSize(s.c, 4096)
	s.writeMu.Lock()
	s.bw = bufio.NewWriter(s.c)
	s.writeMu.Unlock()
	s.tls = true
	s.resetEnvelope()
	return true
}

func (s *session) hasTLS(res *respBuf) bool {
	if s.server.AllowNoTLS || s.server.servingTLS || s.tls {
		return true
	}
	res.respond(530, "5.7.0", "Must issue a STARTTLS command first")
	return false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func toUpperASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
