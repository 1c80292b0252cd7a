package smtpserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"oryx.ink/email"
	"oryx.ink/smtp/urlfetch"
)

type fakeBackend struct {
	mu        sync.Mutex
	users     map[string]*User     // login -> user (password "sesame")
	rcpts     map[string]*RcptInfo // canon addr -> info
	mailboxes map[string]int64     // fileinto path -> id
	urls      map[string][]byte    // raw URL -> literal
	injectErr error
	injected  []*InjectRequest
}

func (b *fakeBackend) Authenticate(ctx context.Context, remoteAddr, username string, password []byte) (*User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.users[username]
	if u == nil || string(password) != "sesame" {
		return nil, fmt.Errorf("bad credentials")
	}
	return u, nil
}

func (b *fakeBackend) Resolve(ctx context.Context, addr *email.Address) (*RcptInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.rcpts[addr.Canon()]
	if info == nil {
		return nil, ErrNoSuchAddress
	}
	return info, nil
}

func (b *fakeBackend) LookupMailbox(ctx context.Context, owner int64, name string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, found := b.mailboxes[name]; found {
		return id, nil
	}
	return 0, fmt.Errorf("no such mailbox")
}

func (b *fakeBackend) Inject(ctx context.Context, req *InjectRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.injectErr != nil {
		return b.injectErr
	}
	b.injected = append(b.injected, req)
	return nil
}

func (b *fakeBackend) FetchURL(ctx context.Context, u *urlfetch.URL) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, found := b.urls[u.Raw]; found {
		return data, nil
	}
	return nil, fmt.Errorf("no such URL")
}

func (b *fakeBackend) lastInjected(t *testing.T) *InjectRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.injected) == 0 {
		t.Fatal("nothing injected")
	}
	return b.injected[len(b.injected)-1]
}

type testClient struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func startServer(t *testing.T, srv *Server) (*testClient, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv.AllowNoTLS = true
	if srv.Logf == nil {
		srv.Logf = t.Logf
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.ServeSTARTTLS(ln) }()

	c, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	client := &testClient{t: t, c: c, br: bufio.NewReader(c)}
	shutdown := func() {
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-serveDone
	}
	return client, shutdown
}

func (tc *testClient) send(line string) {
	tc.t.Helper()
	tc.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.c.Write([]byte(line + "\r\n")); err != nil {
		tc.t.Fatalf("send %q: %v", line, err)
	}
}

func (tc *testClient) sendRaw(data string) {
	tc.t.Helper()
	tc.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.c.Write([]byte(data)); err != nil {
		tc.t.Fatalf("sendRaw: %v", err)
	}
}

// reply reads one (possibly multiline) reply and returns its lines.
func (tc *testClient) reply() []string {
	tc.t.Helper()
	var lines []string
	for {
		tc.c.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := tc.br.ReadString('\n')
		if err != nil {
			tc.t.Fatalf("reading reply (got %q): %v", lines, err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			return lines
		}
	}
}

// expect reads one reply and asserts its final line starts with want.
func (tc *testClient) expect(want string) string {
	tc.t.Helper()
	lines := tc.reply()
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, want) {
		tc.t.Fatalf("reply %q, want prefix %q", last, want)
	}
	return last
}

func newTestBackend() *fakeBackend {
	return &fakeBackend{
		users: map[string]*User{
			"alice": {
				ID:        3,
				Login:     "alice",
				Addresses: []*email.Address{email.NewAddress("", "alice", "b")},
			},
		},
		rcpts: map[string]*RcptInfo{
			"u@b": {MailboxID: 42, MailboxName: "INBOX", Owner: 7, OwnerLogin: "u"},
		},
		mailboxes: map[string]int64{
			"INBOX/Junk": 77,
		},
		urls: map[string][]byte{},
	}
}

func TestSimpleDelivery(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220 mx.test ESMTP")
	tc.send("EHLO client.example")
	lines := tc.reply()
	caps := strings.Join(lines, "\n")
	for _, want := range []string{"PIPELINING", "8BITMIME", "SIZE", "CHUNKING", "BURL imap", "DSN", "ENHANCEDSTATUSCODES"} {
		if !strings.Contains(caps, want) {
			t.Errorf("EHLO reply lacks %s:\n%s", want, caps)
		}
	}

	tc.send("MAIL FROM:<s@a>")
	tc.expect("250 2.1.0")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250 2.1.5")
	tc.send("DATA")
	tc.expect("354")
	tc.sendRaw("From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n.\r\n")
	tc.expect("250 2.0.0 OK")

	req := b.lastInjected(t)
	if len(req.MailboxIDs) != 1 || req.MailboxIDs[0] != 42 {
		t.Errorf("MailboxIDs = %v, want [42]", req.MailboxIDs)
	}
	if req.Msg == nil || !req.Msg.Valid() {
		t.Fatalf("injected message invalid: %+v", req.Msg)
	}
	if got, want := string(req.Msg.Root().Content), "hi\r\n"; got != want {
		t.Errorf("stored body = %q, want %q", got, want)
	}
	if !req.Msg.Headers.Has("Received") || !req.Msg.Headers.Has("Return-Path") {
		t.Error("synthetic Received/Return-Path headers missing")
	}
}

func TestDotUnstuffing(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<s@a>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")
	tc.send("DATA")
	tc.expect("354")
	tc.sendRaw("From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\n..leading dot\r\n.\r\n")
	tc.expect("250")

	req := b.lastInjected(t)
	if got, want := string(req.Msg.Root().Content), ".leading dot\r\n"; got != want {
		t.Errorf("stored body = %q, want %q", got, want)
	}
}

func TestPipeliningOrder(t *testing.T) {
	b := newTestBackend()
	b.rcpts["v@b"] = &RcptInfo{MailboxID: 43, MailboxName: "INBOX", Owner: 8}
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	// One write, many commands: replies must come back in order.
	tc.sendRaw("EHLO c\r\nMAIL FROM:<s@a>\r\nRCPT TO:<u@b>\r\nRCPT TO:<nobody@b>\r\nRCPT TO:<v@b>\r\nNOOP\r\n")
	tc.reply() // EHLO
	tc.expect("250 2.1.0")
	if got := tc.expect("250 2.1.5"); !strings.Contains(got, "u@b") {
		t.Errorf("first RCPT reply %q not for u@b", got)
	}
	tc.expect("450 4.1.1")
	if got := tc.expect("250 2.1.5"); !strings.Contains(got, "v@b") {
		t.Errorf("third RCPT reply %q not for v@b", got)
	}
	tc.expect("250 2.0.0")
}

func TestMailFromBounce(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<>")
	if got := tc.expect("250 2.1.0"); !strings.Contains(got, "mailer-daemon") {
		t.Errorf("bounce MAIL reply = %q", got)
	}
	tc.send("MAIL FROM:<x@y>")
	tc.expect("503 5.5.1")
}

func TestDataWithoutRcpt(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<s@a>")
	tc.expect("250")
	tc.send("DATA")
	tc.expect("503 5.5.1")
}

func TestLineLengthBoundary(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	// Exactly 998 octets before CRLF: accepted (as unknown command).
	line := "X" + strings.Repeat("y", 997)
	tc.send(line)
	tc.expect("500 5.5.2 Error: command not recognized")

	tc.send(line + "z") // 999 octets
	got := tc.expect("500 5.5.2")
	if !strings.Contains(got, "too long") && !strings.Contains(got, "Line too long") {
		t.Errorf("oversize reply = %q", got)
	}
	// The connection closes after an oversize line.
	tc.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.br.ReadString('\n'); err == nil {
		t.Error("connection still open after oversize line")
	}
}

func TestUnknownRecipientRejected(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<s@a>")
	tc.expect("250")
	tc.send("RCPT TO:<stranger@b>")
	tc.expect("450 4.1.1")
}

func TestLmtpSplitResponses(t *testing.T) {
	b := newTestBackend()
	b.rcpts["u@b"] = &RcptInfo{
		MailboxID: 42, MailboxName: "INBOX", Owner: 7,
		HasScript: true, Script: `discard;`,
	}
	b.rcpts["v@b"] = &RcptInfo{MailboxID: 43, MailboxName: "INBOX", Owner: 8}
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Lmtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220 mx.test LMTP")
	tc.send("LHLO c")
	lines := tc.reply()
	if strings.Contains(strings.Join(lines, "\n"), "AUTH") {
		t.Error("LMTP advertises AUTH")
	}
	tc.send("MAIL FROM:<s@a>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")
	tc.send("RCPT TO:<v@b>")
	tc.expect("250")
	tc.send("DATA")
	tc.expect("354")
	tc.sendRaw("From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n.\r\n")

	// One reply per RCPT, in acceptance order.
	first := tc.expect("250 2.1.5")
	if !strings.Contains(first, "u@b") {
		t.Errorf("first LMTP reply %q not for u@b", first)
	}
	second := tc.expect("250 2.1.5")
	if !strings.Contains(second, "v@b") {
		t.Errorf("second LMTP reply %q not for v@b", second)
	}

	// Only the keeping recipient's mailbox got a filing.
	req := b.lastInjected(t)
	if len(req.MailboxIDs) != 1 || req.MailboxIDs[0] != 43 {
		t.Errorf("MailboxIDs = %v, want [43]", req.MailboxIDs)
	}
}

func TestSieveFileinto(t *testing.T) {
	b := newTestBackend()
	b.rcpts["u@b"] = &RcptInfo{
		MailboxID: 42, MailboxName: "INBOX", Owner: 7,
		HasScript: true,
		Script:    `require ["fileinto"]; if header :contains "Subject" "spam" { fileinto "INBOX/Junk"; stop; }`,
	}
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<s@a>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")
	tc.send("DATA")
	tc.expect("354")
	tc.sendRaw("From: s@a\r\nTo: u@b\r\nSubject: spam alert\r\n\r\nhi\r\n.\r\n")
	tc.expect("250 2.0.0")

	req := b.lastInjected(t)
	if len(req.MailboxIDs) != 1 || req.MailboxIDs[0] != 77 {
		t.Errorf("MailboxIDs = %v, want [77] (INBOX/Junk), no home keep", req.MailboxIDs)
	}
}

func TestUnparsableWrapped(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<s@a>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")
	tc.send("DATA")
	tc.expect("354")
	tc.sendRaw("complete junk with no header separator\r\n.\r\n")
	got := tc.expect("250 2.0.0 Worked around: ")
	if got == "" {
		t.Fatal("no Worked around response")
	}

	req := b.lastInjected(t)
	if !req.Msg.Valid() {
		t.Errorf("wrapper message has ParseError %q, want clean", req.Msg.ParseError)
	}
	if !strings.Contains(string(req.Msg.Root().Content), "complete junk") {
		t.Error("wrapper body lost the original octets")
	}
}

func TestSubmitRejectsUnparsable(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Submit}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("AUTH PLAIN " + plainB64("alice", "sesame"))
	tc.expect("235 2.7.0")
	tc.send("MAIL FROM:<alice@b>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")
	junk := "complete junk with no header separator\r\n"
	tc.send(fmt.Sprintf("BDAT %d LAST", len(junk)))
	tc.sendRaw(junk)
	tc.expect("554 5.6.0")
}

func TestBdatBurlLast(t *testing.T) {
	b := newTestBackend()
	hdr := "From: alice@b\r\nTo: u@b\r\nSubject: x\r\n\r\n"
	rawURL := "imap://alice@h/Drafts;UIDVALIDITY=7/;UID=12;URLAUTH=user+alice:internal:cafe"
	b.urls[rawURL] = []byte("fetched from the IMAP store\r\n")
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Submit}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("AUTH PLAIN " + plainB64("alice", "sesame"))
	tc.expect("235")
	tc.send("MAIL FROM:<alice@b>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")

	tc.send(fmt.Sprintf("BDAT %d", len(hdr)))
	tc.sendRaw(hdr)
	tc.expect("250 2.0.0")

	tc.send("BURL " + rawURL + " LAST")
	tc.expect("250 2.0.0")

	req := b.lastInjected(t)
	if got, want := string(req.Msg.Root().Content), "fetched from the IMAP store\r\n"; got != want {
		t.Errorf("body = %q, want BDAT header + BURL content (root = %q)", got, want)
	}
}

func TestBurlAccessDenied(t *testing.T) {
	b := newTestBackend()
	rawURL := "imap://bob@h/Drafts;UIDVALIDITY=7/;UID=12;URLAUTH=user+bob:internal:cafe"
	b.urls[rawURL] = []byte("secret")
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Submit}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("AUTH PLAIN " + plainB64("alice", "sesame"))
	tc.expect("235")
	tc.send("MAIL FROM:<alice@b>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")
	tc.send("BURL " + rawURL + " LAST")
	tc.expect("554 5.7.0")
}

func TestSubmitSenderOwnership(t *testing.T) {
	b := newTestBackend()
	srv := &Server{
		Backend: b, Hostname: "mx.test", Dialect: Submit,
		CheckSenderAddresses: true,
	}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("AUTH PLAIN " + plainB64("alice", "sesame"))
	tc.expect("235")
	tc.send("MAIL FROM:<someoneelse@b>")
	tc.expect("250")
	tc.send("RCPT TO:<u@b>")
	tc.expect("250")
	body := "From: someoneelse@b\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n"
	tc.send(fmt.Sprintf("BDAT %d LAST", len(body)))
	tc.sendRaw(body)
	tc.expect("554 5.7.0")
}

func TestMustAuth(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Submit, MustAuth: true}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<alice@b>")
	tc.expect("530 5.7.1")
}

func TestRsetClearsEnvelope(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<s@a>")
	tc.expect("250")
	tc.send("RSET")
	tc.expect("250 2.0.0")
	tc.send("MAIL FROM:<t@a>")
	tc.expect("250 2.1.0")
}

func TestBadEsmtpParams(t *testing.T) {
	b := newTestBackend()
	srv := &Server{Backend: b, Hostname: "mx.test", Dialect: Smtp}
	tc, shutdown := startServer(t, srv)
	defer shutdown()

	tc.expect("220")
	tc.send("EHLO c")
	tc.reply()
	tc.send("MAIL FROM:<s@a> RET=SOMETIMES")
	tc.expect("501 5.5.4")
	tc.send("MAIL FROM:<s@a> FROBNICATE=1")
	tc.expect("501 5.5.4")
	tc.send("MAIL FROM:<s@a> RET=FULL BODY=8BITMIME ENVID=abc")
	tc.expect("250 2.1.0")
	tc.send("RCPT TO:<u@b> NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;u@b")
	tc.expect("250 2.1.5")
	tc.send("RCPT TO:<u@b> NOTIFY=WHENEVER")
	tc.expect("501 5.5.4")
}

func plainB64(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}
