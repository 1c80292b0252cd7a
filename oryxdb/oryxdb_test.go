package oryxdb

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"oryx.ink/email"
	"oryx.ink/oryxdb/db"
	"oryx.ink/oryxdb/deliverer"
)

func addrOf(t *testing.T, s string) *email.Address {
	t.Helper()
	a, err := email.ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

type nullSender struct{}

func (nullSender) Send(ctx context.Context, from string, recipients []string, msg []byte) []deliverer.Result {
	var results []deliverer.Result
	for _, r := range recipients {
		results = append(results, deliverer.Result{Recipient: r, Code: 250})
	}
	return results
}

type client struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func (cl *client) send(line string) {
	cl.t.Helper()
	cl.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := cl.c.Write([]byte(line + "\r\n")); err != nil {
		cl.t.Fatal(err)
	}
}

func (cl *client) expect(prefix string) string {
	cl.t.Helper()
	for {
		cl.c.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := cl.br.ReadString('\n')
		if err != nil {
			cl.t.Fatalf("reading reply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) >= 4 && line[3] == '-' {
			continue // multiline continuation
		}
		if !strings.HasPrefix(line, prefix) {
			cl.t.Fatalf("reply %q, want prefix %q", line, prefix)
		}
		return line
	}
}

func startOryx(t *testing.T) (*Server, *client) {
	t.Helper()
	s, err := New(nil, t.TempDir(), Config{Hostname: "mx.test"}, nullSender{})
	if err != nil {
		t.Fatal(err)
	}
	s.Logf = t.Logf

	if _, err := s.AddUser(db.UserDetails{
		Login:    "u",
		FullName: "User U",
		Password: "a-password",
	}, "u@b"); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- s.Serve([]ServerAddr{{Hostname: "mx.test", Ln: ln}}, nil, nil)
	}()

	c, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		<-serveDone
	})
	return s, &client{t: t, c: c, br: bufio.NewReader(c)}
}

func (s *Server) countRows(t *testing.T, query string, args ...interface{}) int64 {
	t.Helper()
	conn := s.DB.Get(nil)
	defer s.DB.Put(conn)
	var n int64
	err := sqlitex.Exec(conn, query, func(stmt *sqlite.Stmt) error {
		n = stmt.ColumnInt64(0)
		return nil
	}, args...)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestEndToEndDelivery(t *testing.T) {
	s, cl := startOryx(t)

	cl.expect("220 mx.test ESMTP")
	cl.send("EHLO client.example")
	cl.expect("250")
	cl.send("MAIL FROM:<s@a>")
	cl.expect("250 2.1.0")
	cl.send("RCPT TO:<u@b>")
	cl.expect("250 2.1.5")
	cl.send("DATA")
	cl.expect("354")
	cl.c.Write([]byte("From: s@a\r\nTo: u@b\r\nSubject: x\r\n\r\nhi\r\n.\r\n"))
	cl.expect("250 2.0.0 OK")

	inbox := s.Registry.Find("users/u/INBOX")
	if inbox == nil {
		t.Fatal("home mailbox missing")
	}
	if n := s.countRows(t, "SELECT count(*) FROM MailboxMessages WHERE MailboxID = ?;", inbox.ID); n != 1 {
		t.Errorf("MailboxMessages rows in INBOX = %d, want 1", n)
	}
	if n := s.countRows(t, "SELECT count(*) FROM Messages;"); n != 1 {
		t.Errorf("Messages rows = %d, want 1", n)
	}
}

func TestEndToEndSieveFileinto(t *testing.T) {
	s, cl := startOryx(t)

	// Install the user's active script.
	conn := s.DB.Get(nil)
	var owner int64
	err := sqlitex.Exec(conn, "SELECT UserID FROM Users WHERE Login = 'u';", func(stmt *sqlite.Stmt) error {
		owner = stmt.ColumnInt64(0)
		return nil
	})
	if err == nil {
		err = db.SetScript(conn, owner, "filter", `require ["fileinto"];
if header :contains "Subject" "spam" { fileinto "Spam"; stop; }`, true)
	}
	s.DB.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	cl.expect("220")
	cl.send("EHLO c")
	cl.expect("250")
	cl.send("MAIL FROM:<s@a>")
	cl.expect("250")
	cl.send("RCPT TO:<u@b>")
	cl.expect("250")
	cl.send("DATA")
	cl.expect("354")
	cl.c.Write([]byte("From: s@a\r\nTo: u@b\r\nSubject: spam offer\r\n\r\nhi\r\n.\r\n"))
	cl.expect("250 2.0.0")

	spam := s.Registry.Find("users/u/Spam")
	if spam == nil {
		t.Fatal("Spam mailbox missing")
	}
	if n := s.countRows(t, "SELECT count(*) FROM MailboxMessages WHERE MailboxID = ?;", spam.ID); n != 1 {
		t.Errorf("MailboxMessages rows in Spam = %d, want 1", n)
	}
	inbox := s.Registry.Find("users/u/INBOX")
	if n := s.countRows(t, "SELECT count(*) FROM MailboxMessages WHERE MailboxID = ?;", inbox.ID); n != 0 {
		t.Errorf("MailboxMessages rows in INBOX = %d, want 0 (no home keep)", n)
	}
}

func TestEndToEndSubaddressing(t *testing.T) {
	s, err := New(nil, t.TempDir(), Config{
		Hostname:         "mx.test",
		UseSubaddressing: true,
	}, nullSender{})
	if err != nil {
		t.Fatal(err)
	}
	s.Logf = t.Logf
	if _, err := s.AddUser(db.UserDetails{
		Login:    "u",
		FullName: "User U",
		Password: "a-password",
	}, "u@b"); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}()

	b := &backend{s: s}
	info, err := b.Resolve(context.Background(), addrOf(t, "u+detail@b"))
	if err != nil {
		t.Fatalf("subaddressed resolve: %v", err)
	}
	if info.MailboxName != "users/u/INBOX" {
		t.Errorf("resolved mailbox = %q, want the home mailbox", info.MailboxName)
	}
}
