package deliverer

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"oryx.ink/email"
	"oryx.ink/oryxdb/addrcache"
	"oryx.ink/oryxdb/db"
	"oryx.ink/oryxdb/injector"
	"oryx.ink/oryxdb/mailboxes"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMsg
	codes map[string]int // recipient -> code, default 250
	gotCh chan struct{}
}

type sentMsg struct {
	from       string
	recipients []string
	msg        []byte
}

func (s *fakeSender) Send(ctx context.Context, from string, recipients []string, msg []byte) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMsg{from: from, recipients: recipients, msg: msg})
	var results []Result
	for _, r := range recipients {
		code := 250
		if c, found := s.codes[r]; found {
			code = c
		}
		results = append(results, Result{Recipient: r, Code: code})
	}
	if s.gotCh != nil {
		select {
		case s.gotCh <- struct{}{}:
		default:
		}
	}
	return results
}

func spoolMessage(t *testing.T, pool *sqlitex.Pool, recipients ...*email.Address) {
	t.Helper()
	conn := pool.Get(nil)
	registry, err := mailboxes.Load(conn)
	pool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	in := &injector.Injector{
		DB:       pool,
		Registry: registry,
		Cache:    addrcache.New(),
		Logf:     t.Logf,
	}
	msg := email.Parse([]byte("From: s@a\r\nTo: r@c\r\nSubject: out\r\n\r\noutbound body\r\n"))
	if !msg.Valid() {
		t.Fatal(msg.ParseError)
	}
	d := &injector.Delivery{
		Msg:        msg,
		Sender:     email.NewAddress("", "s", "a"),
		Recipients: recipients,
	}
	if err := in.Inject(context.Background(), nil, []*injector.Delivery{d}); err != nil {
		t.Fatal(err)
	}
}

func deliveryStates(t *testing.T, pool *sqlitex.Pool) map[string]int64 {
	t.Helper()
	conn := pool.Get(nil)
	defer pool.Put(conn)
	states := make(map[string]int64)
	err := sqlitex.Exec(conn, "SELECT Recipient, State FROM Deliveries;", func(stmt *sqlite.Stmt) error {
		states[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return states
}

func TestDeliverSpool(t *testing.T) {
	pool, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	spoolMessage(t, pool,
		email.NewAddress("", "good", "c"),
		email.NewAddress("", "bad", "c"))

	sender := &fakeSender{
		codes: map[string]int{"bad@c": 550},
		gotCh: make(chan struct{}, 1),
	}
	d := New(pool, sender)
	d.Logf = t.Logf
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()
	d.Kick()

	select {
	case <-sender.gotCh:
	case <-time.After(10 * time.Second):
		t.Fatal("sender never called")
	}
	// Give the recording update a moment past the Send.
	deadline := time.Now().Add(5 * time.Second)
	for {
		states := deliveryStates(t, pool)
		if states["good@c"] == int64(db.DeliveryDone) && states["bad@c"] == int64(db.DeliveryFailed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want good done / bad failed", states)
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.Shutdown()
	if err := <-runDone; err != nil {
		t.Fatal(err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) == 0 {
		t.Fatal("nothing sent")
	}
	first := sender.sent[0]
	if first.from != "s@a" {
		t.Errorf("from = %q, want s@a", first.from)
	}
	if !strings.Contains(string(first.msg), "outbound body") {
		t.Errorf("rebuilt message lost the body: %q", first.msg)
	}
	if !strings.Contains(string(first.msg), "Subject: out") {
		t.Errorf("rebuilt message lost the headers: %q", first.msg)
	}
}

func TestBuildMessageRoundTrip(t *testing.T) {
	pool, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	spoolMessage(t, pool, email.NewAddress("", "r", "c"))

	conn := pool.Get(nil)
	defer pool.Put(conn)
	var msgID int64
	err = sqlitex.Exec(conn, "SELECT MessageID FROM Messages;", func(stmt *sqlite.Stmt) error {
		msgID = stmt.ColumnInt64(0)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := BuildMessage(conn, email.MsgID(msgID))
	if err != nil {
		t.Fatal(err)
	}
	rebuilt := email.Parse(raw)
	if !rebuilt.Valid() {
		t.Fatalf("rebuilt message does not parse: %s", rebuilt.ParseError)
	}
	if got, want := string(rebuilt.Root().Content), "outbound body\r\n"; got != want {
		t.Errorf("rebuilt body = %q, want %q", got, want)
	}
}
