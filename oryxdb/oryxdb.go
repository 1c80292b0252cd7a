// Package oryxdb wires the mail store to its reception servers: one
// database, one mailbox registry, one address cache, one deliverer,
// and an SMTP, LMTP and Submission listener each.
package oryxdb

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"oryx.ink/email"
	"oryx.ink/oryxdb/addrcache"
	"oryx.ink/oryxdb/db"
	"oryx.ink/oryxdb/deliverer"
	"oryx.ink/oryxdb/injector"
	"oryx.ink/oryxdb/mailboxes"
	"oryx.ink/smtp/copysink"
	"oryx.ink/smtp/smtpserver"
	"oryx.ink/smtp/urlfetch"
)

// Config is the enumerated server configuration, typically loaded
// from a koanf YAML file by cmd/oryxd.
type Config struct {
	Hostname string

	UseSubaddressing     bool
	AddressSeparator     string // default "+"
	MessageCopy          string // none, all, delivered, errors
	MessageCopyDirectory string
	CheckSenderAddresses bool
	SoftBounce           bool

	MaxMessageSize int
	IdleTimeout    time.Duration // default 10 minutes
}

type Server struct {
	Filer *iox.Filer
	DB    *sqlitex.Pool

	Registry  *mailboxes.Registry
	Cache     *addrcache.Cache
	Injector  *injector.Injector
	Deliverer *deliverer.Deliverer

	Config  Config
	Version string
	Logf    func(format string, v ...interface{})

	copy *copysink.Sink
	auth *db.Authenticator

	shutdownFnsMu sync.Mutex
	shutdownFns   []func(context.Context) error
}

// New opens the store and builds the shared services. sender is the
// outbound transport handed to the deliverer.
func New(filer *iox.Filer, dbDir string, config Config, sender deliverer.Sender) (*Server, error) {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	s := &Server{
		Filer:  filer,
		Config: config,
		Logf:   log.Printf,
	}
	if s.Config.IdleTimeout == 0 {
		s.Config.IdleTimeout = 10 * time.Minute
	}
	if s.Config.AddressSeparator == "" {
		s.Config.AddressSeparator = "+"
	}

	dbfile := "file::memory:?mode=memory"
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0770); err != nil {
			return nil, fmt.Errorf("oryxdb: initialize dbdir: %v", err)
		}
		dbfile = filepath.Join(dbDir, "oryx.db")
	}

	var err error
	s.DB, err = db.Open(dbfile)
	if err != nil {
		return nil, fmt.Errorf("oryxdb: open main db: %v", err)
	}

	conn := s.DB.Get(nil)
	s.Registry, err = mailboxes.Load(conn)
	s.DB.Put(conn)
	if err != nil {
		s.DB.Close()
		return nil, fmt.Errorf("oryxdb: load mailboxes: %v", err)
	}

	s.Cache = addrcache.New()
	s.Injector = &injector.Injector{
		DB:       s.DB,
		Registry: s.Registry,
		Cache:    s.Cache,
		Logf:     func(format string, v ...interface{}) { s.Logf(format, v...) },
	}
	s.Deliverer = deliverer.New(s.DB, sender)
	s.Deliverer.Logf = func(format string, v ...interface{}) { s.Logf(format, v...) }

	mode, err := copysink.ParseMode(config.MessageCopy)
	if err != nil {
		s.DB.Close()
		return nil, err
	}
	if mode != copysink.None {
		s.copy = &copysink.Sink{
			Mode: mode,
			Dir:  config.MessageCopyDirectory,
			Logf: func(format string, v ...interface{}) { s.Logf(format, v...) },
		}
	}

	s.auth = &db.Authenticator{
		DB:    s.DB,
		Logf:  func(format string, v ...interface{}) { s.Logf(format, v...) },
		Where: "smtp",
	}

	return s, nil
}

// AddUser creates an account with its home mailbox hierarchy, the
// primary alias, and the usual set of special-use mailboxes.
func (s *Server) AddUser(details db.UserDetails, address string) (userID int64, err error) {
	conn := s.DB.Get(nil)
	if conn == nil {
		return 0, context.Canceled
	}
	defer s.DB.Put(conn)

	defer sqlitex.Save(conn)(&err)

	userID, err = db.AddUser(conn, details)
	if err != nil {
		return 0, err
	}
	login := strings.ToLower(details.Login)
	home, err := s.Registry.Create(conn, "users/"+login+"/INBOX", userID, mailboxes.Ordinary)
	if err != nil {
		return 0, err
	}
	for _, name := range []string{"Drafts", "Sent", "Spam", "Trash"} {
		if _, err := s.Registry.Create(conn, "users/"+login+"/"+name, userID, mailboxes.Ordinary); err != nil {
			return 0, err
		}
	}
	if err := db.AddAlias(conn, address, home.ID); err != nil {
		return 0, err
	}
	return userID, nil
}

// ServerAddr is one listener.
type ServerAddr struct {
	Hostname  string
	Ln        net.Listener
	TLSConfig *tls.Config
}

// Serve runs the deliverer and the reception listeners until Shutdown.
func (s *Server) Serve(smtp, lmtp, submit []ServerAddr) error {
	errCh := make(chan error, 8)

	s.shutdownFnsMu.Lock()
	s.shutdownFns = []func(context.Context) error{
		func(context.Context) error { s.Deliverer.Shutdown(); return nil },
	}
	s.shutdownFnsMu.Unlock()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logf("oryxdb: outbound deliverer starting")
		if err := s.Deliverer.Run(); err != nil {
			errCh <- fmt.Errorf("oryxdb.Deliverer: %v", err)
		}
		s.Logf("oryxdb: outbound deliverer shutdown")
	}()

	serveDialect := func(addrs []ServerAddr, dialect smtpserver.Dialect) {
		for _, addr := range addrs {
			addr := addr
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Logf("oryxdb: %s %s, %s: starting", dialect, addr.Hostname, addr.Ln.Addr())
				if err := s.serveSMTP(addr, dialect); err != nil {
					errCh <- fmt.Errorf("oryxdb %s %s: %v", dialect, addr.Hostname, err)
				}
				s.Logf("oryxdb: %s %s, %s: shutdown", dialect, addr.Hostname, addr.Ln.Addr())
			}()
		}
	}
	serveDialect(smtp, smtpserver.Smtp)
	serveDialect(lmtp, smtpserver.Lmtp)
	serveDialect(submit, smtpserver.Submit)

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) serveSMTP(addr ServerAddr, dialect smtpserver.Dialect) error {
	srv := &smtpserver.Server{
		Backend:              &backend{s: s},
		Filer:                s.Filer,
		Hostname:             addr.Hostname,
		Version:              s.Version,
		Dialect:              dialect,
		ReadTimeout:          s.Config.IdleTimeout,
		MaxSize:              s.Config.MaxMessageSize,
		TLSConfig:            addr.TLSConfig,
		AllowNoTLS:           addr.TLSConfig == nil,
		MustAuth:             dialect == smtpserver.Submit,
		CheckSenderAddresses: s.Config.CheckSenderAddresses && dialect == smtpserver.Submit,
		UseSubaddressing:     s.Config.UseSubaddressing,
		AddressSeparator:     s.Config.AddressSeparator,
		SoftBounce:           s.Config.SoftBounce,
		Copy:                 s.copy,
		Logf:                 func(format string, v ...interface{}) { s.Logf(format, v...) },
	}
	s.addShutdownFn(srv.Shutdown)

	if err := srv.ServeSTARTTLS(addr.Ln); err != nil {
		if err != smtpserver.ErrServerClosed {
			return err
		}
	}
	return nil
}

func (s *Server) addShutdownFn(fn func(context.Context) error) {
	s.shutdownFnsMu.Lock()
	s.shutdownFns = append(s.shutdownFns, fn)
	s.shutdownFnsMu.Unlock()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Logf("oryxdb: shutdown started")

	var wg sync.WaitGroup
	s.shutdownFnsMu.Lock()
	errCh := make(chan error, len(s.shutdownFns))
	for _, fn := range s.shutdownFns {
		wg.Add(1)
		fn := fn
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	s.shutdownFns = nil
	s.shutdownFnsMu.Unlock()
	wg.Wait()

	if err := s.DB.Close(); err != nil {
		s.Logf("oryxdb: DB shutdown: %v", err)
	}
	s.Logf("oryxdb: shutdown complete")
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// backend glues the wire protocol to the store.
type backend struct {
	s *Server
}

func (b *backend) Authenticate(ctx context.Context, remoteAddr, username string, password []byte) (*smtpserver.User, error) {
	userID, err := b.s.auth.AuthLogin(ctx, remoteAddr, username, password)
	if err != nil {
		return nil, err
	}

	conn := b.s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.s.DB.Put(conn)

	permitted, err := db.PermittedAddresses(conn, userID)
	if err != nil {
		return nil, err
	}
	user := &smtpserver.User{ID: userID, Login: username}
	for _, addr := range permitted {
		parsed, perr := email.ParseAddress(addr)
		if perr != nil {
			continue
		}
		user.Addresses = append(user.Addresses, parsed)
	}
	return user, nil
}

func (b *backend) Resolve(ctx context.Context, addr *email.Address) (*smtpserver.RcptInfo, error) {
	conn := b.s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer b.s.DB.Put(conn)

	canon := addr.Canon()
	if b.s.Config.UseSubaddressing {
		canon = stripSubaddress(canon, b.s.Config.AddressSeparator)
	}
	r, err := db.ResolveRecipient(conn, canon)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, smtpserver.ErrNoSuchAddress
	}
	return &smtpserver.RcptInfo{
		MailboxID:   r.MailboxID,
		MailboxName: r.MailboxName,
		Owner:       r.Owner,
		OwnerLogin:  r.OwnerLogin,
		HasScript:   r.HasScript,
		Script:      r.Script,
	}, nil
}

func stripSubaddress(canon, sep string) string {
	at := strings.LastIndexByte(canon, '@')
	if at < 0 {
		return canon
	}
	local, domain := canon[:at], canon[at:]
	if i := strings.Index(local, sep); i >= 0 {
		local = local[:i]
	}
	return local + domain
}

func (b *backend) LookupMailbox(ctx context.Context, owner int64, name string) (int64, error) {
	m, err := b.s.Registry.LookupForOwner(owner, name)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (b *backend) Inject(ctx context.Context, req *smtpserver.InjectRequest) error {
	var injectees []*injector.Injectee
	if len(req.MailboxIDs) > 0 {
		inj := injector.NewInjectee(req.Msg)
		for _, id := range req.MailboxIDs {
			inj.AddMailbox(id, nil, nil)
		}
		injectees = append(injectees, inj)
	}
	var deliveries []*injector.Delivery
	for _, d := range req.Deliveries {
		deliveries = append(deliveries, &injector.Delivery{
			Msg:        d.Msg,
			Sender:     d.Sender,
			Recipients: d.Recipients,
		})
	}
	if err := b.s.Injector.Inject(ctx, injectees, deliveries); err != nil {
		return err
	}
	if len(deliveries) > 0 {
		b.s.Deliverer.Kick()
	}
	return nil
}

func (b *backend) FetchURL(ctx context.Context, u *urlfetch.URL) ([]byte, error) {
	f := &urlfetch.Fetcher{Store: (*urlStore)(b)}
	data, err := f.Resolve(ctx, []*urlfetch.URL{u})
	if err != nil {
		return nil, err
	}
	return data[0], nil
}

// urlStore implements urlfetch.Store over the registry and the
// message tables.
type urlStore backend

func (st *urlStore) MailboxMeta(ctx context.Context, name string) (int64, uint32, []byte, error) {
	m := st.s.Registry.Find(name)
	if m == nil {
		return 0, 0, nil, fmt.Errorf("no such mailbox %q", name)
	}
	return m.ID, m.UIDValidity, m.URLAuthKey, nil
}

func (st *urlStore) Literal(ctx context.Context, mailboxID int64, uid uint32, section string) ([]byte, error) {
	conn := st.s.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer st.s.DB.Put(conn)

	stmt := conn.Prep(`SELECT MessageID FROM MailboxMessages
		WHERE MailboxID = $mailboxID AND UID = $uid;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$uid", int64(uid))
	if hasNext, err := stmt.Step(); err != nil {
		return nil, err
	} else if !hasNext {
		return nil, fmt.Errorf("no message with uid %d", uid)
	}
	msgID := stmt.GetInt64("MessageID")
	stmt.Reset()

	if section == "" {
		return deliverer.BuildMessage(conn, email.MsgID(msgID))
	}

	// Numbered sections address top-level parts; anything deeper is
	// not stored part-addressable.
	partNum := 0
	for _, c := range section {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("unsupported section %q", section)
		}
		partNum = partNum*10 + int(c-'0')
	}
	if partNum < 1 {
		return nil, fmt.Errorf("unsupported section %q", section)
	}

	stmt = conn.Prep(`SELECT coalesce(Bytes, Text) AS Content
		FROM MessageParts
		INNER JOIN Bodyparts ON MessageParts.BodypartID = Bodyparts.BodypartID
		WHERE MessageID = $messageID AND Part = $part;`)
	stmt.SetInt64("$messageID", msgID)
	stmt.SetInt64("$part", int64(partNum-1))
	if hasNext, err := stmt.Step(); err != nil {
		return nil, err
	} else if !hasNext {
		return nil, fmt.Errorf("no section %q", section)
	}
	content := make([]byte, stmt.GetLen("Content"))
	stmt.GetBytes("Content", content)
	stmt.Reset()
	return content, nil
}
