// Package db manages the oryx relational store: schema, accounts,
// aliases and sieve scripts.
package db

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserUnavailable = &UserError{UserMsg: "Username unavailable."}

// DeliveryState tracks an outbound spool row.
type DeliveryState int

const (
	DeliveryUnknown = 0
	DeliverySending = 1 // deliverer will pick it up
	DeliveryDone    = 2 // no more work to do, message sent
	DeliveryFailed  = 3 // no more work to do, permanently failed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryUnknown:
		return "DeliveryUnknown"
	case DeliverySending:
		return "DeliverySending"
	case DeliveryDone:
		return "DeliveryDone"
	case DeliveryFailed:
		return "DeliveryFailed"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(d))
	}
}

func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("db.Open: main init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db.Open: main init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("db.Open: main init close: %v", err)
	}
	db, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("db.Open: main pool: %v", err)
	}
	return db, nil
}

func Init(conn *sqlite.Conn) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -50000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

type UserDetails struct {
	Login    string
	FullName string
	Password string
	Admin    bool
}

func (details *UserDetails) Validate() error {
	if details.Login == "" {
		return &UserError{UserMsg: "missing login"}
	}
	if strings.ContainsAny(details.Login, " /@") {
		return &UserError{UserMsg: "login must not contain spaces, '/' or '@'"}
	}
	if len(details.FullName) > 150 {
		return &UserError{UserMsg: "full name too long"}
	}
	if len(details.Password) < 8 {
		return &UserError{UserMsg: "password less than 8 characters"}
	}
	return nil
}

// AddUser creates a user row. The home mailbox and its alias are
// created separately through the mailbox registry.
func AddUser(conn *sqlite.Conn, details UserDetails) (userID int64, err error) {
	if err := details.Validate(); err != nil {
		return 0, err
	}
	passHash, err := bcrypt.GenerateFromPassword([]byte(details.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Users (UserID, Login, PassHash, FullName, Admin, Locked)
		VALUES ($userID, $login, $passHash, $fullName, $admin, FALSE);`)
	stmt.SetText("$login", strings.ToLower(details.Login))
	stmt.SetText("$passHash", string(passHash))
	stmt.SetText("$fullName", details.FullName)
	stmt.SetBool("$admin", details.Admin)
	userID, err = sqlitex.InsertRandID(stmt, "$userID", 1, 1<<23)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return 0, ErrUserUnavailable
		}
		return 0, err
	}
	return userID, nil
}

// AddAlias routes address (canonical lower form) to a mailbox.
func AddAlias(conn *sqlite.Conn, address string, mailboxID int64) error {
	if strings.LastIndexByte(address, '@') == -1 {
		return &UserError{UserMsg: "Invalid email address, missing @domain."}
	}
	stmt := conn.Prep(`INSERT INTO Aliases (Address, MailboxID) VALUES ($addr, $mailboxID);`)
	stmt.SetText("$addr", strings.ToLower(address))
	stmt.SetInt64("$mailboxID", mailboxID)
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
			return &UserError{UserMsg: fmt.Sprintf("Address %q is already assigned.", address)}
		}
		return err
	}
	return nil
}

// SetScript stores a sieve script for a user. Activating a script
// deactivates every other script of the same owner.
func SetScript(conn *sqlite.Conn, owner int64, name, script string, active bool) (err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`INSERT INTO Scripts (Owner, Name, Active, Script)
		VALUES ($owner, $name, $active, $script)
		ON CONFLICT (Owner, Name) DO UPDATE SET Active = $active, Script = $script;`)
	stmt.SetInt64("$owner", owner)
	stmt.SetText("$name", name)
	stmt.SetBool("$active", active)
	stmt.SetText("$script", script)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	if active {
		stmt = conn.Prep(`UPDATE Scripts SET Active = FALSE WHERE Owner = $owner AND Name <> $name;`)
		stmt.SetInt64("$owner", owner)
		stmt.SetText("$name", name)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Recipient is the alias-table resolution of one RCPT TO address.
type Recipient struct {
	MailboxID   int64
	MailboxName string
	Owner       int64
	OwnerLogin  string
	HasScript   bool
	Script      string
}

// ResolveRecipient resolves a canonical localpart@domain against the
// alias table, returning the target mailbox, the owner's login and
// the owner's active sieve script. A nil Recipient means no alias.
func ResolveRecipient(conn *sqlite.Conn, address string) (*Recipient, error) {
	stmt := conn.Prep(`SELECT al.MailboxID, m.Name, m.Owner, u.Login,
			coalesce(s.Script, '') AS Script,
			s.Script IS NOT NULL AS HasScript
		FROM Aliases al
		INNER JOIN Mailboxes m ON al.MailboxID = m.MailboxID
		LEFT JOIN Users u ON u.UserID = m.Owner
		LEFT JOIN Scripts s ON s.Owner = m.Owner AND s.Active
		WHERE m.Deleted = 0 AND al.Address = $address;`)
	stmt.SetText("$address", strings.ToLower(address))
	if hasNext, err := stmt.Step(); err != nil {
		return nil, err
	} else if !hasNext {
		return nil, nil
	}
	r := &Recipient{
		MailboxID:   stmt.GetInt64("MailboxID"),
		MailboxName: stmt.GetText("Name"),
		Owner:       stmt.GetInt64("Owner"),
		OwnerLogin:  stmt.GetText("Login"),
		HasScript:   stmt.GetInt64("HasScript") != 0,
		Script:      stmt.GetText("Script"),
	}
	stmt.Reset()
	return r, nil
}

// PermittedAddresses returns the addresses a user may send as: the
// aliases routed to mailboxes the user owns.
func PermittedAddresses(conn *sqlite.Conn, userID int64) ([]string, error) {
	stmt := conn.Prep(`SELECT Address FROM Aliases
		INNER JOIN Mailboxes ON Aliases.MailboxID = Mailboxes.MailboxID
		WHERE Mailboxes.Owner = $userID
		ORDER BY Address;`)
	stmt.SetInt64("$userID", userID)
	var addrs []string
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasNext {
			break
		}
		addrs = append(addrs, stmt.GetText("Address"))
	}
	return addrs, nil
}

// ValidAnnotationEntry checks the entry-name grammar: slash-separated,
// no "//" runs, no wildcards, no trailing slash, and not under /flags/.
func ValidAnnotationEntry(entry string) error {
	switch {
	case entry == "":
		return fmt.Errorf("db: empty annotation entry")
	case strings.HasPrefix(entry, "/flags/"):
		return fmt.Errorf("db: annotation entry %q under /flags/", entry)
	case strings.Contains(entry, "//"):
		return fmt.Errorf("db: annotation entry %q contains //", entry)
	case strings.ContainsAny(entry, "*%"):
		return fmt.Errorf("db: annotation entry %q contains a wildcard", entry)
	case strings.HasSuffix(entry, "/"):
		return fmt.Errorf("db: annotation entry %q has a trailing /", entry)
	}
	return nil
}

// NewURLAuthKey generates a per-mailbox URLAUTH key.
func NewURLAuthKey() (string, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// UserError is a user-input error that has a friendly message
// that should be displayed to the user in typical circumstances.
type UserError struct {
	UserMsg string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("UserError: %s: %v", e.UserMsg, e.Err)
}

type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}
