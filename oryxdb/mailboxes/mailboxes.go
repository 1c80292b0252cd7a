// Package mailboxes is the in-memory mirror of the Mailboxes table:
// a path-addressed hierarchy with UID and modseq allocation.
package mailboxes

import (
	"fmt"
	"strings"
	"sync"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/text/unicode/norm"
	"oryx.ink/oryxdb/db"
)

// Kind classifies a mailbox node.
type Kind int8

const (
	Ordinary  Kind = iota
	Synthetic      // has children but is not itself selectable
	Deleted
	View // query-defined
)

func (k Kind) String() string {
	switch k {
	case Ordinary:
		return "Ordinary"
	case Synthetic:
		return "Synthetic"
	case Deleted:
		return "Deleted"
	case View:
		return "View"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Mailbox is one node of the hierarchy.
//
// UIDNext and NextModSeq are deliberately not mirrored here: they
// move inside injection transactions and a rollback must not leave
// the mirror ahead of the table. Allocate reads and advances them in
// the caller's transaction.
type Mailbox struct {
	ID          int64
	Name        string // full path, slash separated, NFC
	Owner       int64  // 0 = system
	Kind        Kind
	UIDValidity uint32
	URLAuthKey  []byte

	Parent   *Mailbox
	Children []*Mailbox
}

func (m *Mailbox) Deleted() bool { return m.Kind == Deleted }

// Registry mirrors the Mailboxes table. It is process-wide, shared
// across sessions, and injected into each one.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Mailbox // live mailboxes only
	byID   map[int64]*Mailbox
	homes  map[int64]string // owner -> home path prefix ("users/<login>")
}

// Normalize brings a mailbox path into canonical form: NFC, no
// leading, trailing or doubled slashes.
func Normalize(name string) string {
	name = norm.NFC.String(name)
	parts := strings.Split(name, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// ValidName reports whether the normalized name may name a mailbox.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "*%")
}

// Load builds the registry from the Mailboxes table.
func Load(conn *sqlite.Conn) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Mailbox),
		byID:   make(map[int64]*Mailbox),
		homes:  make(map[int64]string),
	}

	stmt := conn.Prep(`SELECT MailboxID, Name, Owner, Kind, UIDValidity, Deleted, URLAuthKey
		FROM Mailboxes;`)
	for {
		if hasNext, err := stmt.Step(); err != nil {
			return nil, fmt.Errorf("mailboxes.Load: %v", err)
		} else if !hasNext {
			break
		}
		m := &Mailbox{
			ID:          stmt.GetInt64("MailboxID"),
			Name:        stmt.GetText("Name"),
			Owner:       stmt.GetInt64("Owner"),
			Kind:        Kind(stmt.GetInt64("Kind")),
			UIDValidity: uint32(stmt.GetInt64("UIDValidity")),
			URLAuthKey:  []byte(stmt.GetText("URLAuthKey")),
		}
		if stmt.GetInt64("Deleted") != 0 {
			m.Kind = Deleted
		}
		r.byID[m.ID] = m
		if !m.Deleted() {
			r.byName[m.Name] = m
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.byName {
		r.link(m)
		if m.Owner != 0 && strings.HasPrefix(m.Name, "users/") && strings.HasSuffix(m.Name, "/INBOX") {
			r.homes[m.Owner] = strings.TrimSuffix(m.Name, "/INBOX")
		}
	}
	return r, nil
}

// link attaches m under its parent, if the parent exists.
// Callers hold r.mu.
func (r *Registry) link(m *Mailbox) {
	i := strings.LastIndexByte(m.Name, '/')
	if i < 0 {
		return
	}
	parent := r.byName[m.Name[:i]]
	if parent == nil {
		return
	}
	m.Parent = parent
	for _, c := range parent.Children {
		if c == m {
			return
		}
	}
	parent.Children = append(parent.Children, m)
}

func (r *Registry) unlink(m *Mailbox) {
	if m.Parent == nil {
		return
	}
	children := m.Parent.Children[:0]
	for _, c := range m.Parent.Children {
		if c != m {
			children = append(children, c)
		}
	}
	m.Parent.Children = children
	m.Parent = nil
}

// Find returns the live mailbox with the given (normalized) name.
func (r *Registry) Find(name string) *Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[Normalize(name)]
}

// FindID returns the mailbox with the given id, deleted or not.
func (r *Registry) FindID(id int64) *Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// LookupForOwner resolves a sieve fileinto path for a mailbox owner:
// first relative to the owner's home hierarchy, then absolute.
func (r *Registry) LookupForOwner(owner int64, name string) (*Mailbox, error) {
	name = Normalize(name)
	r.mu.RLock()
	home := r.homes[owner]
	r.mu.RUnlock()

	if home != "" {
		if name == "INBOX" {
			if m := r.Find(home + "/INBOX"); m != nil {
				return m, nil
			}
		}
		if m := r.Find(home + "/" + name); m != nil {
			return m, nil
		}
	}
	if m := r.Find(name); m != nil {
		if owner != 0 && m.Owner != 0 && m.Owner != owner {
			return nil, fmt.Errorf("mailboxes: %q belongs to another user", name)
		}
		return m, nil
	}
	return nil, fmt.Errorf("mailboxes: no such mailbox %q", name)
}

// Home returns the owner's home (INBOX) mailbox, or nil.
func (r *Registry) Home(owner int64) *Mailbox {
	r.mu.RLock()
	home := r.homes[owner]
	r.mu.RUnlock()
	if home == "" {
		return nil
	}
	return r.Find(home + "/INBOX")
}

// Create inserts a mailbox (and any missing Synthetic ancestors) and
// mirrors it. UIDValidity starts strictly above every value ever
// used in the table, deleted rows included.
func (r *Registry) Create(conn *sqlite.Conn, name string, owner int64, kind Kind) (_ *Mailbox, err error) {
	defer sqlitex.Save(conn)(&err)

	name = Normalize(name)
	if !ValidName(name) {
		return nil, fmt.Errorf("mailboxes.Create(%q): invalid name", name)
	}
	if r.Find(name) != nil {
		return nil, fmt.Errorf("mailboxes.Create(%q): exists", name)
	}

	m, err := r.insert(conn, name, owner, kind)
	if err != nil {
		return nil, err
	}

	// Ancestors spring into being as Synthetic nodes.
	outer := name
	for {
		i := strings.LastIndexByte(outer, '/')
		if i < 0 {
			break
		}
		outer = outer[:i]
		if r.Find(outer) != nil {
			break
		}
		if _, err := r.insert(conn, outer, owner, Synthetic); err != nil {
			return nil, fmt.Errorf("mailboxes.Create(%q): ancestor %q: %v", name, outer, err)
		}
	}

	// Link the fresh chain bottom-up; ancestors were inserted after
	// their children.
	r.mu.Lock()
	for p := name; p != ""; {
		if node := r.byName[p]; node != nil {
			r.link(node)
		}
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			break
		}
		p = p[:i]
	}
	if owner != 0 && strings.HasPrefix(name, "users/") && strings.HasSuffix(name, "/INBOX") {
		r.homes[owner] = strings.TrimSuffix(name, "/INBOX")
	}
	r.mu.Unlock()
	return m, nil
}

func (r *Registry) insert(conn *sqlite.Conn, name string, owner int64, kind Kind) (*Mailbox, error) {
	key, err := db.NewURLAuthKey()
	if err != nil {
		return nil, err
	}
	stmt := conn.Prep(`INSERT INTO Mailboxes (
			MailboxID, Name, Owner, Kind, UIDValidity, UIDNext, NextModSeq, Deleted, URLAuthKey
		) VALUES (
			$id, $name, $owner, $kind,
			coalesce((SELECT max(UIDValidity) FROM Mailboxes), 0) + 1,
			1, 1, FALSE, $urlAuthKey);`)
	stmt.SetText("$name", name)
	stmt.SetInt64("$owner", owner)
	stmt.SetInt64("$kind", int64(kind))
	stmt.SetText("$urlAuthKey", key)
	id, err := sqlitex.InsertRandID(stmt, "$id", 1, 1<<23)
	if err != nil {
		return nil, fmt.Errorf("mailboxes: insert %q: %v", name, err)
	}

	stmt = conn.Prep("SELECT UIDValidity FROM Mailboxes WHERE MailboxID = $id;")
	stmt.SetInt64("$id", id)
	uidvalidity, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		return nil, err
	}

	m := &Mailbox{
		ID:          id,
		Name:        name,
		Owner:       owner,
		Kind:        kind,
		UIDValidity: uint32(uidvalidity),
		URLAuthKey:  []byte(key),
	}
	r.mu.Lock()
	r.byID[id] = m
	r.byName[name] = m
	r.link(m)
	r.mu.Unlock()
	return m, nil
}

// Delete marks a mailbox deleted. The row keeps its id and
// UIDValidity; the name becomes free for a fresh mailbox.
func (r *Registry) Delete(conn *sqlite.Conn, name string) error {
	m := r.Find(name)
	if m == nil {
		return fmt.Errorf("mailboxes.Delete(%q): no such mailbox", name)
	}
	if len(m.Children) > 0 {
		return fmt.Errorf("mailboxes.Delete(%q): has children", name)
	}

	stmt := conn.Prep("UPDATE Mailboxes SET Deleted = TRUE WHERE MailboxID = $id;")
	stmt.SetInt64("$id", m.ID)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("mailboxes.Delete(%q): %v", name, err)
	}

	r.mu.Lock()
	m.Kind = Deleted
	delete(r.byName, m.Name)
	r.unlink(m)
	r.mu.Unlock()
	return nil
}

// Undelete revives a deleted mailbox under its old id, bumping
// UIDValidity strictly so clients drop their caches.
func (r *Registry) Undelete(conn *sqlite.Conn, id int64) (err error) {
	m := r.FindID(id)
	if m == nil || !m.Deleted() {
		return fmt.Errorf("mailboxes.Undelete(%d): not a deleted mailbox", id)
	}
	if r.Find(m.Name) != nil {
		return fmt.Errorf("mailboxes.Undelete(%d): name %q is taken", id, m.Name)
	}

	defer sqlitex.Save(conn)(&err)
	stmt := conn.Prep(`UPDATE Mailboxes SET
			Deleted = FALSE,
			UIDValidity = (SELECT max(UIDValidity) FROM Mailboxes) + 1
		WHERE MailboxID = $id;`)
	stmt.SetInt64("$id", id)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	stmt = conn.Prep("SELECT UIDValidity FROM Mailboxes WHERE MailboxID = $id;")
	stmt.SetInt64("$id", id)
	uidvalidity, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		return err
	}

	r.mu.Lock()
	m.Kind = Ordinary
	m.UIDValidity = uint32(uidvalidity)
	r.byName[m.Name] = m
	r.link(m)
	r.mu.Unlock()
	return nil
}

// Allocate reserves count UIDs and one modseq for the mailbox inside
// the caller's transaction. UID ranges never overlap and modseqs
// strictly increase in commit order; a rollback releases both.
func (r *Registry) Allocate(conn *sqlite.Conn, mailboxID int64, count int) (firstUID uint32, modseq int64, err error) {
	stmt := conn.Prep("SELECT UIDNext, NextModSeq FROM Mailboxes WHERE MailboxID = $id;")
	stmt.SetInt64("$id", mailboxID)
	if hasNext, err := stmt.Step(); err != nil {
		return 0, 0, err
	} else if !hasNext {
		return 0, 0, fmt.Errorf("mailboxes.Allocate: no mailbox %d", mailboxID)
	}
	firstUID = uint32(stmt.GetInt64("UIDNext"))
	modseq = stmt.GetInt64("NextModSeq")
	stmt.Reset()

	stmt = conn.Prep(`UPDATE Mailboxes
		SET UIDNext = UIDNext + $count, NextModSeq = NextModSeq + 1
		WHERE MailboxID = $id;`)
	stmt.SetInt64("$id", mailboxID)
	stmt.SetInt64("$count", int64(count))
	if _, err := stmt.Step(); err != nil {
		return 0, 0, err
	}
	return firstUID, modseq, nil
}

// UIDNext reads the mailbox's next UID outside any allocation.
func (r *Registry) UIDNext(conn *sqlite.Conn, mailboxID int64) (uint32, error) {
	stmt := conn.Prep("SELECT UIDNext FROM Mailboxes WHERE MailboxID = $id;")
	stmt.SetInt64("$id", mailboxID)
	v, err := sqlitex.ResultInt64(stmt)
	return uint32(v), err
}
