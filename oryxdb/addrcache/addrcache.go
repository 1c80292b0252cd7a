// Package addrcache resolves email addresses to their Addresses table
// ids, deduplicating rows across concurrent injections.
package addrcache

import (
	"fmt"
	"strings"
	"sync"

	"crawshaw.io/sqlite"
	"oryx.ink/email"
)

// Cache is the process-wide address id cache.
//
// Each (name, localpart, domain) triple, case-insensitive on
// localpart and domain, maps to exactly one Addresses row. The table
// carries a unique index on the triple; instead of locking around
// insertions by concurrent injectors we let duplicate INSERTs fail
// and rewrite the loser into a plain SELECT.
type Cache struct {
	mu  sync.Mutex
	ids map[string]int64 // committed ids only
}

func New() *Cache {
	return &Cache{ids: make(map[string]int64)}
}

func key(a *email.Address) string {
	return a.Name + "\x00" + strings.ToLower(a.Localpart) + "\x00" + strings.ToLower(a.Domain)
}

// Assignment is the staging record of one Lookup: the ids it
// resolved inside the caller's transaction, and the address objects
// it assigned them to. The ids only enter the shared cache through
// Commit, once the transaction holding the rows has committed; if it
// rolls back instead, Rollback detaches the addresses again so a
// retry re-resolves them.
type Assignment struct {
	ids      map[string]int64
	assigned []*email.Address
}

// Lookup assigns a database id to every address in the batch, inside
// the caller's transaction. Equal occurrences (same triple behind
// distinct objects, as a header's From and Cc naming one address)
// all receive the id. Cached addresses resolve immediately; uncached
// ones cost a SELECT, and possibly an INSERT followed by a SELECT.
//
// The returned Assignment must be handed back via Commit or Rollback
// when the caller's transaction settles.
func (c *Cache) Lookup(conn *sqlite.Conn, addrs []*email.Address) (*Assignment, error) {
	staged := &Assignment{ids: make(map[string]int64)}
	for _, a := range addrs {
		if a.ID() != 0 {
			continue
		}
		k := key(a)

		// An earlier occurrence in this batch already resolved the
		// triple.
		if id := staged.ids[k]; id != 0 {
			a.SetID(id)
			staged.assigned = append(staged.assigned, a)
			continue
		}

		c.mu.Lock()
		id := c.ids[k]
		c.mu.Unlock()
		if id != 0 {
			a.SetID(id)
			continue
		}

		id, err := c.resolve(conn, a)
		if err != nil {
			return staged, fmt.Errorf("addrcache: %s: %v", a.LpDomain(), err)
		}
		a.SetID(id)
		staged.ids[k] = id
		staged.assigned = append(staged.assigned, a)
	}
	return staged, nil
}

// Commit publishes the ids staged by a Lookup whose transaction has
// committed.
func (c *Cache) Commit(staged *Assignment) {
	if staged == nil {
		return
	}
	c.mu.Lock()
	for k, id := range staged.ids {
		c.ids[k] = id
	}
	c.mu.Unlock()
}

// Rollback detaches every address the Lookup assigned. The rows the
// ids named are gone with the transaction; nothing enters the shared
// cache.
func (staged *Assignment) Rollback() {
	if staged == nil {
		return
	}
	for _, a := range staged.assigned {
		a.ClearID()
	}
	staged.ids = make(map[string]int64)
	staged.assigned = nil
}

func (c *Cache) resolve(conn *sqlite.Conn, a *email.Address) (int64, error) {
	id, err := c.sel(conn, a)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}

	stmt := conn.Prep(`INSERT INTO Addresses (Name, Localpart, Domain)
		VALUES ($name, $localpart, $domain);`)
	stmt.SetText("$name", a.Name)
	stmt.SetText("$localpart", a.Localpart)
	stmt.SetText("$domain", a.Domain)
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) != sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return 0, err
		}
		// A concurrent injector won the INSERT race; the row is
		// there now.
	} else {
		return conn.LastInsertRowID(), nil
	}

	id, err = c.sel(conn, a)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("row missing after insert conflict")
	}
	return id, nil
}

func (c *Cache) sel(conn *sqlite.Conn, a *email.Address) (int64, error) {
	stmt := conn.Prep(`SELECT AddressID FROM Addresses
		WHERE Name = $name AND Localpart = $localpart AND Domain = $domain;`)
	stmt.SetText("$name", a.Name)
	stmt.SetText("$localpart", a.Localpart)
	stmt.SetText("$domain", a.Domain)
	if hasNext, err := stmt.Step(); err != nil {
		return 0, err
	} else if !hasNext {
		return 0, nil
	}
	id := stmt.GetInt64("AddressID")
	stmt.Reset()
	return id, nil
}
