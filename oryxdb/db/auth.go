package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"
	"oryx.ink/util/throttle"
)

type Authenticator struct {
	DB       *sqlitex.Pool
	Throttle throttle.Throttle
	Logf     func(format string, v ...interface{})
	Where    string
}

var errAuthFailed = errors.New("authenticator: internal error")
var ErrBadCredentials = errors.New("authenticator: bad credentials")

// AuthLogin verifies a login/password pair against the Users table.
func (a *Authenticator) AuthLogin(ctx context.Context, remoteAddr, login string, password []byte) (userID int64, err error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer a.DB.Put(conn)

	start := time.Now()
	log := &Log{
		Where: a.Where,
		What:  "auth",
		When:  start,
		Data: map[string]interface{}{
			"remote_addr": remoteAddr,
			"login":       login,
		},
	}
	defer func() {
		log.Duration = time.Since(start)
		a.Logf("%s", log.String())
	}()

	a.Throttle.Throttle(remoteAddr)
	a.Throttle.Throttle(login)
	defer func() {
		if err != nil {
			a.Throttle.Add(remoteAddr)
			a.Throttle.Add(login)
		}
	}()

	stmt := conn.Prep(`SELECT UserID, PassHash, Locked FROM Users WHERE Login = $login;`)
	stmt.SetText("$login", login)
	if hasNext, serr := stmt.Step(); serr != nil {
		log.Err = serr
		return 0, errAuthFailed
	} else if !hasNext {
		log.Err = errors.New("unknown login")
		return 0, ErrBadCredentials
	}
	userID = stmt.GetInt64("UserID")
	passHash := []byte(stmt.GetText("PassHash"))
	locked := stmt.GetInt64("Locked") != 0
	stmt.Reset()

	if err := bcrypt.CompareHashAndPassword(passHash, password); err != nil {
		log.Err = errors.New("bad password")
		return 0, ErrBadCredentials
	}
	if locked {
		log.Err = fmt.Errorf("user %d is locked", userID)
		return 0, ErrBadCredentials
	}

	log.Data["user_id"] = userID
	return userID, nil
}
