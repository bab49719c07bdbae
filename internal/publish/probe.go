package publish

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// IsExclusivelyOpen reports whether another process currently holds a write
// lock on the database file. The probe attempts BEGIN IMMEDIATE with a short
// busy timeout; a busy or locked error means someone else has it.
//
// Classification is conservative: any failure to complete the probe counts
// as locked, so a replace is never attempted against a file in an unknown
// state.
func IsExclusivelyOpen(ctx context.Context, path string) bool {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=250")
	if err != nil {
		return true
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return true
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return classifyProbeError(err)
	}
	_, _ = conn.ExecContext(ctx, `ROLLBACK`)
	return false
}

func classifyProbeError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return true
}
