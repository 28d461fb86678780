package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sundayezeilo/urlgroups/internal/errx"
)

// mapError classifies driver errors. The libSQL client reports constraint
// failures as plain text, so the message is checked as a fallback.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errx.E(op, errx.NotFound, err)
	}

	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errx.E(op, errx.Conflict, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return errx.E(op, errx.NotFound, err)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errx.E(op, errx.Conflict, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return errx.E(op, errx.NotFound, err)
	}
	return errx.E(op, errx.Unavailable, err)
}
