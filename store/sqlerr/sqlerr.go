// Package sqlerr classifies database driver errors for the retry policy.
//
// Connection-level failures from SQLite (busy, locked, I/O) and Postgres
// (SQLSTATE class 08, admin/crash shutdown) are wrapped in
// *lesson.TransientError so lesson.IsTransient recognizes them without
// matching on message text.
package sqlerr

import (
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/lesson-engine/lesson"
)

// Classify wraps err in *lesson.TransientError when it is a connection-level
// failure; other errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil || !IsTransient(err) {
		return err
	}
	var te *lesson.TransientError
	if errors.As(err, &te) {
		return err
	}
	return &lesson.TransientError{Op: op, Attempts: 1, Err: err}
}

// IsTransient reports whether err is a driver error worth retrying after
// reconnecting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return true
		}
		return false
	}

	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "57P01", "57P02", "57P03": // admin_shutdown, crash_shutdown, cannot_connect_now
			return true
		}
		return pe.Code.Class() == "08" // connection_exception
	}

	return lesson.IsTransientMessage(err.Error())
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}
