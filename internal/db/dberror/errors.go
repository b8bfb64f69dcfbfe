// Package dberror declares database errors and recognises constraint
// violations across the supported drivers.
package dberror

import (
	"errors"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/abilian/abilian-core/internal/common/apperrors"
)

var (
	ErrDatabase      apperrors.Error = apperrors.New("db error").SetKind(apperrors.KindInternal)
	ErrAlreadyExists apperrors.Error = ErrDatabase.New("already exists").SetKind(apperrors.KindConflict)
	ErrNotFound      apperrors.Error = ErrDatabase.New("not found").SetKind(apperrors.KindNotFound)
	ErrInvalidInput  apperrors.Error = ErrDatabase.New("invalid input").SetKind(apperrors.KindInvalidArgument)
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique or primary key constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
