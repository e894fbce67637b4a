package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for database operations
var (
	// ErrNotFound indicates that the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateAccount indicates that a live account with the given
	// address already exists.
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrVersionConflict indicates an optimistic-concurrency update lost to
	// a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCursorRegression indicates an attempt to move a sync cursor
	// backwards outside of an explicit full resync.
	ErrCursorRegression = errors.New("cursor would move backwards")
)

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
