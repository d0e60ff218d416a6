package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/feedstash/feedstash/internal/types"
)

// We intentionally rely on SQLite error message fragments: the driver
// error values are too coarse for the distinctions we care about
// (which unique constraint, which table is missing), and we need the
// table name so we don't accidentally shadow bugs.

// errMsgContains reports whether err's message contains fragment,
// case-insensitively.
func errMsgContains(err error, fragment string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), fragment)
}

// wrapError wraps unexpected driver errors into a StorageError,
// leaving domain errors and misuse errors (sql.ErrTxDone,
// sql.ErrConnDone, errors.ErrUnsupported) alone.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re types.ReaderError
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return &types.StorageError{Message: op, Cause: err}
}

// rowcountExactlyOne asserts that a statement affected exactly one
// row, returning notFound() otherwise.
func rowcountExactlyOne(result sql.Result, notFound func() error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return notFound()
	}
	return nil
}
