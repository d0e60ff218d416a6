// Package sqliteutil contains SQLite plumbing with no business logic:
// connection setup, DDL transactions, foreign key scopes, pragma
// helpers, and versioned migrations.
package sqliteutil

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Handle is the subset of *sql.DB / *sql.Conn / *sql.Tx used here.
type Handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens a SQLite database as a single-connection pool.
//
// SQLite serializes writers anyway; restricting the pool to one
// connection gives a single-writer/multi-reader model with in-process
// queueing (bounded by busyTimeout), keeps attached databases visible
// to every caller, and makes private (:memory:) databases behave as a
// single database instead of one per connection.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	// Private databases use a plain :memory: DSN; the database lives
	// and dies with the pool's single connection, which the pool
	// settings below keep open forever.
	dsn := "file:" + path
	if IsPrivate(path) {
		dsn = "file::memory:"
	}
	dsn += fmt.Sprintf(
		"?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		busyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// IsPrivate reports whether path is a private (in-memory) database.
func IsPrivate(path string) bool {
	return path == "" || path == ":memory:"
}

// Attach attaches the database at path under the given schema name on
// db's connection.
func Attach(ctx context.Context, db Handle, schema, path string) error {
	quoted := strings.ReplaceAll(path, "'", "''")
	_, err := db.ExecContext(
		ctx,
		fmt.Sprintf("ATTACH DATABASE '%s' AS %s", quoted, schema),
	)
	if err != nil {
		return fmt.Errorf("attach %q as %s: %w", path, schema, err)
	}
	return nil
}

// DDLTransaction runs fn inside a manual BEGIN/COMMIT scope, rolling
// back on error. Used for transactions containing DDL statements,
// which must not go through the driver's autocommit handling.
func DDLTransaction(ctx context.Context, db Handle, fn func(Handle) error) (err error) {
	if _, err = db.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin ddl transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = db.ExecContext(ctx, "ROLLBACK")
		}
	}()
	if err = fn(db); err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit ddl transaction: %w", err)
	}
	return nil
}

// ForeignKeysOff disables foreign key enforcement and returns a
// function restoring the previous setting. Must be used outside any
// transaction; enabling or disabling foreign keys mid-transaction is
// silently ignored by SQLite.
func ForeignKeysOff(ctx context.Context, db Handle) (restore func() error, err error) {
	var enabled int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return nil, fmt.Errorf("get foreign_keys pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}
	return func() error {
		value := "OFF"
		if enabled != 0 {
			value = "ON"
		}
		_, err := db.ExecContext(ctx, "PRAGMA foreign_keys = "+value)
		if err != nil {
			return fmt.Errorf("restore foreign keys: %w", err)
		}
		return nil
	}, nil
}

// ForeignKeyCheck returns an IntegrityError if there are any foreign
// key constraint violations.
func ForeignKeyCheck(ctx context.Context, db Handle) error {
	rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return &IntegrityError{Message: "FOREIGN KEY constraint failed"}
	}
	return rows.Err()
}

// GetIntPragma reads an integer-valued pragma.
func GetIntPragma(ctx context.Context, db Handle, pragma string) (int, error) {
	var value int
	if err := db.QueryRowContext(ctx, "PRAGMA "+pragma).Scan(&value); err != nil {
		return 0, fmt.Errorf("get pragma %s: %w", pragma, err)
	}
	return value, nil
}

// SetIntPragma sets an integer-valued pragma.
func SetIntPragma(ctx context.Context, db Handle, pragma string, value int) error {
	if value < 0 {
		return fmt.Errorf("pragma %s must be >= 0, got %d", pragma, value)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %d", pragma, value)); err != nil {
		return fmt.Errorf("set pragma %s: %w", pragma, err)
	}
	return nil
}

// TableCount returns the number of objects in sqlite_master.
func TableCount(ctx context.Context, db Handle) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tables: %w", err)
	}
	return count, nil
}

// EnsureApplicationID stamps the database's application_id pragma on
// first open, and refuses databases stamped with a different id.
// Returns whether the database is new.
func EnsureApplicationID(ctx context.Context, db Handle, id [4]byte) (bool, error) {
	newID := int(binary.BigEndian.Uint32(id[:]))

	oldID, err := GetIntPragma(ctx, db, "application_id")
	if err != nil {
		return false, err
	}
	if oldID != 0 {
		if oldID != newID {
			return false, &IDError{Message: fmt.Sprintf("invalid existing application id: 0x%x", oldID)}
		}
		return false, nil
	}

	count, err := TableCount(ctx, db)
	if err != nil {
		return false, err
	}
	if count != 0 {
		return false, &DBError{Message: "database with no application id already has tables"}
	}

	if err := SetIntPragma(ctx, db, "application_id", newID); err != nil {
		return false, err
	}
	return true, nil
}

// RequireVersion rejects SQLite engines older than (major, minor).
func RequireVersion(ctx context.Context, db Handle, major, minor int) error {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return fmt.Errorf("get sqlite version: %w", err)
	}
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return fmt.Errorf("unexpected sqlite version: %q", version)
	}
	var haveMajor, haveMinor int
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &haveMajor, &haveMinor); err != nil {
		return fmt.Errorf("unexpected sqlite version: %q", version)
	}
	if haveMajor > major || (haveMajor == major && haveMinor >= minor) {
		return nil
	}
	return &RequirementError{
		Message: fmt.Sprintf("at least SQLite version %d.%d required, %s installed", major, minor, version),
	}
}

// functionTests probes for optional SQLite functions by running a
// small test statement for each.
var functionTests = map[string]string{
	// storage
	"json_array_length": "SELECT json_array_length('[]')",
	// search
	"json":             "SELECT json(1)",
	"json_object":      "SELECT json_object('key', 1)",
	"json_group_array": "SELECT json_group_array(1)",
	"json_each":        "SELECT * FROM json_each(1)",
}

// RequireFunctions probes for each listed SQL function and collects
// the missing ones into a RequirementError.
func RequireFunctions(ctx context.Context, db Handle, names []string) error {
	var missing []string
	for _, name := range names {
		test, ok := functionTests[name]
		if !ok {
			return fmt.Errorf("no test for function: %s", name)
		}
		rows, err := db.QueryContext(ctx, test)
		if err != nil {
			if strings.Contains(err.Error(), "no such") {
				missing = append(missing, name)
				continue
			}
			return fmt.Errorf("probe function %s: %w", name, err)
		}
		rows.Close()
	}
	if len(missing) > 0 {
		return &RequirementError{
			Message: fmt.Sprintf("required SQLite functions missing: %v", missing),
		}
	}
	return nil
}

// SetupOptions configures SetupDB.
type SetupOptions struct {
	ID        [4]byte
	MinMajor  int
	MinMinor  int
	Functions []string
	Migration *Migration
}

// SetupDB prepares a freshly opened database: version and function
// checks, application id, WAL on creation, and migrations.
func SetupDB(ctx context.Context, db Handle, opts SetupOptions) error {
	if opts.MinMajor != 0 || opts.MinMinor != 0 {
		if err := RequireVersion(ctx, db, opts.MinMajor, opts.MinMinor); err != nil {
			return err
		}
	}
	if len(opts.Functions) > 0 {
		if err := RequireFunctions(ctx, db, opts.Functions); err != nil {
			return err
		}
	}

	newDB, err := EnsureApplicationID(ctx, db, opts.ID)
	if err != nil {
		return err
	}

	// WAL persists; enable it exactly once, when the database is
	// first created.
	if newDB {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	if opts.Migration != nil {
		if err := opts.Migration.Migrate(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

// Optimize runs PRAGMA optimize; called at close.
func Optimize(ctx context.Context, db Handle) error {
	_, err := db.ExecContext(ctx, "PRAGMA optimize")
	return err
}
