// Package storage implements the persistent storage layer: schema and
// versioned migrations, feed/entry/tag CRUD, scrolling-window
// pagination, and the change tracker feeding the search index.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/feedstash/feedstash/internal/sqliteutil"
)

// DefaultChunkSize is the default number of rows read or written per
// database lock acquisition.
const DefaultChunkSize = 256

// DefaultBusyTimeout bounds waiting for the database lock.
const DefaultBusyTimeout = 5 * time.Second

// applicationID is stamped into every database we create, so we never
// operate on someone else's database.
var applicationID = [4]byte{'r', 'e', 'a', 'D'}

// Storage is the SQLite-backed storage. A Storage owns a single
// database connection; SQLite serializes writers anyway, and the
// single connection keeps attached databases visible to all callers.
type Storage struct {
	db        *sql.DB
	path      string
	chunkSize int

	// Changes is the change tracker over this storage.
	Changes *Changes
}

// Options configures Open.
type Options struct {
	// ChunkSize is the number of rows read or written per lock
	// acquisition; DefaultChunkSize if zero.
	ChunkSize int

	// BusyTimeout bounds waiting for the database lock;
	// DefaultBusyTimeout if zero.
	BusyTimeout time.Duration
}

// Open opens the database at path, creating or migrating the schema
// as needed. An empty path or ":memory:" opens a private in-memory
// database.
func Open(ctx context.Context, path string, opts Options) (*Storage, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	db, err := sqliteutil.Open(path, opts.BusyTimeout)
	if err != nil {
		return nil, wrapError("while opening database", err)
	}

	if sqliteutil.IsPrivate(path) {
		path = ""
	}

	err = sqliteutil.SetupDB(ctx, db, sqliteutil.SetupOptions{
		ID:        applicationID,
		MinMajor:  3,
		MinMinor:  18,
		Functions: []string{"json_array_length"},
		Migration: migration(path),
	})
	if err != nil {
		_ = db.Close()
		return nil, wrapError("while setting up database", err)
	}

	s := &Storage{
		db:        db,
		path:      path,
		chunkSize: opts.ChunkSize,
	}
	s.Changes = &Changes{storage: s}
	return s, nil
}

// Close releases the database.
func (s *Storage) Close() error {
	_ = sqliteutil.Optimize(context.Background(), s.db)
	if err := s.db.Close(); err != nil {
		return wrapError("while closing database", err)
	}
	return nil
}

// DB exposes the underlying database; used by the search provider,
// which shares the storage connection via ATTACH.
func (s *Storage) DB() *sql.DB { return s.db }

// Path returns the database path, empty for private databases.
func (s *Storage) Path() string { return s.path }

// ChunkSize returns the pagination chunk size.
func (s *Storage) ChunkSize() int { return s.chunkSize }

// withTx runs fn in a transaction, committing on nil and rolling back
// on error.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Timestamps are stored as naive UTC strings with fixed microsecond
// precision, so lexicographic comparison matches time order and
// cursor comparisons stay total.
const timeFormat = "2006-01-02 15:04:05.000000"

func adaptTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func adaptTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return adaptTime(*t)
}

func convertTime(s string) (time.Time, error) {
	for _, layout := range []string{timeFormat, "2006-01-02 15:04:05", "2006-01-02T15:04:05.000000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp: %q", s)
}

func convertTimeNull(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := convertTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullify maps empty strings to NULL on the way in.
func nullify(s string) any {
	if s == "" {
		return nil
	}
	return s
}
