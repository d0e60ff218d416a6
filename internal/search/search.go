// Package search implements full-text search over entries, backed by
// an FTS5 index kept in a sibling database attached to the storage
// connection. The index is updated incrementally from the storage
// change log.
package search

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/feedstash/feedstash/internal/htmlutil"
	"github.com/feedstash/feedstash/internal/sqliteutil"
	"github.com/feedstash/feedstash/internal/storage"
	"github.com/feedstash/feedstash/internal/types"
)

// queryErrorFragments are SQLite error fragments caused by the user's
// search query rather than by us.
var queryErrorFragments = []string{
	"fts5: syntax error near",
	"unknown special query",
	"no such column",
	"no such cursor",
	"unterminated string",
}

// Search is the FTS5-backed search provider, tightly coupled to the
// SQLite storage.
type Search struct {
	storage *storage.Storage
	log     *slog.Logger

	// schema is the name the search database is known by on the
	// storage connection: "search" when attached as a sibling
	// database, "main" for private (in-memory) storages.
	schema string
	path   string
}

// New returns a search provider over s, creating and attaching the
// sibling search database if the storage is not private.
func New(ctx context.Context, s *storage.Storage, log *slog.Logger) (*Search, error) {
	if log == nil {
		log = slog.Default()
	}
	rv := &Search{storage: s, log: log, schema: "main"}

	if s.Path() != "" {
		rv.schema = "search"
		rv.path = s.Path() + ".search"

		// set up the sibling database on its own connection, then
		// attach it to the storage connection
		db, err := sqliteutil.Open(rv.path, storage.DefaultBusyTimeout)
		if err != nil {
			return nil, wrapError("while opening search database", err)
		}
		err = sqliteutil.SetupDB(ctx, db, sqliteutil.SetupOptions{ID: applicationID()})
		_ = db.Close()
		if err != nil {
			return nil, wrapError("while opening search database", err)
		}

		if err := sqliteutil.Attach(ctx, s.DB(), rv.schema, rv.path); err != nil {
			return nil, wrapError("while attaching search database", err)
		}
	}

	return rv, nil
}

func applicationID() [4]byte { return [4]byte{'r', 'e', 'a', 'D'} }

func (s *Search) db() *sql.DB { return s.storage.DB() }

// Enable turns on search. Change tracking is enabled along with it;
// on first enable the change log is reset so the whole database gets
// backfilled into the index.
func (s *Search) Enable(ctx context.Context) error {
	err := sqliteutil.DDLTransaction(ctx, s.db(), func(db sqliteutil.Handle) error {
		return storage.CreateSearchSchema(ctx, db, s.schema)
	})
	if err != nil {
		if !errMsgContains(err, "table entries_search already exists") {
			return wrapError("while enabling search", err)
		}
	} else {
		// search was not already enabled: make sure Changes.Enable is
		// not a no-op, so every resource is backfilled (change
		// tracking can be enabled with search disabled when restoring
		// from a backup)
		if err := s.storage.Changes.Disable(ctx); err != nil {
			return err
		}
	}
	return s.storage.Changes.Enable(ctx)
}

// Disable turns off search and change tracking, dropping the index.
func (s *Search) Disable(ctx context.Context) error {
	if err := s.storage.Changes.Disable(ctx); err != nil {
		return err
	}

	err := sqliteutil.DDLTransaction(ctx, s.db(), func(db sqliteutil.Handle) error {
		return storage.DropSearchSchema(ctx, db, s.schema)
	})
	if err != nil {
		return wrapError("while disabling search", err)
	}

	// Deleting the sibling database file is left to the user (other
	// connections may still have it attached); reclaim the space with
	// VACUUM instead. Internal tables created by ANALYZE or PRAGMA
	// optimize would keep the database non-empty, so drop them first.
	if s.path != "" {
		for i := 1; i <= 4; i++ {
			stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s.sqlite_stat%d", s.schema, i)
			if _, err := s.db().ExecContext(ctx, stmt); err != nil {
				return wrapError("while disabling search", err)
			}
		}
		if _, err := s.db().ExecContext(ctx, "VACUUM "+s.schema); err != nil {
			return wrapError("while disabling search", err)
		}
	}
	return nil
}

// IsEnabled reports whether search is enabled.
func (s *Search) IsEnabled(ctx context.Context) (bool, error) {
	err := s.enabledCheck(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errNotEnabled) {
		return false, nil
	}
	return false, wrapError("while checking search", err)
}

var errNotEnabled = errors.New("search not enabled")

func (s *Search) enabledCheck(ctx context.Context) error {
	rows, err := s.db().QueryContext(ctx, "SELECT * FROM entries_search LIMIT 0")
	if err != nil {
		if errMsgContains(err, "no such table: entries_search") {
			return errNotEnabled
		}
		return err
	}
	return rows.Close()
}

func errMsgContains(err error, fragment string) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), fragment)
}

// wrapError wraps unexpected errors into a SearchError, leaving
// domain errors alone.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re types.ReaderError
	if errors.As(err, &re) {
		return err
	}
	return &types.SearchError{Message: op, Cause: err}
}

// mapQueryError additionally maps missing-table errors onto
// SearchNotEnabledError and query-shaped errors onto
// InvalidSearchQueryError.
func mapQueryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errMsgContains(err, "no such table") {
		return &types.SearchNotEnabledError{}
	}
	for _, fragment := range queryErrorFragments {
		if errMsgContains(err, fragment) {
			return &types.InvalidSearchQueryError{Message: err.Error()}
		}
	}
	return wrapError(op, err)
}

// stripHTML is htmlutil.StripHTML behind a nil-check, matching the
// treatment of null columns.
func stripHTML(text string) any {
	if text == "" {
		return nil
	}
	return htmlutil.StripHTML(text)
}

// indexableContent reports whether a content piece belongs in the
// index.
func indexableContent(c types.Content) bool {
	switch strings.ToLower(c.Type) {
	case "", "text/html", "text/xhtml", "text/plain":
		return true
	}
	return false
}

// Update brings the index in sync with the change log: first all
// DELETE changes are applied, then all INSERT changes, acknowledging
// each batch as it is applied.
func (s *Search) Update(ctx context.Context) error {
	err := s.update(ctx)
	if err != nil {
		var notEnabled *types.ChangeTrackingNotEnabledError
		if errors.As(err, &notEnabled) {
			return &types.SearchNotEnabledError{}
		}
		return err
	}

	// if change tracking is enabled but search is not (e.g. when
	// restoring from a backup), fail even if there were no changes
	if err := s.enabledCheck(ctx); err != nil {
		if errors.Is(err, errNotEnabled) {
			return &types.SearchNotEnabledError{}
		}
		return wrapError("while updating search", err)
	}
	return nil
}

func (s *Search) update(ctx context.Context) error {
	if err := s.deleteFromSearch(ctx); err != nil {
		return err
	}
	return s.insertIntoSearch(ctx)
}

func (s *Search) deleteFromSearch(ctx context.Context) error {
	for {
		changes, err := s.storage.Changes.Get(ctx, types.ActionDelete, 0)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		if err := s.deleteFromSearchOneChunk(ctx, changes); err != nil {
			return err
		}
		if err := s.storage.Changes.Done(ctx, changes); err != nil {
			return err
		}
	}
}

const deleteSyncedRowsSQL = `
DELETE FROM entries_search WHERE rowid IN (
    SELECT value
    FROM entries_search_sync_state AS ss
    JOIN json_each(es_rowids)
    WHERE (ss.sequence, ss.feed, ss.id) = (?, ?, ?)
)
`

func (s *Search) deleteFromSearchOneChunk(ctx context.Context, changes []types.Change) error {
	for _, change := range changes {
		// ignore non-entry changes
		if change.TagKey != "" || len(change.Resource) != 2 {
			continue
		}

		feed, id := change.Resource[0], change.Resource[1]
		_, err := s.db().ExecContext(ctx, deleteSyncedRowsSQL, change.Sequence, feed, id)
		if err != nil {
			return mapQueryError("while updating search", err)
		}
		_, err = s.db().ExecContext(ctx, `
			DELETE FROM entries_search_sync_state
			WHERE (sequence, feed, id) = (?, ?, ?)
		`, change.Sequence, feed, id)
		if err != nil {
			return mapQueryError("while updating search", err)
		}
	}

	s.log.Debug("search update: delete chunk done", "changes", len(changes))
	return nil
}

func (s *Search) insertIntoSearch(ctx context.Context) error {
	for {
		changes, err := s.storage.Changes.Get(ctx, types.ActionInsert, 0)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		if err := s.insertIntoSearchOneChunk(ctx, changes); err != nil {
			return err
		}
		if err := s.storage.Changes.Done(ctx, changes); err != nil {
			return err
		}
	}
}

// searchDocument is one row to be inserted into the FTS table.
type searchDocument struct {
	title           any
	content         any
	feed            any
	id              string
	feedURL         string
	contentPath     any
	isFeedUserTitle int
}

func (s *Search) insertIntoSearchOneChunk(ctx context.Context, changes []types.Change) error {
	// HTML stripping happens outside transactions, so the database
	// is not locked while we do it.
	groups := make(map[int][]searchDocument)

	for i, change := range changes {
		// ignore non-entry changes
		if change.TagKey != "" || len(change.Resource) != 2 {
			continue
		}

		entry, err := s.storage.GetEntry(ctx, change.Resource[0], change.Resource[1])
		if err != nil {
			var notFound *types.EntryNotFoundError
			if errors.As(err, &notFound) {
				// entry deleted since the change was recorded; the
				// matching DELETE change cleans up
				continue
			}
			return err
		}
		// superseded by a newer change for the same entry
		if !bytes.Equal(entry.Sequence, change.Sequence) {
			continue
		}

		groups[i] = buildSearchDocuments(entry)
	}

	for i, group := range groups {
		change := changes[i]
		feed, id := change.Resource[0], change.Resource[1]

		err := s.withStorageTx(ctx, func(tx *sql.Tx) error {
			// any leftover rows for this key are stale; remove them
			// before inserting
			if _, err := tx.ExecContext(ctx, deleteSyncedRowsSQL, change.Sequence, feed, id); err != nil {
				return err
			}

			rowids := make([]int64, 0, len(group))
			for _, doc := range group {
				result, err := tx.ExecContext(ctx, `
					INSERT INTO entries_search
					VALUES (?, ?, ?, ?, ?, ?, ?)
				`,
					doc.title, doc.content, doc.feed,
					doc.id, doc.feedURL, doc.contentPath, doc.isFeedUserTitle,
				)
				if err != nil {
					return err
				}
				rowid, err := result.LastInsertId()
				if err != nil {
					return err
				}
				rowids = append(rowids, rowid)
			}

			esRowids, err := json.Marshal(rowids)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO entries_search_sync_state
				VALUES (?, ?, ?, ?)
			`, change.Sequence, feed, id, string(esRowids))
			return err
		})
		if err != nil {
			return mapQueryError("while updating search", err)
		}
	}

	s.log.Debug("search update: insert chunk done", "changes", len(changes))
	return nil
}

func (s *Search) withStorageTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// buildSearchDocuments turns an entry into its FTS rows: one per
// indexable content piece plus one for the summary, or a single row
// with null content if there is neither.
func buildSearchDocuments(entry *types.Entry) []searchDocument {
	type piece struct {
		value any
		path  any
	}
	var final []piece

	for i, content := range entry.Content {
		if !indexableContent(content) {
			continue
		}
		final = append(final, piece{
			value: stripHTML(content.Value),
			path:  fmt.Sprintf(".content[%d].value", i),
		})
	}
	if entry.Summary != "" {
		final = append(final, piece{value: stripHTML(entry.Summary), path: ".summary"})
	}
	if len(final) == 0 {
		final = append(final, piece{})
	}

	title := stripHTML(entry.Title)

	feedTitle := entry.Feed.Title
	isFeedUserTitle := 0
	if entry.Feed.UserTitle != "" {
		feedTitle = entry.Feed.UserTitle
		isFeedUserTitle = 1
	}

	docs := make([]searchDocument, 0, len(final))
	for _, p := range final {
		docs = append(docs, searchDocument{
			title:           title,
			content:         p.value,
			feed:            stripHTML(feedTitle),
			id:              entry.ID,
			feedURL:         entry.FeedURL(),
			contentPath:     p.path,
			isFeedUserTitle: isFeedUserTitle,
		})
	}
	return docs
}
