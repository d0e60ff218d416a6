package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/feedstash/feedstash/internal/sqliteutil"
)

// Version is the current schema version.
const Version = 39

const missingSuffix = "; you may have skipped some required migrations, see the changelog for removed migrations"

const createFeedsSQL = `
CREATE TABLE feeds (

    -- feed data
    url TEXT PRIMARY KEY NOT NULL,
    title TEXT,
    link TEXT,
    updated TIMESTAMP,
    author TEXT,
    subtitle TEXT,
    version TEXT,
    user_title TEXT,  -- except this one, which comes from the user
    http_etag TEXT,
    http_last_modified TEXT,
    data_hash BLOB,  -- derived from feed data

    -- reader data
    stale INTEGER NOT NULL DEFAULT 0,
    updates_enabled INTEGER NOT NULL DEFAULT 1,
    update_after TIMESTAMP,
    last_updated TIMESTAMP,  -- null if the feed was never updated
    added TIMESTAMP NOT NULL,
    last_exception TEXT

    -- NOTE: when adding new fields, check if they should be set
    -- to their default value in ChangeFeedURL()
)
`

const createEntriesSQL = `
CREATE TABLE entries (

    -- entry data
    id TEXT NOT NULL,
    feed TEXT NOT NULL,
    title TEXT,
    link TEXT,
    updated TIMESTAMP,
    author TEXT,
    published TIMESTAMP,
    summary TEXT,
    content TEXT,
    enclosures TEXT,
    original_feed TEXT,  -- null if the feed URL never changed
    data_hash BLOB,  -- derived from entry data
    data_hash_changed INTEGER,  -- metadata about data_hash

    -- reader data
    read INTEGER,
    read_modified TIMESTAMP,
    important INTEGER,
    important_modified TIMESTAMP,
    added_by TEXT NOT NULL,
    last_updated TIMESTAMP NOT NULL,
    first_updated TIMESTAMP NOT NULL,
    first_updated_epoch TIMESTAMP NOT NULL,
    feed_order INTEGER NOT NULL,
    recent_sort TIMESTAMP NOT NULL,
    sequence BLOB,

    PRIMARY KEY (id, feed),
    FOREIGN KEY (feed) REFERENCES feeds(url)
        ON UPDATE CASCADE
        ON DELETE CASCADE
)
`

const createGlobalTagsSQL = `
CREATE TABLE global_tags (
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (key)
)
`

const createFeedTagsSQL = `
CREATE TABLE feed_tags (
    feed TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,

    PRIMARY KEY (feed, key),
    FOREIGN KEY (feed) REFERENCES feeds(url)
        ON UPDATE CASCADE
        ON DELETE CASCADE
)
`

const createEntryTagsSQL = `
CREATE TABLE entry_tags (
    id TEXT NOT NULL,
    feed TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,

    PRIMARY KEY (id, feed, key),
    FOREIGN KEY (id, feed) REFERENCES entries(id, feed)
        ON UPDATE CASCADE
        ON DELETE CASCADE
)
`

// entries_by_recent must exactly mirror the recent sort keys, in DESC
// order; see entriesRecentSort.
const createEntriesByRecentSQL = `
CREATE INDEX entries_by_recent ON entries (
    recent_sort DESC,
    coalesce(published, updated, first_updated) DESC,
    feed DESC,
    last_updated DESC,
    - feed_order DESC,
    id DESC
)
`

const createEntriesByFeedSQL = `
CREATE INDEX entries_by_feed ON entries (feed)
`

func createAll(ctx context.Context, db sqliteutil.Handle) error {
	for _, stmt := range []string{
		createFeedsSQL,
		createEntriesSQL,
		createGlobalTagsSQL,
		createFeedTagsSQL,
		createEntryTagsSQL,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return createIndexes(ctx, db)
}

func createIndexes(ctx context.Context, db sqliteutil.Handle) error {
	for _, stmt := range []string{
		createEntriesByRecentSQL,
		createEntriesByFeedSQL,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migration returns the migration bringing a database at path to the
// current schema version. path is needed because one migration sets
// up the sibling search database.
func migration(path string) *sqliteutil.Migration {
	return &sqliteutil.Migration{
		Create:  createAll,
		Version: Version,
		Migrations: map[int]sqliteutil.MigrationFunc{
			// 1-35 removed; databases that old must go through an
			// earlier release first (see missingSuffix).
			36: migrateFrom36To37,
			37: migrateFrom37To38,
			38: migrateFrom38To39(path),
		},
		MissingSuffix: missingSuffix,
	}
}

// migrateFrom36To37 replaces the old per-kind recency indexes with a
// recent_sort column and the entries_by_recent index.
func migrateFrom36To37(ctx context.Context, db sqliteutil.Handle) error {
	stmts := []string{
		"ALTER TABLE entries ADD COLUMN recent_sort TIMESTAMP",
		`UPDATE entries
		 SET recent_sort = coalesce(published, updated, first_updated_epoch)`,
		"DROP INDEX entries_by_kinda_first_updated",
		"DROP INDEX entries_by_kinda_published",
		createEntriesByRecentSQL,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateFrom37To38 rebuilds the entries table to make important
// tri-state: read-and-not-important with important_modified set
// becomes explicit false, any other not-important becomes unset.
func migrateFrom37To38(ctx context.Context, db sqliteutil.Handle) error {
	newEntries := strings.Replace(createEntriesSQL, "CREATE TABLE entries", "CREATE TABLE new_entries", 1)
	if _, err := db.ExecContext(ctx, newEntries); err != nil {
		return err
	}
	// the new table has a sequence column the old one lacks; it stays
	// NULL until change tracking is enabled
	if _, err := db.ExecContext(ctx, `
		INSERT INTO new_entries (
		    id, feed, title, link, updated, author, published, summary,
		    content, enclosures, original_feed, data_hash, data_hash_changed,
		    read, read_modified, important, important_modified, added_by,
		    last_updated, first_updated, first_updated_epoch, feed_order, recent_sort
		)
		SELECT
		    id, feed, title, link, updated, author, published, summary,
		    content, enclosures, original_feed, data_hash, data_hash_changed,
		    read, read_modified,
		    CASE
		        WHEN read AND NOT important AND important_modified IS NOT NULL
		            THEN 0
		        WHEN NOT important
		            THEN NULL
		        ELSE important
		    END,
		    important_modified, added_by,
		    last_updated, first_updated, first_updated_epoch, feed_order, recent_sort
		FROM entries
	`); err != nil {
		return err
	}

	// this drops ALL indexes and triggers on entries
	if _, err := db.ExecContext(ctx, "DROP TABLE entries"); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "ALTER TABLE new_entries RENAME TO entries"); err != nil {
		return err
	}
	return createIndexes(ctx, db)
}

// migrateFrom38To39 moves search out of the main database: it adds
// the entries sequence column and, only if the in-database search was
// enabled, tears down its tables and triggers, enables the change
// tracker, and initializes the sibling search database. This is the
// model for any
// index-reseeding migration.
func migrateFrom38To39(path string) sqliteutil.MigrationFunc {
	return func(ctx context.Context, db sqliteutil.Handle) error {
		if _, err := db.ExecContext(ctx, "ALTER TABLE entries ADD COLUMN sequence BLOB"); err != nil {
			return err
		}

		enabled, err := legacySearchIsEnabled(ctx, db)
		if err != nil {
			return err
		}
		if !enabled {
			return nil
		}

		for _, stmt := range []string{
			"DROP TABLE IF EXISTS entries_search",
			"DROP TABLE IF EXISTS entries_search_sync_state",
			"DROP TRIGGER IF EXISTS entries_search_entries_insert",
			"DROP TRIGGER IF EXISTS entries_search_entries_insert_esss_exists",
			"DROP TRIGGER IF EXISTS entries_search_entries_update",
			"DROP TRIGGER IF EXISTS entries_search_entries_delete",
			"DROP TRIGGER IF EXISTS entries_search_feeds_update",
			"DROP TRIGGER IF EXISTS entries_search_feeds_update_url",
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}

		if err := enableChanges(ctx, db); err != nil {
			return err
		}

		if path == "" {
			return fmt.Errorf("private databases should not need migrations")
		}

		return setupSiblingSearchDB(ctx, path+".search")
	}
}

func legacySearchIsEnabled(ctx context.Context, db sqliteutil.Handle) (bool, error) {
	var count int
	err := db.QueryRowContext(
		ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'entries_search'",
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// setupSiblingSearchDB creates the sibling search database with a
// fresh (empty) index; the enabled change tracker backfills it on the
// next search update.
func setupSiblingSearchDB(ctx context.Context, path string) error {
	db, err := sqliteutil.Open(path, DefaultBusyTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	err = sqliteutil.SetupDB(ctx, db, sqliteutil.SetupOptions{ID: applicationID})
	if err != nil {
		return err
	}
	return sqliteutil.DDLTransaction(ctx, db, func(h sqliteutil.Handle) error {
		if err := DropSearchSchema(ctx, h, "main"); err != nil {
			return err
		}
		return CreateSearchSchema(ctx, h, "main")
	})
}
