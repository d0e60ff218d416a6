package storage

import (
	"context"
	"fmt"

	"github.com/feedstash/feedstash/internal/sqliteutil"
)

// The search schema lives here rather than in the search package
// because the v38→v39 migration needs it too, and the search package
// already depends on storage.

// CreateSearchSchema creates the FTS table and its sync-state table
// under the given schema ("main" or the ATTACH alias). Must run
// inside a DDL transaction.
func CreateSearchSchema(ctx context.Context, db sqliteutil.Handle, schema string) error {
	// The column names matter: they can be used in column filters.
	// Unindexed columns go at the end so adding new ones doesn't
	// shift the indexed column positions snippet() depends on.
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE VIRTUAL TABLE %s.entries_search USING fts5(
		    title,  -- entries.title
		    content,  -- entries.summary or one of entries.content
		    feed,  -- feeds.title or feeds.user_title
		    _id UNINDEXED,
		    _feed UNINDEXED,
		    _content_path UNINDEXED,
		    _is_feed_user_title UNINDEXED,
		    tokenize = "porter unicode61 remove_diacritics 1 tokenchars '_'"
		)
	`, schema))
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO entries_search(entries_search, rank)
		VALUES ('rank', 'bm25(4, 1, 2)')
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s.entries_search_sync_state (
		    sequence BLOB NOT NULL,
		    feed TEXT NOT NULL,
		    id TEXT NOT NULL,
		    es_rowids TEXT NOT NULL DEFAULT '[]',
		    PRIMARY KEY (sequence, feed, id)
		)
	`, schema))
	return err
}

// DropSearchSchema drops the search tables under the given schema.
// Must run inside a DDL transaction.
func DropSearchSchema(ctx context.Context, db sqliteutil.Handle, schema string) error {
	for _, name := range []string{"entries_search", "entries_search_sync_state"} {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", schema, name)); err != nil {
			return err
		}
	}
	return nil
}
