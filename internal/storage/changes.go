package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/feedstash/feedstash/internal/sqlbuilder"
	"github.com/feedstash/feedstash/internal/sqliteutil"
	"github.com/feedstash/feedstash/internal/types"
)

// Changes is the append-only change log: rows are inserted by
// triggers on entries and feeds, and consumed (then acknowledged) by
// the search indexer.
type Changes struct {
	storage *Storage
}

const createChangesSQL = `
CREATE TABLE changes (
    sequence BLOB NOT NULL,
    feed TEXT NOT NULL,
    id TEXT NOT NULL,
    key TEXT NOT NULL,
    action INTEGER NOT NULL,

    PRIMARY KEY (sequence, feed, id, key)
)
`

// changesTriggersSQL installs the four triggers keeping the change
// log in sync with content-changing writes.
//
// Feed URL changes cannot be handled in changes_entry_update: those
// entry updates are a consequence of ON UPDATE CASCADE, which
// overrides the INSERT OR REPLACE used in the trigger ("conflict
// handling policy of the outer statement" takes precedence, per
// https://sqlite.org/lang_createtrigger.html). Instead, feed changes
// are handled in changes_feed_changed.
var changesTriggersSQL = []string{`
CREATE TRIGGER changes_entry_insert
AFTER INSERT
ON entries
BEGIN
    UPDATE entries
        SET sequence = randomblob(16)
        WHERE (new.id, new.feed) = (id, feed);

    INSERT OR REPLACE INTO changes
        SELECT sequence, feed, id, '', 1
        FROM entries
        WHERE (feed, id) = (new.feed, new.id);
END
`, `
CREATE TRIGGER changes_entry_update
AFTER UPDATE
OF title, summary, content
ON entries
WHEN
    new.id = old.id AND new.feed = old.feed AND (
        coalesce(new.title, '') != coalesce(old.title, '')
        OR coalesce(new.summary, '') != coalesce(old.summary, '')
        OR coalesce(new.content, '') != coalesce(old.content, '')
    )
BEGIN
    INSERT OR REPLACE INTO changes
        VALUES (old.sequence, old.feed, old.id, '', 2);

    UPDATE entries
        SET sequence = randomblob(16)
        WHERE (new.id, new.feed) = (id, feed);

    INSERT OR REPLACE INTO changes
        SELECT sequence, feed, id, '', 1
        FROM entries
        WHERE (feed, id) = (new.feed, new.id);
END
`, `
CREATE TRIGGER changes_entry_delete
AFTER DELETE
ON entries
BEGIN
    INSERT OR REPLACE INTO changes
        VALUES (old.sequence, old.feed, old.id, '', 2);
END
`, `
CREATE TRIGGER changes_feed_changed
AFTER UPDATE
OF url, title, user_title
ON feeds
WHEN
    new.url != old.url
    OR coalesce(new.title, '') != coalesce(old.title, '')
    OR coalesce(new.user_title, '') != coalesce(old.user_title, '')
BEGIN
    INSERT OR REPLACE INTO changes
        SELECT sequence, old.url, id, '', 2
        FROM entries
        WHERE feed = new.url;

    UPDATE entries
        SET sequence = randomblob(16)
        WHERE feed = new.url;

    INSERT OR REPLACE INTO changes
        SELECT sequence, feed, id, '', 1
        FROM entries
        WHERE feed = new.url;
END
`}

var changesDropSQL = []string{
	"DROP TRIGGER IF EXISTS changes_entry_insert",
	"DROP TRIGGER IF EXISTS changes_entry_update",
	"DROP TRIGGER IF EXISTS changes_entry_delete",
	"DROP TRIGGER IF EXISTS changes_feed_changed",
	"DROP TABLE IF EXISTS changes",
}

// enableChanges creates the change log, gives every entry a fresh
// sequence, and seeds one INSERT change per entry. Must run inside a
// DDL transaction; also called from migrations.
func enableChanges(ctx context.Context, db sqliteutil.Handle) error {
	if _, err := db.ExecContext(ctx, createChangesSQL); err != nil {
		return err
	}
	for _, stmt := range changesTriggersSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := db.ExecContext(ctx, "UPDATE entries SET sequence = randomblob(16)"); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO changes
		SELECT sequence, feed, id, '', 1 FROM entries
	`)
	return err
}

func disableChanges(ctx context.Context, db sqliteutil.Handle) error {
	for _, stmt := range changesDropSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := db.ExecContext(ctx, "UPDATE entries SET sequence = NULL")
	return err
}

// Enable turns on change tracking; a no-op if already enabled.
func (c *Changes) Enable(ctx context.Context) error {
	err := sqliteutil.DDLTransaction(ctx, c.storage.db, func(db sqliteutil.Handle) error {
		return enableChanges(ctx, db)
	})
	if err != nil {
		if errMsgContains(err, "table changes already exists") {
			return nil
		}
		return wrapError("while enabling change tracking", err)
	}
	return nil
}

// Disable turns off change tracking, dropping the triggers, the
// change log, and every entry's sequence.
func (c *Changes) Disable(ctx context.Context) error {
	err := sqliteutil.DDLTransaction(ctx, c.storage.db, func(db sqliteutil.Handle) error {
		return disableChanges(ctx, db)
	})
	return wrapError("while disabling change tracking", err)
}

// IsEnabled reports whether change tracking is enabled.
func (c *Changes) IsEnabled(ctx context.Context) (bool, error) {
	var count int
	err := c.storage.db.QueryRowContext(
		ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'changes'",
	).Scan(&count)
	if err != nil {
		return false, wrapError("while checking change tracking", err)
	}
	return count > 0, nil
}

// Get returns up to limit changes, filtered by action if non-zero.
// limit is capped at the storage chunk size; zero means the cap.
func (c *Changes) Get(ctx context.Context, action types.Action, limit int) ([]types.Change, error) {
	if limit <= 0 || limit > c.storage.chunkSize {
		limit = c.storage.chunkSize
	}

	query := sqlbuilder.New().
		Select("sequence", "feed", "id", "key", "action").
		From("changes").
		// the ORDER BY is only observable in tests
		OrderBy("rowid").
		Limit(":limit")
	params := map[string]any{"limit": limit}
	if action != 0 {
		query.Where("action = :action")
		params["action"] = int(action)
	}

	rows, err := c.storage.db.QueryContext(ctx, query.String(), sqlbuilder.NamedArgs(params)...)
	if err != nil {
		return nil, c.wrapError(err)
	}
	defer rows.Close()

	var changes []types.Change
	for rows.Next() {
		var (
			sequence  []byte
			feed, id  string
			key       string
			actionInt int
		)
		if err := rows.Scan(&sequence, &feed, &id, &key, &actionInt); err != nil {
			return nil, wrapError("while getting changes", err)
		}
		changes = append(changes, changeFromRow(sequence, feed, id, key, actionInt))
	}
	if err := rows.Err(); err != nil {
		return nil, c.wrapError(err)
	}
	return changes, nil
}

// Done removes the given changes from the log, by exact composite
// key. Changes must have come from Get.
func (c *Changes) Done(ctx context.Context, changes []types.Change) error {
	if len(changes) > c.storage.chunkSize {
		return fmt.Errorf("too many changes, expected <= %d", c.storage.chunkSize)
	}
	err := c.storage.withTx(ctx, func(tx *sql.Tx) error {
		for _, change := range changes {
			feed, id := changeResourceColumns(change)
			_, err := tx.ExecContext(ctx, `
				DELETE FROM changes
				WHERE (sequence, feed, id, key, action)
				    = (?, ?, ?, ?, ?)
			`, change.Sequence, feed, id, change.TagKey, int(change.Action))
			if err != nil {
				return err
			}
		}
		return nil
	})
	return c.wrapError(err)
}

// wrapError maps "no such table" onto ChangeTrackingNotEnabledError.
func (c *Changes) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errMsgContains(err, "no such table") {
		return &types.ChangeTrackingNotEnabledError{}
	}
	return wrapError("while processing changes", err)
}

func changeFromRow(sequence []byte, feed, id, key string, action int) types.Change {
	var resource types.ResourceID
	if feed != "" {
		if id != "" {
			resource = types.EntryResource(feed, id)
		} else {
			resource = types.FeedResource(feed)
		}
	} else {
		resource = types.GlobalResource()
	}
	return types.Change{
		Action:   types.Action(action),
		Sequence: sequence,
		Resource: resource,
		TagKey:   key,
	}
}

func changeResourceColumns(change types.Change) (feed, id string) {
	if len(change.Resource) > 0 {
		feed = change.Resource[0]
	}
	if len(change.Resource) > 1 {
		id = change.Resource[1]
	}
	return feed, id
}
