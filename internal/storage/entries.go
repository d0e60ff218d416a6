package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feedstash/feedstash/internal/sqlbuilder"
	"github.com/feedstash/feedstash/internal/types"
)

// GetEntries returns entries matching filter in the given order, as a
// paginated iterator. startingAfter is the (feed URL, entry id) of
// the entry to resume after, nil to start from the beginning; it is
// incompatible with the random sort.
func (s *Storage) GetEntries(
	ctx context.Context,
	filter types.EntryFilter,
	sort types.EntrySort,
	limit int,
	startingAfter *[2]string,
) (*sqlbuilder.Paginator[*types.Entry], error) {
	makeQuery := func() (*sqlbuilder.Query, map[string]any) {
		return getEntriesQuery(filter, sort)
	}

	if sort == types.EntrySortRandom {
		if startingAfter != nil {
			panic("startingAfter not supported with the random sort")
		}
		if limit <= 0 || limit > s.chunkSize {
			limit = s.chunkSize
		}
		return sqlbuilder.Paginated(
			s.db, makeQuery, s.chunkSize, limit, nil,
			func(rows *sql.Rows) (*types.Entry, []any, error) {
				return scanEntry(rows, 0)
			},
		), nil
	}

	var last []any
	if startingAfter != nil {
		var err error
		if last, err = s.GetEntryLast(ctx, sort, *startingAfter); err != nil {
			return nil, err
		}
	}

	cursorLen := len(entryRecentSortKeys)
	return sqlbuilder.Paginated(
		s.db, makeQuery, s.chunkSize, limit, last,
		func(rows *sql.Rows) (*types.Entry, []any, error) {
			return scanEntry(rows, cursorLen)
		},
	), nil
}

// GetEntry returns a single entry.
func (s *Storage) GetEntry(ctx context.Context, feedURL, id string) (*types.Entry, error) {
	p, err := s.GetEntries(
		ctx,
		types.EntryFilter{FeedURL: feedURL, EntryID: id},
		types.EntrySortRecent,
		1,
		nil,
	)
	if err != nil {
		return nil, err
	}
	entries, err := p.All(ctx)
	if err != nil {
		return nil, wrapError("while getting entry", err)
	}
	if len(entries) == 0 {
		return nil, &types.EntryNotFoundError{FeedURL: feedURL, ID: id}
	}
	return entries[0], nil
}

// GetEntryLast returns the pagination cursor of an entry under the
// given sort; used both by this package and the search provider's
// recent sort.
func (s *Storage) GetEntryLast(ctx context.Context, sort types.EntrySort, entry [2]string) ([]any, error) {
	if sort != types.EntrySortRecent {
		panic(fmt.Sprintf("no cursor for entry sort: %q", sort))
	}

	query := sqlbuilder.New().
		Select(
			"recent_sort",
			"coalesce(published, updated, first_updated)",
			"feed",
			"last_updated",
			"- feed_order",
			"id",
		).
		From("entries").
		Where("feed = :feed AND id = :id")

	last := make([]any, 6)
	dest := make([]any, 6)
	for i := range last {
		dest[i] = &last[i]
	}
	err := s.db.QueryRowContext(
		ctx,
		query.String(),
		sqlbuilder.NamedArgs(map[string]any{"feed": entry[0], "id": entry[1]})...,
	).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, &types.EntryNotFoundError{FeedURL: entry[0], ID: entry[1]}
	}
	if err != nil {
		return nil, wrapError("while getting entry cursor", err)
	}
	return last, nil
}

// GetEntryCounts counts entries matching filter, including average
// entries per day over the last 1, 3, and 12 months.
func (s *Storage) GetEntryCounts(
	ctx context.Context,
	now time.Time,
	filter types.EntryFilter,
) (types.EntryCounts, error) {
	entriesQuery := sqlbuilder.New().Select("id", "feed").From("entries")
	context := entryFilter(entriesQuery, filter, "WHERE")

	query, newContext := getEntryCountsQuery(now, entryCountsAveragePeriods, entriesQuery)
	for k, v := range newContext {
		context[k] = v
	}

	var counts types.EntryCounts
	err := s.db.QueryRowContext(ctx, query.String(), sqlbuilder.NamedArgs(context)...).Scan(
		&counts.Total, &counts.Read, &counts.Important, &counts.HasEnclosures,
		&counts.Averages[0], &counts.Averages[1], &counts.Averages[2],
	)
	if err != nil {
		return types.EntryCounts{}, wrapError("while counting entries", err)
	}
	return counts, nil
}

// GetEntryCountsThrough counts entries reachable through a joined id
// set (a CTE yielding _id, _feed columns), with extra named
// parameters for the CTE. Used by the search provider to count
// matching entries.
func (s *Storage) GetEntryCountsThrough(
	ctx context.Context,
	now time.Time,
	filter types.EntryFilter,
	idsCTE string,
	extra map[string]any,
) (types.EntryCounts, error) {
	entriesQuery := sqlbuilder.New().
		With("search", idsCTE).
		Select("id", "feed").
		From("entries").
		Join("search ON (id, feed) = (_id, _feed)")
	context := entryFilter(entriesQuery, filter, "WHERE")

	query, newContext := getEntryCountsQuery(now, entryCountsAveragePeriods, entriesQuery)
	for k, v := range newContext {
		context[k] = v
	}
	for k, v := range extra {
		context[k] = v
	}

	var counts types.EntryCounts
	err := s.db.QueryRowContext(ctx, query.String(), sqlbuilder.NamedArgs(context)...).Scan(
		&counts.Total, &counts.Read, &counts.Important, &counts.HasEnclosures,
		&counts.Averages[0], &counts.Averages[1], &counts.Averages[2],
	)
	if err != nil {
		return types.EntryCounts{}, err
	}
	return counts, nil
}

// SetEntryRead sets the read flag of a single entry.
func (s *Storage) SetEntryRead(ctx context.Context, entry [2]string, read bool, modified *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET
		    read = ?,
		    read_modified = ?
		WHERE feed = ? AND id = ?
	`, boolToInt(read), adaptTimePtr(modified), entry[0], entry[1])
	if err != nil {
		return wrapError("while setting entry read", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.EntryNotFoundError{FeedURL: entry[0], ID: entry[1]}
	})
}

// SetEntryImportant sets the tri-state important flag of a single
// entry; nil means unset.
func (s *Storage) SetEntryImportant(ctx context.Context, entry [2]string, important *bool, modified *time.Time) error {
	var value any
	if important != nil {
		value = boolToInt(*important)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET
		    important = ?,
		    important_modified = ?
		WHERE feed = ? AND id = ?
	`, value, adaptTimePtr(modified), entry[0], entry[1])
	if err != nil {
		return wrapError("while setting entry important", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.EntryNotFoundError{FeedURL: entry[0], ID: entry[1]}
	})
}

// GetEntriesForUpdate returns update-relevant information about the
// given entries, nil for entries that don't exist, in input order.
func (s *Storage) GetEntriesForUpdate(ctx context.Context, entries [][2]string) ([]*types.EntryForUpdate, error) {
	rv := make([]*types.EntryForUpdate, 0, len(entries))
	for start := 0; start < len(entries); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		page, err := s.getEntriesForUpdatePage(ctx, entries[start:end])
		if err != nil {
			return nil, wrapError("while getting entries for update", err)
		}
		rv = append(rv, page...)
	}
	return rv, nil
}

func (s *Storage) getEntriesForUpdatePage(ctx context.Context, entries [][2]string) ([]*types.EntryForUpdate, error) {
	rv := make([]*types.EntryForUpdate, 0, len(entries))

	// one query per entry, in one transaction for speed; fetching
	// everything in a single query is not much faster
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			SELECT
			    updated,
			    published,
			    data_hash,
			    data_hash_changed
			FROM entries
			WHERE feed = ?
			    AND id = ?
		`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, entry := range entries {
			var (
				updated     sql.NullString
				published   sql.NullString
				hash        []byte
				hashChanged sql.NullInt64
			)
			err := stmt.QueryRowContext(ctx, entry[0], entry[1]).
				Scan(&updated, &published, &hash, &hashChanged)
			if err == sql.ErrNoRows {
				rv = append(rv, nil)
				continue
			}
			if err != nil {
				return err
			}

			efu := &types.EntryForUpdate{HashChanged: int(hashChanged.Int64)}
			if len(hash) > 0 {
				efu.Hash = append([]byte(nil), hash...)
			}
			if efu.Updated, err = convertTimeNull(updated); err != nil {
				return err
			}
			if efu.Published, err = convertTimeNull(published); err != nil {
				return err
			}
			rv = append(rv, efu)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// Rewriting an existing entry uses UPDATE rather than INSERT OR
// REPLACE: the REPLACE conflict resolution deletes the old row, which
// cascades to the entry's tags and bypasses the change tracker's
// update trigger. The UPDATE leaves the reader-maintained fields
// (read state, important state, tags) untouched, and preserves
// first_updated(_epoch) and recent_sort via coalesce when the intent
// does not supply them.
const updateEntrySQL = `
UPDATE entries
SET
    title = :title,
    link = :link,
    updated = :updated,
    author = :author,
    published = :published,
    summary = :summary,
    content = :content,
    enclosures = :enclosures,
    last_updated = :last_updated,
    first_updated = coalesce(:first_updated, first_updated),
    first_updated_epoch = coalesce(:first_updated_epoch, first_updated_epoch),
    feed_order = :feed_order,
    recent_sort = coalesce(:recent_sort, recent_sort),
    original_feed = NULL,
    data_hash = :data_hash,
    data_hash_changed = :data_hash_changed
WHERE id = :id AND feed = :feed_url
`

const insertEntrySQL = `
INSERT OR ABORT INTO entries (
    id,
    feed,
    title,
    link,
    updated,
    author,
    published,
    summary,
    content,
    enclosures,
    read,
    read_modified,
    important,
    important_modified,
    last_updated,
    first_updated,
    first_updated_epoch,
    feed_order,
    recent_sort,
    original_feed,
    data_hash,
    data_hash_changed,
    added_by
) VALUES (
    :id,
    :feed_url,
    :title,
    :link,
    :updated,
    :author,
    :published,
    :summary,
    :content,
    :enclosures,
    0,
    NULL,
    NULL,
    NULL,
    :last_updated,
    :first_updated,
    :first_updated_epoch,
    :feed_order,
    :recent_sort,
    NULL,
    :data_hash,
    :data_hash_changed,
    :added_by
)
`

// AddOrUpdateEntries upserts entries in chunks. It is not atomic
// across chunks: if a chunk fails, the feed is left with
// last_exception set and the next retrieval redoes the work.
func (s *Storage) AddOrUpdateEntries(ctx context.Context, intents []types.EntryUpdateIntent) error {
	for start := 0; start < len(intents); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(intents) {
			end = len(intents)
		}
		if err := s.addOrUpdateEntriesChunk(ctx, intents[start:end], false); err != nil {
			return err
		}
	}
	return nil
}

// AddEntry inserts a single entry exclusively, failing if it exists.
func (s *Storage) AddEntry(ctx context.Context, intent types.EntryUpdateIntent) error {
	return s.addOrUpdateEntriesChunk(ctx, []types.EntryUpdateIntent{intent}, true)
}

func (s *Storage) addOrUpdateEntriesChunk(ctx context.Context, intents []types.EntryUpdateIntent, exclusive bool) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range intents {
			intent := &intents[i]
			updateArgs, insertArgs, err := entryUpdateIntentArgs(intent)
			if err != nil {
				return err
			}

			if !exclusive {
				result, err := tx.ExecContext(ctx, updateEntrySQL, updateArgs...)
				if err != nil {
					return err
				}
				n, err := result.RowsAffected()
				if err != nil {
					return err
				}
				if n == 1 {
					continue
				}
			}

			if _, err := tx.ExecContext(ctx, insertEntrySQL, insertArgs...); err != nil {
				if errMsgContains(err, "foreign key constraint failed") {
					return &types.FeedNotFoundError{URL: intent.Entry.FeedURL}
				}
				if errMsgContains(err, "unique constraint failed: entries.id, entries.feed") {
					return &types.EntryExistsError{FeedURL: intent.Entry.FeedURL, ID: intent.Entry.ID}
				}
				return err
			}
		}
		return nil
	})
	return wrapError("while adding or updating entries", err)
}

// entryUpdateIntentArgs returns the named arguments for the update
// and insert statements; they differ only in added_by, which the
// update never touches.
func entryUpdateIntentArgs(intent *types.EntryUpdateIntent) (updateArgs, insertArgs []any, err error) {
	entry := &intent.Entry

	var content, enclosures any
	if len(entry.Content) > 0 {
		data, err := json.Marshal(entry.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("serialize entry content: %w", err)
		}
		content = string(data)
	}
	if len(entry.Enclosures) > 0 {
		data, err := json.Marshal(entry.Enclosures)
		if err != nil {
			return nil, nil, fmt.Errorf("serialize entry enclosures: %w", err)
		}
		enclosures = string(data)
	}

	var hashChanged any
	if intent.HashChanged != 0 {
		hashChanged = intent.HashChanged
	}

	addedBy := intent.AddedBy
	if addedBy == "" {
		addedBy = "feed"
	}

	updateArgs = []any{
		sql.Named("id", entry.ID),
		sql.Named("feed_url", entry.FeedURL),
		sql.Named("title", nullify(entry.Title)),
		sql.Named("link", nullify(entry.Link)),
		sql.Named("updated", adaptTimePtr(entry.Updated)),
		sql.Named("author", nullify(entry.Author)),
		sql.Named("published", adaptTimePtr(entry.Published)),
		sql.Named("summary", nullify(entry.Summary)),
		sql.Named("content", content),
		sql.Named("enclosures", enclosures),
		sql.Named("last_updated", adaptTime(intent.LastUpdated)),
		sql.Named("first_updated", adaptTimePtr(intent.FirstUpdated)),
		sql.Named("first_updated_epoch", adaptTimePtr(intent.FirstUpdatedEpoch)),
		sql.Named("feed_order", intent.FeedOrder),
		sql.Named("recent_sort", adaptTimePtr(intent.RecentSort)),
		sql.Named("data_hash", intent.DataHash),
		sql.Named("data_hash_changed", hashChanged),
	}
	insertArgs = append(append([]any{}, updateArgs...), sql.Named("added_by", addedBy))
	return updateArgs, insertArgs, nil
}

// DeleteEntries removes entries. If addedBy is non-empty, entries
// added by a different origin are refused. Unlike AddOrUpdateEntries,
// this is atomic.
func (s *Storage) DeleteEntries(ctx context.Context, entries [][2]string, addedBy string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, entry := range entries {
			feedURL, entryID := entry[0], entry[1]

			if addedBy != "" {
				var got string
				err := tx.QueryRowContext(
					ctx,
					"SELECT added_by FROM entries WHERE feed = ? AND id = ?",
					feedURL, entryID,
				).Scan(&got)
				if err != nil && err != sql.ErrNoRows {
					return err
				}
				if err == nil && got != addedBy {
					return &types.EntryError{
						FeedURL: feedURL,
						ID:      entryID,
						Message: fmt.Sprintf("entry must be added by %q, got %q", addedBy, got),
					}
				}
			}

			result, err := tx.ExecContext(
				ctx,
				"DELETE FROM entries WHERE feed = ? AND id = ?",
				feedURL, entryID,
			)
			if err != nil {
				return err
			}
			if err := rowcountExactlyOne(result, func() error {
				return &types.EntryNotFoundError{FeedURL: feedURL, ID: entryID}
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapError("while deleting entries", err)
}

// GetEntryRecentSort returns an entry's recency-ordering key.
func (s *Storage) GetEntryRecentSort(ctx context.Context, entry [2]string) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(
		ctx,
		"SELECT recent_sort FROM entries WHERE feed = ? AND id = ?",
		entry[0], entry[1],
	).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, &types.EntryNotFoundError{FeedURL: entry[0], ID: entry[1]}
	}
	if err != nil {
		return time.Time{}, wrapError("while getting entry recent_sort", err)
	}
	t, err := convertTime(value)
	if err != nil {
		return time.Time{}, wrapError("while getting entry recent_sort", err)
	}
	return t, nil
}

// SetEntryRecentSort sets an entry's recency-ordering key.
func (s *Storage) SetEntryRecentSort(ctx context.Context, entry [2]string, recentSort time.Time) error {
	result, err := s.db.ExecContext(
		ctx,
		"UPDATE entries SET recent_sort = ? WHERE feed = ? AND id = ?",
		adaptTime(recentSort), entry[0], entry[1],
	)
	if err != nil {
		return wrapError("while setting entry recent_sort", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.EntryNotFoundError{FeedURL: entry[0], ID: entry[1]}
	})
}
