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

// AddFeed creates a feed that was never retrieved.
func (s *Storage) AddFeed(ctx context.Context, url string, added time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		"INSERT INTO feeds (url, added) VALUES (?, ?)",
		url, adaptTime(added),
	)
	if err != nil {
		if errMsgContains(err, "unique constraint failed: feeds.url") {
			return &types.FeedExistsError{URL: url}
		}
		return wrapError("while adding feed", err)
	}
	return nil
}

// DeleteFeed removes a feed, cascading to its entries and tags.
func (s *Storage) DeleteFeed(ctx context.Context, url string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM feeds WHERE url = ?", url)
	if err != nil {
		return wrapError("while deleting feed", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.FeedNotFoundError{URL: url}
	})
}

// ChangeFeedURL moves a feed to a new URL, preserving entries and
// tags (via ON UPDATE CASCADE) but resetting caching and exception
// state, and recording the previous URL in the entries'
// original_feed.
func (s *Storage) ChangeFeedURL(ctx context.Context, old, new string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "UPDATE feeds SET url = ? WHERE url = ?", new, old)
		if err != nil {
			if errMsgContains(err, "unique constraint failed: feeds.url") {
				return &types.FeedExistsError{URL: new}
			}
			return err
		}
		if err := rowcountExactlyOne(result, func() error {
			return &types.FeedNotFoundError{URL: old}
		}); err != nil {
			return err
		}

		// some fields are not kept from the old feed: the new URL
		// must be retrieved from scratch
		if _, err := tx.ExecContext(ctx, `
			UPDATE feeds
			SET
			    updated = NULL,
			    version = NULL,
			    http_etag = NULL,
			    http_last_modified = NULL,
			    stale = 0,
			    last_updated = NULL,
			    last_exception = NULL,
			    update_after = NULL
			WHERE url = ?
		`, new); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE entries
			SET original_feed = (
			    SELECT coalesce(sub.original_feed, :old)
			    FROM entries AS sub
			    WHERE entries.id = sub.id AND entries.feed = sub.feed
			)
			WHERE feed = :new
		`, sql.Named("old", old), sql.Named("new", new))
		return err
	})
	return wrapError("while changing feed URL", err)
}

// GetFeeds returns feeds matching filter in the given order, as a
// paginated iterator. startingAfter is the URL of the feed to resume
// after, empty to start from the beginning.
func (s *Storage) GetFeeds(
	ctx context.Context,
	filter types.FeedFilter,
	sort types.FeedSort,
	limit int,
	startingAfter string,
) (*sqlbuilder.Paginator[*types.Feed], error) {
	var last []any
	if startingAfter != "" {
		var err error
		if last, err = s.getFeedLast(ctx, sort, startingAfter); err != nil {
			return nil, err
		}
	}

	cursorLen := 2 // both feed sorts have two keys
	return sqlbuilder.Paginated(
		s.db,
		func() (*sqlbuilder.Query, map[string]any) {
			return getFeedsQuery(filter, sort)
		},
		s.chunkSize,
		limit,
		last,
		func(rows *sql.Rows) (*types.Feed, []any, error) {
			return scanFeed(rows, cursorLen)
		},
	), nil
}

func (s *Storage) getFeedLast(ctx context.Context, sort types.FeedSort, url string) ([]any, error) {
	var keys []string
	switch sort {
	case types.FeedSortTitle:
		keys = []string{kindaTitleExpr, "url"}
	case types.FeedSortAdded:
		keys = []string{"added", "url"}
	default:
		panic(fmt.Sprintf("unknown feed sort: %q", sort))
	}

	query := sqlbuilder.New().
		Select(keys...).
		From("feeds").
		Where("url = :url")

	last := make([]any, len(keys))
	dest := make([]any, len(keys))
	for i := range last {
		dest[i] = &last[i]
	}
	err := s.db.QueryRowContext(
		ctx, query.String(), sqlbuilder.NamedArgs(map[string]any{"url": url})...,
	).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, &types.FeedNotFoundError{URL: url}
	}
	if err != nil {
		return nil, wrapError("while getting feed cursor", err)
	}
	return last, nil
}

// GetFeed returns a single feed.
func (s *Storage) GetFeed(ctx context.Context, url string) (*types.Feed, error) {
	p, err := s.GetFeeds(ctx, types.FeedFilter{URL: url}, types.FeedSortTitle, 1, "")
	if err != nil {
		return nil, err
	}
	feeds, err := p.All(ctx)
	if err != nil {
		return nil, wrapError("while getting feed", err)
	}
	if len(feeds) == 0 {
		return nil, &types.FeedNotFoundError{URL: url}
	}
	return feeds[0], nil
}

// GetFeedCounts counts feeds matching filter.
func (s *Storage) GetFeedCounts(ctx context.Context, filter types.FeedFilter) (types.FeedCounts, error) {
	query := sqlbuilder.New().
		Select(
			"count(*)",
			"coalesce(sum(last_exception IS NOT NULL), 0)",
			"coalesce(sum(updates_enabled = 1), 0)",
		).
		From("feeds")

	context := feedFilter(query, filter)

	var counts types.FeedCounts
	err := s.db.QueryRowContext(ctx, query.String(), sqlbuilder.NamedArgs(context)...).
		Scan(&counts.Total, &counts.Broken, &counts.UpdatesEnabled)
	if err != nil {
		return types.FeedCounts{}, wrapError("while counting feeds", err)
	}
	return counts, nil
}

// SetFeedUserTitle sets or clears the user-provided title.
func (s *Storage) SetFeedUserTitle(ctx context.Context, url, title string) error {
	result, err := s.db.ExecContext(
		ctx,
		"UPDATE feeds SET user_title = ? WHERE url = ?",
		nullify(title), url,
	)
	if err != nil {
		return wrapError("while setting feed user title", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.FeedNotFoundError{URL: url}
	})
}

// SetFeedUpdatesEnabled includes or excludes the feed from scheduled
// updates.
func (s *Storage) SetFeedUpdatesEnabled(ctx context.Context, url string, enabled bool) error {
	result, err := s.db.ExecContext(
		ctx,
		"UPDATE feeds SET updates_enabled = ? WHERE url = ?",
		boolToInt(enabled), url,
	)
	if err != nil {
		return wrapError("while setting feed updates_enabled", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.FeedNotFoundError{URL: url}
	})
}

// SetFeedStale flags the feed so the next update rewrites every
// entry regardless of hash or updated comparisons.
func (s *Storage) SetFeedStale(ctx context.Context, url string, stale bool) error {
	result, err := s.db.ExecContext(
		ctx,
		"UPDATE feeds SET stale = ? WHERE url = ?",
		boolToInt(stale), url,
	)
	if err != nil {
		return wrapError("while setting feed stale", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.FeedNotFoundError{URL: url}
	})
}

// GetFeedsForUpdate returns update-relevant information about the
// feeds matching filter, ordered by URL.
func (s *Storage) GetFeedsForUpdate(ctx context.Context, filter types.FeedFilter) ([]types.FeedForUpdate, error) {
	makeQuery := func() (*sqlbuilder.Query, map[string]any) {
		query := sqlbuilder.New().
			Select(
				"url",
				"updated",
				"http_etag",
				"http_last_modified",
				"stale",
				"last_updated",
			).
			SelectAs("last_exception IS NOT NULL", "last_exception").
			Select("data_hash").
			From("feeds").
			ScrollingWindowOrderBy("WHERE", false, "url")
		context := feedFilter(query, filter)
		return query, context
	}

	scan := func(rows *sql.Rows) (types.FeedForUpdate, []any, error) {
		var (
			url           string
			updated       sql.NullString
			etag          sql.NullString
			lastModified  sql.NullString
			stale         int
			lastUpdated   sql.NullString
			lastException int
			hash          []byte
		)
		err := rows.Scan(
			&url, &updated, &etag, &lastModified, &stale,
			&lastUpdated, &lastException, &hash,
		)
		if err != nil {
			return types.FeedForUpdate{}, nil, err
		}

		feed := types.FeedForUpdate{
			URL: url,
			Caching: types.CachingInfo{
				ETag:         etag.String,
				LastModified: lastModified.String,
			},
			Stale:         stale == 1,
			LastException: lastException == 1,
		}
		if len(hash) > 0 {
			feed.Hash = append([]byte(nil), hash...)
		}
		if feed.Updated, err = convertTimeNull(updated); err != nil {
			return types.FeedForUpdate{}, nil, err
		}
		if feed.LastUpdated, err = convertTimeNull(lastUpdated); err != nil {
			return types.FeedForUpdate{}, nil, err
		}
		// url is the only sort key, and it is already selected
		return feed, []any{url}, nil
	}

	feeds, err := sqlbuilder.Paginated(s.db, makeQuery, s.chunkSize, 0, nil, scan).All(ctx)
	if err != nil {
		return nil, wrapError("while getting feeds for update", err)
	}
	return feeds, nil
}

// UpdateFeed applies a FeedUpdateIntent; see the intent's
// documentation for the three modes.
func (s *Storage) UpdateFeed(ctx context.Context, intent types.FeedUpdateIntent) error {
	switch {
	case intent.Feed != nil:
		if intent.LastException != nil {
			panic("last_exception must be nil if feed is set")
		}
		return s.updateFeedFull(ctx, intent)

	case intent.LastException == nil:
		if intent.Caching != (types.CachingInfo{}) {
			panic("caching info must be empty if feed is nil")
		}
		if intent.LastUpdated == nil {
			panic("last_updated must be set if last_exception is nil")
		}
		return s.updateFeedLastUpdated(ctx, intent)

	default:
		if intent.LastUpdated != nil {
			panic("last_updated must not be set if last_exception is set")
		}
		return s.updateFeedLastException(ctx, intent)
	}
}

func (s *Storage) updateFeedFull(ctx context.Context, intent types.FeedUpdateIntent) error {
	feed := intent.Feed
	if feed.URL != intent.URL {
		panic("updating feed URL not supported")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET
		    title = ?,
		    link = ?,
		    updated = ?,
		    author = ?,
		    subtitle = ?,
		    version = ?,
		    http_etag = ?,
		    http_last_modified = ?,
		    data_hash = ?,
		    stale = 0,
		    last_updated = ?,
		    last_exception = NULL,
		    update_after = ?
		WHERE url = ?
	`,
		nullify(feed.Title),
		nullify(feed.Link),
		adaptTimePtr(feed.Updated),
		nullify(feed.Author),
		nullify(feed.Subtitle),
		nullify(feed.Version),
		nullify(intent.Caching.ETag),
		nullify(intent.Caching.LastModified),
		intent.DataHash,
		adaptTimePtr(intent.LastUpdated),
		adaptTimePtr(intent.UpdateAfter),
		intent.URL,
	)
	if err != nil {
		return wrapError("while updating feed", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.FeedNotFoundError{URL: intent.URL}
	})
}

func (s *Storage) updateFeedLastUpdated(ctx context.Context, intent types.FeedUpdateIntent) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET
		    last_updated = ?,
		    last_exception = NULL,
		    update_after = ?
		WHERE url = ?
	`,
		adaptTimePtr(intent.LastUpdated),
		adaptTimePtr(intent.UpdateAfter),
		intent.URL,
	)
	if err != nil {
		return wrapError("while updating feed", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.FeedNotFoundError{URL: intent.URL}
	})
}

func (s *Storage) updateFeedLastException(ctx context.Context, intent types.FeedUpdateIntent) error {
	lastException, err := json.Marshal(intent.LastException)
	if err != nil {
		return fmt.Errorf("serialize last_exception: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET
		    last_exception = ?,
		    update_after = ?
		WHERE url = ?
	`,
		string(lastException),
		adaptTimePtr(intent.UpdateAfter),
		intent.URL,
	)
	if err != nil {
		return wrapError("while updating feed", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.FeedNotFoundError{URL: intent.URL}
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
