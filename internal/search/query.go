package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/feedstash/feedstash/internal/sqlbuilder"
	"github.com/feedstash/feedstash/internal/storage"
	"github.com/feedstash/feedstash/internal/types"
)

// snippetTokens is the snippet length in tokens: 255 letters at an
// average of 4.7 letters per English word.
const snippetTokens = 54

const markerChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// makeMarker returns a random marker wrapped into before/after
// delimiters for snippet highlighting. The marker is per query, so
// indexed text cannot collide with it.
func makeMarker() (before, after string) {
	b := make([]byte, 20)
	for i := range b {
		b[i] = markerChars[rand.Intn(len(markerChars))]
	}
	marker := string(b)
	return ">>>" + marker + ">>>", "<<<" + marker + "<<<"
}

// Results iterates over search results, mapping driver errors onto
// the search error taxonomy.
type Results struct {
	p *sqlbuilder.Paginator[types.EntrySearchResult]
}

func (r *Results) Next(ctx context.Context) bool       { return r.p.Next(ctx) }
func (r *Results) Value() types.EntrySearchResult      { return r.p.Value() }
func (r *Results) Err() error                          { return mapQueryError("while searching", r.p.Err()) }
func (r *Results) All(ctx context.Context) ([]types.EntrySearchResult, error) {
	rv, err := r.p.All(ctx)
	if err != nil {
		return nil, mapQueryError("while searching", err)
	}
	return rv, nil
}

// SearchEntries returns entries matching query, filtered and sorted,
// as a paginated iterator. startingAfter is incompatible with the
// random sort.
func (s *Search) SearchEntries(
	ctx context.Context,
	query string,
	filter types.EntryFilter,
	sort types.SearchSort,
	limit int,
	startingAfter *[2]string,
) (*Results, error) {
	before, after := makeMarker()

	makeQuery := func() (*sqlbuilder.Query, map[string]any) {
		sqlQuery, context := makeSearchEntriesQuery(filter, sort)
		context["query"] = query
		context["before"] = before
		context["after"] = after
		context["tokens"] = snippetTokens
		return sqlQuery, context
	}

	cursorLen := 0
	switch sort {
	case types.SearchSortRelevant:
		cursorLen = 3
	case types.SearchSortRecent:
		cursorLen = 6
	}

	scan := func(rows *sql.Rows) (types.EntrySearchResult, []any, error) {
		return scanSearchResult(rows, cursorLen, before, after)
	}

	if sort == types.SearchSortRandom {
		if startingAfter != nil {
			panic("startingAfter not supported with the random sort")
		}
		chunkSize := s.storage.ChunkSize()
		if limit <= 0 || limit > chunkSize {
			limit = chunkSize
		}
		return &Results{sqlbuilder.Paginated(s.db(), makeQuery, chunkSize, limit, nil, scan)}, nil
	}

	var last []any
	if startingAfter != nil {
		var err error
		switch sort {
		case types.SearchSortRelevant:
			last, err = s.searchEntryLast(ctx, query, *startingAfter)
		case types.SearchSortRecent:
			last, err = s.storage.GetEntryLast(ctx, types.EntrySortRecent, *startingAfter)
		}
		if err != nil {
			return nil, err
		}
	}

	return &Results{
		sqlbuilder.Paginated(s.db(), makeQuery, s.storage.ChunkSize(), limit, last, scan),
	}, nil
}

func (s *Search) searchEntryLast(ctx context.Context, query string, entry [2]string) ([]any, error) {
	sqlQuery := sqlbuilder.New().
		Select("min(rank)", "_feed", "_id").
		From("entries_search").
		Where("entries_search MATCH :query").
		Where("_feed = :feed AND _id = :id").
		GroupBy("_feed", "_id")

	last := make([]any, 3)
	dest := make([]any, 3)
	for i := range last {
		dest[i] = &last[i]
	}
	err := s.db().QueryRowContext(
		ctx,
		sqlQuery.String(),
		sqlbuilder.NamedArgs(map[string]any{
			"query": query, "feed": entry[0], "id": entry[1],
		})...,
	).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, &types.EntryNotFoundError{FeedURL: entry[0], ID: entry[1]}
	}
	if err != nil {
		return nil, mapQueryError("while searching", err)
	}
	// the scroll keys are (rank, _feed, _id), in that order
	return last, nil
}

// SearchEntryCounts counts entries matching query, including average
// matches per day over the last 1, 3, and 12 months.
func (s *Search) SearchEntryCounts(
	ctx context.Context,
	query string,
	now time.Time,
	filter types.EntryFilter,
) (types.EntryCounts, error) {
	counts, err := s.storage.GetEntryCountsThrough(ctx, now, filter, `
		SELECT _id, _feed
		FROM entries_search
		WHERE entries_search MATCH :query
		GROUP BY _id, _feed`, map[string]any{"query": query})
	if err != nil {
		return types.EntryCounts{}, mapQueryError("while counting search results", err)
	}
	return counts, nil
}

func makeSearchEntriesQuery(filter types.EntryFilter, sort types.SearchSort) (*sqlbuilder.Query, map[string]any) {
	search := sqlbuilder.New().
		Select(`
			_id,
			_feed,
			rank,
			snippet(entries_search, 0, :before, :after, '...', :tokens) AS title,
			snippet(entries_search, 2, :before, :after, '...', :tokens) AS feed,
			_is_feed_user_title AS is_feed_user_title,
			json_object(
			    'path', _content_path,
			    'value', snippet(entries_search, 1, :before, :after, '...', :tokens),
			    'rank', rank
			) AS content`).
		From("entries_search").
		Join("entries ON (entries.id, entries.feed) = (_id, _feed)").
		Where("entries_search MATCH :query").
		OrderBy("rank").
		// prevent subquery flattening, so snippet() is evaluated
		// once per matching row (optimization rule 14,
		// https://www.sqlite.org/optoverview.html#subquery_flattening)
		Limit("-1 OFFSET 0")

	context := searchEntryFilter(search, filter)

	query := sqlbuilder.New().
		With("search", search.String()).
		Select(
			"search._id",
			"search._feed",
		).
		SelectAs("min(search.rank)", "rank").
		Select(
			"search.title",
			"search.feed",
			"search.is_feed_user_title",
			"json_group_array(json(search.content))",
		).
		From("search").
		GroupBy("search._id", "search._feed")

	// the cursor columns are selected again at the end, in scroll-key
	// order, so scanSearchResult can extract the cursor positionally
	switch sort {
	case types.SearchSortRelevant:
		query.Select("min(search.rank)", "search._feed", "search._id")
		query.ScrollingWindowOrderBy("HAVING", false, "rank", "search._feed", "search._id")
	case types.SearchSortRecent:
		searchRecentSort(query)
	case types.SearchSortRandom:
		query.OrderBy("random()")
	default:
		panic(fmt.Sprintf("unknown search sort: %q", sort))
	}

	return query, context
}

// searchRecentSort applies the entry recent ordering to the search
// aggregate, joining the recency keys through the match set.
func searchRecentSort(query *sqlbuilder.Query) {
	query.With("ids", `
		SELECT
		    feed,
		    id,
		    last_updated,
		    recent_sort,
		    coalesce(published, updated, first_updated) AS kinda_published,
		    - feed_order AS negative_feed_order
		FROM entries
		ORDER BY
		    recent_sort DESC,
		    kinda_published DESC,
		    feed DESC,
		    last_updated DESC,
		    negative_feed_order DESC,
		    id DESC`)
	query.Join("ids ON (ids.id, ids.feed) = (search._id, search._feed)")

	keys := []string{
		"ids.recent_sort",
		"ids.kinda_published",
		"ids.feed",
		"ids.last_updated",
		"ids.negative_feed_order",
		"ids.id",
	}
	query.Select(keys...)
	query.ScrollingWindowOrderBy("HAVING", true, keys...)
}

// searchEntryFilter is the storage entry filter applied to the search
// subquery: the subquery joins entries, so the same conditions apply.
func searchEntryFilter(query *sqlbuilder.Query, filter types.EntryFilter) map[string]any {
	return storage.ApplyEntryFilter(query, filter, "WHERE")
}

type contentFragment struct {
	Path  string  `json:"path"`
	Value string  `json:"value"`
	Rank  float64 `json:"rank"`
}

func scanSearchResult(rows *sql.Rows, cursorLen int, before, after string) (types.EntrySearchResult, []any, error) {
	var (
		id              string
		feedURL         string
		rank            float64
		title           sql.NullString
		feedTitle       sql.NullString
		isFeedUserTitle int
		content         string
	)

	dest := []any{&id, &feedURL, &rank, &title, &feedTitle, &isFeedUserTitle, &content}
	cursor := make([]any, cursorLen)
	for i := range cursor {
		dest = append(dest, &cursor[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return types.EntrySearchResult{}, nil, err
	}
	for i := range cursor {
		cursor[i] = *(dest[7+i].(*any))
	}

	result := types.EntrySearchResult{
		FeedURL:  feedURL,
		ID:       id,
		Metadata: map[string]types.HighlightedString{},
		Content:  map[string]types.HighlightedString{},
	}

	if title.Valid && title.String != "" {
		hs, err := types.ExtractHighlights(title.String, before, after)
		if err != nil {
			return types.EntrySearchResult{}, nil, err
		}
		result.Metadata[".title"] = hs
	}
	if feedTitle.Valid && feedTitle.String != "" {
		path := ".feed.title"
		if isFeedUserTitle == 1 {
			path = ".feed.user_title"
		}
		hs, err := types.ExtractHighlights(feedTitle.String, before, after)
		if err != nil {
			return types.EntrySearchResult{}, nil, err
		}
		result.Metadata[path] = hs
	}

	var fragments []contentFragment
	if err := json.Unmarshal([]byte(content), &fragments); err != nil {
		return types.EntrySearchResult{}, nil, fmt.Errorf("invalid search content: %w", err)
	}
	for _, fragment := range fragments {
		if fragment.Path == "" {
			continue
		}
		hs, err := types.ExtractHighlights(fragment.Value, before, after)
		if err != nil {
			return types.EntrySearchResult{}, nil, err
		}
		result.Content[fragment.Path] = hs
	}

	return result, cursor, nil
}
