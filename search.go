package feedstash

import (
	"context"
	"fmt"
)

// EnableSearch turns on full-text search, along with the change
// tracking that feeds it. The index is populated by UpdateSearch.
func (r *Reader) EnableSearch(ctx context.Context) error {
	return r.search.Enable(ctx)
}

// DisableSearch turns off full-text search and change tracking,
// dropping the index.
func (r *Reader) DisableSearch(ctx context.Context) error {
	return r.search.Disable(ctx)
}

// IsSearchEnabled reports whether search is enabled.
func (r *Reader) IsSearchEnabled(ctx context.Context) (bool, error) {
	return r.search.IsEnabled(ctx)
}

// UpdateSearch brings the search index in sync with the stored
// entries, consuming the change log. Call it periodically, typically
// after UpdateFeeds.
func (r *Reader) UpdateSearch(ctx context.Context) error {
	return r.search.Update(ctx)
}

// SearchEntries returns up to limit entries matching query, best
// matches first; limit 0 means all. The query syntax is FTS5's.
// startingAfter resumes after that (feed URL, entry id); it is
// incompatible with the random sort.
func (r *Reader) SearchEntries(
	ctx context.Context,
	query string,
	filter EntryFilter,
	sort SearchSort,
	limit int,
	startingAfter *[2]string,
) ([]EntrySearchResult, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	switch sort {
	case SearchSortRelevant, SearchSortRecent:
	case SearchSortRandom:
		if startingAfter != nil {
			return nil, fmt.Errorf("startingAfter cannot be used with the random sort")
		}
	default:
		return nil, fmt.Errorf("invalid search sort: %q", sort)
	}

	results, err := r.search.SearchEntries(ctx, query, filter, sort, limit, startingAfter)
	if err != nil {
		return nil, err
	}
	return results.All(ctx)
}

// SearchEntryCounts counts entries matching query.
func (r *Reader) SearchEntryCounts(ctx context.Context, query string, filter EntryFilter) (EntryCounts, error) {
	return r.search.SearchEntryCounts(ctx, query, r.now(), filter)
}
