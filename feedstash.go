// Package feedstash is a personal feed aggregator library: it
// ingests Atom, RSS, and JSON feeds, persists feeds and entries in a
// local SQLite database, tracks per-entry read/important state and
// tags, and provides full-text search over entry content.
//
// It is a library, not a service; embed it from a CLI, a web
// frontend, or a script. Open a Reader, add feeds, update them, and
// query entries:
//
//	r, err := feedstash.Open(ctx, "db.sqlite")
//	if err != nil { ... }
//	defer r.Close()
//
//	_ = r.AddFeed(ctx, "https://example.com/feed.xml")
//	_, _ = r.UpdateFeeds(ctx)
//
//	entries, _ := r.GetEntries(ctx, feedstash.EntryFilter{}, feedstash.EntrySortRecent, 10, nil)
//
// A Reader is not safe for concurrent use from multiple goroutines;
// open one per goroutine. Different Readers over the same database
// coordinate through SQLite's locking.
package feedstash

import (
	"github.com/feedstash/feedstash/internal/types"
)

// Core data types.
type (
	Feed              = types.Feed
	Entry             = types.Entry
	Content           = types.Content
	Enclosure         = types.Enclosure
	ExceptionInfo     = types.ExceptionInfo
	FeedCounts        = types.FeedCounts
	EntryCounts       = types.EntryCounts
	ResourceID        = types.ResourceID
	FeedData          = types.FeedData
	EntryData         = types.EntryData
	UpdateResult      = types.UpdateResult
	UpdatedFeed       = types.UpdatedFeed
	UpdateConfig      = types.UpdateConfig
	EntryUpdateStatus = types.EntryUpdateStatus
	EntrySearchResult = types.EntrySearchResult
	HighlightedString = types.HighlightedString
	Highlight         = types.Highlight
)

// Filters and sorts.
type (
	FeedFilter     = types.FeedFilter
	EntryFilter    = types.EntryFilter
	TagFilter      = types.TagFilter
	TagAtom        = types.TagAtom
	TristateFilter = types.TristateFilter
	FeedSort       = types.FeedSort
	EntrySort      = types.EntrySort
	SearchSort     = types.SearchSort
)

const (
	FeedSortTitle = types.FeedSortTitle
	FeedSortAdded = types.FeedSortAdded

	EntrySortRecent = types.EntrySortRecent
	EntrySortRandom = types.EntrySortRandom

	SearchSortRelevant = types.SearchSortRelevant
	SearchSortRecent   = types.SearchSortRecent
	SearchSortRandom   = types.SearchSortRandom

	EntryNew      = types.EntryNew
	EntryModified = types.EntryModified
)

// Resource constructors.
var (
	GlobalResource = types.GlobalResource
	FeedResource   = types.FeedResource
	EntryResource  = types.EntryResource
	TagAtomBool    = types.TagAtomBool
	TagAtomKey     = types.TagAtomKey
)

// Error taxonomy. All errors returned by this package implement
// ReaderError and support errors.As.
type (
	ReaderError                   = types.ReaderError
	UpdateError                   = types.UpdateError
	FeedError                     = types.FeedError
	FeedNotFoundError             = types.FeedNotFoundError
	FeedExistsError               = types.FeedExistsError
	EntryError                    = types.EntryError
	EntryNotFoundError            = types.EntryNotFoundError
	EntryExistsError              = types.EntryExistsError
	TagNotFoundError              = types.TagNotFoundError
	ParseError                    = types.ParseError
	StorageError                  = types.StorageError
	SearchError                   = types.SearchError
	SearchNotEnabledError         = types.SearchNotEnabledError
	InvalidSearchQueryError       = types.InvalidSearchQueryError
	ChangeTrackingNotEnabledError = types.ChangeTrackingNotEnabledError
	HookError                     = types.HookError
	InvalidPluginError            = types.InvalidPluginError
)
