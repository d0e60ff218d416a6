// Package types defines the data model shared by the storage, search,
// and update subsystems: feeds, entries, tags, filters, update intents,
// and the error taxonomy.
package types

import (
	"fmt"
	"time"
)

// Content is one piece of entry content.
type Content struct {
	Value    string `json:"value"`
	Type     string `json:"type,omitempty"`
	Language string `json:"language,omitempty"`
}

// Enclosure is an external file associated with an entry.
type Enclosure struct {
	Href   string `json:"href"`
	Type   string `json:"type,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// ExceptionInfo is a serializable snapshot of an error, stored on the
// feed row when the last retrieval attempt failed.
type ExceptionInfo struct {
	TypeName     string `json:"type_name"`
	ValueStr     string `json:"value_str"`
	TracebackStr string `json:"traceback_str"`
}

// NewExceptionInfo captures err into an ExceptionInfo.
func NewExceptionInfo(err error) *ExceptionInfo {
	return &ExceptionInfo{
		TypeName: fmt.Sprintf("%T", err),
		ValueStr: err.Error(),
	}
}

// Feed is a syndication resource identified by URL.
type Feed struct {
	// The URL of the feed; the feed's primary key.
	URL string

	// Fields provided by the feed.
	Updated  *time.Time
	Title    string
	Link     string
	Author   string
	Subtitle string
	Version  string

	// UserTitle is a user-provided title overriding Title.
	UserTitle string

	// Added is when the feed was added.
	Added time.Time

	// LastUpdated is when the feed was last retrieved successfully;
	// nil if it never was.
	LastUpdated *time.Time

	// LastException is set iff the last retrieval attempt failed.
	LastException *ExceptionInfo

	// UpdatesEnabled is false for feeds excluded from scheduled updates.
	UpdatesEnabled bool

	// UpdateAfter is when the feed should next be retrieved.
	UpdateAfter *time.Time
}

// ResolvedTitle returns the user title if set, the feed title otherwise.
func (f *Feed) ResolvedTitle() string {
	if f.UserTitle != "" {
		return f.UserTitle
	}
	return f.Title
}

// Entry is an item in a feed, identified by (feed URL, entry id).
type Entry struct {
	ID string

	// Fields provided by the feed.
	Updated    *time.Time
	Title      string
	Link       string
	Author     string
	Published  *time.Time
	Summary    string
	Content    []Content
	Enclosures []Enclosure

	// User state; preserved across entry rewrites.
	Read              bool
	ReadModified      *time.Time
	Important         *bool
	ImportantModified *time.Time

	// FirstUpdated is when the entry was first observed.
	FirstUpdated time.Time

	// AddedBy is the origin of the entry: "feed" or "user".
	AddedBy string

	// LastUpdated is when the entry row was last written.
	LastUpdated time.Time

	// OriginalFeedURL is the URL of the feed the entry was inherited
	// from, if the feed URL ever changed; the current URL otherwise.
	OriginalFeedURL string

	// Sequence is an opaque version token rotated by the change
	// tracker on every content-changing write. Used by the search
	// indexer to detect superseded changes.
	Sequence []byte

	// Feed is a snapshot of the entry's feed.
	Feed *Feed
}

// FeedURL returns the URL of the entry's feed.
func (e *Entry) FeedURL() string {
	if e.Feed != nil {
		return e.Feed.URL
	}
	return ""
}

// ResourceID returns the entry's (feed URL, entry id) pair.
func (e *Entry) ResourceID() ResourceID {
	return EntryResource(e.FeedURL(), e.ID)
}

// ResourceID identifies a tag resource: the global resource (empty),
// a feed (one element, the URL), or an entry (feed URL, entry id).
type ResourceID []string

// GlobalResource returns the global resource id.
func GlobalResource() ResourceID { return ResourceID{} }

// FeedResource returns the resource id of a feed.
func FeedResource(url string) ResourceID { return ResourceID{url} }

// EntryResource returns the resource id of an entry.
func EntryResource(feedURL, id string) ResourceID { return ResourceID{feedURL, id} }

func (r ResourceID) String() string {
	switch len(r) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%s)", r[0])
	default:
		return fmt.Sprintf("(%s, %s)", r[0], r[1])
	}
}

// FeedCounts is the result of counting feeds.
type FeedCounts struct {
	Total          int
	Broken         int
	UpdatesEnabled int
}

// EntryCounts is the result of counting entries. Averages holds the
// average number of entries per day over the last 1, 3, and 12 months.
type EntryCounts struct {
	Total         int
	Read          int
	Important     int
	HasEnclosures int
	Averages      [3]float64
}

// EntrySort is an ordering for entry queries.
type EntrySort string

const (
	// EntrySortRecent orders entries most-recent first, grouping
	// entries imported in the same batch together.
	EntrySortRecent EntrySort = "recent"
	// EntrySortRandom returns entries in random order.
	EntrySortRandom EntrySort = "random"
)

// FeedSort is an ordering for feed queries.
type FeedSort string

const (
	FeedSortTitle FeedSort = "title"
	FeedSortAdded FeedSort = "added"
)

// SearchSort is an ordering for search results.
type SearchSort string

const (
	SearchSortRelevant SearchSort = "relevant"
	SearchSortRecent   SearchSort = "recent"
	SearchSortRandom   SearchSort = "random"
)

// Action is the type of a change log record.
type Action int

const (
	ActionInsert Action = 1
	ActionDelete Action = 2
)

// Change is one record of the append-only change log, emitted by
// database triggers and consumed by the search indexer.
type Change struct {
	Action   Action
	Sequence []byte
	Resource ResourceID
	TagKey   string
}

// UpdateConfig is the update cadence for a feed.
type UpdateConfig struct {
	// Interval between updates, in minutes.
	Interval int `json:"interval"`
	// Jitter as a fraction of the interval, in [0, 1].
	Jitter float64 `json:"jitter"`
}

// UpdatedFeed summarizes the outcome of updating one feed.
type UpdatedFeed struct {
	URL        string
	New        int
	Modified   int
	Unmodified int
}

// UpdateResult is the outcome of updating one feed: Updated on
// success, nil Updated and nil Err if the server indicated the feed
// was not modified, Err on an expected per-feed failure.
type UpdateResult struct {
	URL     string
	Updated *UpdatedFeed
	Err     error
}

// NotModified reports whether the server indicated the feed was not
// modified.
func (r UpdateResult) NotModified() bool {
	return r.Updated == nil && r.Err == nil
}

// EntryUpdateStatus says how an entry changed during an update.
type EntryUpdateStatus string

const (
	EntryNew      EntryUpdateStatus = "new"
	EntryModified EntryUpdateStatus = "modified"
)
