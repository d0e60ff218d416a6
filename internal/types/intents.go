package types

import "time"

// FeedData is feed data that comes from the feed, a subset of Feed.
type FeedData struct {
	URL      string
	Updated  *time.Time
	Title    string
	Link     string
	Author   string
	Subtitle string
	Version  string
}

// EntryData is entry data that comes from the feed, a subset of Entry.
type EntryData struct {
	FeedURL    string
	ID         string
	Updated    *time.Time
	Title      string
	Link       string
	Author     string
	Published  *time.Time
	Summary    string
	Content    []Content
	Enclosures []Enclosure
}

// ResourceID returns the entry's (feed URL, entry id) pair.
func (e *EntryData) ResourceID() ResourceID {
	return EntryResource(e.FeedURL, e.ID)
}

// CachingInfo holds the HTTP caching tokens for a feed.
type CachingInfo struct {
	ETag         string
	LastModified string
}

// HTTPInfo is protocol-level detail about the last retrieval.
type HTTPInfo struct {
	Status int
	// RetryAfter is the server-requested retry time, if any; set from
	// a Retry-After header on 429/503 responses.
	RetryAfter      time.Duration
	RetryAfterTime  *time.Time
}

// ParsedFeed is the result of retrieving and parsing a feed.
type ParsedFeed struct {
	Feed     FeedData
	Entries  []EntryData
	Caching  CachingInfo
	MIMEType string
}

// FeedForUpdate is update-relevant information about an existing feed,
// from storage.
type FeedForUpdate struct {
	URL string

	// Updated is when the feed says it was last updated.
	Updated *time.Time

	Caching CachingInfo

	// Stale means the next update must rewrite all entries,
	// regardless of hash or updated comparisons.
	Stale bool

	// LastUpdated is when the feed was last retrieved successfully;
	// nil if it never was.
	LastUpdated *time.Time

	// LastException is whether the last retrieval attempt failed.
	LastException bool

	// Hash of the stored feed data.
	Hash []byte
}

// EntryForUpdate is update-relevant information about an existing
// entry, from storage.
type EntryForUpdate struct {
	// Updated is when the entry says it was last updated.
	Updated *time.Time

	// Published is when the entry says it was published.
	Published *time.Time

	// Hash of the stored entry data.
	Hash []byte

	// HashChanged is the number of updates due only to Hash changing
	// since Updated last changed.
	HashChanged int
}

// EntryPair is an incoming entry paired with its stored counterpart,
// nil if the entry is new.
type EntryPair struct {
	New EntryData
	Old *EntryForUpdate
}

// FeedUpdateIntent is data to be passed to storage when updating a
// feed. Exactly one of three modes applies:
//
//   - full: Feed set, LastException nil; rewrites the feed-provided
//     fields, caching info and hash, clears stale and the exception,
//     sets LastUpdated
//   - last-updated only: Feed nil, caching empty, LastException nil;
//     sets LastUpdated, clears the exception
//   - exception: only LastException set; records it, leaving
//     LastUpdated unchanged
//
// UpdateAfter is written in every mode.
type FeedUpdateIntent struct {
	URL         string
	LastUpdated *time.Time

	Feed     *FeedData
	Caching  CachingInfo
	DataHash []byte

	LastException *ExceptionInfo

	UpdateAfter *time.Time
}

// EntryUpdateIntent is data to be passed to storage when updating an
// entry.
type EntryUpdateIntent struct {
	Entry EntryData

	// LastUpdated is the time at the start of updating this feed.
	LastUpdated time.Time

	// FirstUpdated is the time the entry was first observed; nil for
	// existing entries (the stored value is preserved).
	FirstUpdated *time.Time

	// FirstUpdatedEpoch is the time at the start of updating this
	// batch of feeds; nil for existing entries.
	FirstUpdatedEpoch *time.Time

	// RecentSort is the recency-ordering key; nil for existing
	// entries (the stored value is preserved).
	RecentSort *time.Time

	// FeedOrder is the entry's position in the last parse of the
	// feed; the feed's first-listed entry has the highest order.
	FeedOrder int

	// HashChanged is the new value for the entry's hash-change
	// counter.
	HashChanged int

	DataHash []byte

	// AddedBy is the origin of the entry: "feed" or "user".
	AddedBy string
}

// New reports whether the intent creates the entry.
func (i *EntryUpdateIntent) New() bool {
	return i.FirstUpdatedEpoch != nil
}
