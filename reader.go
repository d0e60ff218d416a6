package feedstash

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/feedstash/feedstash/internal/parser"
	"github.com/feedstash/feedstash/internal/search"
	"github.com/feedstash/feedstash/internal/storage"
	"github.com/feedstash/feedstash/internal/types"
	"github.com/feedstash/feedstash/internal/update"
)

// FeedParser retrieves and parses feeds for the update pipeline.
// The bundled implementation handles http(s) and local-file URLs and
// parses with gofeed; replace it with WithParser.
type FeedParser interface {
	// ProcessFeedForUpdate normalizes the feed before retrieval
	// (caching tokens, URL). May fail with a ParseError.
	ProcessFeedForUpdate(ctx context.Context, feed types.FeedForUpdate) (types.FeedForUpdate, error)

	// RetrieveAndParse retrieves and parses the feed. A nil
	// ParsedFeed with a nil error means the server indicated the
	// feed was not modified.
	RetrieveAndParse(ctx context.Context, feed types.FeedForUpdate) (*types.ParsedFeed, *types.HTTPInfo, error)

	// ProcessEntryPairs lets the parser filter or annotate entry
	// pairs before the update decisions.
	ProcessEntryPairs(ctx context.Context, feedURL, mimeType string, pairs []types.EntryPair) ([]types.EntryPair, error)
}

// Parser-facing types.
type (
	ParsedFeed     = types.ParsedFeed
	CachingInfo    = types.CachingInfo
	HTTPInfo       = types.HTTPInfo
	FeedForUpdate  = types.FeedForUpdate
	EntryForUpdate = types.EntryForUpdate
	EntryPair      = types.EntryPair
)

// Reader is the user-facing handle: it owns the storage, the search
// provider, a parser, and the hook registry.
type Reader struct {
	storage *storage.Storage
	search  *search.Search
	parser  FeedParser

	hooks             update.Hooks
	beforeFeedsUpdate []func(ctx context.Context) error
	afterFeedsUpdate  []func(ctx context.Context) error

	scheme  NameScheme
	log     *slog.Logger
	now     func() time.Time
	rand    func() float64
	workers int
	plugins []Plugin
}

// Option configures Open.
type Option func(*Reader) error

// Plugin is applied to the Reader at Open time, after everything
// else is set up; typically it registers hooks.
type Plugin func(*Reader) error

// WithParser replaces the bundled feed parser.
func WithParser(p FeedParser) Option {
	return func(r *Reader) error {
		r.parser = p
		return nil
	}
}

// WithHTTPClient makes the bundled parser use client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reader) error {
		r.parser = parser.New(client)
		return nil
	}
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reader) error {
		r.log = log
		return nil
	}
}

// WithUpdateWorkers bounds concurrent feed retrievals during
// updates; 1 otherwise.
func WithUpdateWorkers(n int) Option {
	return func(r *Reader) error {
		if n < 1 {
			return fmt.Errorf("update workers must be >= 1, got %d", n)
		}
		r.workers = n
		return nil
	}
}

// WithReservedNameScheme overrides the reserved tag name scheme.
func WithReservedNameScheme(scheme NameScheme) Option {
	return func(r *Reader) error {
		if err := scheme.validate(); err != nil {
			return err
		}
		r.scheme = scheme
		return nil
	}
}

// WithPlugins applies plugins once the Reader is fully set up.
func WithPlugins(plugins ...Plugin) Option {
	return func(r *Reader) error {
		for _, plugin := range plugins {
			if plugin == nil {
				return &InvalidPluginError{Message: "nil plugin"}
			}
			r.plugins = append(r.plugins, plugin)
		}
		return nil
	}
}

// withNow and withRand exist for tests.
func withNow(now func() time.Time) Option {
	return func(r *Reader) error {
		r.now = now
		return nil
	}
}

func withRand(randFloat func() float64) Option {
	return func(r *Reader) error {
		r.rand = randFloat
		return nil
	}
}

// Open opens (creating or migrating as needed) the database at path
// plus its sibling search database at path + ".search". An empty
// path or ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Reader, error) {
	st, err := storage.Open(ctx, path, storage.Options{})
	if err != nil {
		return nil, err
	}

	r := &Reader{
		storage: st,
		scheme:  DefaultNameScheme,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		rand:    rand.Float64,
		workers: 1,
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	if r.parser == nil {
		r.parser = parser.New(nil)
	}

	r.search, err = search.New(ctx, st, r.log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// plugins run last, with everything already in place
	for _, plugin := range r.plugins {
		if err := plugin(r); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	return r, nil
}

// Close releases the databases. The Reader is unusable afterwards.
func (r *Reader) Close() error {
	return r.storage.Close()
}

// feeds

// AddFeed adds a feed that will be retrieved on the next update.
func (r *Reader) AddFeed(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("feed URL must not be empty")
	}
	return r.storage.AddFeed(ctx, url, r.now())
}

// DeleteFeed removes a feed and all of its entries and tags.
func (r *Reader) DeleteFeed(ctx context.Context, url string) error {
	return r.storage.DeleteFeed(ctx, url)
}

// ChangeFeedURL moves a feed to a new URL, keeping entries, tags,
// and user state; retrieval state is reset so the new URL is fetched
// from scratch.
func (r *Reader) ChangeFeedURL(ctx context.Context, old, new string) error {
	if old == new {
		return fmt.Errorf("old and new feed URLs are the same: %q", old)
	}
	if new == "" {
		return fmt.Errorf("feed URL must not be empty")
	}
	return r.storage.ChangeFeedURL(ctx, old, new)
}

// GetFeed returns a single feed.
func (r *Reader) GetFeed(ctx context.Context, url string) (*Feed, error) {
	return r.storage.GetFeed(ctx, url)
}

// GetFeeds returns up to limit feeds matching filter, in the given
// order; limit 0 means all. startingAfter resumes after the feed
// with that URL.
func (r *Reader) GetFeeds(
	ctx context.Context,
	filter FeedFilter,
	sort FeedSort,
	limit int,
	startingAfter string,
) ([]*Feed, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	switch sort {
	case FeedSortTitle, FeedSortAdded:
	default:
		return nil, fmt.Errorf("invalid feed sort: %q", sort)
	}
	p, err := r.storage.GetFeeds(ctx, filter, sort, limit, startingAfter)
	if err != nil {
		return nil, err
	}
	return p.All(ctx)
}

// GetFeedCounts counts feeds matching filter.
func (r *Reader) GetFeedCounts(ctx context.Context, filter FeedFilter) (FeedCounts, error) {
	return r.storage.GetFeedCounts(ctx, filter)
}

// SetFeedUserTitle sets (or clears, with "") the user-provided feed
// title, which takes precedence over the feed-provided one.
func (r *Reader) SetFeedUserTitle(ctx context.Context, url, title string) error {
	return r.storage.SetFeedUserTitle(ctx, url, title)
}

// EnableFeedUpdates includes the feed in scheduled updates.
func (r *Reader) EnableFeedUpdates(ctx context.Context, url string) error {
	return r.storage.SetFeedUpdatesEnabled(ctx, url, true)
}

// DisableFeedUpdates excludes the feed from scheduled updates.
func (r *Reader) DisableFeedUpdates(ctx context.Context, url string) error {
	return r.storage.SetFeedUpdatesEnabled(ctx, url, false)
}

// SetFeedStale forces the next update to rewrite every entry of the
// feed, regardless of hash or updated comparisons.
func (r *Reader) SetFeedStale(ctx context.Context, url string, stale bool) error {
	return r.storage.SetFeedStale(ctx, url, stale)
}

// entries

// GetEntry returns a single entry.
func (r *Reader) GetEntry(ctx context.Context, feedURL, id string) (*Entry, error) {
	return r.storage.GetEntry(ctx, feedURL, id)
}

// GetEntries returns up to limit entries matching filter, in the
// given order; limit 0 means all. startingAfter resumes after that
// (feed URL, entry id); it is incompatible with the random sort.
func (r *Reader) GetEntries(
	ctx context.Context,
	filter EntryFilter,
	sort EntrySort,
	limit int,
	startingAfter *[2]string,
) ([]*Entry, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	switch sort {
	case EntrySortRecent:
	case EntrySortRandom:
		if startingAfter != nil {
			return nil, fmt.Errorf("startingAfter cannot be used with the random sort")
		}
	default:
		return nil, fmt.Errorf("invalid entry sort: %q", sort)
	}
	p, err := r.storage.GetEntries(ctx, filter, sort, limit, startingAfter)
	if err != nil {
		return nil, err
	}
	return p.All(ctx)
}

// GetEntryCounts counts entries matching filter.
func (r *Reader) GetEntryCounts(ctx context.Context, filter EntryFilter) (EntryCounts, error) {
	return r.storage.GetEntryCounts(ctx, r.now(), filter)
}

// MarkEntryAsRead marks an entry as read.
func (r *Reader) MarkEntryAsRead(ctx context.Context, entry [2]string) error {
	return r.SetEntryRead(ctx, entry, true)
}

// MarkEntryAsUnread marks an entry as unread.
func (r *Reader) MarkEntryAsUnread(ctx context.Context, entry [2]string) error {
	return r.SetEntryRead(ctx, entry, false)
}

// SetEntryRead sets the entry's read flag, stamping read_modified
// with the current time.
func (r *Reader) SetEntryRead(ctx context.Context, entry [2]string, read bool) error {
	now := r.now()
	return r.storage.SetEntryRead(ctx, entry, read, &now)
}

// SetEntryImportant sets the entry's tri-state important flag (nil
// means unset), stamping important_modified with the current time.
func (r *Reader) SetEntryImportant(ctx context.Context, entry [2]string, important *bool) error {
	now := r.now()
	return r.storage.SetEntryImportant(ctx, entry, important, &now)
}

// MarkEntryAsImportant marks an entry as important.
func (r *Reader) MarkEntryAsImportant(ctx context.Context, entry [2]string) error {
	important := true
	return r.SetEntryImportant(ctx, entry, &important)
}

// MarkEntryAsUnimportant explicitly marks an entry as not important.
func (r *Reader) MarkEntryAsUnimportant(ctx context.Context, entry [2]string) error {
	important := false
	return r.SetEntryImportant(ctx, entry, &important)
}

// AddEntry adds a user-provided entry to an existing feed. Entries
// added this way have added_by "user" and can only be deleted with
// DeleteEntry.
func (r *Reader) AddEntry(ctx context.Context, entry EntryData) error {
	if entry.FeedURL == "" || entry.ID == "" {
		return fmt.Errorf("entry feed URL and id must not be empty")
	}

	now := r.now()
	recentSort := now
	switch {
	case entry.Published != nil:
		recentSort = *entry.Published
	case entry.Updated != nil:
		recentSort = *entry.Updated
	}

	intent := types.EntryUpdateIntent{
		Entry:             entry,
		LastUpdated:       now,
		FirstUpdated:      &now,
		FirstUpdatedEpoch: &now,
		RecentSort:        &recentSort,
		AddedBy:           "user",
	}
	return r.storage.AddEntry(ctx, intent)
}

// DeleteEntry removes an entry previously added with AddEntry.
func (r *Reader) DeleteEntry(ctx context.Context, entry [2]string) error {
	return r.storage.DeleteEntries(ctx, [][2]string{entry}, "user")
}

// tags

// Tag is one (key, value) pair attached to a resource; the value is
// an arbitrary JSON-decoded value.
type Tag struct {
	Key   string
	Value any
}

// GetTags returns the tags of a resource, optionally filtered by
// key (empty for all). A nil resource returns the distinct keys
// across all resources, with nil values.
func (r *Reader) GetTags(ctx context.Context, resource ResourceID, key string) ([]Tag, error) {
	raw, err := r.storage.GetTags(ctx, resource, key).All(ctx)
	if err != nil {
		return nil, err
	}
	rv := make([]Tag, 0, len(raw))
	for _, tag := range raw {
		var value any
		if err := json.Unmarshal(tag.Value, &value); err != nil {
			return nil, fmt.Errorf("invalid tag value for %q: %w", tag.Key, err)
		}
		rv = append(rv, Tag{Key: tag.Key, Value: value})
	}
	return rv, nil
}

// GetTag returns the value of a single tag, or TagNotFoundError.
func (r *Reader) GetTag(ctx context.Context, resource ResourceID, key string) (any, error) {
	raw, err := r.storage.GetTag(ctx, resource, key)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("invalid tag value for %q: %w", key, err)
	}
	return value, nil
}

// SetTag sets a tag. With no value, any existing value is preserved,
// defaulting to nil; with one value, the tag is set to it. The value
// must be JSON-serializable.
func (r *Reader) SetTag(ctx context.Context, resource ResourceID, key string, value ...any) error {
	switch len(value) {
	case 0:
		return r.storage.SetTag(ctx, resource, key, nil)
	case 1:
		raw, err := json.Marshal(value[0])
		if err != nil {
			return fmt.Errorf("tag value must be JSON-serializable: %w", err)
		}
		return r.storage.SetTag(ctx, resource, key, raw)
	default:
		return fmt.Errorf("SetTag takes at most one value, got %d", len(value))
	}
}

// DeleteTag removes a tag, or fails with TagNotFoundError.
func (r *Reader) DeleteTag(ctx context.Context, resource ResourceID, key string) error {
	return r.storage.DeleteTag(ctx, resource, key)
}

func validateLimit(limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", limit)
	}
	return nil
}
