package update

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedstash/feedstash/internal/hashutil"
	"github.com/feedstash/feedstash/internal/types"
)

func utc(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

func utcPtr(y int, m time.Month, d, hh, mm int) *time.Time {
	t := utc(y, m, d, hh, mm, 0)
	return &t
}

func newDecider(old types.FeedForUpdate) *Decider {
	return &Decider{
		OldFeed:   old,
		Now:       utc(2010, 1, 1, 12, 0, 0),
		GlobalNow: utc(2010, 1, 1, 12, 0, 0),
		Config:    DefaultConfig,
	}
}

func parsed(feed types.FeedData, entries ...types.EntryData) *types.ParsedFeed {
	return &types.ParsedFeed{Feed: feed, Entries: entries}
}

func pairsOf(entries ...types.EntryData) []types.EntryPair {
	rv := make([]types.EntryPair, 0, len(entries))
	for _, e := range entries {
		rv = append(rv, types.EntryPair{New: e})
	}
	return rv
}

func TestNextUpdateAfter(t *testing.T) {
	// intervals align on boundaries anchored at a Monday epoch
	config := types.UpdateConfig{Interval: 60}

	got := NextUpdateAfter(utc(2010, 1, 1, 12, 34, 0), config, nil)
	assert.Equal(t, utc(2010, 1, 1, 13, 0, 0), got)

	// exactly on a boundary still moves to the next one
	got = NextUpdateAfter(utc(2010, 1, 1, 13, 0, 0), config, nil)
	assert.Equal(t, utc(2010, 1, 1, 14, 0, 0), got)

	// weekly intervals land on Mondays
	config = types.UpdateConfig{Interval: 7 * 24 * 60}
	got = NextUpdateAfter(utc(2010, 1, 1, 12, 34, 0), config, nil) // a Friday
	assert.Equal(t, utc(2010, 1, 4, 0, 0, 0), got)
	assert.Equal(t, time.Monday, got.Weekday())
}

func TestNextUpdateAfterJitter(t *testing.T) {
	config := types.UpdateConfig{Interval: 60, Jitter: 1}

	// rand = 0: no jitter applied
	got := NextUpdateAfter(utc(2010, 1, 1, 12, 34, 0), config, func() float64 { return 0 })
	assert.Equal(t, utc(2010, 1, 1, 13, 0, 0), got)

	// rand = 0.5: half an interval later, rounded down to a minute
	got = NextUpdateAfter(utc(2010, 1, 1, 12, 34, 0), config, func() float64 { return 0.5 })
	assert.Equal(t, utc(2010, 1, 1, 13, 30, 0), got)
}

func TestRetryAfterScheduling(t *testing.T) {
	// the spec'd scenario: interval=60, jitter=0,
	// global_now=2010-01-01T12:34Z, 429 with retry_after=2h;
	// next update at the first boundary >= 14:34, i.e. 15:00
	d := &Decider{
		OldFeed:   types.FeedForUpdate{URL: "u1"},
		Now:       utc(2010, 1, 1, 12, 34, 0),
		GlobalNow: utc(2010, 1, 1, 12, 34, 0),
		Config:    types.UpdateConfig{Interval: 60, Jitter: 0},
	}

	outcome := ParseOutcome{
		Err:      &types.ParseError{URL: "u1", Message: "too many requests"},
		HTTPInfo: &types.HTTPInfo{Status: 429, RetryAfter: 2 * time.Hour},
	}
	intent, entries := d.MakeIntents(outcome, nil)

	assert.Empty(t, entries)
	require.NotNil(t, intent.UpdateAfter)
	assert.Equal(t, utc(2010, 1, 1, 15, 0, 0), *intent.UpdateAfter)
}

func TestRetryAfterInThePastIsIgnored(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1"})
	d.Now = utc(2010, 1, 1, 12, 34, 0)
	d.GlobalNow = d.Now

	past := utc(2010, 1, 1, 10, 0, 0)
	outcome := ParseOutcome{
		Err:      &types.ParseError{URL: "u1", Message: "unavailable"},
		HTTPInfo: &types.HTTPInfo{Status: 503, RetryAfterTime: &past},
	}
	intent, _ := d.MakeIntents(outcome, nil)
	assert.Equal(t, utc(2010, 1, 1, 13, 0, 0), *intent.UpdateAfter)
}

func TestParseErrorIntent(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1"})

	intent, entries := d.MakeIntents(ParseOutcome{
		Err: &types.ParseError{URL: "u1", Message: "boom"},
	}, nil)

	assert.Empty(t, entries)
	assert.Nil(t, intent.Feed)
	assert.Nil(t, intent.LastUpdated)
	require.NotNil(t, intent.LastException)
	assert.Contains(t, intent.LastException.ValueStr, "boom")
}

func TestNotModifiedIntent(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1", LastUpdated: utcPtr(2009, 1, 1, 0, 0)})

	intent, entries := d.MakeIntents(ParseOutcome{}, nil)

	assert.Empty(t, entries)
	assert.Nil(t, intent.Feed)
	assert.Nil(t, intent.LastException)
	require.NotNil(t, intent.LastUpdated)
	assert.Equal(t, d.Now, *intent.LastUpdated)
}

func TestNewFeedIsAlwaysUpdated(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1"}) // last_updated nil

	intent, _ := d.MakeIntents(ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"})}, nil)
	assert.NotNil(t, intent.Feed)
	assert.NotNil(t, intent.DataHash)
}

func TestUnchangedFeedIsSkipped(t *testing.T) {
	feed := types.FeedData{URL: "u1", Title: "t"}
	d := newDecider(types.FeedForUpdate{
		URL:         "u1",
		LastUpdated: utcPtr(2009, 1, 1, 0, 0),
		Hash:        hashutil.FeedDataHash(&feed),
	})

	intent, _ := d.MakeIntents(ParseOutcome{Parsed: parsed(feed)}, nil)

	// feed row rewrite is skipped, but the retrieval is recorded
	assert.Nil(t, intent.Feed)
	require.NotNil(t, intent.LastUpdated)
}

func TestOnlyUpdatedChangedIsSkipped(t *testing.T) {
	// some RSS feeds set lastBuildDate on every request; updated
	// alone changing must not rewrite the feed
	stored := types.FeedData{URL: "u1", Title: "t"}
	incoming := stored
	incoming.Updated = utcPtr(2010, 1, 1, 12, 0)

	d := newDecider(types.FeedForUpdate{
		URL:         "u1",
		LastUpdated: utcPtr(2009, 1, 1, 0, 0),
		Hash:        hashutil.FeedDataHash(&stored),
	})

	intent, _ := d.MakeIntents(ParseOutcome{Parsed: parsed(incoming)}, nil)
	assert.Nil(t, intent.Feed)
}

func TestFeedHashChangeForcesUpdate(t *testing.T) {
	stored := types.FeedData{URL: "u1", Title: "t"}
	incoming := types.FeedData{URL: "u1", Title: "changed"}

	d := newDecider(types.FeedForUpdate{
		URL:         "u1",
		LastUpdated: utcPtr(2009, 1, 1, 0, 0),
		Hash:        hashutil.FeedDataHash(&stored),
	})

	intent, _ := d.MakeIntents(ParseOutcome{Parsed: parsed(incoming)}, nil)
	assert.NotNil(t, intent.Feed)
}

func TestEntriesToUpdateForceFeedUpdate(t *testing.T) {
	// feeds with entries newer than the feed itself still refresh
	feed := types.FeedData{URL: "u1", Title: "t"}
	d := newDecider(types.FeedForUpdate{
		URL:         "u1",
		LastUpdated: utcPtr(2009, 1, 1, 0, 0),
		Hash:        hashutil.FeedDataHash(&feed),
	})

	entry := types.EntryData{FeedURL: "u1", ID: "e1"}
	intent, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(feed, entry)},
		pairsOf(entry),
	)
	require.Len(t, entries, 1)
	assert.NotNil(t, intent.Feed)
}

func TestNewEntryIntent(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1", LastUpdated: utcPtr(2009, 1, 1, 0, 0)})

	entry := types.EntryData{FeedURL: "u1", ID: "e1"}
	_, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"}, entry)},
		pairsOf(entry),
	)

	require.Len(t, entries, 1)
	intent := entries[0]
	assert.True(t, intent.New())
	assert.Equal(t, d.Now, *intent.FirstUpdated)
	assert.Equal(t, d.GlobalNow, *intent.FirstUpdatedEpoch)
	assert.Equal(t, d.GlobalNow, *intent.RecentSort)
	assert.Equal(t, 0, intent.FeedOrder)
	assert.NotNil(t, intent.DataHash)
}

func TestNewEntryOfNewFeedKeepsPublishedAsRecentSort(t *testing.T) {
	// backdated entries of a never-updated feed keep their place in
	// the recency order
	d := newDecider(types.FeedForUpdate{URL: "u1"}) // never updated

	entry := types.EntryData{FeedURL: "u1", ID: "e1", Published: utcPtr(2005, 5, 5, 5, 5)}
	_, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"}, entry)},
		pairsOf(entry),
	)

	require.Len(t, entries, 1)
	assert.Equal(t, utc(2005, 5, 5, 5, 5, 0), *entries[0].RecentSort)
}

func TestFeedOrderIsReversed(t *testing.T) {
	// the feed's first-listed entry gets the highest order
	d := newDecider(types.FeedForUpdate{URL: "u1"})

	e1 := types.EntryData{FeedURL: "u1", ID: "e1"}
	e2 := types.EntryData{FeedURL: "u1", ID: "e2"}
	_, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"}, e1, e2)},
		pairsOf(e1, e2),
	)

	require.Len(t, entries, 2)
	byID := map[string]int{}
	for _, intent := range entries {
		byID[intent.Entry.ID] = intent.FeedOrder
	}
	assert.Greater(t, byID["e1"], byID["e2"])
}

func TestExistingEntryPreservesUserOrdering(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1", LastUpdated: utcPtr(2009, 1, 1, 0, 0)})

	entry := types.EntryData{FeedURL: "u1", ID: "e1", Updated: utcPtr(2010, 1, 1, 0, 0)}
	old := &types.EntryForUpdate{Updated: utcPtr(2009, 1, 1, 0, 0)}

	_, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"}, entry)},
		[]types.EntryPair{{New: entry, Old: old}},
	)

	require.Len(t, entries, 1)
	intent := entries[0]
	assert.False(t, intent.New())
	assert.Nil(t, intent.FirstUpdated)
	assert.Nil(t, intent.FirstUpdatedEpoch)
	assert.Nil(t, intent.RecentSort)
}

func TestUnchangedEntryIsSkipped(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1", LastUpdated: utcPtr(2009, 1, 1, 0, 0)})

	entry := types.EntryData{FeedURL: "u1", ID: "e1", Title: "t", Updated: utcPtr(2009, 1, 1, 0, 0)}
	old := &types.EntryForUpdate{
		Updated: utcPtr(2009, 1, 1, 0, 0),
		Hash:    hashutil.EntryDataHash(&entry),
	}

	_, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1", Title: "t"}, entry)},
		[]types.EntryPair{{New: entry, Old: old}},
	)
	assert.Empty(t, entries)
}

func TestEntryHashChangeCounter(t *testing.T) {
	d := newDecider(types.FeedForUpdate{URL: "u1", LastUpdated: utcPtr(2009, 1, 1, 0, 0)})

	stored := types.EntryData{FeedURL: "u1", ID: "e1", Title: "before", Updated: utcPtr(2009, 1, 1, 0, 0)}
	incoming := stored
	incoming.Title = "after"

	old := &types.EntryForUpdate{
		Updated:     utcPtr(2009, 1, 1, 0, 0),
		Hash:        hashutil.EntryDataHash(&stored),
		HashChanged: 3,
	}

	_, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"}, incoming)},
		[]types.EntryPair{{New: incoming, Old: old}},
	)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].HashChanged)
}

func TestEntryHashChangeLimit(t *testing.T) {
	// after 24 consecutive content-hash-only updates, further
	// updates are suppressed
	d := newDecider(types.FeedForUpdate{URL: "u1", LastUpdated: utcPtr(2009, 1, 1, 0, 0)})

	stored := types.EntryData{FeedURL: "u1", ID: "e1", Title: "before", Updated: utcPtr(2009, 1, 1, 0, 0)}
	incoming := stored
	incoming.Title = "after"

	old := &types.EntryForUpdate{
		Updated:     utcPtr(2009, 1, 1, 0, 0),
		Hash:        hashutil.EntryDataHash(&stored),
		HashChanged: hashChangedLimit,
	}

	_, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"}, incoming)},
		[]types.EntryPair{{New: incoming, Old: old}},
	)
	assert.Empty(t, entries)

	// an updated change resets the counter
	incoming.Updated = utcPtr(2010, 1, 1, 0, 0)
	_, entries = d.MakeIntents(
		ParseOutcome{Parsed: parsed(types.FeedData{URL: "u1"}, incoming)},
		[]types.EntryPair{{New: incoming, Old: old}},
	)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].HashChanged)
}

func TestStaleFeedForcesEverything(t *testing.T) {
	feed := types.FeedData{URL: "u1", Title: "t"}
	entry := types.EntryData{FeedURL: "u1", ID: "e1", Title: "t", Updated: utcPtr(2009, 1, 1, 0, 0)}

	d := newDecider(types.FeedForUpdate{
		URL:         "u1",
		Stale:       true,
		LastUpdated: utcPtr(2009, 1, 1, 0, 0),
		Hash:        hashutil.FeedDataHash(&feed),
	})

	// identical data still updates everything
	old := &types.EntryForUpdate{
		Updated: utcPtr(2009, 1, 1, 0, 0),
		Hash:    hashutil.EntryDataHash(&entry),
	}
	intent, entries := d.MakeIntents(
		ParseOutcome{Parsed: parsed(feed, entry)},
		[]types.EntryPair{{New: entry, Old: old}},
	)
	assert.NotNil(t, intent.Feed)
	assert.Len(t, entries, 1)
}

func TestProcessFeedForUpdateStaleMask(t *testing.T) {
	feed := types.FeedForUpdate{
		URL:     "u1",
		Stale:   true,
		Updated: utcPtr(2009, 1, 1, 0, 0),
		Caching: types.CachingInfo{ETag: "e", LastModified: "lm"},
	}
	got := ProcessFeedForUpdate(feed, nil)
	assert.Nil(t, got.Updated)
	assert.Equal(t, types.CachingInfo{}, got.Caching)

	notStale := types.FeedForUpdate{URL: "u1", Caching: types.CachingInfo{ETag: "e"}}
	assert.Equal(t, notStale, ProcessFeedForUpdate(notStale, nil))
}

func TestFlattenConfig(t *testing.T) {
	base := types.UpdateConfig{Interval: 60, Jitter: 0}

	got := FlattenConfig(map[string]any{"interval": float64(30), "jitter": 0.5}, base)
	assert.Equal(t, types.UpdateConfig{Interval: 30, Jitter: 0.5}, got)

	// invalid values are ignored
	got = FlattenConfig(map[string]any{"interval": float64(0), "jitter": float64(2)}, base)
	assert.Equal(t, base, got)
}
