// Package update implements the update pipeline: deciding what to
// write given a freshly retrieved feed and stored state, assembling
// storage intents, scheduling the next retrieval, and orchestrating
// retrieval across a bounded worker pool.
package update

import (
	"log/slog"
	"time"

	"github.com/feedstash/feedstash/internal/hashutil"
	"github.com/feedstash/feedstash/internal/types"
)

// hashChangedLimit bounds consecutive content-hash-only updates for
// one entry, preventing runaway rewrites for entries that embed the
// current time in their content.
const hashChangedLimit = 24

// ParseOutcome is the result of retrieving and parsing one feed:
// Parsed on success, nil Parsed and nil Err if the server indicated
// not-modified, Err on a parse error. HTTPInfo may accompany any of
// them.
type ParseOutcome struct {
	Parsed   *types.ParsedFeed
	HTTPInfo *types.HTTPInfo
	Err      error
}

// Decider decides whether a feed or its entries should be updated.
// It does not interact with any dependencies, only processes data.
type Decider struct {
	OldFeed   types.FeedForUpdate
	Now       time.Time
	GlobalNow time.Time
	Config    types.UpdateConfig
	Rand      func() float64
	Log       *slog.Logger
}

// ProcessFeedForUpdate applies the stale mask: a stale feed has its
// updated and caching info ignored, so the retriever cannot
// short-circuit with a conditional request.
func ProcessFeedForUpdate(feed types.FeedForUpdate, log *slog.Logger) types.FeedForUpdate {
	if feed.Stale {
		feed.Updated = nil
		feed.Caching = types.CachingInfo{}
		if log == nil {
			log = slog.Default()
		}
		log.Info("stale feed, ignoring updated and caching info", "feed", feed.URL)
	}
	return feed
}

// MakeIntents turns a parse outcome into one feed update intent plus
// zero or more entry update intents.
func (d *Decider) MakeIntents(
	outcome ParseOutcome,
	pairs []types.EntryPair,
) (types.FeedUpdateIntent, []types.EntryUpdateIntent) {
	d.OldFeed = ProcessFeedForUpdate(d.OldFeed, d.log())

	intent := types.FeedUpdateIntent{URL: d.OldFeed.URL}
	var entries []types.EntryUpdateIntent

	switch {
	case outcome.Err != nil:
		intent.LastException = types.NewExceptionInfo(outcome.Err)

	case outcome.Parsed == nil:
		// not modified; only update last_updated and the schedule
		now := d.Now
		intent.LastUpdated = &now

	default:
		entries = d.entriesToUpdate(pairs)

		now := d.Now
		intent.LastUpdated = &now
		if d.shouldUpdateFeed(&outcome.Parsed.Feed, len(entries) > 0) {
			feed := outcome.Parsed.Feed
			intent.Feed = &feed
			intent.Caching = outcome.Parsed.Caching
			intent.DataHash = hashutil.FeedDataHash(&feed)
		}
		// otherwise, skip the feed row rewrite, but still record the
		// successful retrieval
	}

	updateAfter := NextUpdateAfter(d.GlobalNow, d.Config, d.Rand)

	if info := outcome.HTTPInfo; info != nil &&
		(info.Status == 429 || info.Status == 503) {
		var retryAfter time.Time
		switch {
		case info.RetryAfterTime != nil:
			retryAfter = info.RetryAfterTime.UTC()
		case info.RetryAfter > 0:
			retryAfter = d.GlobalNow.Add(info.RetryAfter)
		}
		// never earlier than the regular schedule; this also covers
		// retry times in the past
		if !retryAfter.IsZero() && retryAfter.After(updateAfter) {
			// round up to the next interval
			updateAfter = NextUpdateAfter(retryAfter, d.Config, d.Rand)
		}
	}
	intent.UpdateAfter = &updateAfter

	return intent, entries
}

func (d *Decider) shouldUpdateFeed(new *types.FeedData, entriesToUpdate bool) bool {
	old := &d.OldFeed
	log := d.log().With("feed", old.URL)

	if old.Stale {
		// logging for stale happened in ProcessFeedForUpdate
		return true
	}
	if old.LastUpdated == nil {
		log.Info("feed has no last_updated, treating as updated")
		return true
	}

	// Some feeds have entries newer than the feed; always update the
	// feed if entries changed, for simplicity.
	if entriesToUpdate {
		log.Info("feed has entries to update, treating as updated")
		return true
	}

	if len(old.Hash) == 0 || !hashutil.Check(hashutil.FeedDataHash(new), old.Hash) {
		log.Info("feed hash changed, treating as updated")
		return true
	}

	// Some RSS feeds set lastBuildDate to "now" on every request, so
	// updated alone changing does not warrant a rewrite (it is also
	// excluded from the hash).
	if !timePtrEqual(new.Updated, old.Updated) {
		log.Info("only feed updated changed, skipping")
		return false
	}

	log.Info("feed not updated, skipping")
	return false
}

// shouldUpdateEntry returns the new hash-change counter and whether
// the entry should be written.
func (d *Decider) shouldUpdateEntry(new *types.EntryData, newHash []byte, old *types.EntryForUpdate) (int, bool) {
	log := d.log().With("feed", d.OldFeed.URL, "entry", new.ID)

	if d.OldFeed.Stale {
		log.Debug("feed marked as stale, updating")
		return 0, true
	}
	if old == nil {
		log.Debug("entry new, updating")
		return 0, true
	}

	// Unlike feed.updated, entry.updated is considered authoritative
	// (it is still excluded from the hash, for symmetry with feeds).
	if !timePtrEqual(new.Updated, old.Updated) {
		log.Debug("entry updated, updating")
		return 0, true
	}

	if len(old.Hash) == 0 || !hashutil.Check(newHash, old.Hash) {
		if old.HashChanged < hashChangedLimit {
			log.Debug("entry hash changed, updating")
			return old.HashChanged + 1, true
		}
		log.Debug(
			"entry hash changed, but exceeds the update limit; skipping",
			"limit", hashChangedLimit,
		)
		return 0, false
	}

	log.Debug("entry not updated, skipping")
	return 0, false
}

// entriesToUpdate assembles entry intents from new/old pairs. The
// feed order is the reversed input index, so the feed's first-listed
// entry has the highest order.
func (d *Decider) entriesToUpdate(pairs []types.EntryPair) []types.EntryUpdateIntent {
	var rv []types.EntryUpdateIntent

	for i := len(pairs) - 1; i >= 0; i-- {
		pair := pairs[i]
		new, old := pair.New, pair.Old
		feedOrder := len(pairs) - 1 - i

		newHash := hashutil.EntryDataHash(&new)
		hashChanged, ok := d.shouldUpdateEntry(&new, newHash, old)
		if !ok {
			continue
		}

		intent := types.EntryUpdateIntent{
			Entry:       new,
			LastUpdated: d.Now,
			FeedOrder:   feedOrder,
			HashChanged: hashChanged,
			DataHash:    newHash,
			AddedBy:     "feed",
		}

		if old == nil {
			now := d.Now
			globalNow := d.GlobalNow
			intent.FirstUpdated = &now
			intent.FirstUpdatedEpoch = &globalNow

			var recentSort time.Time
			if d.OldFeed.LastUpdated == nil {
				// for a feed that was never updated, backdated
				// entries keep their place in the recency order
				switch {
				case new.Published != nil:
					recentSort = *new.Published
				case new.Updated != nil:
					recentSort = *new.Updated
				default:
					recentSort = d.GlobalNow
				}
			} else {
				recentSort = d.GlobalNow
			}
			intent.RecentSort = &recentSort
		}
		// for existing entries, first_updated, first_updated_epoch,
		// and recent_sort stay nil, preserving the stored values

		rv = append(rv, intent)
	}

	return rv
}

func (d *Decider) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
