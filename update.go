package feedstash

import (
	"context"
	"errors"

	"github.com/feedstash/feedstash/internal/types"
	"github.com/feedstash/feedstash/internal/update"
)

// updateConfigKey is the reserved tag key holding the update cadence,
// on the global resource or on a feed.
const updateConfigKey = "update"

// hook registration

// OnBeforeFeedsUpdate registers a hook run once before each batch
// update.
func (r *Reader) OnBeforeFeedsUpdate(hook func(ctx context.Context) error) {
	r.beforeFeedsUpdate = append(r.beforeFeedsUpdate, hook)
}

// OnAfterFeedsUpdate registers a hook run once after each batch
// update.
func (r *Reader) OnAfterFeedsUpdate(hook func(ctx context.Context) error) {
	r.afterFeedsUpdate = append(r.afterFeedsUpdate, hook)
}

// OnBeforeFeedUpdate registers a hook run before each feed's update
// is written; an error aborts that feed's update.
func (r *Reader) OnBeforeFeedUpdate(hook func(ctx context.Context, url string) error) {
	r.hooks.BeforeFeedUpdate = append(r.hooks.BeforeFeedUpdate, hook)
}

// OnAfterEntryUpdate registers a hook run after each new or modified
// entry is written. Hook errors are collected and surfaced together
// in the feed's update result; they never corrupt the database.
func (r *Reader) OnAfterEntryUpdate(hook func(ctx context.Context, entry *EntryData, status EntryUpdateStatus) error) {
	r.hooks.AfterEntryUpdate = append(r.hooks.AfterEntryUpdate, hook)
}

// OnAfterFeedUpdate registers a hook run after each feed's update is
// written; errors are collected like OnAfterEntryUpdate's.
func (r *Reader) OnAfterFeedUpdate(hook func(ctx context.Context, url string) error) {
	r.hooks.AfterFeedUpdate = append(r.hooks.AfterFeedUpdate, hook)
}

// updating

func (r *Reader) pipeline() *update.Pipeline {
	return &update.Pipeline{
		Storage:   r.storage,
		Parser:    r.parser,
		Hooks:     &r.hooks,
		Workers:   r.workers,
		ConfigFor: r.updateConfigFor,
		Now:       r.now,
		Rand:      r.rand,
		Log:       r.log,
	}
}

// updateConfigFor resolves the update cadence for a feed: the
// default, overridden by the global .reader.update tag, overridden
// by the feed's.
func (r *Reader) updateConfigFor(ctx context.Context, url string) UpdateConfig {
	key := r.MakeReaderReservedName(updateConfigKey)

	config := update.DefaultConfig
	for _, resource := range []ResourceID{GlobalResource(), FeedResource(url)} {
		value, err := r.GetTag(ctx, resource, key)
		if err != nil {
			var notFound *TagNotFoundError
			if !errors.As(err, &notFound) {
				r.log.Warn("could not read update config", "resource", resource, "error", err)
			}
			continue
		}
		m, ok := value.(map[string]any)
		if !ok {
			r.log.Warn("invalid update config, expected object", "resource", resource)
			continue
		}
		config = update.FlattenConfig(m, config)
	}
	return config
}

// UpdateResultIter yields one result per feed as updates complete,
// unordered. Stopping early stops further retrievals once in-flight
// workers drain.
type UpdateResultIter struct {
	inner *update.ResultIter
	after func()
	done  bool
}

// Next advances to the next result.
func (it *UpdateResultIter) Next() bool {
	ok := it.inner.Next()
	if !ok && !it.done {
		it.done = true
		it.after()
	}
	return ok
}

// Value returns the current result.
func (it *UpdateResultIter) Value() UpdateResult { return it.inner.Value() }

// Err returns the first unexpected error, if any. Per-feed parse
// errors are reported in the results, not here.
func (it *UpdateResultIter) Err() error { return it.inner.Err() }

// Close stops the iteration.
func (it *UpdateResultIter) Close() { it.inner.Close() }

// UpdateFeedsIter updates all feeds with updates enabled, yielding
// one result per feed as it completes.
func (r *Reader) UpdateFeedsIter(ctx context.Context) (*UpdateResultIter, error) {
	enabled := true
	return r.updateFeedsIter(ctx, FeedFilter{UpdatesEnabled: &enabled})
}

func (r *Reader) updateFeedsIter(ctx context.Context, filter FeedFilter) (*UpdateResultIter, error) {
	for _, hook := range r.beforeFeedsUpdate {
		if err := hook(ctx); err != nil {
			return nil, &HookError{Message: "before_feeds_update hook failed", Errors: []error{err}}
		}
	}

	inner, err := r.pipeline().Update(ctx, filter, r.now())
	if err != nil {
		return nil, err
	}

	after := func() {
		var errs []error
		for _, hook := range r.afterFeedsUpdate {
			if err := hook(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			r.log.Warn("got unexpected after_feeds_update hook errors", "errors", errs)
		}
	}

	return &UpdateResultIter{inner: inner, after: after}, nil
}

// UpdateFeeds updates all feeds with updates enabled and returns the
// collected results. Per-feed failures are recorded on the feed rows
// and reported in the results; only unexpected errors fail the call.
func (r *Reader) UpdateFeeds(ctx context.Context) ([]UpdateResult, error) {
	it, err := r.UpdateFeedsIter(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rv []UpdateResult
	for it.Next() {
		rv = append(rv, it.Value())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return rv, nil
}

// UpdateFeed updates a single feed regardless of its updates-enabled
// flag, returning the update summary (nil if the server indicated
// not-modified) or the feed's update error.
func (r *Reader) UpdateFeed(ctx context.Context, url string) (*UpdatedFeed, error) {
	it, err := r.updateFeedsIter(ctx, FeedFilter{URL: url})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.Next() {
		result := it.Value()
		if result.URL != url {
			continue
		}
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Updated, nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, &types.FeedNotFoundError{URL: url}
}
