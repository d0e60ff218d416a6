package update

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feedstash/feedstash/internal/storage"
	"github.com/feedstash/feedstash/internal/types"
)

// Parser is what the pipeline needs from a feed parser; see the
// parser package for the bundled implementation.
type Parser interface {
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

// Hooks are the per-feed lifecycle callbacks run by the pipeline.
// Before hooks abort the feed's update on error; after hooks are
// error-isolated, collected up to a cap and surfaced together.
type Hooks struct {
	BeforeFeedUpdate []func(ctx context.Context, url string) error
	AfterEntryUpdate []func(ctx context.Context, entry *types.EntryData, status types.EntryUpdateStatus) error
	AfterFeedUpdate  []func(ctx context.Context, url string) error
}

// hookErrorLimit caps how many after-hook errors are collected per
// feed update.
const hookErrorLimit = 5

// Pipeline updates multiple feeds: it calls the parser and storage in
// the right order, retrieving in parallel, and yields one result per
// feed as it completes. It does not decide whether a feed or entry
// should be updated; the Decider does.
//
// All storage calls happen on the consuming goroutine; only
// retrieval and parsing run on the workers.
type Pipeline struct {
	Storage *storage.Storage
	Parser  Parser
	Hooks   *Hooks

	// Workers bounds concurrent retrievals; 1 if zero.
	Workers int

	// ConfigFor resolves the update cadence for a feed.
	ConfigFor func(ctx context.Context, url string) types.UpdateConfig

	// Now is the per-feed clock.
	Now func() time.Time

	// Rand is the jitter source.
	Rand func() float64

	Log *slog.Logger
}

type parseResult struct {
	feed    types.FeedForUpdate
	outcome ParseOutcome
}

// ResultIter yields one UpdateResult per feed as retrievals complete
// (unordered). Stopping early stops further retrievals after
// in-flight workers drain.
type ResultIter struct {
	pipeline *Pipeline

	ctx     context.Context
	cancel  context.CancelFunc
	results chan parseResult
	wait    func() error

	globalNow time.Time

	value types.UpdateResult
	err   error
}

// Update starts updating the feeds matching filter. globalNow is the
// time at the start of the batch; it becomes first_updated_epoch for
// all new entries, so the new entries of one batch group together at
// the top of the recency order.
func (p *Pipeline) Update(ctx context.Context, filter types.FeedFilter, globalNow time.Time) (*ResultIter, error) {
	feeds, err := p.Storage.GetFeedsForUpdate(ctx, filter)
	if err != nil {
		return nil, err
	}

	log := p.log()

	// The pipeline is not equipped to handle ParseErrors this early,
	// so they are stashed and tacked on at the end, after the
	// in-flight retrievals drain.
	var stashed []parseResult
	var work []types.FeedForUpdate
	for _, feed := range feeds {
		processed, err := p.Parser.ProcessFeedForUpdate(ctx, feed)
		if err != nil {
			var parseError *types.ParseError
			if !errors.As(err, &parseError) {
				return nil, err
			}
			stashed = append(stashed, parseResult{feed: feed, outcome: ParseOutcome{Err: err}})
			continue
		}
		work = append(work, ProcessFeedForUpdate(processed, log))
	}

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	iterCtx, cancel := context.WithCancel(ctx)
	results := make(chan parseResult)

	g, gctx := errgroup.WithContext(iterCtx)
	g.SetLimit(workers)

	go func() {
		defer close(results)
		for _, feed := range work {
			feed := feed
			g.Go(func() error {
				parsed, httpInfo, err := p.Parser.RetrieveAndParse(gctx, feed)
				if err != nil {
					var parseError *types.ParseError
					if !errors.As(err, &parseError) {
						return err
					}
				}
				outcome := ParseOutcome{Parsed: parsed, HTTPInfo: httpInfo, Err: err}
				select {
				case results <- parseResult{feed: feed, outcome: outcome}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		_ = g.Wait()
		for _, result := range stashed {
			select {
			case results <- result:
			case <-iterCtx.Done():
				return
			}
		}
	}()

	return &ResultIter{
		pipeline:  p,
		ctx:       iterCtx,
		cancel:    cancel,
		results:   results,
		wait:      g.Wait,
		globalNow: globalNow,
	}, nil
}

// Next advances to the next result; false on exhaustion or error.
func (it *ResultIter) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		result, ok := <-it.results
		if !ok {
			// non-ParseError retrieval failures are programmer
			// errors and propagate out of the batch
			if err := it.wait(); err != nil && !errors.Is(err, context.Canceled) {
				it.err = err
			}
			return false
		}

		value, skip, err := it.pipeline.processParseResult(it.ctx, result, it.globalNow)
		if err != nil {
			it.err = err
			it.cancel()
			return false
		}
		if skip {
			continue
		}
		it.value = value
		return true
	}
}

// Value returns the current result.
func (it *ResultIter) Value() types.UpdateResult { return it.value }

// Err returns the first unexpected error, if any.
func (it *ResultIter) Err() error { return it.err }

// Close stops the iteration; in-flight retrievals drain in the
// background.
func (it *ResultIter) Close() {
	it.cancel()
}

// All drains the iterator.
func (it *ResultIter) All() ([]types.UpdateResult, error) {
	defer it.Close()
	var rv []types.UpdateResult
	for it.Next() {
		rv = append(rv, it.Value())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return rv, nil
}

// processParseResult runs the storage half of one feed's update:
// fetch existing entries, decide, write, run hooks. skip is true for
// feeds deleted while the update was running.
func (p *Pipeline) processParseResult(
	ctx context.Context,
	result parseResult,
	globalNow time.Time,
) (value types.UpdateResult, skip bool, err error) {
	feed := result.feed
	url := feed.URL

	config := DefaultConfig
	if p.ConfigFor != nil {
		config = p.ConfigFor(ctx, url)
	}

	var pairs []types.EntryPair
	outcome := result.outcome
	if outcome.Err == nil && outcome.Parsed != nil {
		pairs, err = p.entryPairs(ctx, outcome.Parsed)
		if err == nil {
			pairs, err = p.Parser.ProcessEntryPairs(ctx, url, outcome.Parsed.MIMEType, pairs)
		}
		if err != nil {
			return p.feedValue(url, err)
		}
	}

	decider := &Decider{
		OldFeed:   feed,
		Now:       p.now(),
		GlobalNow: globalNow,
		Config:    config,
		Rand:      p.Rand,
		Log:       p.log(),
	}
	feedIntent, entryIntents := decider.MakeIntents(outcome, pairs)

	newCount, modifiedCount, err := p.updateFeed(ctx, feedIntent, entryIntents)
	if err != nil {
		return p.feedValue(url, err)
	}

	if outcome.Err != nil {
		return types.UpdateResult{URL: url, Err: outcome.Err}, false, nil
	}
	if outcome.Parsed == nil {
		return types.UpdateResult{URL: url}, false, nil
	}
	return types.UpdateResult{
		URL: url,
		Updated: &types.UpdatedFeed{
			URL:        url,
			New:        newCount,
			Modified:   modifiedCount,
			Unmodified: len(pairs) - newCount - modifiedCount,
		},
	}, false, nil
}

// feedValue sorts a per-feed error into its bucket: deleted feeds are
// skipped, expected update errors become the feed's result, anything
// else aborts the batch.
func (p *Pipeline) feedValue(url string, err error) (types.UpdateResult, bool, error) {
	var notFound *types.FeedNotFoundError
	if errors.As(err, &notFound) {
		p.log().Info("feed removed during update", "feed", url)
		return types.UpdateResult{}, true, nil
	}
	var updateError types.UpdateError
	if errors.As(err, &updateError) {
		return types.UpdateResult{URL: url, Err: err}, false, nil
	}
	return types.UpdateResult{}, false, err
}

func (p *Pipeline) entryPairs(ctx context.Context, parsed *types.ParsedFeed) ([]types.EntryPair, error) {
	keys := make([][2]string, 0, len(parsed.Entries))
	for i := range parsed.Entries {
		keys = append(keys, [2]string{parsed.Entries[i].FeedURL, parsed.Entries[i].ID})
	}

	olds, err := p.Storage.GetEntriesForUpdate(ctx, keys)
	if err != nil {
		return nil, err
	}

	pairs := make([]types.EntryPair, 0, len(parsed.Entries))
	for i := range parsed.Entries {
		pairs = append(pairs, types.EntryPair{New: parsed.Entries[i], Old: olds[i]})
	}
	return pairs, nil
}

// updateFeed writes one feed's intents and runs its hooks.
func (p *Pipeline) updateFeed(
	ctx context.Context,
	feed types.FeedUpdateIntent,
	entries []types.EntryUpdateIntent,
) (newCount, modifiedCount int, err error) {
	url := feed.URL

	if p.Hooks != nil {
		for _, hook := range p.Hooks.BeforeFeedUpdate {
			if err := hook(ctx, url); err != nil {
				return 0, 0, &types.HookError{
					Message: "before_feed_update hook failed",
					Errors:  []error{err},
				}
			}
		}
	}

	if len(entries) > 0 {
		if err := p.Storage.AddOrUpdateEntries(ctx, entries); err != nil {
			return 0, 0, err
		}
	}
	if err := p.Storage.UpdateFeed(ctx, feed); err != nil {
		return 0, 0, err
	}

	var hookErrors []error
	runHook := func(fn func() error) {
		if len(hookErrors) >= hookErrorLimit {
			return
		}
		if err := fn(); err != nil {
			hookErrors = append(hookErrors, err)
		}
	}

	for i := range entries {
		entry := &entries[i]
		status := types.EntryModified
		if entry.New() {
			status = types.EntryNew
			newCount++
		} else {
			modifiedCount++
		}
		if p.Hooks != nil {
			for _, hook := range p.Hooks.AfterEntryUpdate {
				hook := hook
				runHook(func() error { return hook(ctx, &entry.Entry, status) })
			}
		}
	}

	if p.Hooks != nil {
		for _, hook := range p.Hooks.AfterFeedUpdate {
			hook := hook
			runHook(func() error { return hook(ctx, url) })
		}
	}

	if len(hookErrors) > 0 {
		return newCount, modifiedCount, &types.HookError{
			Message: "got unexpected after-update hook errors",
			Errors:  hookErrors,
		}
	}
	return newCount, modifiedCount, nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}
