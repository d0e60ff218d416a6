package feedstash_test

import (
	"context"
	"fmt"
	"log"

	"github.com/feedstash/feedstash"
)

// Open a reader, add a feed, update it, and list the newest entries.
func Example() {
	ctx := context.Background()

	r, err := feedstash.Open(ctx, "db.sqlite")
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()

	if err := r.AddFeed(ctx, "https://example.com/feed.xml"); err != nil {
		log.Fatal(err)
	}

	results, err := r.UpdateFeeds(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, result := range results {
		if result.Err != nil {
			fmt.Println(result.URL, "failed:", result.Err)
		}
	}

	entries, err := r.GetEntries(ctx, feedstash.EntryFilter{}, feedstash.EntrySortRecent, 10, nil)
	if err != nil {
		log.Fatal(err)
	}
	for _, entry := range entries {
		fmt.Println(entry.Title)
	}
}

// Full-text search needs to be enabled once, then kept in sync with
// UpdateSearch.
func Example_search() {
	ctx := context.Background()

	r, err := feedstash.Open(ctx, "db.sqlite")
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()

	if err := r.EnableSearch(ctx); err != nil {
		log.Fatal(err)
	}
	if err := r.UpdateSearch(ctx); err != nil {
		log.Fatal(err)
	}

	results, err := r.SearchEntries(ctx, "tailscale", feedstash.EntryFilter{}, feedstash.SearchSortRelevant, 10, nil)
	if err != nil {
		log.Fatal(err)
	}
	for _, result := range results {
		fmt.Println(result.FeedURL, result.ID, result.Metadata[".title"])
	}
}
