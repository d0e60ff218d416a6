// Package parser retrieves and parses syndication feeds into the
// structured data the update pipeline consumes. Parsing is delegated
// to gofeed, which auto-detects RSS, Atom, and JSON Feed.
package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"

	"github.com/feedstash/feedstash/internal/types"
)

// DefaultUserAgent identifies the library to feed servers.
const DefaultUserAgent = "feedstash/1.0 (+https://github.com/feedstash/feedstash)"

// maxRetries bounds retries of transient network failures per
// retrieval.
const maxRetries = 2

// Parser is the bundled feed parser: net/http retrieval with
// conditional requests, plus gofeed parsing. The zero value is not
// usable; use New.
type Parser struct {
	client    *http.Client
	userAgent string
	gofeed    *gofeed.Parser
}

// New returns a parser using client, or an http.Client with a 30
// second timeout if nil.
func New(client *http.Client) *Parser {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Parser{
		client:    client,
		userAgent: DefaultUserAgent,
		gofeed:    gofeed.NewParser(),
	}
}

// SetUserAgent overrides the User-Agent header.
func (p *Parser) SetUserAgent(ua string) { p.userAgent = ua }

// ProcessFeedForUpdate normalizes the feed URL and rejects URLs we
// cannot retrieve.
func (p *Parser) ProcessFeedForUpdate(ctx context.Context, feed types.FeedForUpdate) (types.FeedForUpdate, error) {
	u := strings.TrimSpace(feed.URL)
	if u == "" {
		return feed, &types.ParseError{URL: feed.URL, Message: "empty feed URL"}
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return feed, &types.ParseError{URL: feed.URL, Message: "invalid feed URL", Cause: err}
	}
	switch parsed.Scheme {
	case "http", "https", "file", "":
	default:
		return feed, &types.ParseError{
			URL:     feed.URL,
			Message: fmt.Sprintf("unsupported URL scheme %q", parsed.Scheme),
		}
	}

	feed.URL = u
	return feed, nil
}

// RetrieveAndParse retrieves and parses the feed. A nil ParsedFeed
// with a nil error means the server said the feed was not modified.
func (p *Parser) RetrieveAndParse(ctx context.Context, feed types.FeedForUpdate) (*types.ParsedFeed, *types.HTTPInfo, error) {
	u, _ := url.Parse(strings.TrimSpace(feed.URL))
	if u == nil || u.Scheme == "file" || u.Scheme == "" {
		parsed, err := p.parseLocal(feed.URL, u)
		return parsed, nil, err
	}
	return p.retrieveHTTP(ctx, feed)
}

// ProcessEntryPairs is a hook point for plugins; the bundled parser
// passes the pairs through unchanged.
func (p *Parser) ProcessEntryPairs(ctx context.Context, feedURL, mimeType string, pairs []types.EntryPair) ([]types.EntryPair, error) {
	return pairs, nil
}

func (p *Parser) parseLocal(feedURL string, u *url.URL) (*types.ParsedFeed, error) {
	path := feedURL
	if u != nil && u.Scheme == "file" {
		path = u.Path
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &types.ParseError{URL: feedURL, Message: "error while reading feed", Cause: err}
	}
	defer func() { _ = f.Close() }()

	return p.parse(feedURL, f, types.CachingInfo{}, "")
}

func (p *Parser) retrieveHTTP(ctx context.Context, feed types.FeedForUpdate) (*types.ParsedFeed, *types.HTTPInfo, error) {
	var resp *http.Response

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", p.userAgent)
		req.Header.Set("Accept", "application/atom+xml, application/rss+xml, application/feed+json, application/xml, text/xml, */*")
		if feed.Caching.ETag != "" {
			req.Header.Set("If-None-Match", feed.Caching.ETag)
		}
		if feed.Caching.LastModified != "" {
			req.Header.Set("If-Modified-Since", feed.Caching.LastModified)
		}

		// only transport errors are worth retrying; anything with a
		// status code goes through the regular handling
		resp, err = p.client.Do(req)
		return err
	}

	err := backoff.Retry(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx),
	)
	if err != nil {
		return nil, nil, &types.ParseError{URL: feed.URL, Message: "error while retrieving feed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	info := &types.HTTPInfo{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		parseRetryAfter(resp.Header.Get("Retry-After"), info)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, info, nil

	case resp.StatusCode >= 400:
		return nil, info, &types.ParseError{
			URL:     feed.URL,
			Message: fmt.Sprintf("bad HTTP status code %d", resp.StatusCode),
		}
	}

	caching := types.CachingInfo{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	mimeType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	parsed, err := p.parse(feed.URL, resp.Body, caching, mimeType)
	return parsed, info, err
}

func parseRetryAfter(header string, info *types.HTTPInfo) {
	if header == "" {
		return
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		info.RetryAfter = time.Duration(seconds) * time.Second
		return
	}
	if t, err := http.ParseTime(header); err == nil {
		t = t.UTC()
		info.RetryAfterTime = &t
	}
}

func (p *Parser) parse(feedURL string, r io.Reader, caching types.CachingInfo, mimeType string) (*types.ParsedFeed, error) {
	parsed, err := p.gofeed.Parse(r)
	if err != nil {
		return nil, &types.ParseError{URL: feedURL, Message: "error while parsing feed", Cause: err}
	}

	feed := types.FeedData{
		URL:      feedURL,
		Title:    parsed.Title,
		Link:     parsed.Link,
		Subtitle: parsed.Description,
		Version:  feedVersion(parsed),
	}
	if parsed.UpdatedParsed != nil {
		updated := parsed.UpdatedParsed.UTC()
		feed.Updated = &updated
	}
	if len(parsed.Authors) > 0 {
		feed.Author = parsed.Authors[0].Name
	}

	entries := make([]types.EntryData, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entry, err := entryFromItem(feedURL, item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return &types.ParsedFeed{
		Feed:     feed,
		Entries:  entries,
		Caching:  caching,
		MIMEType: mimeType,
	}, nil
}

func feedVersion(feed *gofeed.Feed) string {
	if feed.FeedType == "" {
		return ""
	}
	if feed.FeedVersion == "" {
		return feed.FeedType
	}
	return feed.FeedType + feed.FeedVersion
}

func entryFromItem(feedURL string, item *gofeed.Item) (types.EntryData, error) {
	id := item.GUID
	if id == "" {
		// fall back to the link, like most aggregators do
		id = item.Link
	}
	if id == "" {
		return types.EntryData{}, &types.ParseError{
			URL:     feedURL,
			Message: "entry with no id or link",
		}
	}

	entry := types.EntryData{
		FeedURL: feedURL,
		ID:      id,
		Title:   item.Title,
		Link:    item.Link,
		Summary: item.Description,
	}
	if item.UpdatedParsed != nil {
		updated := item.UpdatedParsed.UTC()
		entry.Updated = &updated
	}
	if item.PublishedParsed != nil {
		published := item.PublishedParsed.UTC()
		entry.Published = &published
	}
	if len(item.Authors) > 0 {
		entry.Author = item.Authors[0].Name
	}

	if item.Content != "" {
		entry.Content = []types.Content{{Value: item.Content, Type: "text/html"}}
	}

	for _, enclosure := range item.Enclosures {
		length, _ := strconv.ParseInt(enclosure.Length, 10, 64)
		entry.Enclosures = append(entry.Enclosures, types.Enclosure{
			Href:   enclosure.URL,
			Type:   enclosure.Type,
			Length: length,
		})
	}

	return entry, nil
}
