package parser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedstash/feedstash/internal/types"
)

const rssBody = `<?xml version="1.0"?>
<rss version="2.0">
<channel>
<title>Feed One</title>
<link>http://example.com</link>
<description>about things</description>
<item>
  <guid>e1</guid>
  <title>Entry One</title>
  <link>http://example.com/1</link>
  <pubDate>Fri, 01 Jan 2010 00:00:00 GMT</pubDate>
  <description>first entry</description>
  <enclosure url="http://example.com/1.mp3" type="audio/mpeg" length="123"/>
</item>
<item>
  <guid>e2</guid>
  <title>Entry Two</title>
  <link>http://example.com/2</link>
</item>
</channel>
</rss>`

func feedForUpdate(url string) types.FeedForUpdate {
	return types.FeedForUpdate{URL: url}
}

func TestProcessFeedForUpdate(t *testing.T) {
	p := New(nil)
	ctx := context.Background()

	feed, err := p.ProcessFeedForUpdate(ctx, feedForUpdate("  http://example.com/feed "))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/feed", feed.URL)

	_, err = p.ProcessFeedForUpdate(ctx, feedForUpdate("ftp://example.com/feed"))
	var parseError *types.ParseError
	assert.ErrorAs(t, err, &parseError)

	_, err = p.ProcessFeedForUpdate(ctx, feedForUpdate(""))
	assert.ErrorAs(t, err, &parseError)
}

func TestRetrieveAndParse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Fri, 01 Jan 2010 00:00:00 GMT")
		_, _ = w.Write([]byte(rssBody))
	}))
	defer server.Close()

	p := New(server.Client())
	parsed, info, err := p.RetrieveAndParse(context.Background(), feedForUpdate(server.URL))
	require.NoError(t, err)
	require.NotNil(t, parsed)
	require.NotNil(t, info)
	assert.Equal(t, http.StatusOK, info.Status)

	assert.Equal(t, "Feed One", parsed.Feed.Title)
	assert.Equal(t, "about things", parsed.Feed.Subtitle)
	assert.Equal(t, server.URL, parsed.Feed.URL)
	assert.Equal(t, `"v1"`, parsed.Caching.ETag)
	assert.Equal(t, "Fri, 01 Jan 2010 00:00:00 GMT", parsed.Caching.LastModified)
	assert.Equal(t, "application/rss+xml", parsed.MIMEType)

	require.Len(t, parsed.Entries, 2)
	e1 := parsed.Entries[0]
	assert.Equal(t, "e1", e1.ID)
	assert.Equal(t, "Entry One", e1.Title)
	assert.Equal(t, server.URL, e1.FeedURL)
	require.NotNil(t, e1.Published)
	assert.Equal(t, time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), e1.Published.UTC())
	require.Len(t, e1.Enclosures, 1)
	assert.Equal(t, "http://example.com/1.mp3", e1.Enclosures[0].Href)
	assert.Equal(t, int64(123), e1.Enclosures[0].Length)
}

func TestConditionalGet(t *testing.T) {
	var gotETag, gotModified string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		gotModified = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	p := New(server.Client())
	feed := types.FeedForUpdate{
		URL:     server.URL,
		Caching: types.CachingInfo{ETag: `"v1"`, LastModified: "Fri, 01 Jan 2010 00:00:00 GMT"},
	}
	parsed, info, err := p.RetrieveAndParse(context.Background(), feed)
	require.NoError(t, err)
	assert.Nil(t, parsed, "304 means not modified")
	require.NotNil(t, info)
	assert.Equal(t, http.StatusNotModified, info.Status)

	assert.Equal(t, `"v1"`, gotETag)
	assert.Equal(t, "Fri, 01 Jan 2010 00:00:00 GMT", gotModified)
}

func TestRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7200")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := New(server.Client())
	_, info, err := p.RetrieveAndParse(context.Background(), feedForUpdate(server.URL))

	var parseError *types.ParseError
	require.ErrorAs(t, err, &parseError)
	require.NotNil(t, info)
	assert.Equal(t, http.StatusTooManyRequests, info.Status)
	assert.Equal(t, 2*time.Hour, info.RetryAfter)
}

func TestRetryAfterAbsolute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "Fri, 01 Jan 2010 14:34:00 GMT")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := New(server.Client())
	_, info, err := p.RetrieveAndParse(context.Background(), feedForUpdate(server.URL))

	require.Error(t, err)
	require.NotNil(t, info)
	require.NotNil(t, info.RetryAfterTime)
	assert.Equal(t, time.Date(2010, 1, 1, 14, 34, 0, 0, time.UTC), *info.RetryAfterTime)
}

func TestBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	p := New(server.Client())
	_, _, err := p.RetrieveAndParse(context.Background(), feedForUpdate(server.URL))

	var parseError *types.ParseError
	require.ErrorAs(t, err, &parseError)
	assert.True(t, errors.As(err, &parseError))
}

func TestParseLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.xml")
	require.NoError(t, os.WriteFile(path, []byte(rssBody), 0o600))

	p := New(nil)
	parsed, _, err := p.RetrieveAndParse(context.Background(), feedForUpdate(path))
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, "Feed One", parsed.Feed.Title)
	assert.Len(t, parsed.Entries, 2)
}

func TestParseInvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not a feed"))
	}))
	defer server.Close()

	p := New(server.Client())
	_, _, err := p.RetrieveAndParse(context.Background(), feedForUpdate(server.URL))

	var parseError *types.ParseError
	require.ErrorAs(t, err, &parseError)
}
