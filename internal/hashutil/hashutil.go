// Package hashutil generates stable, version-tagged hashes for feed
// and entry data. Contains no business logic.
//
// The hashes are stable across platforms and releases: data is
// serialized to canonical JSON (sorted keys, no indent, minimal
// separators, Unicode preserved) and digested with MD5, keeping the
// first 15 bytes behind a 1-byte version prefix. Collision resistance
// is not required; the hash is a change detector.
//
// Empty fields (zero strings, nil times, empty slices) are dropped
// before hashing, so adding new fields does not change existing
// hashes. Stable identity fields are excluded: url and updated for
// feeds; feed_url, id, and updated for entries. updated is excluded
// because some RSS feeds bump it on every fetch without any content
// change.
package hashutil

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"time"

	"github.com/feedstash/feedstash/internal/types"
)

// Version is the current hash version, stored as the first byte of
// every hash.
const Version = 0

// Size is the length of a hash in bytes.
const Size = 16

// FeedDataHash returns the content hash of feed data.
func FeedDataHash(f *types.FeedData) []byte {
	m := map[string]any{}
	putString(m, "title", f.Title)
	putString(m, "link", f.Link)
	putString(m, "author", f.Author)
	putString(m, "subtitle", f.Subtitle)
	putString(m, "version", f.Version)
	return digest(m)
}

// EntryDataHash returns the content hash of entry data.
func EntryDataHash(e *types.EntryData) []byte {
	m := map[string]any{}
	putString(m, "title", e.Title)
	putString(m, "link", e.Link)
	putString(m, "author", e.Author)
	putTime(m, "published", e.Published)
	putString(m, "summary", e.Summary)

	if len(e.Content) > 0 {
		content := make([]map[string]any, 0, len(e.Content))
		for _, c := range e.Content {
			cm := map[string]any{}
			putString(cm, "value", c.Value)
			putString(cm, "type", c.Type)
			putString(cm, "language", c.Language)
			content = append(content, cm)
		}
		m["content"] = content
	}

	if len(e.Enclosures) > 0 {
		enclosures := make([]map[string]any, 0, len(e.Enclosures))
		for _, enc := range e.Enclosures {
			em := map[string]any{}
			putString(em, "href", enc.Href)
			putString(em, "type", enc.Type)
			if enc.Length != 0 {
				em["length"] = enc.Length
			}
			enclosures = append(enclosures, em)
		}
		m["enclosures"] = enclosures
	}

	return digest(m)
}

// Check reports whether hash matches computed. Always use Check
// instead of plain equality, so the hash version can be upgraded
// without invalidating stored hashes.
func Check(computed, hash []byte) bool {
	return len(hash) == Size && bytes.Equal(computed, hash)
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func putTime(m map[string]any, key string, value *time.Time) {
	if value != nil {
		m[key] = formatTime(*value)
	}
}

// formatTime renders an ISO 8601 timestamp with microsecond
// precision. The format must never change; it is part of the hash.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "+00:00"
}

func digest(m map[string]any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		// maps of strings and numbers always serialize
		panic(err)
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	sum := md5.Sum(data)
	rv := make([]byte, Size)
	rv[0] = Version
	copy(rv[1:], sum[:Size-1])
	return rv
}
