package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceID(t *testing.T) {
	assert.Len(t, GlobalResource(), 0)
	assert.Equal(t, ResourceID{"u"}, FeedResource("u"))
	assert.Equal(t, ResourceID{"u", "e"}, EntryResource("u", "e"))

	assert.Equal(t, "()", GlobalResource().String())
	assert.Equal(t, "(u)", FeedResource("u").String())
	assert.Equal(t, "(u, e)", EntryResource("u", "e").String())
}

func TestUpdateResultNotModified(t *testing.T) {
	assert.True(t, UpdateResult{URL: "u"}.NotModified())
	assert.False(t, UpdateResult{URL: "u", Updated: &UpdatedFeed{}}.NotModified())
	assert.False(t, UpdateResult{URL: "u", Err: errors.New("x")}.NotModified())
}

func TestEntryUpdateIntentNew(t *testing.T) {
	var intent EntryUpdateIntent
	assert.False(t, intent.New())

	epoch := intent.LastUpdated
	intent.FirstUpdatedEpoch = &epoch
	assert.True(t, intent.New())
}

func TestExceptionInfoRoundTrip(t *testing.T) {
	info := NewExceptionInfo(errors.New("boom"))
	assert.Equal(t, "boom", info.ValueStr)
	assert.NotEmpty(t, info.TypeName)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	var got ExceptionInfo
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, *info, got)
}

func TestErrorsSupportAs(t *testing.T) {
	var readerError ReaderError
	var updateError UpdateError

	for _, err := range []error{
		&FeedNotFoundError{URL: "u"},
		&FeedExistsError{URL: "u"},
		&EntryNotFoundError{FeedURL: "u", ID: "e"},
		&EntryExistsError{FeedURL: "u", ID: "e"},
		&TagNotFoundError{Resource: FeedResource("u"), Key: "k"},
		&ParseError{URL: "u"},
		&StorageError{Message: "m"},
		&SearchError{Message: "m"},
		&SearchNotEnabledError{},
		&InvalidSearchQueryError{Message: "m"},
		&ChangeTrackingNotEnabledError{},
		&HookError{Errors: []error{errors.New("x")}},
		&InvalidPluginError{Message: "m"},
	} {
		assert.True(t, errors.As(err, &readerError), "%T", err)
	}

	assert.True(t, errors.As(&ParseError{URL: "u"}, &updateError))
	assert.True(t, errors.As(&HookError{}, &updateError))
	assert.False(t, errors.As(&StorageError{}, &updateError))
}

func TestParseErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := &ParseError{URL: "u", Cause: cause}
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "cause")
}

func TestTagAtoms(t *testing.T) {
	atom := TagAtomBool(true)
	assert.True(t, atom.IsBool)
	assert.True(t, atom.Bool)

	atom = TagAtomKey(true, "k")
	assert.False(t, atom.IsBool)
	assert.True(t, atom.Negated)
	assert.Equal(t, "k", atom.Key)
}
