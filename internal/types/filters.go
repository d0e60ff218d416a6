package types

// TagAtom is one atom of a tag filter clause: either a bare boolean
// (any tag / no tag) or a possibly negated key.
type TagAtom struct {
	IsBool  bool
	Bool    bool
	Negated bool
	Key     string
}

// TagAtomBool returns a bare boolean atom.
func TagAtomBool(b bool) TagAtom { return TagAtom{IsBool: true, Bool: b} }

// TagAtomKey returns a key atom.
func TagAtomKey(negated bool, key string) TagAtom {
	return TagAtom{Negated: negated, Key: key}
}

// TagFilter is a tag filter in disjunctive normal form: a list of
// clauses ANDed together, each a list of atoms ORed together.
type TagFilter [][]TagAtom

// FeedFilter selects a subset of feeds. Zero values mean "no filter".
type FeedFilter struct {
	URL  string
	Tags TagFilter

	// Broken selects feeds whose last retrieval failed (or did not).
	Broken *bool

	// UpdatesEnabled selects feeds by their updates-enabled flag.
	UpdatesEnabled *bool

	// New selects feeds that were never retrieved successfully
	// (or were).
	New *bool
}

// TristateFilter filters on a nullable boolean column.
type TristateFilter string

const (
	TristateAny      TristateFilter = "any"
	TristateIsTrue   TristateFilter = "istrue"
	TristateIsFalse  TristateFilter = "isfalse"
	TristateNotSet   TristateFilter = "notset"
	TristateNotTrue  TristateFilter = "nottrue"
	TristateNotFalse TristateFilter = "notfalse"
	TristateIsSet    TristateFilter = "isset"
)

// EntryFilter selects a subset of entries. Zero values mean
// "no filter"; the zero value of Important means "any".
type EntryFilter struct {
	FeedURL string
	EntryID string

	Read          *bool
	Important     TristateFilter
	HasEnclosures *bool

	Tags     TagFilter
	FeedTags TagFilter
}
