package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feedstash/feedstash/internal/sqlbuilder"
	"github.com/feedstash/feedstash/internal/types"
)

// feed queries

var feedSelectColumns = []string{
	"url",
	"updated",
	"title",
	"link",
	"author",
	"subtitle",
	"version",
	"user_title",
	"added",
	"last_updated",
	"last_exception",
	"updates_enabled",
	"update_after",
}

// Sort key values must be non-null for every row, so cursor
// comparisons are total; url at the end makes the order
// deterministic.
const kindaTitleExpr = "lower(coalesce(user_title, title, ''))"

func getFeedsQuery(filter types.FeedFilter, sort types.FeedSort) (*sqlbuilder.Query, map[string]any) {
	query := sqlbuilder.New().
		Select(feedSelectColumns...).
		From("feeds")

	context := feedFilter(query, filter)

	// the cursor columns are selected again at the end, in scroll-key
	// order, so scanFeed can extract the cursor positionally
	switch sort {
	case types.FeedSortTitle:
		query.SelectAs(kindaTitleExpr, "kinda_title")
		query.Select("url")
		query.ScrollingWindowOrderBy("WHERE", false, "kinda_title", "url")
	case types.FeedSortAdded:
		query.Select("added", "url")
		query.ScrollingWindowOrderBy("WHERE", true, "added", "url")
	default:
		panic(fmt.Sprintf("unknown feed sort: %q", sort))
	}

	return query, context
}

func feedFilter(query *sqlbuilder.Query, filter types.FeedFilter) map[string]any {
	context := map[string]any{}

	if filter.URL != "" {
		query.Where("url = :url")
		context["url"] = filter.URL
	}

	feedTagsFilter(query, filter.Tags, "feeds.url", "WHERE", context)

	if filter.Broken != nil {
		not := ""
		if *filter.Broken {
			not = "NOT "
		}
		query.Where(fmt.Sprintf("last_exception IS %sNULL", not))
	}
	if filter.UpdatesEnabled != nil {
		not := ""
		if !*filter.UpdatesEnabled {
			not = "NOT "
		}
		query.Where(not + "updates_enabled")
	}
	if filter.New != nil {
		not := ""
		if !*filter.New {
			not = "NOT "
		}
		query.Where(fmt.Sprintf("last_updated IS %sNULL", not))
	}

	return context
}

// scanFeed scans the feed columns plus cursorLen trailing sort-key
// columns.
func scanFeed(rows *sql.Rows, cursorLen int) (*types.Feed, []any, error) {
	var (
		url            string
		updated        sql.NullString
		title          sql.NullString
		link           sql.NullString
		author         sql.NullString
		subtitle       sql.NullString
		version        sql.NullString
		userTitle      sql.NullString
		added          string
		lastUpdated    sql.NullString
		lastException  sql.NullString
		updatesEnabled int
		updateAfter    sql.NullString
	)

	dest := []any{
		&url, &updated, &title, &link, &author, &subtitle, &version,
		&userTitle, &added, &lastUpdated, &lastException,
		&updatesEnabled, &updateAfter,
	}
	cursor := make([]any, cursorLen)
	for i := range cursor {
		dest = append(dest, &cursor[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, nil, err
	}
	for i := range cursor {
		cursor[i] = *(dest[len(feedSelectColumns)+i].(*any))
	}

	feed, err := feedFromRow(
		url, updated, title, link, author, subtitle, version,
		userTitle, added, lastUpdated, lastException,
		updatesEnabled, updateAfter,
	)
	if err != nil {
		return nil, nil, err
	}
	return feed, cursor, nil
}

func feedFromRow(
	url string,
	updated, title, link, author, subtitle, version, userTitle sql.NullString,
	added string,
	lastUpdated, lastException sql.NullString,
	updatesEnabled int,
	updateAfter sql.NullString,
) (*types.Feed, error) {
	feed := &types.Feed{
		URL:            url,
		Title:          title.String,
		Link:           link.String,
		Author:         author.String,
		Subtitle:       subtitle.String,
		Version:        version.String,
		UserTitle:      userTitle.String,
		UpdatesEnabled: updatesEnabled == 1,
	}

	var err error
	if feed.Updated, err = convertTimeNull(updated); err != nil {
		return nil, err
	}
	if feed.Added, err = convertTime(added); err != nil {
		return nil, err
	}
	if feed.LastUpdated, err = convertTimeNull(lastUpdated); err != nil {
		return nil, err
	}
	if feed.UpdateAfter, err = convertTimeNull(updateAfter); err != nil {
		return nil, err
	}
	if lastException.Valid {
		var info types.ExceptionInfo
		if err := json.Unmarshal([]byte(lastException.String), &info); err != nil {
			return nil, fmt.Errorf("invalid last_exception: %w", err)
		}
		feed.LastException = &info
	}
	return feed, nil
}

// entry queries

var entrySelectColumns = []string{
	"entries.feed",
	"feeds.updated",
	"feeds.title",
	"feeds.link",
	"feeds.author",
	"feeds.subtitle",
	"feeds.version",
	"feeds.user_title",
	"feeds.added",
	"feeds.last_updated",
	"feeds.last_exception",
	"feeds.updates_enabled",
	"feeds.update_after",
	"entries.id",
	"entries.updated",
	"entries.title",
	"entries.link",
	"entries.author",
	"entries.published",
	"entries.summary",
	"entries.content",
	"entries.enclosures",
	"entries.read",
	"entries.read_modified",
	"entries.important",
	"entries.important_modified",
	"entries.first_updated",
	"entries.added_by",
	"entries.last_updated",
	"entries.original_feed",
	"entries.sequence",
}

func getEntriesQuery(filter types.EntryFilter, sort types.EntrySort) (*sqlbuilder.Query, map[string]any) {
	query := sqlbuilder.New().
		Select(entrySelectColumns...).
		From("entries").
		Join("feeds ON feeds.url = entries.feed")

	context := entryFilter(query, filter, "WHERE")

	switch sort {
	case types.EntrySortRecent:
		entriesRecentSort(query, "WHERE", "entries.")
	case types.EntrySortRandom:
		entriesRandomSort(query)
	default:
		panic(fmt.Sprintf("unknown entry sort: %q", sort))
	}

	return query, context
}

// ApplyEntryFilter translates an entry filter into conditions on
// query under keyword, returning the named parameters. Exported for
// the search provider, whose match subquery joins entries and takes
// the same conditions.
func ApplyEntryFilter(query *sqlbuilder.Query, filter types.EntryFilter, keyword string) map[string]any {
	return entryFilter(query, filter, keyword)
}

var tristateFilterToSQL = map[types.TristateFilter]string{
	types.TristateIsTrue:   "(%[1]s IS NOT NULL AND %[1]s)",
	types.TristateIsFalse:  "(%[1]s IS NOT NULL AND NOT %[1]s)",
	types.TristateNotSet:   "%[1]s IS NULL",
	types.TristateNotTrue:  "(%[1]s IS NULL OR NOT %[1]s)",
	types.TristateNotFalse: "(%[1]s IS NULL OR %[1]s)",
	types.TristateIsSet:    "%[1]s IS NOT NULL",
}

func entryFilter(query *sqlbuilder.Query, filter types.EntryFilter, keyword string) map[string]any {
	context := map[string]any{}

	if filter.FeedURL != "" {
		query.AddClause(keyword, "entries.feed = :feed_url")
		context["feed_url"] = filter.FeedURL
		if filter.EntryID != "" {
			query.AddClause(keyword, "entries.id = :entry_id")
			context["entry_id"] = filter.EntryID
		}
	}

	if filter.Read != nil {
		not := ""
		if !*filter.Read {
			not = "NOT "
		}
		query.AddClause(keyword, not+"entries.read")
	}

	if filter.Important != "" && filter.Important != types.TristateAny {
		format, ok := tristateFilterToSQL[filter.Important]
		if !ok {
			panic(fmt.Sprintf("unknown tristate filter: %q", filter.Important))
		}
		query.AddClause(keyword, fmt.Sprintf(format, "entries.important"))
	}

	if filter.HasEnclosures != nil {
		not := ""
		if *filter.HasEnclosures {
			not = "NOT "
		}
		query.AddClause(keyword, fmt.Sprintf(`
			%s(json_array_length(entries.enclosures) IS NULL
			    OR json_array_length(entries.enclosures) = 0)`, not))
	}

	entryTagsFilter(query, filter.Tags, keyword, context)
	feedTagsFilter(query, filter.FeedTags, "entries.feed", keyword, context)

	return context
}

func feedTagsFilter(
	query *sqlbuilder.Query,
	tags types.TagFilter,
	urlColumn, keyword string,
	context map[string]any,
) {
	usedCTE, usedCountCTE := tagsFilter(query, tags, keyword, "feed_tags", context)

	if usedCTE {
		query.With("__feed_tags", fmt.Sprintf(
			"SELECT key FROM feed_tags WHERE feed = %s", urlColumn))
	}
	if usedCountCTE {
		query.With("__feed_tags_count", fmt.Sprintf(
			"SELECT count(key) FROM feed_tags WHERE feed = %s", urlColumn))
	}
}

func entryTagsFilter(
	query *sqlbuilder.Query,
	tags types.TagFilter,
	keyword string,
	context map[string]any,
) {
	usedCTE, usedCountCTE := tagsFilter(query, tags, keyword, "entry_tags", context)

	if usedCTE {
		query.With("__entry_tags", `
			SELECT key FROM entry_tags
			WHERE (id, feed) = (entries.id, entries.feed)`)
	}
	if usedCountCTE {
		query.With("__entry_tags_count", `
			SELECT count(key) FROM entry_tags
			WHERE (id, feed) = (entries.id, entries.feed)`)
	}
}

// tagsFilter translates a DNF tag filter into SQL: each clause
// becomes one condition ORing its atoms, key atoms become
// ":name [NOT] IN __<base>_tags", bool atoms become
// "[NOT] (SELECT * FROM __<base>_tags_count)".
func tagsFilter(
	query *sqlbuilder.Query,
	tags types.TagFilter,
	keyword, baseTable string,
	context map[string]any,
) (usedCTE, usedCountCTE bool) {
	tagsCTE := "__" + baseTable
	tagsCountCTE := "__" + baseTable + "_count"

	nextTagID := 0

	for _, clause := range tags {
		var parts []string
		for _, atom := range clause {
			if atom.IsBool {
				not := ""
				if !atom.Bool {
					not = "NOT "
				}
				parts = append(parts, fmt.Sprintf("%s(SELECT * FROM %s)", not, tagsCountCTE))
				usedCountCTE = true
				continue
			}

			name := fmt.Sprintf("%s_%d", tagsCTE, nextTagID)
			nextTagID++
			context[name[2:]] = atom.Key
			not := ""
			if atom.Negated {
				not = "NOT "
			}
			parts = append(parts, fmt.Sprintf(":%s %sIN %s", name[2:], not, tagsCTE))
			usedCTE = true
		}
		if len(parts) == 0 {
			continue
		}
		condition := "(\n    " + parts[0]
		for _, p := range parts[1:] {
			condition += " OR\n    " + p
		}
		condition += "\n)"
		query.AddClause(keyword, condition)
	}

	return usedCTE, usedCountCTE
}

// entryRecentSortKeys are the scrolling-window keys of the recent
// sort; always keep the entries_by_recent index in sync with the
// ORDER BY of the ids CTE below.
var entryRecentSortKeys = []string{
	"ids.recent_sort",
	"ids.kinda_published",
	"ids.feed",
	"ids.last_updated",
	"ids.negative_feed_order",
	"ids.id",
}

// entriesRecentSort changes query to sort entries by "recent":
// entries imported in the same batch are grouped by recent_sort, then
// ordered by published/updated; the remaining keys make ties
// deterministic. All keys are non-null by construction.
func entriesRecentSort(query *sqlbuilder.Query, keyword, idPrefix string) {
	query.With("ids", `
		SELECT
		    feed,
		    id,
		    last_updated,
		    recent_sort,
		    coalesce(published, updated, first_updated) AS kinda_published,
		    - feed_order AS negative_feed_order
		FROM entries
		ORDER BY
		    recent_sort DESC,
		    kinda_published DESC,
		    feed DESC,
		    last_updated DESC,
		    negative_feed_order DESC,
		    id DESC`)
	query.Join(fmt.Sprintf("ids ON (ids.id, ids.feed) = (%[1]sid, %[1]sfeed)", idPrefix))

	query.Select(entryRecentSortKeys...)
	query.ScrollingWindowOrderBy(keyword, true, entryRecentSortKeys...)
}

func entriesRandomSort(query *sqlbuilder.Query) {
	// "order by random()" always goes through the full result set,
	// which is inefficient, but good enough for the limits used with
	// the random sort
	query.OrderBy("random()")
}

// scanEntry scans the entry columns plus cursorLen trailing sort-key
// columns.
func scanEntry(rows *sql.Rows, cursorLen int) (*types.Entry, []any, error) {
	var (
		feedURL            string
		fUpdated           sql.NullString
		fTitle             sql.NullString
		fLink              sql.NullString
		fAuthor            sql.NullString
		fSubtitle          sql.NullString
		fVersion           sql.NullString
		fUserTitle         sql.NullString
		fAdded             string
		fLastUpdated       sql.NullString
		fLastException     sql.NullString
		fUpdatesEnabled    int
		fUpdateAfter       sql.NullString
		id                 string
		updated            sql.NullString
		title              sql.NullString
		link               sql.NullString
		author             sql.NullString
		published          sql.NullString
		summary            sql.NullString
		content            sql.NullString
		enclosures         sql.NullString
		read               sql.NullInt64
		readModified       sql.NullString
		important          sql.NullInt64
		importantModified  sql.NullString
		firstUpdated       string
		addedBy            string
		lastUpdated        string
		originalFeed       sql.NullString
		sequence           []byte
	)

	dest := []any{
		&feedURL, &fUpdated, &fTitle, &fLink, &fAuthor, &fSubtitle,
		&fVersion, &fUserTitle, &fAdded, &fLastUpdated, &fLastException,
		&fUpdatesEnabled, &fUpdateAfter,
		&id, &updated, &title, &link, &author, &published, &summary,
		&content, &enclosures, &read, &readModified, &important,
		&importantModified, &firstUpdated, &addedBy, &lastUpdated,
		&originalFeed, &sequence,
	}
	cursor := make([]any, cursorLen)
	for i := range cursor {
		dest = append(dest, &cursor[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, nil, err
	}
	for i := range cursor {
		cursor[i] = *(dest[len(entrySelectColumns)+i].(*any))
	}

	feed, err := feedFromRow(
		feedURL, fUpdated, fTitle, fLink, fAuthor, fSubtitle, fVersion,
		fUserTitle, fAdded, fLastUpdated, fLastException,
		fUpdatesEnabled, fUpdateAfter,
	)
	if err != nil {
		return nil, nil, err
	}

	entry := &types.Entry{
		ID:      id,
		Title:   title.String,
		Link:    link.String,
		Author:  author.String,
		Summary: summary.String,
		Read:    read.Valid && read.Int64 == 1,
		AddedBy: addedBy,
		Feed:    feed,
	}
	if len(sequence) > 0 {
		entry.Sequence = append([]byte(nil), sequence...)
	}

	if entry.Updated, err = convertTimeNull(updated); err != nil {
		return nil, nil, err
	}
	if entry.Published, err = convertTimeNull(published); err != nil {
		return nil, nil, err
	}
	if entry.ReadModified, err = convertTimeNull(readModified); err != nil {
		return nil, nil, err
	}
	if entry.ImportantModified, err = convertTimeNull(importantModified); err != nil {
		return nil, nil, err
	}
	if entry.FirstUpdated, err = convertTime(firstUpdated); err != nil {
		return nil, nil, err
	}
	if entry.LastUpdated, err = convertTime(lastUpdated); err != nil {
		return nil, nil, err
	}

	if important.Valid {
		b := important.Int64 == 1
		entry.Important = &b
	}

	if content.Valid && content.String != "" {
		if err := json.Unmarshal([]byte(content.String), &entry.Content); err != nil {
			return nil, nil, fmt.Errorf("invalid entry content: %w", err)
		}
	}
	if enclosures.Valid && enclosures.String != "" {
		if err := json.Unmarshal([]byte(enclosures.String), &entry.Enclosures); err != nil {
			return nil, nil, fmt.Errorf("invalid entry enclosures: %w", err)
		}
	}

	entry.OriginalFeedURL = feed.URL
	if originalFeed.Valid && originalFeed.String != "" {
		entry.OriginalFeedURL = originalFeed.String
	}

	return entry, cursor, nil
}

// entry counts

// entryCountsAveragePeriods are 1, 3, and 12 months rounded down to
// days, assuming an average of 30.436875 days/month.
var entryCountsAveragePeriods = [3]float64{30, 91, 365}

func getEntryCountsQuery(
	now time.Time,
	periods [3]float64,
	entriesQuery *sqlbuilder.Query,
) (*sqlbuilder.Query, map[string]any) {
	query := sqlbuilder.New().
		With("entries_filtered", entriesQuery.String()).
		Select(
			"count(*)",
			"coalesce(sum(read = 1), 0)",
			"coalesce(sum(important = 1), 0)",
			`coalesce(
			    sum(
			        NOT (
			            json_array_length(entries.enclosures) IS NULL
			            OR json_array_length(entries.enclosures) = 0
			        )
			    ), 0
			)`,
		).
		From("entries_filtered").
		Join("entries USING (id, feed)")

	context := map[string]any{"now": adaptTime(now)}

	// one CTE per period; HAVING in the CTE is slightly faster than
	// WHERE in the outer SELECT
	for i, days := range periods {
		daysParam := fmt.Sprintf("kfu_%d_days", i)
		context[daysParam] = days

		startParam := fmt.Sprintf("kfu_%d_start", i)
		context[startParam] = adaptTime(now.Add(-time.Duration(days * 24 * float64(time.Hour))))

		kfuQuery := sqlbuilder.New().
			SelectAs("coalesce(published, updated, first_updated_epoch)", "kfu").
			From("entries_filtered").
			Join("entries USING (id, feed)").
			GroupBy("published, updated, first_updated_epoch, feed").
			Having(fmt.Sprintf("kfu BETWEEN :%s AND :now", startParam))

		query.With(fmt.Sprintf("kfu_%d", i), kfuQuery.String())
		query.Select(fmt.Sprintf("(SELECT count(*) / :%s FROM kfu_%d)", daysParam, i))
	}

	return query, context
}
