package sqlbuilder

import (
	"fmt"
	"strings"
)

// ScrollingWindowOrderBy makes the query a scrolling-window query:
// it appends "ORDER BY k1 DIR, ..., kn DIR" and records the keys so a
// cursor comparison can be added later with AddLast.
//
// Every key must be non-null for every row (callers guarantee this
// with coalesce in the selected expressions), so the row-value cursor
// comparison is a total order.
//
// keyword is where the cursor comparison goes, "WHERE" or "HAVING".
func (q *Query) ScrollingWindowOrderBy(keyword string, desc bool, keys ...string) *Query {
	q.scrollKeys = keys
	q.scrollDesc = desc
	q.scrollKeyword = keyword

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	for _, k := range keys {
		q.OrderBy(k + " " + dir)
	}
	return q
}

// ScrollKeys returns the scrolling-window keys, if any.
func (q *Query) ScrollKeys() []string {
	return q.scrollKeys
}

// AddLast appends the row-value cursor comparison
// "(k1, ..., kn) < (:last_0, ..., :last_{n-1})" (">" when ascending)
// and adds the cursor values to params.
func (q *Query) AddLast(last []any, params map[string]any) {
	if len(last) == 0 {
		return
	}
	if len(last) != len(q.scrollKeys) {
		panic(fmt.Sprintf("cursor has %d values, expected %d", len(last), len(q.scrollKeys)))
	}

	op := ">"
	if q.scrollDesc {
		op = "<"
	}

	labels := make([]string, len(last))
	for i, value := range last {
		name := fmt.Sprintf("last_%d", i)
		labels[i] = ":" + name
		params[name] = value
	}

	comparison := fmt.Sprintf(
		"(\n%s\n) %s (\n%s\n)",
		indent(strings.Join(q.scrollKeys, ",\n")),
		op,
		indent(strings.Join(labels, ",\n")),
	)
	q.add(q.scrollKeyword, item{value: comparison})
}
