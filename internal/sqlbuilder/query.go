// Package sqlbuilder builds parameterized SQL by accumulating clauses
// per keyword, and executes scrolling-window paginated queries.
//
// Clauses render in a fixed keyword order regardless of insertion
// order. WHERE and HAVING items are joined with AND, everything else
// with commas; JOINs render on their own lines inside FROM.
package sqlbuilder

import (
	"database/sql"
	"strings"
)

var keywordOrder = []string{
	"WITH",
	"SELECT",
	"FROM",
	"WHERE",
	"GROUP BY",
	"HAVING",
	"ORDER BY",
	"LIMIT",
}

var separators = map[string]string{
	"WHERE":  "AND",
	"HAVING": "AND",
}

type item struct {
	value    string
	alias    string
	keyword  string // inline keyword for JOINs
	subquery bool
}

// Query accumulates SQL clauses and renders them in keyword order.
type Query struct {
	data  map[string][]item
	flags map[string]string

	scrollKeys    []string
	scrollDesc    bool
	scrollKeyword string
}

// New returns an empty query.
func New() *Query {
	return &Query{
		data:  make(map[string][]item),
		flags: make(map[string]string),
	}
}

func (q *Query) add(keyword string, things ...item) *Query {
	q.data[keyword] = append(q.data[keyword], things...)
	return q
}

// With adds a CTE, rendered as "alias AS (value)".
func (q *Query) With(alias, value string) *Query {
	return q.add("WITH", item{value: value, alias: alias, subquery: true})
}

// Select adds SELECT expressions.
func (q *Query) Select(exprs ...string) *Query {
	for _, e := range exprs {
		q.add("SELECT", item{value: e})
	}
	return q
}

// SelectAs adds a SELECT expression rendered as "value AS alias".
func (q *Query) SelectAs(value, alias string) *Query {
	return q.add("SELECT", item{value: value, alias: alias})
}

// Distinct flags the SELECT clause as DISTINCT.
func (q *Query) Distinct() *Query {
	q.flags["SELECT"] = "DISTINCT"
	return q
}

// From adds FROM items.
func (q *Query) From(tables ...string) *Query {
	for _, t := range tables {
		q.add("FROM", item{value: t})
	}
	return q
}

// Join adds a JOIN to the FROM clause; join is everything after the
// JOIN keyword ("feeds ON feeds.url = entries.feed").
func (q *Query) Join(join string) *Query {
	return q.add("FROM", item{value: join, keyword: "JOIN"})
}

// Where adds WHERE conditions, joined with AND.
func (q *Query) Where(conds ...string) *Query {
	for _, c := range conds {
		q.add("WHERE", item{value: c})
	}
	return q
}

// GroupBy adds GROUP BY expressions.
func (q *Query) GroupBy(exprs ...string) *Query {
	for _, e := range exprs {
		q.add("GROUP BY", item{value: e})
	}
	return q
}

// Having adds HAVING conditions, joined with AND.
func (q *Query) Having(conds ...string) *Query {
	for _, c := range conds {
		q.add("HAVING", item{value: c})
	}
	return q
}

// OrderBy adds ORDER BY expressions.
func (q *Query) OrderBy(exprs ...string) *Query {
	for _, e := range exprs {
		q.add("ORDER BY", item{value: e})
	}
	return q
}

// Limit sets the LIMIT expression.
func (q *Query) Limit(expr string) *Query {
	return q.add("LIMIT", item{value: expr})
}

// AddClause adds a raw item under keyword; escape hatch for callers
// composing conditions outside the usual methods.
func (q *Query) AddClause(keyword, value string) *Query {
	return q.add(keyword, item{value: value})
}

// String renders the query.
func (q *Query) String() string {
	var b strings.Builder
	for _, keyword := range keywordOrder {
		things := q.data[keyword]
		if len(things) == 0 {
			continue
		}

		if flag := q.flags[keyword]; flag != "" {
			b.WriteString(keyword + " " + flag + "\n")
		} else {
			b.WriteString(keyword + "\n")
		}

		// plain items first, then keyword-prefixed ones (JOINs)
		var plain, prefixed []item
		for _, t := range things {
			if t.keyword != "" {
				prefixed = append(prefixed, t)
			} else {
				plain = append(plain, t)
			}
		}

		sep := separators[keyword]
		if sep == "" {
			sep = ","
		}

		for i, t := range plain {
			value := t.value
			if t.subquery {
				value = "(\n" + indent(value) + "\n)"
			}
			var line string
			if t.alias != "" {
				if keyword == "WITH" {
					line = t.alias + " AS " + value
				} else {
					line = value + " AS " + t.alias
				}
			} else {
				line = value
			}
			b.WriteString(indent(line))
			if i+1 < len(plain) {
				b.WriteString(" " + sep)
			}
			b.WriteString("\n")
		}

		for _, t := range prefixed {
			b.WriteString(t.keyword + "\n")
			b.WriteString(indent(t.value))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = "    " + l
		}
	}
	return strings.Join(lines, "\n")
}

// NamedArgs converts a parameter map into driver named arguments.
func NamedArgs(params map[string]any) []any {
	args := make([]any, 0, len(params))
	for name, value := range params {
		args = append(args, sql.Named(name, value))
	}
	return args
}
