package sqlbuilder

import (
	"context"
	"database/sql"
)

// Queryer is the subset of database handles pagination needs.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// MakeQuery builds a fresh query and its parameters; called once per
// page, because AddLast and LIMIT mutate the query.
type MakeQuery func() (*Query, map[string]any)

// ScanFunc scans the current row into a value plus the row's cursor
// tuple (the scrolling-window keys, in order; nil for queries without
// a cursor).
type ScanFunc[T any] func(rows *sql.Rows) (T, []any, error)

// Paginator executes a query as a sequence of scrolling-window pages.
//
// Each page holds the database lock only while it is being read; the
// lock is released between pages. The cursor is the sort-key tuple of
// the last row of the previous page.
type Paginator[T any] struct {
	db        Queryer
	makeQuery MakeQuery
	scan      ScanFunc[T]

	chunkSize int
	remaining int
	limited   bool

	last []any

	page []T
	pos  int
	done bool
	err  error
}

// Paginated returns a paginator over makeQuery; limit 0 means no limit;
// last is the initial cursor, nil to start from the beginning.
func Paginated[T any](
	db Queryer,
	makeQuery MakeQuery,
	chunkSize int,
	limit int,
	last []any,
	scan ScanFunc[T],
) *Paginator[T] {
	return &Paginator[T]{
		db:        db,
		makeQuery: makeQuery,
		scan:      scan,
		chunkSize: chunkSize,
		remaining: limit,
		limited:   limit > 0,
		last:      last,
	}
}

// Next advances to the next row, fetching a new page as needed.
// It returns false when the query is exhausted or on error.
func (p *Paginator[T]) Next(ctx context.Context) bool {
	if p.err != nil {
		return false
	}
	p.pos++
	if p.pos < len(p.page) {
		return true
	}
	if p.done {
		return false
	}
	if !p.fetch(ctx) {
		return false
	}
	p.pos = 0
	return len(p.page) > 0
}

// Value returns the current row.
func (p *Paginator[T]) Value() T {
	return p.page[p.pos]
}

// Err returns the first error encountered, if any.
func (p *Paginator[T]) Err() error {
	return p.err
}

// All drains the paginator into a slice.
func (p *Paginator[T]) All(ctx context.Context) ([]T, error) {
	var rv []T
	for p.Next(ctx) {
		rv = append(rv, p.Value())
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return rv, nil
}

func (p *Paginator[T]) fetch(ctx context.Context) bool {
	size := p.chunkSize
	if p.limited {
		if p.remaining == 0 {
			p.done = true
			return false
		}
		if p.remaining < size {
			size = p.remaining
		}
		p.remaining -= size
	}

	query, params := p.makeQuery()
	query.Limit(":limit")
	params["limit"] = size
	if p.last != nil {
		query.AddLast(p.last, params)
	}

	rows, err := p.db.QueryContext(ctx, query.String(), NamedArgs(params)...)
	if err != nil {
		p.err = err
		return false
	}
	defer rows.Close()

	p.page = p.page[:0]
	var lastCursor []any
	for rows.Next() {
		value, cursor, err := p.scan(rows)
		if err != nil {
			p.err = err
			return false
		}
		p.page = append(p.page, value)
		lastCursor = cursor
	}
	if err := rows.Err(); err != nil {
		p.err = err
		return false
	}

	if len(p.page) < size || len(lastCursor) == 0 {
		// short page, or a query without a cursor to continue from
		p.done = true
	}
	if len(p.page) == 0 {
		return false
	}
	p.last = lastCursor
	return true
}
