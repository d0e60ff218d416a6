package sqlbuilder

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/feedstash/feedstash/internal/sqliteutil"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqliteutil.Open(":memory:", time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (n INTEGER NOT NULL)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for n := 1; n <= 10; n++ {
		if _, err := db.ExecContext(ctx, "INSERT INTO t (n) VALUES (?)", n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return db
}

func makeNumbersQuery() (*Query, map[string]any) {
	q := New().
		Select("n").
		From("t").
		ScrollingWindowOrderBy("WHERE", false, "n")
	return q, map[string]any{}
}

func scanNumber(rows *sql.Rows) (int, []any, error) {
	var n int
	if err := rows.Scan(&n); err != nil {
		return 0, nil, err
	}
	return n, []any{n}, nil
}

func TestPaginatedWindows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// chunk size 3 over 10 rows: four windows, no row lost or
	// duplicated across the page boundaries
	got, err := Paginated(db, makeNumbersQuery, 3, 0, nil, scanNumber).All(ctx)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 rows, got %v", got)
	}
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("expected %d at %d, got %v", i+1, i, got)
		}
	}
}

func TestPaginatedLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	got, err := Paginated(db, makeNumbersQuery, 3, 7, nil, scanNumber).All(ctx)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("expected 7 rows, got %v", got)
	}
}

func TestPaginatedInitialCursor(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// resume after 4: only 5..10
	got, err := Paginated(db, makeNumbersQuery, 3, 0, []any{4}, scanNumber).All(ctx)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(got) != 6 || got[0] != 5 || got[5] != 10 {
		t.Fatalf("expected 5..10, got %v", got)
	}
}

func TestPaginatedEmpty(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p := Paginated(db, makeNumbersQuery, 3, 0, []any{10}, scanNumber)
	if p.Next(ctx) {
		t.Fatal("expected no rows past the last cursor")
	}
	if err := p.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPaginatedDescending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	makeDesc := func() (*Query, map[string]any) {
		q := New().
			Select("n").
			From("t").
			ScrollingWindowOrderBy("WHERE", true, "n")
		return q, map[string]any{}
	}

	got, err := Paginated(db, makeDesc, 4, 0, nil, scanNumber).All(ctx)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(got) != 10 || got[0] != 10 || got[9] != 1 {
		t.Fatalf("expected 10..1, got %v", got)
	}
}
