package sqlbuilder

import (
	"strings"
	"testing"
)

// collapse reduces a rendered query to single-space tokens, so tests
// compare structure rather than whitespace.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func TestKeywordOrder(t *testing.T) {
	// clauses render in keyword order regardless of insertion order
	q := New().
		OrderBy("one").
		Where("two").
		From("three").
		Select("four")

	got := collapse(q.String())
	want := "SELECT four FROM three WHERE two ORDER BY one"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSeparators(t *testing.T) {
	q := New().
		Select("one", "two").
		From("t").
		Where("a", "b").
		Having("c", "d").
		GroupBy("e", "f").
		OrderBy("g", "h")

	got := collapse(q.String())
	want := "SELECT one , two FROM t WHERE a AND b GROUP BY e , f HAVING c AND d ORDER BY g , h"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAliases(t *testing.T) {
	q := New().
		SelectAs("1 + 1", "two").
		From("t")

	got := collapse(q.String())
	want := "SELECT 1 + 1 AS two FROM t"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWith(t *testing.T) {
	// aliased WITH items render as "alias AS (value)"
	q := New().
		With("cte", "SELECT 1").
		Select("*").
		From("cte")

	got := collapse(q.String())
	want := "WITH cte AS ( SELECT 1 ) SELECT * FROM cte"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestJoin(t *testing.T) {
	// JOINs come after the plain FROM items, keyword inlined
	q := New().
		Select("*").
		From("one").
		Join("two ON one.id = two.id")

	got := collapse(q.String())
	want := "SELECT * FROM one JOIN two ON one.id = two.id"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDistinctFlag(t *testing.T) {
	q := New().Distinct().Select("key").From("t")

	got := collapse(q.String())
	want := "SELECT DISTINCT key FROM t"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestScrollingWindowOrderBy(t *testing.T) {
	q := New().
		Select("a", "b").
		From("t").
		ScrollingWindowOrderBy("WHERE", true, "a", "b")

	got := collapse(q.String())
	want := "SELECT a , b FROM t ORDER BY a DESC , b DESC"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestScrollingWindowAddLast(t *testing.T) {
	q := New().
		Select("a", "b").
		From("t").
		ScrollingWindowOrderBy("WHERE", true, "a", "b")

	params := map[string]any{}
	q.AddLast([]any{1, "x"}, params)

	got := collapse(q.String())
	want := "SELECT a , b FROM t WHERE ( a, b ) < ( :last_0, :last_1 ) ORDER BY a DESC , b DESC"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if params["last_0"] != 1 || params["last_1"] != "x" {
		t.Errorf("unexpected params: %v", params)
	}
}

func TestScrollingWindowAscendingUsesGreaterThan(t *testing.T) {
	q := New().
		Select("a").
		From("t").
		ScrollingWindowOrderBy("WHERE", false, "a")

	params := map[string]any{}
	q.AddLast([]any{1}, params)

	if !strings.Contains(q.String(), ") > (") {
		t.Errorf("expected > comparison, got:\n%s", q.String())
	}
}

func TestScrollingWindowHavingKeyword(t *testing.T) {
	q := New().
		Select("a").
		From("t").
		GroupBy("a").
		ScrollingWindowOrderBy("HAVING", false, "a")

	params := map[string]any{}
	q.AddLast([]any{1}, params)

	got := collapse(q.String())
	want := "SELECT a FROM t GROUP BY a HAVING ( a ) > ( :last_0 ) ORDER BY a ASC"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
