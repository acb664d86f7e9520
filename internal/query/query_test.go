package query_test

import (
	"slices"
	"testing"

	"github.com/mickamy/gotrash/internal/query"
)

func TestSelectBuild(t *testing.T) {
	t.Parallel()

	base := query.Select{Table: "public.posts", Columns: []string{"id", "title"}}

	tcs := []struct {
		name     string
		sel      query.Select
		p        query.Placeholder
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "no conditions",
			sel:     base,
			p:       query.Dollar,
			wantSQL: `SELECT "id", "title" FROM "public"."posts"`,
		},
		{
			name:     "where and tagged filter",
			sel:      base.Where(`"author_id" = ?`, 7).Filter("trash", `"deleted_at" IS NULL`),
			p:        query.Dollar,
			wantSQL:  `SELECT "id", "title" FROM "public"."posts" WHERE ("author_id" = $1) AND ("deleted_at" IS NULL)`,
			wantArgs: []any{7},
		},
		{
			name:     "question placeholders with order and limit",
			sel:      func() query.Select { s := base.Where(`"id" > ?`, 1); s.Order = `"id"`; s.Limit = 2; return s }(),
			p:        query.Question,
			wantSQL:  `SELECT "id", "title" FROM "public"."posts" WHERE ("id" > ?) ORDER BY "id" LIMIT 2`,
			wantArgs: []any{1},
		},
		{
			name:    "star when no columns",
			sel:     query.Select{Table: "posts"},
			p:       query.Question,
			wantSQL: `SELECT * FROM "posts"`,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gotSQL, gotArgs := tc.sel.Build(tc.p)
			if gotSQL != tc.wantSQL {
				t.Fatalf("Build() sql = %q, want %q", gotSQL, tc.wantSQL)
			}
			if !slices.Equal(gotArgs, tc.wantArgs) {
				t.Fatalf("Build() args = %#v, want %#v", gotArgs, tc.wantArgs)
			}
		})
	}
}

func TestSelectFilterAndUnscope(t *testing.T) {
	t.Parallel()

	s := query.Select{Table: "posts"}.
		Filter("trash", `"deleted_at" IS NULL`).
		Filter("trash", `"deleted_at" IS NOT NULL`)
	if len(s.Conds) != 1 || s.Conds[0].SQL != `"deleted_at" IS NOT NULL` {
		t.Fatalf("Filter did not replace tagged predicate: %#v", s.Conds)
	}
	if !hasTag(s, "trash") {
		t.Fatalf("Has(trash) = false, want true")
	}
	u := s.Unscope("trash")
	if hasTag(u, "trash") {
		t.Fatalf("Unscope left tagged predicate: %#v", u.Conds)
	}
	if !hasTag(s, "trash") {
		t.Fatalf("Unscope mutated the receiver")
	}
}

func hasTag(s query.Select, tag string) bool {
	for _, c := range s.Conds {
		if c.Tag == tag {
			return true
		}
	}
	return false
}

func TestSelectWhereDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := query.Select{Table: "posts", Conds: make([]query.Cond, 0, 4)}
	a := base.Where("a = ?", 1)
	b := base.Where("b = ?", 2)
	if a.Conds[0].SQL != "a = ?" || b.Conds[0].SQL != "b = ?" {
		t.Fatalf("Where shares backing array: a=%#v b=%#v", a.Conds, b.Conds)
	}
}

func TestBuildCount(t *testing.T) {
	t.Parallel()

	got, args := query.Select{Table: "posts"}.Where(`"deleted_at" <> ?`, 0).BuildCount(query.Dollar)
	if want := `SELECT COUNT(*) FROM "posts" WHERE ("deleted_at" <> $1)`; got != want {
		t.Fatalf("BuildCount() = %q, want %q", got, want)
	}
	if !slices.Equal(args, []any{0}) {
		t.Fatalf("BuildCount() args = %#v", args)
	}
}

func TestUpdateBuild(t *testing.T) {
	t.Parallel()

	u := query.Update{
		Table: "posts",
		Set:   []query.Assign{{Column: "deleted_at", Value: nil}, {Column: "updated_at", Value: "now"}},
		Conds: []query.Cond{query.Eq("id", 3)},
	}
	got, args := u.Build(query.Dollar)
	if want := `UPDATE "posts" SET "deleted_at" = $1, "updated_at" = $2 WHERE ("id" = $3)`; got != want {
		t.Fatalf("Update.Build() = %q, want %q", got, want)
	}
	if !slices.Equal(args, []any{nil, "now", 3}) {
		t.Fatalf("Update.Build() args = %#v", args)
	}
}

func TestDeleteBuild(t *testing.T) {
	t.Parallel()

	got, args := query.Delete{Table: "posts", Conds: []query.Cond{query.Eq("id", 9)}}.Build(query.Question)
	if want := `DELETE FROM "posts" WHERE ("id" = ?)`; got != want {
		t.Fatalf("Delete.Build() = %q, want %q", got, want)
	}
	if !slices.Equal(args, []any{9}) {
		t.Fatalf("Delete.Build() args = %#v", args)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name string
		in   string
		p    query.Placeholder
		want string
	}{
		{name: "question untouched", in: "a = ? AND b = ?", p: query.Question, want: "a = ? AND b = ?"},
		{name: "dollar", in: "a = ? AND b = ?", p: query.Dollar, want: "a = $1 AND b = $2"},
		{name: "skip string literal", in: "note = 'why?' AND id = ?", p: query.Dollar, want: "note = 'why?' AND id = $1"},
		{name: "skip quoted identifier", in: `"odd?col" = ?`, p: query.Dollar, want: `"odd?col" = $1`},
		{name: "escaped quote in literal", in: "note = 'it''s?' AND id = ?", p: query.Dollar, want: "note = 'it''s?' AND id = $1"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := query.Rebind(tc.in, tc.p); got != tc.want {
				t.Fatalf("Rebind(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
