package query

import (
	"slices"
	"strconv"
	"strings"

	"github.com/mickamy/gotrash/internal/ident"
)

// Placeholder is the bind parameter style of a SQL dialect.
type Placeholder int

const (
	Question Placeholder = iota // ?, ?, ?
	Dollar                      // $1, $2, $3
)

// Cond is a single WHERE predicate written with ? placeholders.
type Cond struct {
	SQL  string
	Args []any
	Tag  string // non-empty for filters that can be removed with Unscope
}

// Select describes a SELECT statement over a single table.
type Select struct {
	Table   string
	Columns []string
	Conds   []Cond
	Order   string
	Limit   int
}

// Where returns a copy of s with an additional predicate.
func (s Select) Where(sql string, args ...any) Select {
	s.Conds = append(slices.Clip(s.Conds), Cond{SQL: sql, Args: args})
	return s
}

// Filter returns a copy of s with a tagged predicate, replacing any predicate with the same tag.
func (s Select) Filter(tag, sql string, args ...any) Select {
	s = s.Unscope(tag)
	s.Conds = append(s.Conds, Cond{SQL: sql, Args: args, Tag: tag})
	return s
}

// Unscope returns a copy of s without the predicates tagged with tag.
func (s Select) Unscope(tag string) Select {
	out := make([]Cond, 0, len(s.Conds))
	for _, c := range s.Conds {
		if tag != "" && c.Tag == tag {
			continue
		}
		out = append(out, c)
	}
	s.Conds = out
	return s
}

// Build renders the statement and its arguments.
func (s Select) Build(p Placeholder) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columnList(s.Columns))
	b.WriteString(" FROM ")
	b.WriteString(ident.Table(s.Table))
	args := writeWhere(&b, s.Conds)
	if s.Order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(s.Order)
	}
	if s.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(s.Limit))
	}
	return Rebind(b.String(), p), args
}

// BuildCount renders a COUNT(*) over the rows s would select.
func (s Select) BuildCount(p Placeholder) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM ")
	b.WriteString(ident.Table(s.Table))
	args := writeWhere(&b, s.Conds)
	return Rebind(b.String(), p), args
}

// Assign sets a column to a value in an UPDATE.
type Assign struct {
	Column string
	Value  any
}

// Update describes an UPDATE statement over a single table.
type Update struct {
	Table string
	Set   []Assign
	Conds []Cond
}

// Build renders the statement and its arguments.
func (u Update) Build(p Placeholder) (string, []any) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(ident.Table(u.Table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(u.Set))
	for i, a := range u.Set {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident.Quote(a.Column))
		b.WriteString(" = ?")
		args = append(args, a.Value)
	}
	args = append(args, writeWhere(&b, u.Conds)...)
	return Rebind(b.String(), p), args
}

// Delete describes a DELETE statement over a single table.
type Delete struct {
	Table string
	Conds []Cond
}

// Build renders the statement and its arguments.
func (d Delete) Build(p Placeholder) (string, []any) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(ident.Table(d.Table))
	args := writeWhere(&b, d.Conds)
	return Rebind(b.String(), p), args
}

// Eq builds an equality predicate on a quoted column.
func Eq(column string, v any) Cond {
	return Cond{SQL: ident.Quote(column) + " = ?", Args: []any{v}}
}

func columnList(cols []string) string {
	if len(cols) == 0 {
		return "*"
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident.Quote(c)
	}
	return strings.Join(quoted, ", ")
}

func writeWhere(b *strings.Builder, conds []Cond) []any {
	var args []any
	for i, c := range conds {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString("(")
		b.WriteString(c.SQL)
		b.WriteString(")")
		args = append(args, c.Args...)
	}
	return args
}

// Rebind rewrites ? placeholders into the style of p, skipping quoted literals and identifiers.
func Rebind(q string, p Placeholder) string {
	if p == Question || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	var quote rune
	for _, r := range q {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
		case r == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
