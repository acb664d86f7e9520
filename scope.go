package gotrash

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/mickamy/gotrash/internal/ident"
	"github.com/mickamy/gotrash/internal/query"
)

// scopeTag identifies the default scope predicate within a query.
const scopeTag = "gotrash:default_scope"

// applyScope adds the "not deleted" predicate of p to sel, or removes it when suspended.
func applyScope(sel query.Select, p *Policy, suspended bool) query.Select {
	if suspended {
		return sel.Unscope(scopeTag)
	}
	col := ident.Column(p.Table, p.Column)
	if p.Sentinel == nil {
		return sel.Filter(scopeTag, col+" IS NULL")
	}
	return sel.Filter(scopeTag, col+" = ?", p.Sentinel)
}

// onlyDeleted replaces the default scope of sel with its negation.
func onlyDeleted(sel query.Select, p *Policy) query.Select {
	col := ident.Column(p.Table, p.Column)
	if p.Sentinel == nil {
		return sel.Filter(scopeTag, col+" IS NOT NULL")
	}
	return sel.Filter(scopeTag, col+" <> ?", p.Sentinel)
}

type visibility int

const (
	excludingDeleted visibility = iota
	includingDeleted
	onlyDeletedRows
)

// Scope is a query over a registered type T. Rows marked deleted are hidden
// unless the scope says otherwise or the context lifts it with WithDeleted.
// Scope values are immutable; every builder method returns a copy.
type Scope[T any] struct {
	s   Session
	p   *Policy
	sel query.Select
	vis visibility
	err error
}

// From starts a query over T, which must be a registered struct type.
func From[T any](s Session) Scope[T] {
	t := reflect.TypeFor[T]()
	p, ok := s.handler().PolicyOf(t)
	if !ok || p.Type != t {
		return Scope[T]{s: s, err: fmt.Errorf("%w: %v", ErrNotRegistered, t)}
	}
	return Scope[T]{
		s: s,
		p: p,
		sel: query.Select{
			Table:   p.Table,
			Columns: p.schema.Columns(),
			Order:   ident.Quote(p.schema.PK.Column),
		},
	}
}

// Where adds a predicate written with ? placeholders.
func (q Scope[T]) Where(cond string, args ...any) Scope[T] {
	q.sel = q.sel.Where(cond, args...)
	return q
}

// OrderBy replaces the ORDER BY clause (primary key by default).
func (q Scope[T]) OrderBy(order string) Scope[T] {
	q.sel.Order = order
	return q
}

func (q Scope[T]) Limit(n int) Scope[T] {
	q.sel.Limit = n
	return q
}

// ExcludingDeleted hides deleted rows. This is the default.
func (q Scope[T]) ExcludingDeleted() Scope[T] {
	q.vis = excludingDeleted
	return q
}

// IncludingDeleted returns live and deleted rows.
func (q Scope[T]) IncludingDeleted() Scope[T] {
	q.vis = includingDeleted
	return q
}

// OnlyDeleted returns deleted rows only.
func (q Scope[T]) OnlyDeleted() Scope[T] {
	q.vis = onlyDeletedRows
	return q
}

func (q Scope[T]) build(ctx context.Context) query.Select {
	switch q.vis {
	case includingDeleted:
		return applyScope(q.sel, q.p, true)
	case onlyDeletedRows:
		return onlyDeleted(q.sel, q.p)
	default:
		return applyScope(q.sel, q.p, scopeSuspended(ctx, q.p))
	}
}

// All returns every matching row.
func (q Scope[T]) All(ctx context.Context) ([]*T, error) {
	if q.err != nil {
		return nil, q.err
	}
	recs, err := fetch(ctx, q.s, q.p, q.build(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(recs))
	for i, r := range recs {
		out[i] = r.Interface().(*T)
	}
	return out, nil
}

// First returns the first matching row, or ErrRecordNotFound.
func (q Scope[T]) First(ctx context.Context) (*T, error) {
	recs, err := q.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, q.p.Table)
	}
	return recs[0], nil
}

// Count returns the number of matching rows.
func (q Scope[T]) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return count(ctx, q.s, q.p, q.build(ctx))
}

// DestroyAll destroys every matching row one by one, hooks included, and
// returns how many were destroyed. Vetoed rows are skipped.
func (q Scope[T]) DestroyAll(ctx context.Context, opts ...CallOption) (int, error) {
	recs, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	o := newCallOptions(opts)
	n := 0
	for _, r := range recs {
		err := destroy(ctx, q.s, r, o)
		if errors.Is(err, ErrVetoed) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// HardDestroyAll removes every matching row under force mode. Like any query, it
// only sees deleted rows when the scope includes them.
func (q Scope[T]) HardDestroyAll(ctx context.Context) (int, error) {
	var n int
	err := WithForced(ctx, true, func(ctx context.Context) error {
		var err error
		n, err = q.DestroyAll(ctx)
		return err
	})
	return n, err
}

// RestoreAll restores every matching deleted row and returns how many were
// restored. A scope left at the default visibility restores the deleted rows
// matching its predicates. Records already restored by an earlier cascade of
// the same call are not restored twice.
func (q Scope[T]) RestoreAll(ctx context.Context, opts ...CallOption) (int, error) {
	if q.vis == excludingDeleted {
		q.vis = onlyDeletedRows
	}
	recs, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	o := newCallOptions(opts)
	ctx, seen := visited(ctx)
	n := 0
	for _, r := range recs {
		v := reflect.ValueOf(r).Elem()
		if id, _ := q.p.schema.PrimaryKey(v); seen.has(q.p, id) {
			continue
		}
		err := restore(ctx, q.s, r, o)
		if errors.Is(err, ErrVetoed) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
