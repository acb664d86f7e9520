package gotrash

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/mickamy/gotrash/internal/ident"
	"github.com/mickamy/gotrash/internal/query"
)

type visitKey struct{}

// visitSet holds the records already restored by one cascade traversal.
type visitSet map[string]struct{}

func (s visitSet) key(p *Policy, id any) string {
	return p.Table + "\x00" + fmt.Sprint(id)
}

func (s visitSet) add(p *Policy, id any) {
	s[s.key(p, id)] = struct{}{}
}

func (s visitSet) has(p *Policy, id any) bool {
	_, ok := s[s.key(p, id)]
	return ok
}

// visited returns the traversal set of ctx, starting a new one when ctx has none.
func visited(ctx context.Context) (context.Context, visitSet) {
	if s, ok := ctx.Value(visitKey{}).(visitSet); ok {
		return ctx, s
	}
	s := visitSet{}
	return context.WithValue(ctx, visitKey{}, s), s
}

// cascade restores the deleted records related to the restored record v.
//
// Relations are walked in declaration order and each one, nested cascades
// included, finishes before the next starts. Related rows are fetched with the
// target's default scope lifted. Records that are already live, already visited
// in this traversal, or outside the recovery window are skipped. Each related
// restore is its own transition: a veto skips that record, any other error stops
// the cascade without undoing what was restored so far.
func cascade(ctx context.Context, s Session, p *Policy, v reflect.Value, id any, marker any, window time.Duration) error {
	h := s.handler()
	ctx, seen := visited(ctx)

	for _, rel := range p.Relations {
		tp, ok := h.PolicyOf(rel.Target)
		if !ok {
			h.cfg.Logger.DebugContext(ctx, "gotrash: skip relation to non soft-deletable type",
				"table", p.Table, "relation", rel.Name, "target", rel.Target.String())
			continue
		}
		sel, ok, err := relatedSelect(p, v, id, rel, tp)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		fctx := WithDeleted(ctx, tp.Type)
		recs, err := fetch(fctx, s, tp, applyScope(sel, tp, scopeSuspended(fctx, tp)))
		if err != nil {
			return fmt.Errorf("gotrash: cascade %s.%s: %w", p.Table, rel.Name, err)
		}

		for _, r := range recs {
			rv := r.Elem()
			rid, _ := tp.schema.PrimaryKey(rv)
			if seen.has(tp, rid) || !tp.deleted(rv) || !tp.withinWindow(rv, marker, window) {
				continue
			}
			h.cfg.Logger.DebugContext(ctx, "gotrash: cascade restore",
				"table", p.Table, "id", id, "relation", rel.Name, "target_id", rid)
			err := restore(ctx, s, r.Interface(), callOptions{associations: true, window: window})
			if errors.Is(err, ErrVetoed) {
				continue
			}
			if err != nil {
				return fmt.Errorf("gotrash: cascade %s.%s: %w", p.Table, rel.Name, err)
			}
		}
	}
	return nil
}

// relatedSelect selects the rows of tp reached through rel from the record v.
// It reports false when the relation cannot reach any row.
func relatedSelect(p *Policy, v reflect.Value, id any, rel Relation, tp *Policy) (query.Select, bool, error) {
	sel := query.Select{
		Table:   tp.Table,
		Columns: tp.schema.Columns(),
		Order:   ident.Quote(tp.schema.PK.Column),
	}
	switch rel.Kind {
	case KindBelongsTo:
		fk, err := p.schema.Get(v, rel.ForeignKey)
		if err != nil {
			return query.Select{}, false, fmt.Errorf("gotrash: %w", err)
		}
		if fk == nil {
			return query.Select{}, false, nil
		}
		sel = sel.Where(ident.Quote(tp.schema.PK.Column)+" = ?", fk)
	default:
		sel = sel.Where(ident.Quote(rel.ForeignKey)+" = ?", id)
	}
	if !rel.ToMany() {
		sel.Limit = 1
	}
	return sel, true, nil
}

// withinWindow reports whether the marker of v lies within window of the
// parent marker. Non-time markers and a zero window always match.
func (p *Policy) withinWindow(v reflect.Value, parent any, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	pt, ok := parent.(time.Time)
	if !ok {
		return true
	}
	m, err := p.schema.Get(v, p.Column)
	if err != nil {
		return true
	}
	mt, ok := m.(time.Time)
	if !ok {
		return true
	}
	d := mt.Sub(pt)
	if d < 0 {
		d = -d
	}
	return d <= window
}
