package gotrash

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/mickamy/gotrash/internal/query"
)

// CallOption configures a single destroy, delete or restore.
type CallOption func(*callOptions)

type callOptions struct {
	force        bool
	associations bool
	window       time.Duration
}

func newCallOptions(opts []CallOption) callOptions {
	o := callOptions{associations: true}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Force makes destroy and delete remove the row. Force(false) does not switch
// off a force mode inherited from the context; use WithForce for that.
func Force(forced bool) CallOption {
	return func(o *callOptions) { o.force = forced }
}

// Associations controls whether restore cascades to related records (default true).
func Associations(on bool) CallOption {
	return func(o *callOptions) { o.associations = on }
}

// RecoveryWindow limits a cascading restore to related records whose marker lies
// within d of the restored record's marker. Zero means no limit.
func RecoveryWindow(d time.Duration) CallOption {
	return func(o *callOptions) { o.window = d }
}

type txKey struct{}

// TxFromContext returns the transaction a hook runs in.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}

// destroy runs the destroy pipeline. A veto is returned as an error matching ErrVetoed.
func destroy(ctx context.Context, s Session, rec any, o callOptions) (err error) {
	h := s.handler()
	p, v, err := h.bind(rec)
	if err != nil {
		return err
	}
	id, ok := p.schema.PrimaryKey(v)
	if !ok {
		return fmt.Errorf("%w: destroy %T", ErrNotPersisted, rec)
	}

	forced := o.force || Forced(ctx)
	ctx = WithForce(ctx, forced)

	defer p.undoUnlessDone(v)(&err)
	err = s.transaction(ctx, func(tx *Tx) error {
		ctx := context.WithValue(ctx, txKey{}, tx)
		return p.hooks.destroy.run(ctx, rec, func(ctx context.Context) error {
			if err := destroyDependents(ctx, tx, p, v, id); err != nil {
				return err
			}
			if forced {
				return hardDelete(ctx, tx, p, id)
			}
			return markDeleted(ctx, tx, p, v, id)
		})
	})
	if err != nil {
		if errors.Is(err, ErrVetoed) {
			h.cfg.Logger.DebugContext(ctx, "gotrash: destroy vetoed", "table", p.Table, "id", id, "error", err)
		}
		return err
	}
	return nil
}

// deleteRecord writes the marker (or removes the row when forced) without hooks.
func deleteRecord(ctx context.Context, s Session, rec any, o callOptions) (err error) {
	p, v, err := s.handler().bind(rec)
	if err != nil {
		return err
	}
	id, persisted := p.schema.PrimaryKey(v)
	if !persisted {
		return nil
	}

	if o.force || Forced(ctx) {
		return s.transaction(ctx, func(tx *Tx) error {
			return hardDelete(ctx, tx, p, id)
		})
	}
	if p.deleted(v) {
		return nil
	}

	defer p.undoUnlessDone(v)(&err)
	return s.transaction(ctx, func(tx *Tx) error {
		return markDeleted(ctx, tx, p, v, id)
	})
}

// restore runs the restore pipeline and, when asked, the cascade. A veto is
// returned as an error matching ErrVetoed.
func restore(ctx context.Context, s Session, rec any, o callOptions) error {
	h := s.handler()
	p, v, err := h.bind(rec)
	if err != nil {
		return err
	}
	id, ok := p.schema.PrimaryKey(v)
	if !ok {
		return fmt.Errorf("%w: restore %T", ErrNotPersisted, rec)
	}
	marker, err := p.schema.Get(v, p.Column)
	if err != nil {
		return fmt.Errorf("gotrash: %w", err)
	}

	err = p.restoreRecord(ctx, s, rec, v, id)
	if err != nil {
		if errors.Is(err, ErrVetoed) {
			h.cfg.Logger.DebugContext(ctx, "gotrash: restore vetoed", "table", p.Table, "id", id, "error", err)
		}
		return err
	}

	if !o.associations {
		return nil
	}
	ctx, seen := visited(ctx)
	seen.add(p, id)
	return cascade(ctx, s, p, v, id, marker, o.window)
}

func hardDelete(ctx context.Context, tx *Tx, p *Policy, id any) error {
	del := query.Delete{Table: p.Table, Conds: []query.Cond{query.Eq(p.schema.PK.Column, id)}}
	if _, err := exec(ctx, tx, del.Build); err != nil {
		return fmt.Errorf("gotrash: delete %s: %w", p.Table, err)
	}
	tx.record(newEvent(p.Table, id, OpHardDelete, tx.h.cfg.Now(), extractMeta(ctx)))
	return nil
}

func markDeleted(ctx context.Context, tx *Tx, p *Policy, v reflect.Value, id any) error {
	now := tx.h.cfg.Now()
	return p.write(ctx, tx, v, id, p.marker(now), now, OpSoftDelete)
}

func markLive(ctx context.Context, tx *Tx, p *Policy, v reflect.Value, id any) error {
	return p.write(ctx, tx, v, id, p.Sentinel, tx.h.cfg.Now(), OpRestore)
}

// write stores marker (and the bookkeeping time) in the row and in v.
func (p *Policy) write(ctx context.Context, tx *Tx, v reflect.Value, id any, marker any, now time.Time, op Operation) error {
	set := []query.Assign{{Column: p.Column, Value: marker}}
	if p.UpdatedAt != "" {
		set = append(set, query.Assign{Column: p.UpdatedAt, Value: now})
	}
	upd := query.Update{Table: p.Table, Set: set, Conds: []query.Cond{query.Eq(p.schema.PK.Column, id)}}
	n, err := exec(ctx, tx, upd.Build)
	if err != nil {
		return fmt.Errorf("gotrash: update %s: %w", p.Table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %v", ErrRecordNotFound, p.Table, id)
	}

	if err := p.schema.Set(v, p.Column, marker); err != nil {
		return fmt.Errorf("gotrash: %w", err)
	}
	if p.UpdatedAt != "" {
		if err := p.schema.Set(v, p.UpdatedAt, now); err != nil {
			return fmt.Errorf("gotrash: %w", err)
		}
	}
	tx.record(newEvent(p.Table, id, op, now, extractMeta(ctx)))
	return nil
}

// snapshot saves the marker and bookkeeping fields of v; the returned func puts them back.
func (p *Policy) snapshot(v reflect.Value) func() {
	cols := []string{p.Column}
	if p.UpdatedAt != "" {
		cols = append(cols, p.UpdatedAt)
	}
	type saved struct {
		index []int
		value reflect.Value
	}
	var ss []saved
	for _, c := range cols {
		f, ok := p.schema.Field(c)
		if !ok {
			continue
		}
		fv := v.FieldByIndex(f.Index)
		cp := reflect.New(fv.Type()).Elem()
		cp.Set(fv)
		ss = append(ss, saved{index: f.Index, value: cp})
	}
	return func() {
		for _, s := range ss {
			v.FieldByIndex(s.index).Set(s.value)
		}
	}
}

// undoUnlessDone snapshots v and returns a func to defer with the address of the
// caller's error. The snapshot is put back when the caller fails or panics.
func (p *Policy) undoUnlessDone(v reflect.Value) func(*error) {
	undo := p.snapshot(v)
	return func(err *error) {
		if r := recover(); r != nil {
			undo()
			panic(r)
		}
		if *err != nil {
			undo()
		}
	}
}

// restoreRecord runs the restore hooks around writing the sentinel in one transaction.
func (p *Policy) restoreRecord(ctx context.Context, s Session, rec any, v reflect.Value, id any) (err error) {
	defer p.undoUnlessDone(v)(&err)
	return s.transaction(ctx, func(tx *Tx) error {
		ctx := context.WithValue(ctx, txKey{}, tx)
		return p.hooks.restore.run(ctx, rec, func(ctx context.Context) error {
			return markLive(ctx, tx, p, v, id)
		})
	})
}

// destroyDependents destroys the rows of Dependent relations in the owner's transaction.
// When forced, soft-deleted dependents are removed too.
func destroyDependents(ctx context.Context, tx *Tx, p *Policy, v reflect.Value, id any) error {
	for _, rel := range p.Relations {
		if !rel.Dependent {
			continue
		}
		tp, ok := tx.h.PolicyOf(rel.Target)
		if !ok {
			tx.h.cfg.Logger.WarnContext(ctx, "gotrash: dependent relation target is not registered",
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
		fctx := ctx
		if Forced(ctx) {
			fctx = WithDeleted(ctx, tp.Type)
		}
		recs, err := fetch(fctx, tx, tp, applyScope(sel, tp, scopeSuspended(fctx, tp)))
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := destroy(ctx, tx, r.Interface(), callOptions{}); err != nil {
				return fmt.Errorf("gotrash: destroy %s.%s: %w", p.Table, rel.Name, err)
			}
		}
	}
	return nil
}

// TryDestroy is Destroy reporting a veto as false instead of an error.
func (db *DB) TryDestroy(ctx context.Context, rec any, opts ...CallOption) (bool, error) {
	return tryDestroy(ctx, db, rec, opts)
}

// Destroy marks rec deleted, running the destroy hooks in a transaction. When
// force is active the row is removed instead. A veto is returned as ErrVetoed,
// a record without primary key as ErrNotPersisted.
func (db *DB) Destroy(ctx context.Context, rec any, opts ...CallOption) error {
	return destroy(ctx, db, rec, newCallOptions(opts))
}

// Delete marks rec deleted without running hooks. It does nothing for records
// that are already deleted or not persisted.
func (db *DB) Delete(ctx context.Context, rec any, opts ...CallOption) error {
	return deleteRecord(ctx, db, rec, newCallOptions(opts))
}

// TryRestore is Restore reporting a veto as false instead of an error.
func (db *DB) TryRestore(ctx context.Context, rec any, opts ...CallOption) (bool, error) {
	return tryRestore(ctx, db, rec, opts)
}

// Restore writes the sentinel back into rec, running the restore hooks in a
// transaction, then restores related records unless Associations(false) is given.
func (db *DB) Restore(ctx context.Context, rec any, opts ...CallOption) error {
	return restore(ctx, db, rec, newCallOptions(opts))
}

// IsDeleted reports whether rec carries a non-sentinel marker.
func (db *DB) IsDeleted(rec any) bool {
	return db.h.IsDeleted(rec)
}

// TryDestroy is Destroy reporting a veto as false instead of an error.
func (t *Tx) TryDestroy(ctx context.Context, rec any, opts ...CallOption) (bool, error) {
	return tryDestroy(ctx, t, rec, opts)
}

// Destroy is DB.Destroy run in a savepoint of t.
func (t *Tx) Destroy(ctx context.Context, rec any, opts ...CallOption) error {
	return destroy(ctx, t, rec, newCallOptions(opts))
}

// Delete is DB.Delete run in a savepoint of t.
func (t *Tx) Delete(ctx context.Context, rec any, opts ...CallOption) error {
	return deleteRecord(ctx, t, rec, newCallOptions(opts))
}

// TryRestore is Restore reporting a veto as false instead of an error.
func (t *Tx) TryRestore(ctx context.Context, rec any, opts ...CallOption) (bool, error) {
	return tryRestore(ctx, t, rec, opts)
}

// Restore is DB.Restore run in a savepoint of t. The cascade runs in t as well,
// so rolling t back undoes it entirely.
func (t *Tx) Restore(ctx context.Context, rec any, opts ...CallOption) error {
	return restore(ctx, t, rec, newCallOptions(opts))
}

// IsDeleted reports whether rec carries a non-sentinel marker.
func (t *Tx) IsDeleted(rec any) bool {
	return t.h.IsDeleted(rec)
}

// IsDeleted reports whether rec carries a non-sentinel marker. Unregistered
// types are never deleted.
func (h *Handler) IsDeleted(rec any) bool {
	p, v, err := h.bind(rec)
	if err != nil {
		return false
	}
	return p.deleted(v)
}

// tryDestroy reports a veto as false instead of an error.
func tryDestroy(ctx context.Context, s Session, rec any, opts []CallOption) (bool, error) {
	return vetoAsFalse(destroy(ctx, s, rec, newCallOptions(opts)))
}

// tryRestore reports a veto as false instead of an error.
func tryRestore(ctx context.Context, s Session, rec any, opts []CallOption) (bool, error) {
	return vetoAsFalse(restore(ctx, s, rec, newCallOptions(opts)))
}

func vetoAsFalse(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrVetoed):
		return false, nil
	default:
		return false, err
	}
}
