package gotrash

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mickamy/gotrash/internal/mapper"
)

// Policy is the soft-delete configuration of a registered type. It is immutable
// once registered.
type Policy struct {
	Type      reflect.Type
	Table     string
	Column    string
	Sentinel  any
	UpdatedAt string // bookkeeping column refreshed by transitions, "" when none
	Relations []Relation

	marker func(now time.Time) any
	hooks  hooks
	schema *mapper.Struct
}

// RelationKind tells how a relation's rows are found.
type RelationKind int

const (
	KindHasMany   RelationKind = iota // target.ForeignKey = parent primary key
	KindHasOne                        // like KindHasMany, at most one row
	KindBelongsTo                     // target primary key = parent.ForeignKey
)

func (k RelationKind) String() string {
	switch k {
	case KindHasMany:
		return "has_many"
	case KindHasOne:
		return "has_one"
	case KindBelongsTo:
		return "belongs_to"
	default:
		return fmt.Sprintf("RelationKind(%d)", int(k))
	}
}

// Relation is an association declared at registration.
type Relation struct {
	Name       string
	Kind       RelationKind
	Target     reflect.Type
	ForeignKey string
	Dependent  bool // destroy related rows together with the owner
}

// ToMany reports whether the relation yields a collection.
func (r Relation) ToMany() bool {
	return r.Kind == KindHasMany
}

// Option configures a registration.
type Option func(*registration)

// RelationOption configures a declared relation.
type RelationOption func(*Relation)

type registration struct {
	table        string
	column       string
	sentinel     any
	sentinelSet  bool
	updatedAt    string
	updatedAtSet bool
	marker       func(now time.Time) any
	relations    []relationDecl
	hooks        hooks
}

type relationDecl struct {
	rel    Relation
	target any
}

// Column sets the deletion marker column.
func Column(name string) Option {
	return func(r *registration) { r.column = name }
}

// Sentinel sets the value meaning "not deleted". It must convert to the marker field type.
func Sentinel(v any) Option {
	return func(r *registration) {
		r.sentinel = v
		r.sentinelSet = true
	}
}

// Marker sets how the deleted value is derived from the transition time.
// By default the time itself is written.
func Marker(fn func(now time.Time) any) Option {
	return func(r *registration) { r.marker = fn }
}

// Table overrides the table name derived from the type.
func Table(name string) Option {
	return func(r *registration) { r.table = name }
}

// UpdatedAt sets the column refreshed by every transition. An empty name disables it.
func UpdatedAt(column string) Option {
	return func(r *registration) {
		r.updatedAt = column
		r.updatedAtSet = true
	}
}

// HasMany declares rows of target whose foreignKey column references this type's primary key.
func HasMany(name string, target any, foreignKey string, opts ...RelationOption) Option {
	return relation(name, KindHasMany, target, foreignKey, opts)
}

// HasOne declares at most one row of target whose foreignKey column references this type's primary key.
func HasOne(name string, target any, foreignKey string, opts ...RelationOption) Option {
	return relation(name, KindHasOne, target, foreignKey, opts)
}

// BelongsTo declares the row of target referenced by this type's foreignKey column.
func BelongsTo(name string, target any, foreignKey string, opts ...RelationOption) Option {
	return relation(name, KindBelongsTo, target, foreignKey, opts)
}

// Dependent destroys the related rows whenever the owner is destroyed.
func Dependent() RelationOption {
	return func(r *Relation) { r.Dependent = true }
}

func relation(name string, kind RelationKind, target any, fk string, opts []RelationOption) Option {
	return func(r *registration) {
		rel := Relation{Name: name, Kind: kind, ForeignKey: fk}
		for _, o := range opts {
			o(&rel)
		}
		r.relations = append(r.relations, relationDecl{rel: rel, target: target})
	}
}

// BeforeDestroy registers a hook run before destroy.
func BeforeDestroy(fn HookFunc) Option {
	return func(r *registration) { r.hooks.destroy.before = append(r.hooks.destroy.before, fn) }
}

// AroundDestroy registers a hook wrapping destroy.
func AroundDestroy(fn AroundFunc) Option {
	return func(r *registration) { r.hooks.destroy.around = append(r.hooks.destroy.around, fn) }
}

// AfterDestroy registers a hook run after destroy, inside its transaction.
func AfterDestroy(fn HookFunc) Option {
	return func(r *registration) { r.hooks.destroy.after = append(r.hooks.destroy.after, fn) }
}

// BeforeRestore registers a hook run before restore.
func BeforeRestore(fn HookFunc) Option {
	return func(r *registration) { r.hooks.restore.before = append(r.hooks.restore.before, fn) }
}

// AroundRestore registers a hook wrapping restore.
func AroundRestore(fn AroundFunc) Option {
	return func(r *registration) { r.hooks.restore.around = append(r.hooks.restore.around, fn) }
}

// AfterRestore registers a hook run after restore, inside its transaction.
func AfterRestore(fn HookFunc) Option {
	return func(r *registration) { r.hooks.restore.after = append(r.hooks.restore.after, fn) }
}

var (
	beforeDestroyerType = reflect.TypeOf((*BeforeDestroyer)(nil)).Elem()
	afterDestroyerType  = reflect.TypeOf((*AfterDestroyer)(nil)).Elem()
	beforeRestorerType  = reflect.TypeOf((*BeforeRestorer)(nil)).Elem()
	afterRestorerType   = reflect.TypeOf((*AfterRestorer)(nil)).Elem()
)

// Register makes the struct type of model soft-deletable. Each type registers
// once; a second registration returns ErrAlreadyRegistered.
func (h *Handler) Register(model any, opts ...Option) error {
	schema, err := mapper.Of(model)
	if err != nil {
		return fmt.Errorf("gotrash: register %T: %w", model, err)
	}

	reg := registration{column: h.cfg.DefaultColumn, sentinel: h.cfg.DefaultSentinel}
	for _, o := range opts {
		o(&reg)
	}

	p := &Policy{Type: schema.Type, Column: reg.column, marker: reg.marker, schema: schema}
	if p.marker == nil {
		p.marker = func(now time.Time) any { return now }
	}

	p.Table = reg.table
	if p.Table == "" {
		if p.Table, err = resolveTableName(model); err != nil {
			return err
		}
	}

	marker, ok := schema.Field(p.Column)
	if !ok {
		return fmt.Errorf("gotrash: register %v: no field mapped to column %q", schema.Type, p.Column)
	}
	if p.Sentinel, err = schema.Convert(p.Column, reg.sentinel); err != nil {
		return fmt.Errorf("gotrash: register %v: sentinel %v: %w", schema.Type, reg.sentinel, err)
	}
	if p.Sentinel == nil && !marker.Nullable() {
		return fmt.Errorf("gotrash: register %v: field %s cannot hold a nil sentinel; use a pointer or a nullable type such as sql.NullTime",
			schema.Type, marker.Name)
	}

	switch {
	case reg.updatedAtSet && reg.updatedAt != "":
		if _, ok := schema.Field(reg.updatedAt); !ok {
			return fmt.Errorf("gotrash: register %v: no field mapped to column %q", schema.Type, reg.updatedAt)
		}
		p.UpdatedAt = reg.updatedAt
	case !reg.updatedAtSet:
		if _, ok := schema.Field("updated_at"); ok {
			p.UpdatedAt = "updated_at"
		}
	}

	for _, d := range reg.relations {
		rel, err := bindRelation(schema, d)
		if err != nil {
			return fmt.Errorf("gotrash: register %v: %w", schema.Type, err)
		}
		p.Relations = append(p.Relations, rel)
	}

	p.hooks = modelHooks(schema.Type, reg.hooks)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.policies[p.Type]; dup {
		return fmt.Errorf("%w: %v", ErrAlreadyRegistered, p.Type)
	}
	h.policies[p.Type] = p
	h.cfg.Logger.Debug("gotrash: registered", "type", p.Type.String(), "table", p.Table, "column", p.Column)
	return nil
}

func bindRelation(owner *mapper.Struct, d relationDecl) (Relation, error) {
	rel := d.rel
	target, err := mapper.Of(d.target)
	if err != nil {
		return Relation{}, fmt.Errorf("relation %q: %w", rel.Name, err)
	}
	rel.Target = target.Type
	if rel.Name == "" {
		rel.Name = mapper.SnakeCase(target.Type.Name())
	}
	fkOwner := target
	if rel.Kind == KindBelongsTo {
		fkOwner = owner
	}
	if _, ok := fkOwner.Field(rel.ForeignKey); !ok {
		return Relation{}, fmt.Errorf("relation %q: %v has no column %q", rel.Name, fkOwner.Type, rel.ForeignKey)
	}
	return rel, nil
}

// modelHooks puts hook methods implemented by the model ahead of registered hooks.
func modelHooks(t reflect.Type, registered hooks) hooks {
	pt := reflect.PointerTo(t)
	var hs hooks
	if pt.Implements(beforeDestroyerType) {
		hs.destroy.before = append(hs.destroy.before, modelBeforeDestroy)
	}
	if pt.Implements(afterDestroyerType) {
		hs.destroy.after = append(hs.destroy.after, modelAfterDestroy)
	}
	if pt.Implements(beforeRestorerType) {
		hs.restore.before = append(hs.restore.before, modelBeforeRestore)
	}
	if pt.Implements(afterRestorerType) {
		hs.restore.after = append(hs.restore.after, modelAfterRestore)
	}
	hs.destroy.before = append(hs.destroy.before, registered.destroy.before...)
	hs.destroy.around = registered.destroy.around
	hs.destroy.after = append(hs.destroy.after, registered.destroy.after...)
	hs.restore.before = append(hs.restore.before, registered.restore.before...)
	hs.restore.around = registered.restore.around
	hs.restore.after = append(hs.restore.after, registered.restore.after...)
	return hs
}

// IsSoftDeletable reports whether the type of model is registered.
func (h *Handler) IsSoftDeletable(model any) bool {
	_, ok := h.PolicyOf(model)
	return ok
}

// ColumnOf returns the deletion marker column of the type of model.
func (h *Handler) ColumnOf(model any) (string, bool) {
	p, ok := h.PolicyOf(model)
	if !ok {
		return "", false
	}
	return p.Column, true
}

// SentinelOf returns the "not deleted" value of the type of model.
func (h *Handler) SentinelOf(model any) (any, bool) {
	p, ok := h.PolicyOf(model)
	if !ok {
		return nil, false
	}
	return p.Sentinel, true
}

// PolicyOf returns the policy registered for the type of model.
func (h *Handler) PolicyOf(model any) (*Policy, bool) {
	if model == nil {
		return nil, false
	}
	t, ok := model.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(model)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.policies[t]
	return p, ok
}

// bind resolves the policy and struct value of a record pointer.
func (h *Handler) bind(rec any) (*Policy, reflect.Value, error) {
	p, ok := h.PolicyOf(rec)
	if !ok {
		return nil, reflect.Value{}, fmt.Errorf("%w: %T", ErrNotRegistered, rec)
	}
	v, err := p.schema.Value(rec)
	if err != nil {
		return nil, reflect.Value{}, fmt.Errorf("gotrash: %w", err)
	}
	return p, v, nil
}

// deleted reports whether the record value v is marked deleted.
func (p *Policy) deleted(v reflect.Value) bool {
	m, err := p.schema.Get(v, p.Column)
	if err != nil {
		return false
	}
	return !mapper.Equal(m, p.Sentinel)
}
