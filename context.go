package gotrash

import (
	"context"
	"reflect"
	"strings"
)

// metaKey is an unexported context key type.
type metaKey struct{}
type forceKey struct{}
type scopeKey struct{}

// WithOperator attaches an operator identifier to the context.
func WithOperator(ctx context.Context, v string) context.Context {
	m := extractMeta(ctx)
	m.operator = v
	return context.WithValue(ctx, metaKey{}, m)
}

// WithTraceID attaches a trace identifier.
func WithTraceID(ctx context.Context, v string) context.Context {
	m := extractMeta(ctx)
	m.traceID = v
	return context.WithValue(ctx, metaKey{}, m)
}

// WithReason attaches a human-readable reason for the operation.
func WithReason(ctx context.Context, v string) context.Context {
	m := extractMeta(ctx)
	m.reason = v
	return context.WithValue(ctx, metaKey{}, m)
}

// WithForce returns a context in which destroy and delete remove rows instead of marking them.
// WithForce(ctx, false) switches an inherited force off again.
func WithForce(ctx context.Context, forced bool) context.Context {
	return context.WithValue(ctx, forceKey{}, forced)
}

// WithForced runs body under WithForce(ctx, forced). The caller's ctx is never
// modified, so the previous force value is back in effect once body returns,
// fails, or panics.
func WithForced(ctx context.Context, forced bool, body func(ctx context.Context) error) error {
	return body(WithForce(ctx, forced))
}

// Forced reports whether force mode is active in ctx. It is false when unset.
func Forced(ctx context.Context) bool {
	forced, _ := ForceOverride(ctx)
	return forced
}

// ForceOverride returns the force value of ctx and whether one was set at all.
func ForceOverride(ctx context.Context) (forced bool, set bool) {
	forced, set = ctx.Value(forceKey{}).(bool)
	return forced, set
}

// suspension lists the types and tables whose default scope is lifted.
type suspension struct {
	all    bool
	types  map[reflect.Type]struct{}
	tables map[string]struct{}
}

// WithDeleted returns a context in which queries over the given models include
// soft-deleted rows. Models are struct values, pointers to structs, or table
// names. Without models the default scope is lifted for every type. Suspensions
// accumulate: a nested WithDeleted never re-enables a scope lifted by an outer one.
func WithDeleted(ctx context.Context, models ...any) context.Context {
	prev := extractSuspension(ctx)
	next := suspension{
		all:    prev.all || len(models) == 0,
		types:  make(map[reflect.Type]struct{}, len(prev.types)+len(models)),
		tables: make(map[string]struct{}, len(prev.tables)),
	}
	for t := range prev.types {
		next.types[t] = struct{}{}
	}
	for t := range prev.tables {
		next.tables[t] = struct{}{}
	}
	for _, m := range models {
		switch v := m.(type) {
		case nil:
		case string:
			if name := strings.TrimSpace(v); name != "" {
				next.tables[name] = struct{}{}
			}
		case reflect.Type:
			next.types[v] = struct{}{}
		default:
			t := reflect.TypeOf(v)
			for t.Kind() == reflect.Pointer {
				t = t.Elem()
			}
			next.types[t] = struct{}{}
		}
	}
	return context.WithValue(ctx, scopeKey{}, next)
}

// scopeSuspended reports whether the default scope of p is lifted in ctx.
func scopeSuspended(ctx context.Context, p *Policy) bool {
	s := extractSuspension(ctx)
	if s.all {
		return true
	}
	if _, ok := s.types[p.Type]; ok {
		return true
	}
	_, ok := s.tables[p.Table]
	return ok
}

// extractMeta extracts metadata from context.
func extractMeta(ctx context.Context) meta {
	if v := ctx.Value(metaKey{}); v != nil {
		if m, ok := v.(meta); ok {
			return m
		}
	}
	return meta{}
}

func extractSuspension(ctx context.Context) suspension {
	if s, ok := ctx.Value(scopeKey{}).(suspension); ok {
		return s
	}
	return suspension{}
}
