package gotrash

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/mickamy/gotrash/internal/query"
)

// fetch runs sel and scans every row into a new record of p's type.
func fetch(ctx context.Context, s Session, p *Policy, sel query.Select) ([]reflect.Value, error) {
	q, args := sel.Build(s.handler().cfg.Dialect.placeholder())
	rows, err := s.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("gotrash: query %s: %w", p.Table, err)
	}
	return scanAll(rows, p)
}

// scanAll consumes rows into records. Columns must be in p's mapping order.
func scanAll(rows *sql.Rows, p *Policy) ([]reflect.Value, error) {
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []reflect.Value
	for rows.Next() {
		ptr := reflect.New(p.Type)
		if err := rows.Scan(p.schema.Pointers(ptr.Elem())...); err != nil {
			return nil, fmt.Errorf("gotrash: failed to scan %s: %w", p.Table, err)
		}
		out = append(out, ptr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gotrash: failed to read %s: %w", p.Table, err)
	}
	return out, nil
}

// count runs a COUNT(*) over the rows sel would select.
func count(ctx context.Context, s Session, p *Policy, sel query.Select) (int64, error) {
	q, args := sel.BuildCount(s.handler().cfg.Dialect.placeholder())
	rows, err := s.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("gotrash: count %s: %w", p.Table, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("gotrash: count %s: %w", p.Table, err)
		}
	}
	return n, rows.Err()
}

// exec runs a built statement and returns the affected row count, -1 when the driver cannot tell.
func exec(ctx context.Context, s Session, build func(query.Placeholder) (string, []any)) (int64, error) {
	q, args := build(s.handler().cfg.Dialect.placeholder())
	res, err := s.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return n, nil
}
