package gotrash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/mickamy/gotrash/internal/ident"
	"github.com/mickamy/gotrash/internal/mapper"
)

// TableNamer provides a custom table name for a model.
type TableNamer interface {
	TableName() string
}

// Migrate creates the event table named by cfg.EventTable, with an index on the
// recorded row. It is a no-op when no event table is configured.
func Migrate(ctx context.Context, db *sql.DB, cfg Config) error {
	if strings.TrimSpace(cfg.EventTable) == "" {
		return nil
	}
	table := ident.Table(cfg.EventTable)
	if table == "" {
		return fmt.Errorf("gotrash: invalid event table identifier %q", cfg.EventTable)
	}

	timeType := "TIMESTAMPTZ"
	if cfg.Dialect == SQLite {
		timeType = "DATETIME"
	}
	columns := []string{
		"id TEXT PRIMARY KEY",
		"table_name TEXT NOT NULL",
		"record_id TEXT NOT NULL",
		"operation TEXT NOT NULL",
		"operated_at " + timeType + " NOT NULL",
		"operated_by TEXT",
		"trace_id TEXT",
		"reason TEXT",
	}
	ddl := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        %s
    );
    `, table, strings.Join(columns, ",\n\t"))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("gotrash: create event table: %w", err)
	}

	index := ident.IndexName(cfg.EventTable, "table_name", "record_id")
	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (table_name, record_id);`, ident.Quote(index), table)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("gotrash: create event index: %w", err)
	}
	return nil
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

func resolveTableName(target any) (string, error) {
	switch v := target.(type) {
	case nil:
		return "", errors.New("gotrash: nil table target")
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return "", errors.New("gotrash: empty table name")
		}
		return name, nil
	}

	val := reflect.ValueOf(target)
	typ := val.Type()

	if typ.Kind() == reflect.Pointer {
		if val.IsNil() {
			return "", fmt.Errorf("gotrash: nil pointer target %T", target)
		}
		if namer, ok := val.Interface().(TableNamer); ok {
			return namedTable(namer, target)
		}
		typ = typ.Elem()
		val = val.Elem()
	}

	if namer, ok := val.Interface().(TableNamer); ok {
		return namedTable(namer, target)
	}

	if typ.Kind() == reflect.Struct {
		if reflect.PointerTo(typ).Implements(tableNamerType) {
			if namer, ok := reflect.New(typ).Interface().(TableNamer); ok {
				return namedTable(namer, target)
			}
		}
		if typ.Name() == "" {
			return "", fmt.Errorf("gotrash: cannot derive table name for anonymous struct of type %v", typ)
		}
		return inflection.Plural(mapper.SnakeCase(typ.Name())), nil
	}

	return "", fmt.Errorf("gotrash: unsupported table target %T", target)
}

func namedTable(namer TableNamer, target any) (string, error) {
	name := strings.TrimSpace(namer.TableName())
	if name == "" {
		return "", fmt.Errorf("gotrash: TableName returned empty string. %T", target)
	}
	return name, nil
}
