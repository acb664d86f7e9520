package gotrash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/mickamy/gotrash/internal/buffer"
	"github.com/mickamy/gotrash/internal/ident"
	"github.com/mickamy/gotrash/internal/query"
)

// Dialect selects placeholder style and DDL types of the underlying database.
type Dialect int

const (
	Postgres Dialect = iota // $n placeholders, TIMESTAMPTZ event times
	SQLite                  // ? placeholders, DATETIME event times
)

func (d Dialect) placeholder() query.Placeholder {
	if d == Postgres {
		return query.Dollar
	}
	return query.Question
}

// Config defines the main configuration options for gotrash.
type Config struct {
	Dialect Dialect

	// DefaultColumn is the marker column of types registered without Column (default: deleted_at).
	DefaultColumn string
	// DefaultSentinel is the "not deleted" value of types registered without Sentinel (default: nil).
	DefaultSentinel any

	Now        func() time.Time // transition clock (default: time.Now in UTC)
	EventTable string           // optional table receiving committed events
	Logger     *slog.Logger     // default: slog.Default()

	// OnCommit, when set, observes the events of every committed transaction.
	OnCommit func(ctx context.Context, events []Event)
}

// Handler is the main entry point that holds the registered policies.
type Handler struct {
	cfg      Config
	mu       sync.RWMutex
	policies map[reflect.Type]*Policy
}

// New creates a new Handler instance with sensible defaults.
func New(cfg Config) *Handler {
	if cfg.DefaultColumn == "" {
		cfg.DefaultColumn = "deleted_at"
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg, policies: map[reflect.Type]*Policy{}}
}

// Session is a *DB or a *Tx.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	handler() *Handler
	transaction(ctx context.Context, fn func(tx *Tx) error) error
}

// DB wraps a *sql.DB instance to run soft-delete transitions.
type DB struct {
	*sql.DB
	h *Handler
}

// WrapDB attaches gotrash to a *sql.DB connection.
func (h *Handler) WrapDB(db *sql.DB) *DB {
	return &DB{DB: db, h: h}
}

func (db *DB) handler() *Handler { return db.h }

// transaction runs fn in a new transaction, committed when fn succeeds.
func (db *DB) transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Tx wraps a *sql.Tx and buffers transition events within the transaction.
// Transitions on a Tx run inside savepoints, so a vetoed transition leaves the
// rest of the transaction intact.
type Tx struct {
	*sql.Tx
	h   *Handler
	buf *buffer.Buffer[Event]
	ctx context.Context
	sp  int
}

// BeginTx starts a wrapped transaction.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	t, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("gotrash: begin: %w", err)
	}
	return &Tx{Tx: t, h: db.h, buf: buffer.NewBuffer[Event](), ctx: ctx}, nil
}

func (t *Tx) handler() *Handler { return t.h }

// transaction runs fn inside a savepoint, rolled back to when fn fails.
func (t *Tx) transaction(ctx context.Context, fn func(tx *Tx) error) error {
	t.sp++
	name := ident.Quote(fmt.Sprintf("gotrash_sp_%d", t.sp))
	if _, err := t.Tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("gotrash: savepoint: %w", err)
	}
	mark := t.buf.Len()
	if err := fn(t); err != nil {
		t.buf.Truncate(mark)
		if _, rbErr := t.Tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("gotrash: rollback to savepoint: %w", rbErr))
		}
		if _, relErr := t.Tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("gotrash: release savepoint: %w", relErr))
		}
		return err
	}
	if _, err := t.Tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("gotrash: release savepoint: %w", err)
	}
	return nil
}

// record buffers an event until the transaction commits.
func (t *Tx) record(e Event) {
	t.buf.Add(e)
}

// Commit writes buffered events into the event table, commits, and then
// publishes the events to the logger and Config.OnCommit.
func (t *Tx) Commit() error {
	events := t.buf.Drain()
	if err := t.flush(events); err != nil {
		_ = t.Tx.Rollback()
		return err
	}
	if err := t.Tx.Commit(); err != nil {
		return fmt.Errorf("gotrash: commit: %w", err)
	}
	t.publish(events)
	return nil
}

// flush inserts events into the configured event table within the same transaction.
func (t *Tx) flush(events []Event) error {
	if len(events) == 0 || t.h.cfg.EventTable == "" {
		return nil
	}
	table := ident.Table(t.h.cfg.EventTable)
	if table == "" {
		return fmt.Errorf("gotrash: invalid event table identifier %q", t.h.cfg.EventTable)
	}
	stmt := query.Rebind(fmt.Sprintf(`
INSERT INTO %s (id, table_name, record_id, operation, operated_at, operated_by, trace_id, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, table), t.h.cfg.Dialect.placeholder())

	for _, e := range events {
		if _, err := t.Tx.ExecContext(
			t.ctx,
			stmt,
			e.ID.String(),
			e.Table,
			fmt.Sprint(e.RecordID),
			string(e.Operation),
			e.At,
			e.Operator,
			e.TraceID,
			e.Reason,
		); err != nil {
			return fmt.Errorf("gotrash: failed to insert event: %w", err)
		}
	}
	return nil
}

func (t *Tx) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		t.h.cfg.Logger.DebugContext(t.ctx, "gotrash: committed",
			"table", e.Table, "id", e.RecordID, "op", string(e.Operation), "operator", e.Operator, "trace_id", e.TraceID)
	}
	if t.h.cfg.OnCommit != nil {
		t.h.cfg.OnCommit(t.ctx, events)
	}
}

// Rollback clears buffered events and rolls back the transaction.
func (t *Tx) Rollback() error {
	t.buf.Reset()
	return t.Tx.Rollback()
}
