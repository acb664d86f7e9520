package gotrash

import (
	"time"

	"github.com/google/uuid"
)

// Operation names a committed transition.
type Operation string

const (
	OpSoftDelete Operation = "soft_delete"
	OpHardDelete Operation = "hard_delete"
	OpRestore    Operation = "restore"
)

// Event is a transition captured within a transaction and published on commit.
type Event struct {
	ID        uuid.UUID
	Table     string
	RecordID  any
	Operation Operation
	At        time.Time
	Operator  string
	TraceID   string
	Reason    string
}

// meta carries operational context for audit trails.
type meta struct {
	operator string
	traceID  string
	reason   string
}

func newEvent(table string, id any, op Operation, at time.Time, m meta) Event {
	return Event{
		ID:        uuid.New(),
		Table:     table,
		RecordID:  id,
		Operation: op,
		At:        at,
		Operator:  m.operator,
		TraceID:   m.traceID,
		Reason:    m.reason,
	}
}
