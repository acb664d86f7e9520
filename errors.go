package gotrash

import (
	"errors"
)

var (
	// ErrVetoed reports that a hook rejected a destroy or restore.
	ErrVetoed = errors.New("gotrash: transition vetoed")
	// ErrNotPersisted reports an operation on a record that was never written to the store.
	ErrNotPersisted = errors.New("gotrash: record is not persisted")
	// ErrNotRegistered reports a record type without a soft-delete policy.
	ErrNotRegistered = errors.New("gotrash: type is not registered")
	// ErrAlreadyRegistered reports a second registration of the same type.
	ErrAlreadyRegistered = errors.New("gotrash: type is already registered")
	// ErrRecordNotFound reports that no row matched.
	ErrRecordNotFound = errors.New("gotrash: record not found")
)

// VetoError is returned by hooks that reject a transition. It matches ErrVetoed.
type VetoError struct {
	Reason string
}

func (e *VetoError) Error() string {
	if e.Reason == "" {
		return ErrVetoed.Error()
	}
	return ErrVetoed.Error() + ": " + e.Reason
}

func (e *VetoError) Is(target error) bool {
	return target == ErrVetoed
}

// Veto returns an error that aborts the current transition when returned from a hook.
func Veto(reason string) error {
	return &VetoError{Reason: reason}
}
