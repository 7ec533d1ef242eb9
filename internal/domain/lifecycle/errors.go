package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID is returned by repositories when a record id is taken.
	ErrDuplicateID = errors.New("record id already exists")

	errConcurrentUpdate = errors.New("concurrent modification, please reload and retry")
)

// AuthorizationError means the actor lacks the role the operation needs.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// LockedRecordError means an administrator has frozen the record.
type LockedRecordError struct {
	Kind Kind
	ID   string
}

func (e *LockedRecordError) Error() string {
	return "This record is locked by Administrator. Status changes are restricted."
}

// StorageError wraps a failure of the record or attachment store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError reports a missing or malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("record is already %s", e.From)
	}
	return fmt.Sprintf("cannot move from %s to %s", e.From, e.To)
}

// EnrichmentError wraps an analyzer failure. The record is left unchanged.
type EnrichmentError struct {
	Err error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("AI analysis failed: %v", e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// storageErr wraps err unless it already carries a domain meaning.
func storageErr(op string, err error) error {
	var se *StorageError
	if errors.Is(err, ErrNotFound) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
