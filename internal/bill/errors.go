package bill

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a record_id that is already taken.
	ErrConflict = errors.New("record_id already exists")
	// ErrNotFound indicates a lookup that matched no record.
	ErrNotFound = errors.New("bill record not found")
	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage failure")
)

// ValidationError reports a missing, malformed or immutable field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a failure of the underlying persistence engine
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// already classified errors pass through untouched
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func notFound(key any) error {
	return fmt.Errorf("%w: %v", ErrNotFound, key)
}

func conflict(recordID string) error {
	return fmt.Errorf("%w: %s", ErrConflict, recordID)
}
