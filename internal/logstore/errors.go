package logstore

import (
	"errors"
	"fmt"
)

// Storage error types for categorizing storage failures.
var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("logstore: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("logstore: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("logstore: batch insert failed")

	// ErrNotFound indicates the requested table or file does not exist.
	ErrNotFound = errors.New("logstore: not found")

	// ErrBackendMismatch is returned when a handle is read by a store of a
	// different backend.
	ErrBackendMismatch = errors.New("logstore: handle belongs to another backend")
)

// StorageError wraps storage errors with additional context.
type StorageError struct {
	Op       string // Operation that failed (e.g., "Write", "Read", "Connect")
	Location string // File or table involved, if applicable
	Err      error
}

func (e *StorageError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("logstore.%s(%s): %v", e.Op, e.Location, e.Err)
	}
	return fmt.Sprintf("logstore.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, location string, err error) error {
	return &StorageError{
		Op:       op,
		Location: location,
		Err:      fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

// WrapBatchError wraps an error as a batch insert error.
func WrapBatchError(op, location string, err error) error {
	return &StorageError{
		Op:       op,
		Location: location,
		Err:      fmt.Errorf("%w: %v", ErrBatchInsertFailed, err),
	}
}

// WrapNotFoundError wraps a missing file or table.
func WrapNotFoundError(op, location string) error {
	return &StorageError{
		Op:       op,
		Location: location,
		Err:      ErrNotFound,
	}
}
