package logstore

import (
	"errors"
	"fmt"
)

// StorageError is returned when a log cannot be written to or read from its
// backing storage.
type StorageError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *StorageError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("log store %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("log store %s for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

var errStoreClosed = errors.New("store closed")
