package taskmanager

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound = errors.New("task not found")
)

// InvalidStateError is returned when attempting an invalid Runner state
// transition.
type InvalidStateError struct {
	from TaskState
	to   TaskState
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to TaskState) InvalidStateError {
	return InvalidStateError{from, to}
}

// ValidationError is returned when the parameters of a new Task are missing
// or malformed. The Task is never started.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ActionError records a single failed attempt. It never escapes the Runner.
type ActionError struct {
	// Credential is masked, see maskCredential.
	Credential string
	Err        error
}

func (e ActionError) Error() string {
	return fmt.Sprintf("attempt with credential %s: %v", e.Credential, e.Err)
}

func (e ActionError) Unwrap() error {
	return e.Err
}
