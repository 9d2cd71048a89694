package store

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when the .eluent directory is absent.
var ErrNotInitialized = errors.New("eluent not initialized (run init first)")

// ErrAlreadyInitialized is returned when init finds an existing data file.
var ErrAlreadyInitialized = errors.New("eluent already initialized")

// ErrLockContention is returned when the data file lock cannot be acquired
// within the bounded wait.
var ErrLockContention = errors.New("data file locked by another process")

// NotFoundError reports a lookup for an unknown record.
type NotFoundError struct {
	Kind string // "atom", "bond", "comment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// DuplicateError reports an insert that collides with an existing record.
type DuplicateError struct {
	Kind string
	ID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.ID)
}

// ConflictError reports a claim attempt on an atom already held by
// another agent.
type ConflictError struct {
	ID    string
	Owner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("atom %s already claimed by %s", e.ID, e.Owner)
}

// MalformedRecordError reports a data line that could not be parsed. Loads
// skip and count these; they are never fatal.
type MalformedRecordError struct {
	Path string
	Line int
	Err  error
}

func (e *MalformedRecordError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed record at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("malformed record at %s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// InvalidStateError reports an operation rejected by the current status.
type InvalidStateError struct {
	ID      string
	Current string
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %s", e.Op, e.ID, e.Current)
}
