package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a raw record that could not be normalized.
	ErrValidation = errors.New("invalid record")
	// ErrNotFound indicates that a mutation target does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransient indicates a network or store failure that may be retried.
	ErrTransient = errors.New("transient source failure")
	// ErrCorruptState indicates a persisted layout blob that could not be parsed.
	ErrCorruptState = errors.New("corrupt persisted state")
	// ErrDefaultLayout is returned when deleting the built-in layout.
	ErrDefaultLayout = errors.New("default layout cannot be deleted")
)

// ValidationError describes a raw record dropped by Normalize.
type ValidationError struct {
	BoardID string
	Index   int
	Reason  string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("board %q record %d: %s", e.BoardID, e.Index, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// SourceError wraps a failure reported by a task source or key-value store
// together with its classification (ErrNotFound or ErrTransient).
type SourceError struct {
	Op   string
	Kind error
	Err  error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFound wraps err as a not-found failure of op.
func NotFound(op string, err error) error {
	return &SourceError{Op: op, Kind: ErrNotFound, Err: err}
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &SourceError{Op: op, Kind: ErrTransient, Err: err}
}

// IsRetryable reports whether err is a transient failure. Errors that carry
// no classification are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrDefaultLayout) {
		return false
	}
	return true
}
