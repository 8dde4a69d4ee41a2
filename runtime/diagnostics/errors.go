package diagnostics

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the run does not exist or its results expired.
	ErrNotFound = errors.New("not found")
	// ErrIllegalState indicates an operation was attempted in the wrong
	// lifecycle state, such as starting a run that is not pending.
	ErrIllegalState = errors.New("illegal state")
	// ErrInvalidArgument indicates a caller contract violation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRateLimited indicates the caller exceeded the trigger rate.
	ErrRateLimited = errors.New("rate limited")
)

// ValidationError reports an invalid request field. It matches
// ErrInvalidArgument with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// RunNotFound returns ErrNotFound annotated with the run id.
func RunNotFound(id RunID) error {
	return fmt.Errorf("run %s: %w", id, ErrNotFound)
}
