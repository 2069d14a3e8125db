package workflow

import (
	"errors"
	"fmt"

	"github.com/ritmohq/ritmo/pkg/persistence"
)

// Business logic errors. Validation errors map to HTTP 400, conflicts to
// 409, not-found to 404.
var (
	ErrWorkflowNil          = errors.New("workflow cannot be nil")
	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrWorkflowNotFound     = persistence.ErrWorkflowNotFound
	ErrRunNotFound          = persistence.ErrRunNotFound

	// Lifecycle conflicts.
	ErrNotDraft        = errors.New("only draft workflows can be activated")
	ErrNotActive       = errors.New("workflow is not active")
	ErrArchived        = errors.New("workflow is archived")
	ErrActiveWorkflow  = errors.New("active workflows cannot be edited; archive or create a new draft")
	ErrValidationGate  = errors.New("workflow failed validation and cannot be activated")
)

// ServiceError wraps a service failure with the operation it occurred in.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether an error should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrValidationGate)
}

// IsConflictError reports whether an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrNotDraft) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrArchived) ||
		errors.Is(err, ErrActiveWorkflow)
}
