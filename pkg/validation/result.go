// Package validation performs static structural analysis of workflow
// definitions: per-node-type required-field checks, connection referential
// integrity, orphan detection and cycle detection. It is purely structural
// and never consults a run environment.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidWorkflow is the sentinel wrapped by Result.ToError.
var ErrInvalidWorkflow = errors.New("workflow validation failed")

// Issue is a single validation finding tied to the offending node or edge.
type Issue struct {
	NodeID  string   `json:"nodeId,omitempty"`
	Field   string   `json:"field,omitempty"`
	Message string   `json:"message"`
	Cycle   []string `json:"cycle,omitempty"` // node path for cycle errors
}

func (i Issue) String() string {
	if i.NodeID == "" {
		return i.Message
	}

	return fmt.Sprintf("node %s: %s", i.NodeID, i.Message)
}

// Result aggregates errors (block activation) and warnings (advisory).
type Result struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Valid reports whether no errors were found. Warnings do not affect
// validity.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *Result) AddError(nodeID, field, message string) {
	r.Errors = append(r.Errors, Issue{NodeID: nodeID, Field: field, Message: message})
}

// AddWarning appends a warning-severity issue.
func (r *Result) AddWarning(nodeID, field, message string) {
	r.Warnings = append(r.Warnings, Issue{NodeID: nodeID, Field: field, Message: message})
}

// Merge combines another result into this one.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}

	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result, or an error listing every finding.
func (r *Result) ToError() error {
	if r.Valid() {
		return nil
	}

	messages := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		messages = append(messages, issue.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(messages, "; "))
}
