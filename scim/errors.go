package scim

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInput marks a malformed or ambiguous directory snapshot. Fatal before planning.
	ErrInput = errors.New("invalid input")
	// ErrSourceFetch marks a directory or target snapshot that could not be read.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrPlanningInvariant marks a plan that breaks an internal contract.
	ErrPlanningInvariant = errors.New("planning invariant violated")
	// ErrOperation marks the failure of a single planned operation.
	ErrOperation = errors.New("operation failed")
)

// CycleError reports a membership cycle. Path starts and ends with the same group.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("membership cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrInput
}

// IdentityConflictError reports distinct records that share one identity key.
type IdentityConflictError struct {
	Key    string
	Source string
	Values []string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("ambiguous identity %q in %s snapshot: %s", e.Key, e.Source, strings.Join(e.Values, ", "))
}

func (e *IdentityConflictError) Unwrap() error {
	return ErrInput
}

// SourceError wraps a failure to read the directory or the target.
type SourceError struct {
	Source string
	Cause  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Cause)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceFetch, e.Cause}
}

// InvariantError reports a plan operation that references a missing entity.
type InvariantError struct {
	Operation string
	Reason    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Reason)
}

func (e *InvariantError) Unwrap() error {
	return ErrPlanningInvariant
}

// OperationError wraps the last error of a failed operation.
type OperationError struct {
	Operation string
	Attempts  int
	Cause     error
}

func (e *OperationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Cause)
}

func (e *OperationError) Unwrap() []error {
	return []error{ErrOperation, e.Cause}
}

// IsRetryable reports whether the error chain holds a recoverable provisioning error:
// any error exposing IsRetryable() bool that returns true.
func IsRetryable(err error) bool {
	var re interface{ IsRetryable() bool }
	if errors.As(err, &re) {
		return re.IsRetryable()
	}
	return false
}
