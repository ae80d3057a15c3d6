package audit

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error unwraps to exactly one of these so callers can
// branch with errors.Is.
var (
	// ErrCollectorFailure means an evidence or opinion producer raised,
	// panicked or timed out. Recorded, never fatal on its own.
	ErrCollectorFailure = errors.New("collector failure")

	// ErrValidation means a producer returned a record that violates a schema
	// invariant. Treated as a collector failure for flow purposes.
	ErrValidation = errors.New("validation failure")

	// ErrMergeConflict means two fragments tried to write the same unit of
	// shared state. Unreachable under append-only policies; fatal if seen.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrUnderDetermined means a dimension had no usable opinions.
	ErrUnderDetermined = errors.New("synthesis under-determined")

	// ErrWorkflowFatal means a required node failed and the run was aborted.
	ErrWorkflowFatal = errors.New("workflow fatal")
)

// Error is a structured audit error.
type Error struct {
	Kind    error  // One of the Err* kinds above
	Op      string // Operation that failed (e.g. "collect", "merge_evidence")
	Node    string // Workflow node, if any
	Context string // Additional detail
	Err     error  // Underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Node != "" {
		msg = fmt.Sprintf("%s [node=%s]", msg, e.Node)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Context != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Context)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError creates a structured error of the given kind.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithNode returns a copy of e attributed to node.
func (e *Error) WithNode(node string) *Error {
	cp := *e
	cp.Node = node
	return &cp
}

// Validationf creates a validation failure for a single field.
func Validationf(field, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    ErrValidation,
		Op:      "validate",
		Context: field,
		Err:     fmt.Errorf(format, args...),
	}
}

// MergeConflictf creates a merge conflict error.
func MergeConflictf(op, format string, args ...interface{}) *Error {
	return &Error{
		Kind: ErrMergeConflict,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

// KindOf returns the kind of err, or nil if err is not an audit error kind.
func KindOf(err error) error {
	for _, k := range []error{ErrMergeConflict, ErrWorkflowFatal, ErrValidation, ErrCollectorFailure, ErrUnderDetermined} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a short label for the kind of err, suitable for metrics.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrCollectorFailure:
		return "collector_failure"
	case ErrValidation:
		return "validation_failure"
	case ErrMergeConflict:
		return "merge_conflict"
	case ErrUnderDetermined:
		return "under_determined"
	case ErrWorkflowFatal:
		return "workflow_fatal"
	default:
		return "unknown"
	}
}
