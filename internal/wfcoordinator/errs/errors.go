// Package errs defines the coordinator's error taxonomy (spec §7).
//
// Every error the coordinator surfaces to a workflow.failed event payload
// carries one of these Kinds. Components classify a failure with New or
// Wrap where it arises; the actor reads the Kind back with KindOf at the
// boundary where an event is emitted.
package errs

import "fmt"

// Kind is the taxonomy tag carried in workflow.failed / node.failed payloads.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindMapping           Kind = "MappingError"
	KindActionTransient   Kind = "ActionTransientError"
	KindActionFatal       Kind = "ActionFatalError"
	KindConditionFailed   Kind = "ConditionFailed"
	KindMergeType         Kind = "MergeTypeError"
	KindTimedOut          Kind = "TimedOut"
	KindCancelled         Kind = "Cancelled"
	KindInternalInvariant Kind = "InternalInvariantError"
)

// Error is a classified coordinator error. It wraps an underlying cause so
// %w unwrapping still works.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no further cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternalInvariant
// when err isn't one of ours — an unclassified error reaching the actor
// boundary is itself a coordinator bug.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindInternalInvariant
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether the kind represents a transient condition a
// step's retry policy may retry against (spec §4.4, §7).
func (k Kind) Retryable() bool {
	return k == KindActionTransient
}
