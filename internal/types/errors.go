package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification attached to every
// rejection the engine produces. The UI reacts to the kind, the user
// reads the message.
type ErrorKind string

const (
	// KindSanitizationRejected means the input was refused before any model
	// call. The message is deliberately generic.
	KindSanitizationRejected ErrorKind = "sanitization_rejected"

	// KindInterpretationAmbiguous means the model output was unusable or
	// low-confidence; the caller should present the clarification message
	// as a normal conversational turn.
	KindInterpretationAmbiguous ErrorKind = "interpretation_ambiguous"

	// KindUnknownOperation means dispatch found no registered command.
	KindUnknownOperation ErrorKind = "unknown_operation"

	// KindModeNotAllowed means the command exists but the session mode does
	// not permit it; distinct from unknown so the UI can prompt a switch.
	KindModeNotAllowed ErrorKind = "mode_not_allowed"

	// KindValidationFailed means command input failed schema validation at
	// preview or confirm time.
	KindValidationFailed ErrorKind = "validation_failed"

	// KindStalePlan means a confirm did not match the most recent
	// non-expired preview; the caller must re-preview.
	KindStalePlan ErrorKind = "stale_plan"

	// KindPartialBatchFailure means some batch items failed; per-item
	// detail is in the BatchResult.
	KindPartialBatchFailure ErrorKind = "partial_batch_failure"

	// KindUpstreamUnavailable means the model service or data store was
	// unreachable after bounded retries.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindInternal covers unexpected faults; surfaced generically.
	KindInternal ErrorKind = "internal"
)

// Error is the engine's typed error. Every user-visible rejection carries
// a kind plus an actionable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps an underlying error with a kind and message.
func WrapE(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Untyped errors
// classify as internal; nil has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
