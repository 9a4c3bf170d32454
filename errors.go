package flowauth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by entity loaders for missing rows.
	ErrNotFound = errors.New("entity not found")
	// ErrFlowEmpty is returned when starting an execution for a flow with no
	// entries.
	ErrFlowEmpty = errors.New("flow has no entries")
	// ErrExecutionNotFound is returned when a submission targets a (session,
	// flow) pair with no live execution.
	ErrExecutionNotFound = errors.New("no execution for session and flow")
	// ErrExecutionBusy is returned when two requests race one execution's
	// mutable state. Concurrent mutation of a single execution is a caller
	// bug, not a queueing situation.
	ErrExecutionBusy = errors.New("execution locked by concurrent request")
	// ErrExecutionTerminal is returned once an execution carries a terminal
	// error and can no longer make progress.
	ErrExecutionTerminal = errors.New("execution in terminal error state")
	// ErrNoContinuation is returned when a completed execution is rendered
	// without a continuation URL.
	ErrNoContinuation = errors.New("completed execution has no continuation")
	// ErrStageUnsupported is returned when the current stage kind has no
	// handler wired. Unimplemented kinds are a hard error, never skipped.
	ErrStageUnsupported = errors.New("stage kind not supported")
	// ErrFrozenUnresolved is returned when freezing a snapshot left
	// references unresolved. The execution cannot start.
	ErrFrozenUnresolved = errors.New("snapshot froze with unresolved references")
	// ErrSnapshotFrozen is returned for a lookup of a reference that was not
	// visited before freeze.
	ErrSnapshotFrozen = errors.New("reference unresolved in frozen snapshot")
	// ErrNumericCacheKey is returned when an execution cache key is built
	// from an id-only flow reference. Cache keys are slug-form only.
	ErrNumericCacheKey = errors.New("execution cache keys require a slug reference")
	// ErrEngineNotReady is returned when the engine was not fully built.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrPasswordAttemptsExceeded is returned while the password attempt
	// budget for an identifier is exhausted.
	ErrPasswordAttemptsExceeded = errors.New("password attempts exceeded")
)

// SubmissionErrorKind classifies user-correctable submission errors.
type SubmissionErrorKind string

const (
	// SubmissionMissingField reports a required field absent from the form.
	SubmissionMissingField SubmissionErrorKind = "missing"
	// SubmissionInvalidType reports a field present with the wrong type.
	SubmissionInvalidType SubmissionErrorKind = "invalid_type"
	// SubmissionNoPendingUser reports a password submission with no pending
	// identity to verify.
	SubmissionNoPendingUser SubmissionErrorKind = "no_pending_user"
	// SubmissionInvalid reports a field that failed validation.
	SubmissionInvalid SubmissionErrorKind = "invalid"
)

// SubmissionError is a user-correctable submission failure. It is recovered
// at the submit boundary into a re-render with a structured response_error;
// it never reaches the request boundary as a 5xx.
type SubmissionError struct {
	Kind    SubmissionErrorKind
	Field   string
	Message string

	// Set for SubmissionInvalidType.
	Expected FieldKind
	Got      FieldKind
}

func (e *SubmissionError) Error() string {
	switch e.Kind {
	case SubmissionMissingField:
		return fmt.Sprintf("field %q missing", e.Field)
	case SubmissionInvalidType:
		return fmt.Sprintf("field %q expected %s, got %s", e.Field, e.Expected, e.Got)
	case SubmissionNoPendingUser:
		return "no pending user"
	default:
		if e.Message != "" {
			return fmt.Sprintf("field %q invalid: %s", e.Field, e.Message)
		}
		return fmt.Sprintf("field %q invalid", e.Field)
	}
}

// AsSubmissionError unwraps err into a *SubmissionError when it is one.
func AsSubmissionError(err error) (*SubmissionError, bool) {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
