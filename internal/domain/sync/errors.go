package sync

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind identifies specific types of errors that can occur while driving
// a pull. This enables the orchestrator to make retry decisions based on the
// type of error rather than string matching. Kinds are strings so persisted
// batch records keep their classification across releases.
type ErrorKind string

const (
	// ErrKindTimeout indicates the report poll budget was exceeded. The
	// unit is retryable on the next invocation.
	ErrKindTimeout ErrorKind = "timeout"

	// ErrKindFatalReport indicates the upstream marked report generation
	// itself as failed. Retryable, but logged distinctly: repeats for the
	// same scope indicate an upstream-side block.
	ErrKindFatalReport ErrorKind = "fatal_report"

	// ErrKindRateLimitExceeded indicates the retry budget for a throttled
	// quota class was exhausted. The unit backs off to the next invocation.
	ErrKindRateLimitExceeded ErrorKind = "rate_limit_exceeded"

	// ErrKindParse indicates the parser collaborator rejected a payload.
	// Only the affected batch is failed; others proceed.
	ErrKindParse ErrorKind = "parse"

	// ErrKindPersistenceConflict indicates an identity-key race during
	// upsert. Resolved by re-running the precedence resolver, never fatal.
	ErrKindPersistenceConflict ErrorKind = "persistence_conflict"

	// ErrKindInvalidStateTransition indicates an attempt to transition a
	// checkpoint or report to an invalid state.
	ErrKindInvalidStateTransition ErrorKind = "invalid_state_transition"
)

// KindOf extracts the kind from a domain error chain. Errors from outside
// the domain have no kind and return the empty string.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.kind
	}
	return ""
}

// SyncError represents domain-specific errors raised while pulling and
// committing a work unit. It provides context about the type of error to
// enable appropriate handling.
type SyncError struct {
	msg   string
	kind  ErrorKind
	cause error
}

// Error returns the error message. This implements the error interface.
func (e *SyncError) Error() string { return e.msg }

// Unwrap returns the underlying cause, if any.
func (e *SyncError) Unwrap() error { return e.cause }

// Is enables error matching by comparing error kinds.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Kind returns the error's kind for logging and metrics attribution.
func (e *SyncError) Kind() ErrorKind { return e.kind }

// Sentinel values for errors.Is matching.
var (
	ErrTimeout             = &SyncError{kind: ErrKindTimeout}
	ErrFatalReport         = &SyncError{kind: ErrKindFatalReport}
	ErrRateLimitExceeded   = &SyncError{kind: ErrKindRateLimitExceeded}
	ErrParse               = &SyncError{kind: ErrKindParse}
	ErrPersistenceConflict = &SyncError{kind: ErrKindPersistenceConflict}
)

// NewTimeoutError creates an error for a report that did not complete within
// the poll budget.
func NewTimeoutError(reportID string, budget time.Duration) error {
	return &SyncError{
		msg:  fmt.Sprintf("report %s did not complete within %s", reportID, budget),
		kind: ErrKindTimeout,
	}
}

// NewFatalReportError creates an error for a report the upstream marked as
// failed or cancelled.
func NewFatalReportError(reportID string, status ReportStatus) error {
	return &SyncError{
		msg:  fmt.Sprintf("report %s failed upstream with status %s", reportID, status),
		kind: ErrKindFatalReport,
	}
}

// NewRateLimitError creates an error for an exhausted retry budget in a
// throttled quota class.
func NewRateLimitError(class string, attempts int) error {
	return &SyncError{
		msg:  fmt.Sprintf("quota class %s still throttled after %d attempts", class, attempts),
		kind: ErrKindRateLimitExceeded,
	}
}

// NewParseError wraps a parser collaborator failure for one batch.
func NewParseError(batchID string, cause error) error {
	return &SyncError{
		msg:   fmt.Sprintf("parsing batch %s: %v", batchID, cause),
		kind:  ErrKindParse,
		cause: cause,
	}
}

// NewPersistenceConflictError creates an error for an identity-key race
// detected at the storage layer.
func NewPersistenceConflictError(key IdentityKey) error {
	return &SyncError{
		msg:  fmt.Sprintf("concurrent upsert for identity key %s", key),
		kind: ErrKindPersistenceConflict,
	}
}

func newInvalidStateTransitionError(from, to CheckpointStatus) error {
	return &SyncError{
		msg:  fmt.Sprintf("cannot transition checkpoint from %s to %s", from, to),
		kind: ErrKindInvalidStateTransition,
	}
}
