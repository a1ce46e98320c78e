package api

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is. Each typed error below matches exactly one of them.
var (
	ErrConnectionExhausted = errors.New("connection exhausted")
	ErrActivityTimeout     = errors.New("activity timeout")
	ErrActivityFailure     = errors.New("activity failure")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrDeadlineExceeded    = errors.New("deadline exceeded")
	ErrCancelled           = errors.New("cancelled")

	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrActivityNotRegistered = errors.New("activity not registered")
	ErrInstanceNotFound      = errors.New("instance not found")
	ErrNonDeterministic      = errors.New("history does not match workflow definition")
	ErrAlreadyRunning        = errors.New("instance already executing")
)

// FailureKind classifies a terminal error so it can be queried after the fact.
type FailureKind string

const (
	KindNone                FailureKind = ""
	KindConnectionExhausted FailureKind = "connection_exhausted"
	KindActivityTimeout     FailureKind = "activity_timeout"
	KindActivityFailure     FailureKind = "activity_failure"
	KindRetriesExhausted    FailureKind = "retries_exhausted"
	KindDeadlineExceeded    FailureKind = "deadline_exceeded"
	KindCancelled           FailureKind = "cancelled"
	KindInternal            FailureKind = "internal"
)

// Classify maps err onto the error taxonomy. Workflow-level outcomes
// (cancellation, deadline) take precedence over stage-level ones.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrDeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, ErrRetriesExhausted):
		return KindRetriesExhausted
	case errors.Is(err, ErrActivityTimeout):
		return KindActivityTimeout
	case errors.Is(err, ErrActivityFailure):
		return KindActivityFailure
	case errors.Is(err, ErrConnectionExhausted):
		return KindConnectionExhausted
	default:
		return KindInternal
	}
}

// ConnectionExhaustedError is returned when the connector gave up after its
// configured number of attempts.
type ConnectionExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ConnectionExhaustedError) Error() string {
	return fmt.Sprintf("unable to connect after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ConnectionExhaustedError) Unwrap() error { return e.Last }

func (e *ConnectionExhaustedError) Is(target error) bool { return target == ErrConnectionExhausted }

// ActivityTimeoutError reports that one attempt outlived its timeout.
type ActivityTimeoutError struct {
	Activity string
	Attempt  int
	Timeout  time.Duration
}

func (e *ActivityTimeoutError) Error() string {
	return fmt.Sprintf("activity %q attempt %d timed out after %v", e.Activity, e.Attempt, e.Timeout)
}

func (e *ActivityTimeoutError) Is(target error) bool { return target == ErrActivityTimeout }

// ActivityFailureError is an application-level failure raised by an activity
// body, including recovered panics.
type ActivityFailureError struct {
	Activity string
	Attempt  int
	Err      error
}

func (e *ActivityFailureError) Error() string {
	return fmt.Sprintf("activity %q attempt %d failed: %v", e.Activity, e.Attempt, e.Err)
}

func (e *ActivityFailureError) Unwrap() error { return e.Err }

func (e *ActivityFailureError) Is(target error) bool { return target == ErrActivityFailure }

// RetriesExhaustedError is the terminal failure of a stage: the activity's
// retry policy allowed no further attempts.
type RetriesExhaustedError struct {
	Activity string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for activity %q after %d attempts: %v", e.Activity, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// DeadlineExceededError reports that the cumulative workflow deadline passed.
type DeadlineExceededError struct {
	InstanceID string
	Deadline   time.Time
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("workflow %s exceeded its deadline %s", e.InstanceID, e.Deadline.Format(time.RFC3339Nano))
}

func (e *DeadlineExceededError) Is(target error) bool { return target == ErrDeadlineExceeded }

// CancelledError records an explicit external cancellation.
type CancelledError struct {
	InstanceID string
	Reason     string
}

func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("workflow %s cancelled: %s", e.InstanceID, e.Reason)
	}
	return fmt.Sprintf("workflow %s cancelled", e.InstanceID)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return "non-retryable: " + e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the activity is not attempted again regardless of
// its retry policy. The stage still fails with a RetriesExhaustedError.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was wrapped with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// storedError is how persisted errors come back from a store: the message
// survives and errors.Is keeps working through the recorded kind.
type storedError struct {
	msg  string
	kind FailureKind
}

func (e *storedError) Error() string { return e.msg }

func (e *storedError) Is(target error) bool {
	switch e.kind {
	case KindCancelled:
		return target == ErrCancelled
	case KindDeadlineExceeded:
		return target == ErrDeadlineExceeded
	case KindRetriesExhausted:
		return target == ErrRetriesExhausted
	case KindActivityTimeout:
		return target == ErrActivityTimeout
	case KindActivityFailure:
		return target == ErrActivityFailure
	case KindConnectionExhausted:
		return target == ErrConnectionExhausted
	}
	return false
}

// RestoreError rebuilds an error loaded from persistent storage.
func RestoreError(msg string, kind FailureKind) error {
	if msg == "" {
		return nil
	}
	return &storedError{msg: msg, kind: kind}
}
