package api

import "time"

// OutcomeStatus is the recorded result of one stage.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "COMPLETED"
	OutcomeFailed    OutcomeStatus = "FAILED"
)

// StageOutcome is one entry of an instance's replay history. Outcomes are
// appended in stage order and are the only input replay needs besides the
// instance's original Input.
type StageOutcome struct {
	InstanceID string
	Seq        int
	Stage      string
	Activity   string
	Status     OutcomeStatus

	// Output is the successful attempt's output. Empty for failures.
	Output Payload

	// Reason and Kind describe a failed stage.
	Reason string
	Kind   FailureKind

	Attempts   int
	RecordedAt time.Time
}

// InvocationResult is the outcome of a single activity attempt.
type InvocationResult string

const (
	InvocationSucceeded InvocationResult = "success"
	InvocationFailed    InvocationResult = "failure"
	InvocationTimedOut  InvocationResult = "timeout"
)

// ActivityInvocation describes one attempt to execute an activity on behalf
// of a workflow instance. It is reported to observers and never shared
// between instances.
type ActivityInvocation struct {
	InstanceID string
	Stage      string
	Activity   string
	Input      Payload
	Attempt    int
	StartedAt  time.Time
	Timeout    time.Duration

	Result   InvocationResult
	Duration time.Duration
	Err      error
}
