package api

import (
	"fmt"
	"maps"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is one of COMPLETED, FAILED or CANCELLED.
// A terminal instance is never mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Payload is the plain value passed between stages. Activity outputs are
// merged into the accumulated payload after each successful stage.
type Payload map[string]any

// Clone returns a shallow copy of p. A nil payload clones to an empty one.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	maps.Copy(out, p)
	return out
}

// Merge returns a new payload holding p overlaid with other.
// Neither p nor other is modified.
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	maps.Copy(out, other)
	return out
}

// String returns p[key] formatted as a string, or "" if absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// StageDefinition binds one pipeline stage to the activity it invokes.
// Options, when set, override the activity's registered options.
type StageDefinition struct {
	Name     string
	Activity string
	Options  *ActivityOptions
}

// WorkflowDefinition describes a workflow as a strict sequence of stages.
type WorkflowDefinition struct {
	Name   string
	Stages []StageDefinition

	// Deadline bounds the whole instance, measured from its first start.
	// Zero means no workflow-level deadline.
	Deadline time.Duration
}

// WorkflowInstance is one execution of a workflow for one business input.
type WorkflowInstance struct {
	ID     string
	Name   string
	Queue  string
	Status Status

	// Input is the payload supplied at enqueue time. It never changes and is
	// the seed for deterministic replay.
	Input Payload

	// Payload is the accumulated payload after the last completed stage.
	Payload Payload

	// CurrentStage is the index of the next stage to run:
	//   - 0 before anything ran
	//   - len(Stages) once COMPLETED
	//   - index of the failing stage when FAILED
	CurrentStage int

	// Err holds the terminal failure or cancellation reason.
	Err error
	// Kind classifies Err for queries after the fact.
	Kind FailureKind

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// Deadline is the absolute workflow deadline fixed at first start.
	// It is persisted so replay after a crash keeps the same budget.
	Deadline time.Time

	// CancelRequested is set when a cancel arrives while another process
	// is executing the instance.
	CancelRequested bool
	CancelReason    string
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	WorkflowName string
	Status       Status
}
