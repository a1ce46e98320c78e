package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/campaignflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by SaveInstance for a duplicate ID.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrSequenceConflict is returned when an outcome is appended out of
	// order, i.e. its Seq is not the current history length.
	ErrSequenceConflict = errors.New("history sequence conflict")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
}

// InstanceStore handles storage of workflow instances.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	// RequestCancel sets CancelRequested and CancelReason on the stored
	// instance, leaving every other field as stored, and returns the result.
	RequestCancel(ctx context.Context, id, reason string) (*api.WorkflowInstance, error)
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
}

// HistoryStore is the append-only log of stage outcomes replay is derived
// from.
type HistoryStore interface {
	// Append records outcome. outcome.Seq must equal the number of outcomes
	// already stored for the instance, otherwise ErrSequenceConflict.
	Append(ctx context.Context, outcome api.StageOutcome) error
	// Load returns the outcomes of an instance ordered by Seq.
	Load(ctx context.Context, instanceID string) ([]api.StageOutcome, error)
	// Truncate drops every outcome with Seq >= fromSeq.
	Truncate(ctx context.Context, instanceID string, fromSeq int) error
}
