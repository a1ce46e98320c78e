package api

import "context"

// Engine owns workflow and activity registration, drives instances through
// their stages and records every outcome.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// RegisterActivity adds an activity to the typed registry.
	RegisterActivity(def ActivityDefinition) error

	// Validate checks that every stage of every registered workflow is bound
	// to a registered activity. Workers call it before serving.
	Validate() error

	// Create persists a PENDING instance and returns it without running it.
	Create(ctx context.Context, name, queue string, input Payload) (*WorkflowInstance, error)

	// Execute runs (or, after a crash, replays and continues) the instance
	// with the given ID until it reaches a terminal state.
	Execute(ctx context.Context, id string) (*WorkflowInstance, error)

	// Run is Create followed by Execute, synchronously.
	Run(ctx context.Context, name string, input Payload) (*WorkflowInstance, error)

	// Cancel requests cancellation. Pending instances become CANCELLED
	// immediately; running ones at their next suspension point.
	Cancel(ctx context.Context, id, reason string) (*WorkflowInstance, error)

	// Resume continues a FAILED instance from its last completed stage.
	Resume(ctx context.Context, id string) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// History returns the recorded stage outcomes of an instance in order.
	History(ctx context.Context, id string) ([]StageOutcome, error)
}
