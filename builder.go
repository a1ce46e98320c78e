package campaignflow

import (
	"fmt"
	"time"

	"github.com/petrijr/campaignflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows together with
// the activities their stages call:
//
//	flow := campaignflow.New("campaign-intake").
//	    Activity(campaignflow.Activity("intake_activity", intake, opts)).
//	    Stage("intake", "intake_activity").
//	    Deadline(24 * time.Hour)
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := campaignflow.Run(ctx, engine, flow.Name(), input)
type FlowBuilder struct {
	def        api.WorkflowDefinition
	activities []api.ActivityDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:   name,
			Stages: make([]api.StageDefinition, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	return b.def
}

// Stage appends a stage that invokes the named activity with its registered
// options.
func (b *FlowBuilder) Stage(name, activity string) *FlowBuilder {
	return b.stage(name, activity, nil)
}

// StageWithRetry appends a stage whose activity uses the given retry policy
// instead of its registered one.
func (b *FlowBuilder) StageWithRetry(name, activity string, retry RetryPolicy) *FlowBuilder {
	// Copy so later changes to the caller's policy are not observed.
	r := retry
	return b.stage(name, activity, &api.ActivityOptions{Retry: &r})
}

// StageWithOptions appends a stage with per-stage activity options.
func (b *FlowBuilder) StageWithOptions(name, activity string, opts ActivityOptions) *FlowBuilder {
	o := opts
	return b.stage(name, activity, &o)
}

func (b *FlowBuilder) stage(name, activity string, opts *api.ActivityOptions) *FlowBuilder {
	if name == "" {
		panic("campaignflow: stage name must not be empty")
	}
	if activity == "" {
		panic(fmt.Sprintf("campaignflow: stage %q has no activity", name))
	}
	b.def.Stages = append(b.def.Stages, api.StageDefinition{
		Name:     name,
		Activity: activity,
		Options:  opts,
	})
	return b
}

// Activity adds an activity to register alongside the workflow.
func (b *FlowBuilder) Activity(def ActivityDefinition) *FlowBuilder {
	if def.Fn == nil {
		panic(fmt.Sprintf("campaignflow: activity %q has nil function", def.Name))
	}
	b.activities = append(b.activities, def)
	return b
}

// Deadline bounds every instance of the workflow, measured from its first
// start.
func (b *FlowBuilder) Deadline(d time.Duration) *FlowBuilder {
	b.def.Deadline = d
	return b
}

// Register registers the collected activities and then the workflow with
// the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	for _, def := range b.activities {
		if err := eng.RegisterActivity(def); err != nil {
			return err
		}
	}
	return eng.RegisterWorkflow(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
