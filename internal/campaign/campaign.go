// Package campaign defines the campaign-production workflow: the pipeline
// that turns a marketing brief into a published campaign, and the
// activities behind each of its stages.
//
// Activities reach business entities only through the narrow Briefs,
// Scripts and Assets interfaces, so the orchestration core never touches
// the CRUD layer's storage directly.
package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/campaignflow/pkg/api"
)

const (
	// WorkflowName is the full brief-to-publication pipeline.
	WorkflowName = "campaign-production"
	// IntakeWorkflowName is the single-stage intake pipeline.
	IntakeWorkflowName = "campaign-intake"
	// TaskQueue is the queue campaign workers consume by default.
	TaskQueue = "campaign-production"
)

// Stage names, in pipeline order.
const (
	StageIntake        = "intake"
	StageDraftScript   = "draft_script"
	StageCollectAssets = "collect_assets"
	StageSchedule      = "schedule"
	StagePublish       = "publish"
)

// Activity names.
const (
	ActivityIntake        = "intake_activity"
	ActivityDraftScript   = "draft_script_activity"
	ActivityCollectAssets = "collect_assets_activity"
	ActivitySchedule      = "schedule_activity"
	ActivityPublish       = "publish_activity"
)

// Brief statuses written back as the pipeline advances.
const (
	BriefReceived    = "received"
	BriefProcessed   = "processed"
	BriefScripted    = "scripted"
	BriefAssetsReady = "assets_ready"
	BriefScheduled   = "scheduled"
	BriefPublished   = "published"
)

var (
	// ErrBriefNotFound is returned by Briefs for an unknown brief.
	ErrBriefNotFound = errors.New("brief not found")
	// ErrNoAssets fails the collect stage until at least one asset is
	// attached to the brief.
	ErrNoAssets = errors.New("brief has no assets")
)

// Briefs updates the lifecycle status of a brief.
type Briefs interface {
	SetStatus(ctx context.Context, briefID, status string) error
}

// Script is a draft script created for a brief.
type Script struct {
	ID        string
	BriefID   string
	Title     string
	Status    string
	CreatedAt time.Time
}

// Scripts creates draft scripts.
type Scripts interface {
	// CreateOnce creates a script for briefID unless one was already created
	// under key, in which case the existing script is returned.
	CreateOnce(ctx context.Context, key, briefID, title string) (Script, error)
}

// Assets reports the assets attached to a brief.
type Assets interface {
	Count(ctx context.Context, briefID string) (int, error)
}

// Settings tune the campaign workflows.
type Settings struct {
	// Deadline bounds a whole campaign-production instance. Zero disables it.
	Deadline time.Duration
	// Activities overrides the options of individual activities by name.
	Activities map[string]api.ActivityOptions
}

// DefaultActivityOptions returns the options every campaign activity gets
// unless overridden: a 5 minute attempt timeout and 3 attempts.
func DefaultActivityOptions() api.ActivityOptions {
	policy := api.DefaultRetryPolicy()
	policy.MaxAttempts = 3
	return api.ActivityOptions{
		Timeout: 5 * time.Minute,
		Retry:   &policy,
	}
}

// DefaultSettings returns settings with a 24 hour deadline and default
// activity options.
func DefaultSettings() Settings {
	return Settings{Deadline: 24 * time.Hour}
}

func (s Settings) options(activity string) api.ActivityOptions {
	opts := DefaultActivityOptions()
	if o, ok := s.Activities[activity]; ok {
		opts = opts.Override(&o)
	}
	return opts
}

// IntakeDefinition is the single-stage pipeline: accept the brief and mark
// it processed.
func IntakeDefinition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: IntakeWorkflowName,
		Stages: []api.StageDefinition{
			{Name: StageIntake, Activity: ActivityIntake},
		},
	}
}

// Definition is the full campaign-production pipeline.
func Definition(s Settings) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name:     WorkflowName,
		Deadline: s.Deadline,
		Stages: []api.StageDefinition{
			{Name: StageIntake, Activity: ActivityIntake},
			{Name: StageDraftScript, Activity: ActivityDraftScript},
			{Name: StageCollectAssets, Activity: ActivityCollectAssets},
			{Name: StageSchedule, Activity: ActivitySchedule},
			{Name: StagePublish, Activity: ActivityPublish},
		},
	}
}

// RegisterWorkflows registers both campaign workflows. Clients that only
// enqueue need nothing more.
func RegisterWorkflows(eng api.Engine, s Settings) error {
	if err := eng.RegisterWorkflow(IntakeDefinition()); err != nil {
		return err
	}
	return eng.RegisterWorkflow(Definition(s))
}

// Register registers the workflows and the activities backing them.
func Register(eng api.Engine, acts *Activities, s Settings) error {
	if err := RegisterWorkflows(eng, s); err != nil {
		return err
	}
	for _, def := range acts.Definitions(s) {
		if err := eng.RegisterActivity(def); err != nil {
			return err
		}
	}
	return nil
}
