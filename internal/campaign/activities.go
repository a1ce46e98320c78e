package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/campaignflow/pkg/api"
)

// BriefInput is the part of the payload every stage reads.
type BriefInput struct {
	BriefID    string `json:"brief_id"`
	Title      string `json:"title,omitempty"`
	LaunchDate string `json:"launch_date,omitempty"`
}

type IntakeResult struct {
	Result string `json:"result"`
}

type ScriptResult struct {
	ScriptID string `json:"script_id"`
}

type AssetsResult struct {
	AssetCount int `json:"asset_count"`
}

type ScheduleResult struct {
	ScheduledFor string `json:"scheduled_for"`
}

type PublishInput struct {
	BriefID      string `json:"brief_id"`
	ScriptID     string `json:"script_id"`
	ScheduledFor string `json:"scheduled_for"`
}

type PublishResult struct {
	BriefStatus string `json:"brief_status"`
}

// Activities holds the collaborators the campaign activities call. A nil
// Briefs skips status updates and a nil Assets skips the asset check.
type Activities struct {
	Briefs  Briefs
	Scripts Scripts
	Assets  Assets

	// Now defaults to time.Now.
	Now func() time.Time
}

func (a *Activities) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Definitions returns the activity registrations with options from s.
func (a *Activities) Definitions(s Settings) []api.ActivityDefinition {
	return []api.ActivityDefinition{
		api.TypedActivity(ActivityIntake, a.Intake, s.options(ActivityIntake)),
		api.TypedActivity(ActivityDraftScript, a.DraftScript, s.options(ActivityDraftScript)),
		api.TypedActivity(ActivityCollectAssets, a.CollectAssets, s.options(ActivityCollectAssets)),
		api.TypedActivity(ActivitySchedule, a.Schedule, s.options(ActivitySchedule)),
		api.TypedActivity(ActivityPublish, a.Publish, s.options(ActivityPublish)),
	}
}

func requireBrief(id string) error {
	if id == "" {
		return api.NonRetryable(errors.New("brief_id is required"))
	}
	return nil
}

// setStatus updates the brief when Briefs is configured. An unknown brief
// is permanent.
func (a *Activities) setStatus(ctx context.Context, briefID, status string) error {
	if a.Briefs == nil {
		return nil
	}
	err := a.Briefs.SetStatus(ctx, briefID, status)
	if errors.Is(err, ErrBriefNotFound) {
		return api.NonRetryable(err)
	}
	return err
}

// Intake accepts a brief.
func (a *Activities) Intake(ctx context.Context, in BriefInput) (IntakeResult, error) {
	if err := requireBrief(in.BriefID); err != nil {
		return IntakeResult{}, err
	}
	if err := a.setStatus(ctx, in.BriefID, BriefProcessed); err != nil {
		return IntakeResult{}, err
	}
	return IntakeResult{Result: "processed:" + in.BriefID}, nil
}

// DraftScript creates the brief's draft script exactly once per instance,
// keyed by the stage's idempotency key.
func (a *Activities) DraftScript(ctx context.Context, in BriefInput) (ScriptResult, error) {
	if err := requireBrief(in.BriefID); err != nil {
		return ScriptResult{}, err
	}
	info, ok := api.ActivityInfoFromContext(ctx)
	if !ok {
		return ScriptResult{}, api.NonRetryable(errors.New("draft script: no activity info"))
	}

	title := in.Title
	if title == "" {
		title = "Draft for brief " + in.BriefID
	}
	script, err := a.Scripts.CreateOnce(ctx, info.IdempotencyKey, in.BriefID, title)
	if err != nil {
		return ScriptResult{}, fmt.Errorf("create script: %w", err)
	}
	if err := a.setStatus(ctx, in.BriefID, BriefScripted); err != nil {
		return ScriptResult{}, err
	}
	return ScriptResult{ScriptID: script.ID}, nil
}

// CollectAssets waits for at least one asset to be attached. It fails with
// ErrNoAssets, which is retried, while there are none.
func (a *Activities) CollectAssets(ctx context.Context, in BriefInput) (AssetsResult, error) {
	if err := requireBrief(in.BriefID); err != nil {
		return AssetsResult{}, err
	}
	if a.Assets == nil {
		return AssetsResult{}, a.setStatus(ctx, in.BriefID, BriefAssetsReady)
	}
	n, err := a.Assets.Count(ctx, in.BriefID)
	if err != nil {
		return AssetsResult{}, fmt.Errorf("count assets: %w", err)
	}
	if n == 0 {
		return AssetsResult{}, ErrNoAssets
	}
	if err := a.setStatus(ctx, in.BriefID, BriefAssetsReady); err != nil {
		return AssetsResult{}, err
	}
	return AssetsResult{AssetCount: n}, nil
}

// Schedule picks the publication time: the brief's launch date, or now when
// the launch date has passed or is unset.
func (a *Activities) Schedule(ctx context.Context, in BriefInput) (ScheduleResult, error) {
	if err := requireBrief(in.BriefID); err != nil {
		return ScheduleResult{}, err
	}

	at := a.now().UTC()
	if in.LaunchDate != "" {
		launch, err := time.Parse(time.RFC3339, in.LaunchDate)
		if err != nil {
			return ScheduleResult{}, api.NonRetryable(fmt.Errorf("launch_date: %w", err))
		}
		if launch.After(at) {
			at = launch.UTC()
		}
	}

	if err := a.setStatus(ctx, in.BriefID, BriefScheduled); err != nil {
		return ScheduleResult{}, err
	}
	return ScheduleResult{ScheduledFor: at.Format(time.RFC3339)}, nil
}

// Publish marks the brief published.
func (a *Activities) Publish(ctx context.Context, in PublishInput) (PublishResult, error) {
	if err := requireBrief(in.BriefID); err != nil {
		return PublishResult{}, err
	}
	if in.ScriptID == "" || in.ScheduledFor == "" {
		return PublishResult{}, api.NonRetryable(errors.New("publish: script and schedule are required"))
	}
	if err := a.setStatus(ctx, in.BriefID, BriefPublished); err != nil {
		return PublishResult{}, err
	}
	return PublishResult{BriefStatus: BriefPublished}, nil
}
