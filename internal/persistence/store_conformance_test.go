package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/campaignflow/pkg/api"
)

// storeFactory returns a fresh, empty Persistence for one test.
type storeFactory func(t *testing.T) Persistence

func runConformance(t *testing.T, newStore storeFactory) {
	t.Run("SaveGetUpdate", func(t *testing.T) { testSaveGetUpdate(t, newStore(t)) })
	t.Run("DuplicateSave", func(t *testing.T) { testDuplicateSave(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("RequestCancel", func(t *testing.T) { testRequestCancel(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("HistoryAppendLoad", func(t *testing.T) { testHistoryAppendLoad(t, newStore(t)) })
	t.Run("HistoryTruncate", func(t *testing.T) { testHistoryTruncate(t, newStore(t)) })
}

func testSaveGetUpdate(t *testing.T, p Persistence) {
	ctx := context.Background()
	created := time.Unix(1700000000, 0)

	inst := &api.WorkflowInstance{
		ID:        "wf-1",
		Name:      "campaign",
		Queue:     "campaign-production",
		Status:    api.StatusPending,
		Input:     api.Payload{"brief_id": "b-1"},
		CreatedAt: created,
	}

	if err := p.Instances.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	got, err := p.Instances.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Name != "campaign" || got.Status != api.StatusPending || got.Queue != "campaign-production" {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if got.Input.String("brief_id") != "b-1" {
		t.Fatalf("unexpected input: %v", got.Input)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if !got.StartedAt.IsZero() || got.Err != nil {
		t.Fatalf("expected zero StartedAt and nil Err, got %v / %v", got.StartedAt, got.Err)
	}

	deadline := created.Add(time.Hour)
	got.Status = api.StatusFailed
	got.CurrentStage = 2
	got.Payload = api.Payload{"brief_id": "b-1", "intake": "processed:b-1"}
	got.Err = &api.DeadlineExceededError{InstanceID: "wf-1", Deadline: deadline}
	got.Kind = api.KindDeadlineExceeded
	got.StartedAt = created.Add(time.Second)
	got.FinishedAt = created.Add(2 * time.Second)
	got.Deadline = deadline
	got.CancelRequested = true
	got.CancelReason = "operator"

	if err := p.Instances.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}

	got2, err := p.Instances.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetInstance after update failed: %v", err)
	}
	if got2.Status != api.StatusFailed || got2.CurrentStage != 2 {
		t.Fatalf("unexpected status/current_stage after update: %+v", got2)
	}
	if got2.Payload.String("intake") != "processed:b-1" {
		t.Fatalf("unexpected payload: %v", got2.Payload)
	}
	if !errors.Is(got2.Err, api.ErrDeadlineExceeded) || got2.Kind != api.KindDeadlineExceeded {
		t.Fatalf("error kind lost: %v (%s)", got2.Err, got2.Kind)
	}
	if got2.Err.Error() != got.Err.Error() {
		t.Fatalf("error message = %q, want %q", got2.Err.Error(), got.Err.Error())
	}
	if !got2.Deadline.Equal(deadline) || !got2.FinishedAt.Equal(created.Add(2*time.Second)) {
		t.Fatalf("timestamps lost: %+v", got2)
	}
	if !got2.CancelRequested || got2.CancelReason != "operator" {
		t.Fatalf("cancel request lost: %+v", got2)
	}
}

func testDuplicateSave(t *testing.T, p Persistence) {
	ctx := context.Background()
	inst := &api.WorkflowInstance{ID: "dup", Name: "campaign", Status: api.StatusPending}
	if err := p.Instances.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}
	if err := p.Instances.SaveInstance(ctx, inst); !errors.Is(err, ErrInstanceExists) {
		t.Fatalf("expected ErrInstanceExists, got %v", err)
	}
}

func testUpdateMissing(t *testing.T, p Persistence) {
	ctx := context.Background()
	err := p.Instances.UpdateInstance(ctx, &api.WorkflowInstance{ID: "missing", Status: api.StatusRunning})
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if _, err := p.Instances.GetInstance(ctx, "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testRequestCancel(t *testing.T, p Persistence) {
	ctx := context.Background()
	inst := &api.WorkflowInstance{ID: "rc-1", Name: "campaign", Status: api.StatusRunning, CreatedAt: time.Unix(1700000000, 0)}
	if err := p.Instances.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	// Progress saved after a reader took its snapshot must survive the
	// cancel request.
	progressed := *inst
	progressed.CurrentStage = 3
	progressed.Payload = api.Payload{"script_id": "s-1"}
	if err := p.Instances.UpdateInstance(ctx, &progressed); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}

	got, err := p.Instances.RequestCancel(ctx, "rc-1", "brief withdrawn")
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if !got.CancelRequested || got.CancelReason != "brief withdrawn" {
		t.Fatalf("cancel fields not set: %+v", got)
	}
	if got.CurrentStage != 3 || got.Payload.String("script_id") != "s-1" || got.Status != api.StatusRunning {
		t.Fatalf("progress rolled back: %+v", got)
	}

	stored, err := p.Instances.GetInstance(ctx, "rc-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if !stored.CancelRequested || stored.CurrentStage != 3 {
		t.Fatalf("unexpected stored instance: %+v", stored)
	}

	if _, err := p.Instances.RequestCancel(ctx, "missing", "x"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testListFilters(t *testing.T, p Persistence) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	instances := []*api.WorkflowInstance{
		{ID: "list-1", Name: "wf-A", Status: api.StatusPending, CreatedAt: base},
		{ID: "list-2", Name: "wf-A", Status: api.StatusCompleted, CreatedAt: base.Add(time.Second)},
		{ID: "list-3", Name: "wf-B", Status: api.StatusCompleted, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, inst := range instances {
		if err := p.Instances.SaveInstance(ctx, inst); err != nil {
			t.Fatalf("SaveInstance(%q) failed: %v", inst.ID, err)
		}
	}

	// Status change must move the instance between status filters.
	moved := *instances[0]
	moved.Status = api.StatusCancelled
	if err := p.Instances.UpdateInstance(ctx, &moved); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}

	cases := []struct {
		filter InstanceFilter
		want   []string
	}{
		{InstanceFilter{}, []string{"list-1", "list-2", "list-3"}},
		{InstanceFilter{WorkflowName: "wf-A"}, []string{"list-1", "list-2"}},
		{InstanceFilter{Status: api.StatusCompleted}, []string{"list-2", "list-3"}},
		{InstanceFilter{WorkflowName: "wf-A", Status: api.StatusCompleted}, []string{"list-2"}},
		{InstanceFilter{Status: api.StatusPending}, nil},
		{InstanceFilter{Status: api.StatusCancelled}, []string{"list-1"}},
	}
	for _, tc := range cases {
		got, err := p.Instances.ListInstances(ctx, tc.filter)
		if err != nil {
			t.Fatalf("ListInstances(%+v) failed: %v", tc.filter, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("ListInstances(%+v) returned %d instances, want %d", tc.filter, len(got), len(tc.want))
		}
		for i, id := range tc.want {
			if got[i].ID != id {
				t.Fatalf("ListInstances(%+v)[%d] = %s, want %s", tc.filter, i, got[i].ID, id)
			}
		}
	}
}

func testHistoryAppendLoad(t *testing.T, p Persistence) {
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	empty, err := p.History.Load(ctx, "h-1")
	if err != nil {
		t.Fatalf("Load empty failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty history, got %d", len(empty))
	}

	outcomes := []api.StageOutcome{
		{InstanceID: "h-1", Seq: 0, Stage: "intake", Activity: "intake_activity", Status: api.OutcomeCompleted,
			Output: api.Payload{"intake": "processed:b-1"}, Attempts: 1, RecordedAt: at},
		{InstanceID: "h-1", Seq: 1, Stage: "draft_script", Activity: "draft_script", Status: api.OutcomeFailed,
			Reason: "retries exhausted", Kind: api.KindRetriesExhausted, Attempts: 3, RecordedAt: at.Add(time.Second)},
	}
	for _, o := range outcomes {
		if err := p.History.Append(ctx, o); err != nil {
			t.Fatalf("Append(%d) failed: %v", o.Seq, err)
		}
	}

	// Re-appending an existing sequence number is rejected.
	if err := p.History.Append(ctx, outcomes[0]); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
	// So is skipping ahead.
	gap := outcomes[0]
	gap.Seq = 5
	if err := p.History.Append(ctx, gap); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict for a gap, got %v", err)
	}

	got, err := p.History.Load(ctx, "h-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(got))
	}
	if got[0].Stage != "intake" || got[0].Output.String("intake") != "processed:b-1" || got[0].Attempts != 1 {
		t.Fatalf("unexpected first outcome: %+v", got[0])
	}
	if got[1].Status != api.OutcomeFailed || got[1].Kind != api.KindRetriesExhausted || got[1].Reason != "retries exhausted" {
		t.Fatalf("unexpected second outcome: %+v", got[1])
	}
	if !got[1].RecordedAt.Equal(at.Add(time.Second)) {
		t.Fatalf("RecordedAt = %v", got[1].RecordedAt)
	}

	other, err := p.History.Load(ctx, "h-2")
	if err != nil || len(other) != 0 {
		t.Fatalf("histories must be per instance: %v %v", other, err)
	}
}

func testHistoryTruncate(t *testing.T, p Persistence) {
	ctx := context.Background()
	for i, stage := range []string{"intake", "draft_script", "collect_assets"} {
		o := api.StageOutcome{InstanceID: "t-1", Seq: i, Stage: stage, Activity: stage, Status: api.OutcomeCompleted, RecordedAt: time.Unix(int64(i+1), 0)}
		if err := p.History.Append(ctx, o); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := p.History.Truncate(ctx, "t-1", 2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	got, err := p.History.Load(ctx, "t-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 || got[1].Stage != "draft_script" {
		t.Fatalf("unexpected history after truncate: %+v", got)
	}

	// Appending continues at the truncated length.
	o := api.StageOutcome{InstanceID: "t-1", Seq: 2, Stage: "collect_assets", Activity: "collect_assets", Status: api.OutcomeCompleted, RecordedAt: time.Unix(9, 0)}
	if err := p.History.Append(ctx, o); err != nil {
		t.Fatalf("Append after truncate failed: %v", err)
	}

	if err := p.History.Truncate(ctx, "t-1", 0); err != nil {
		t.Fatalf("Truncate(0) failed: %v", err)
	}
	got, _ = p.History.Load(ctx, "t-1")
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %d", len(got))
	}
}
