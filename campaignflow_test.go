package campaignflow

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

var errRejected = errors.New("brief rejected")

func reject(ctx context.Context, in greetIn) (greetOut, error) {
	return greetOut{}, NonRetryable(errRejected)
}

func TestTopLevelWrappers_RunGetListHistory(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetrics{}
	eng := NewInMemoryEngineWithOptions(Options{
		Observer: NewCompositeObserver(NewLoggingObserver(zaptest.NewLogger(t)), metrics),
		Logger:   zaptest.NewLogger(t),
	})

	New("wrap-test").
		Activity(Activity("greet_activity", greet, ActivityOptions{})).
		Stage("greet", "greet_activity").
		MustRegister(eng)

	inst, err := Run(ctx, eng, "wrap-test", Payload{"name": "Ada"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := GetInstance(ctx, eng, inst.ID)
	if err != nil || got.ID != inst.ID || got.Status != StatusCompleted {
		t.Fatalf("get instance mismatch: %+v %v", got, err)
	}

	lst, err := ListInstances(ctx, eng, InstanceListOptions{WorkflowName: "wrap-test", Status: StatusCompleted})
	if err != nil || len(lst) != 1 {
		t.Fatalf("expected one completed instance: %v len=%d", err, len(lst))
	}

	history, err := History(ctx, eng, inst.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Stage != "greet" || history[0].Output.String("greeting") != "hello, Ada" {
		t.Fatalf("unexpected history %+v", history)
	}

	snap := metrics.Snapshot()
	if snap.WorkflowsStarted != 1 || snap.WorkflowsCompleted != 1 || snap.ActivityAttempts != 1 {
		t.Fatalf("unexpected metrics %+v", snap)
	}
}

func TestTopLevelWrappers_FailureResumeAndCancel(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	New("reject-test").
		Activity(Activity("reject_activity", reject, ActivityOptions{})).
		Stage("review", "reject_activity").
		MustRegister(eng)

	inst, err := Run(ctx, eng, "reject-test", Payload{})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !errors.Is(err, errRejected) {
		t.Fatalf("expected errRejected in chain, got %v", err)
	}
	if Classify(err) != KindRetriesExhausted || inst.Kind != KindRetriesExhausted {
		t.Fatalf("expected retries exhausted kind, got %s / %s", Classify(err), inst.Kind)
	}
	if inst.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", inst.Status)
	}

	// Resuming replays the same permanent failure.
	again, err := Resume(ctx, eng, inst.ID)
	if err == nil || again.Status != StatusFailed {
		t.Fatalf("expected resumed instance to fail again, got %v %v", again, err)
	}

	// Cancelling a terminal instance is a no-op.
	after, err := Cancel(ctx, eng, inst.ID, "too late")
	if err != nil || after.Status != StatusFailed {
		t.Fatalf("cancel of terminal instance changed it: %+v %v", after, err)
	}

	if _, err := GetInstance(ctx, eng, "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}
