package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	NoopObserver

	mu sync.Mutex

	starts     int
	completes  int
	fails      int
	cancels    int
	stageStart int
	stageDone  int
	attempts   int
	retries    int
	exhausted  int

	lastFailErr  error
	lastStage    string
	lastStageIdx int
	lastBackoff  time.Duration
}

func (o *testObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *testObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastFailErr = err
}

func (o *testObserver) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels++
}

func (o *testObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage string, idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageStart++
	o.lastStage = stage
	o.lastStageIdx = idx
}

func (o *testObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage string, idx int, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageDone++
}

func (o *testObserver) OnActivityAttempt(ctx context.Context, inv ActivityInvocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *testObserver) OnActivityFailed(ctx context.Context, inv ActivityInvocation, backoff time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
	o.lastBackoff = backoff
}

func (o *testObserver) OnActivityRetriesExhausted(ctx context.Context, inv ActivityInvocation, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func newTestInstance() *WorkflowInstance {
	return &WorkflowInstance{
		ID:   "inst-123",
		Name: "wf-test",
	}
}

func newRecordingLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	var o Observer = NoopObserver{}

	o.OnWorkflowStart(ctx, inst)
	o.OnWorkflowCompleted(ctx, inst)
	o.OnWorkflowFailed(ctx, inst, errors.New("boom"))
	o.OnWorkflowCancelled(ctx, inst, ErrCancelled)
	o.OnStageStart(ctx, inst, "intake", 0)
	o.OnStageCompleted(ctx, inst, "intake", 0, nil, time.Second)
	o.OnActivityAttempt(ctx, ActivityInvocation{})
	o.OnActivityFailed(ctx, ActivityInvocation{}, time.Second)
	o.OnActivityRetriesExhausted(ctx, ActivityInvocation{}, errors.New("boom"))
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("stage failed")
	inv := ActivityInvocation{InstanceID: inst.ID, Stage: "intake", Activity: "intake_activity", Attempt: 1}
	co.OnWorkflowStart(ctx, inst)
	co.OnWorkflowCompleted(ctx, inst)
	co.OnWorkflowFailed(ctx, inst, err)
	co.OnWorkflowCancelled(ctx, inst, ErrCancelled)
	co.OnStageStart(ctx, inst, "intake", 1)
	co.OnStageCompleted(ctx, inst, "intake", 1, err, 2*time.Second)
	co.OnActivityAttempt(ctx, inv)
	co.OnActivityFailed(ctx, inv, 3*time.Second)
	co.OnActivityRetriesExhausted(ctx, inv, err)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.cancels != 1 {
			t.Fatalf("observer %d did not receive all workflow calls: %+v", i+1, o)
		}
		if o.stageStart != 1 || o.stageDone != 1 || o.attempts != 1 || o.retries != 1 || o.exhausted != 1 {
			t.Fatalf("observer %d did not receive all stage/activity calls: %+v", i+1, o)
		}
		if o.lastFailErr != err {
			t.Fatalf("observer %d fail error mismatch", i+1)
		}
		if o.lastStage != "intake" || o.lastStageIdx != 1 {
			t.Fatalf("observer %d stage mismatch: %q/%d", i+1, o.lastStage, o.lastStageIdx)
		}
		if o.lastBackoff != 3*time.Second {
			t.Fatalf("observer %d backoff mismatch: %v", i+1, o.lastBackoff)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesGlobal(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnWorkflowStart_EmitsInfoLog(t *testing.T) {
	logger, logs := newRecordingLogger()
	o := NewLoggingObserver(logger)
	inst := newTestInstance()

	o.OnWorkflowStart(context.Background(), inst)

	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected InfoLevel, got %v", entry.Level)
	}
	if entry.Message != "workflow_start" {
		t.Fatalf("expected message workflow_start, got %q", entry.Message)
	}
	fields := entry.ContextMap()
	if fields["workflow"] != inst.Name {
		t.Fatalf("expected workflow=%q, got %v", inst.Name, fields["workflow"])
	}
	if fields["instance_id"] != inst.ID {
		t.Fatalf("expected instance_id=%q, got %v", inst.ID, fields["instance_id"])
	}
}

func TestLoggingObserver_ActivityFailedIncludesAttemptAndBackoff(t *testing.T) {
	logger, logs := newRecordingLogger()
	o := NewLoggingObserver(logger)

	inv := ActivityInvocation{
		InstanceID: "inst-1",
		Stage:      "intake",
		Activity:   "intake_activity",
		Attempt:    2,
		Timeout:    time.Minute,
		Result:     InvocationFailed,
		Err:        errors.New("boom"),
	}
	o.OnActivityFailed(context.Background(), inv, 4*time.Second)

	entries := logs.FilterMessage("activity_failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 activity_failed entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["attempt"] != int64(2) {
		t.Fatalf("expected attempt=2, got %v (%T)", fields["attempt"], fields["attempt"])
	}
	if fields["backoff"] != 4*time.Second {
		t.Fatalf("expected backoff=4s, got %v", fields["backoff"])
	}
	if fields["error"] != "boom" {
		t.Fatalf("expected error=boom, got %v", fields["error"])
	}
}

func TestLoggingObserver_OnStageCompleted_LevelDependsOnError(t *testing.T) {
	logger, logs := newRecordingLogger()
	o := NewLoggingObserver(logger)
	inst := newTestInstance()

	o.OnStageCompleted(context.Background(), inst, "ok", 0, nil, time.Second)
	o.OnStageCompleted(context.Background(), inst, "bad", 1, errors.New("boom"), 2*time.Second)

	all := logs.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(all))
	}
	if all[0].Level != zapcore.DebugLevel {
		t.Fatalf("expected success entry DebugLevel, got %v", all[0].Level)
	}
	if all[1].Level != zapcore.ErrorLevel {
		t.Fatalf("expected failure entry ErrorLevel, got %v", all[1].Level)
	}
	if all[1].ContextMap()["stage"] != "bad" {
		t.Fatalf("expected stage=bad, got %v", all[1].ContextMap()["stage"])
	}
}

func TestLoggingObserver_TerminalOutcomesAreLogged(t *testing.T) {
	logger, logs := newRecordingLogger()
	o := NewLoggingObserver(logger)
	inst := newTestInstance()
	ctx := context.Background()

	o.OnWorkflowCompleted(ctx, inst)
	o.OnWorkflowFailed(ctx, inst, &RetriesExhaustedError{Activity: "a", Attempts: 3, Last: errors.New("x")})
	o.OnWorkflowCancelled(ctx, inst, &CancelledError{InstanceID: inst.ID})

	for _, msg := range []string{"workflow_completed", "workflow_failed", "workflow_cancelled"} {
		if logs.FilterMessage(msg).Len() != 1 {
			t.Fatalf("expected one %s entry", msg)
		}
	}
	failed := logs.FilterMessage("workflow_failed").All()[0].ContextMap()
	if failed["kind"] != string(KindRetriesExhausted) {
		t.Fatalf("expected kind=%s, got %v", KindRetriesExhausted, failed["kind"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_WorkflowCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	inst := newTestInstance()

	// 4 started, 1 completed, 1 failed, 1 cancelled -> pending = 1
	for i := 0; i < 4; i++ {
		m.OnWorkflowStart(ctx, inst)
	}
	m.OnWorkflowCompleted(ctx, inst)
	m.OnWorkflowFailed(ctx, inst, errors.New("fail"))
	m.OnWorkflowCancelled(ctx, inst, ErrCancelled)

	snap := m.Snapshot()

	if snap.WorkflowsStarted != 4 {
		t.Fatalf("WorkflowsStarted=%d, want 4", snap.WorkflowsStarted)
	}
	if snap.WorkflowsCompleted != 1 || snap.WorkflowsFailed != 1 || snap.WorkflowsCancelled != 1 {
		t.Fatalf("unexpected terminal counters: %+v", snap)
	}
	if snap.PendingWorkflows != 1 {
		t.Fatalf("PendingWorkflows=%d, want 1", snap.PendingWorkflows)
	}
	if snap.StagesCompleted != 0 || snap.AvgStageDuration != 0 {
		t.Fatalf("expected no stage metrics, got %+v", snap)
	}
}

func TestBasicMetrics_OnStageCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	inst := newTestInstance()

	m.OnStageCompleted(ctx, inst, "a", 0, nil, 1*time.Second)
	m.OnStageCompleted(ctx, inst, "b", 1, nil, 3*time.Second)
	m.OnStageCompleted(ctx, inst, "c", 2, errors.New("fail"), 10*time.Second)

	m.OnActivityAttempt(ctx, ActivityInvocation{})
	m.OnActivityAttempt(ctx, ActivityInvocation{})
	m.OnActivityFailed(ctx, ActivityInvocation{}, time.Second)

	snap := m.Snapshot()

	if snap.StagesCompleted != 2 {
		t.Fatalf("StagesCompleted=%d, want 2", snap.StagesCompleted)
	}
	if snap.AvgStageDuration != 2*time.Second {
		t.Fatalf("AvgStageDuration=%v, want 2s", snap.AvgStageDuration)
	}
	if snap.ActivityAttempts != 2 || snap.ActivityRetries != 1 {
		t.Fatalf("unexpected activity counters: %+v", snap)
	}
}
