package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called when an instance moves from PENDING to
	// RUNNING, before the first stage is executed or replayed.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowCompleted is called when an instance reaches COMPLETED.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance reaches FAILED.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnWorkflowCancelled is called when an instance reaches CANCELLED.
	OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStageStart is called before a stage's activity is first invoked.
	// Stages restored from history during replay are not reported.
	OnStageStart(ctx context.Context, inst *WorkflowInstance, stage string, idx int)

	// OnStageCompleted is called once the stage outcome is recorded, for
	// both successes and failures (err != nil).
	OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage string, idx int, err error, d time.Duration)

	// OnActivityAttempt is called before each attempt of an activity.
	OnActivityAttempt(ctx context.Context, inv ActivityInvocation)

	// OnActivityFailed is called after a failed attempt that will be retried
	// once backoff has elapsed.
	OnActivityFailed(ctx context.Context, inv ActivityInvocation, backoff time.Duration)

	// OnActivityRetriesExhausted is called when the last allowed attempt failed.
	OnActivityRetriesExhausted(ctx context.Context, inv ActivityInvocation, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)                 {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)             {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)     {}
func (NoopObserver) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance, err error)  {}
func (NoopObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, s string, idx int) {}
func (NoopObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, s string, idx int, err error, d time.Duration) {
}
func (NoopObserver) OnActivityAttempt(ctx context.Context, inv ActivityInvocation) {}
func (NoopObserver) OnActivityFailed(ctx context.Context, inv ActivityInvocation, backoff time.Duration) {
}
func (NoopObserver) OnActivityRetriesExhausted(ctx context.Context, inv ActivityInvocation, err error) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowCancelled(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage string, idx int) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, inst, stage, idx)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage string, idx int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, inst, stage, idx, err, d)
	}
}

func (c *CompositeObserver) OnActivityAttempt(ctx context.Context, inv ActivityInvocation) {
	for _, o := range c.observers {
		o.OnActivityAttempt(ctx, inv)
	}
}

func (c *CompositeObserver) OnActivityFailed(ctx context.Context, inv ActivityInvocation, backoff time.Duration) {
	for _, o := range c.observers {
		o.OnActivityFailed(ctx, inv, backoff)
	}
}

func (c *CompositeObserver) OnActivityRetriesExhausted(ctx context.Context, inv ActivityInvocation, err error) {
	for _, o := range c.observers {
		o.OnActivityRetriesExhausted(ctx, inv, err)
	}
}

// LoggingObserver writes structured logs using zap. These log events are the
// externally visible trace of retry behavior.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs workflow, stage and
// activity events using logger. If logger is nil, zap.L() is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.L()
	}
	return &LoggingObserver{Logger: logger}
}

func instanceFields(inst *WorkflowInstance) []zap.Field {
	return []zap.Field{
		zap.String("workflow", inst.Name),
		zap.String("instance_id", inst.ID),
	}
}

func invocationFields(inv ActivityInvocation) []zap.Field {
	return []zap.Field{
		zap.String("instance_id", inv.InstanceID),
		zap.String("stage", inv.Stage),
		zap.String("activity", inv.Activity),
		zap.Int("attempt", inv.Attempt),
		zap.Duration("timeout", inv.Timeout),
	}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.Info("workflow_start", instanceFields(inst)...)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.Info("workflow_completed", append(instanceFields(inst),
		zap.String("outcome", string(StatusCompleted)),
	)...)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.Error("workflow_failed", append(instanceFields(inst),
		zap.String("outcome", string(StatusFailed)),
		zap.String("kind", string(Classify(err))),
		zap.Error(err),
	)...)
}

func (o *LoggingObserver) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.Warn("workflow_cancelled", append(instanceFields(inst),
		zap.String("outcome", string(StatusCancelled)),
		zap.Error(err),
	)...)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, inst *WorkflowInstance, stage string, idx int) {
	o.Logger.Debug("stage_start", append(instanceFields(inst),
		zap.String("stage", stage),
		zap.Int("stage_index", idx),
	)...)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage string, idx int, err error, d time.Duration) {
	level := zapcore.DebugLevel
	if err != nil {
		level = zapcore.ErrorLevel
	}
	o.Logger.Log(level, "stage_completed", append(instanceFields(inst),
		zap.String("stage", stage),
		zap.Int("stage_index", idx),
		zap.Duration("duration", d),
		zap.Error(err),
	)...)
}

func (o *LoggingObserver) OnActivityAttempt(ctx context.Context, inv ActivityInvocation) {
	o.Logger.Debug("activity_attempt", invocationFields(inv)...)
}

func (o *LoggingObserver) OnActivityFailed(ctx context.Context, inv ActivityInvocation, backoff time.Duration) {
	o.Logger.Warn("activity_failed", append(invocationFields(inv),
		zap.String("result", string(inv.Result)),
		zap.Duration("backoff", backoff),
		zap.Duration("duration", inv.Duration),
		zap.Error(inv.Err),
	)...)
}

func (o *LoggingObserver) OnActivityRetriesExhausted(ctx context.Context, inv ActivityInvocation, err error) {
	o.Logger.Error("activity_retries_exhausted", append(invocationFields(inv),
		zap.String("result", string(inv.Result)),
		zap.Error(err),
	)...)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	workflowsCancelled atomic.Int64
	stagesCompleted    atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
	activityAttempts   atomic.Int64
	activityRetries    atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsCancelled int64
	PendingWorkflows   int64

	StagesCompleted  int64
	AvgStageDuration time.Duration

	ActivityAttempts int64
	ActivityRetries  int64
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowCancelled(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsCancelled.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, inst *WorkflowInstance, stage string, idx int, err error, d time.Duration) {
	// Only count successful stages for average duration.
	if err == nil {
		m.stagesCompleted.Add(1)
		m.totalStageDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnActivityAttempt(ctx context.Context, inv ActivityInvocation) {
	m.activityAttempts.Add(1)
}

func (m *BasicMetrics) OnActivityFailed(ctx context.Context, inv ActivityInvocation, backoff time.Duration) {
	m.activityRetries.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	cancelled := m.workflowsCancelled.Load()
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		WorkflowsCancelled: cancelled,
		PendingWorkflows:   started - completed - failed - cancelled,
		StagesCompleted:    stages,
		AvgStageDuration:   avg,
		ActivityAttempts:   m.activityAttempts.Load(),
		ActivityRetries:    m.activityRetries.Load(),
	}
}
