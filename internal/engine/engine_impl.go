package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/petrijr/campaignflow/internal/clock"
	"github.com/petrijr/campaignflow/internal/persistence"
	"github.com/petrijr/campaignflow/pkg/api"
)

// ErrAlreadyRunning is returned by Execute when this engine is already
// executing the instance.
var ErrAlreadyRunning = api.ErrAlreadyRunning

// engineImpl drives workflow instances stage by stage. Every instance runs
// on the caller's goroutine; concurrency comes from the caller (the worker)
// running many instances at once.
type engineImpl struct {
	workflows  *workflowRegistry
	activities *activityRegistry

	instances persistence.InstanceStore
	history   persistence.HistoryStore

	observer api.Observer
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// Config describes how to construct an engineImpl.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	// Clock drives retry backoff waits and timestamps. Defaults to the
	// wall clock.
	Clock  clock.Clock
	Logger *zap.Logger
}

func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemory())
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(p), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewPostgres(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(p), nil
}

// NewRedisEngine creates an engine that keeps instances and history in Redis.
func NewRedisEngine(client redis.UniversalClient) api.Engine {
	return NewEngine(persistence.NewRedis(client, ""))
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	p := cfg.Persistence
	if p.Instances == nil || p.History == nil {
		mem := persistence.NewInMemory()
		if p.Instances == nil {
			p.Instances = mem.Instances
		}
		if p.History == nil {
			p.History = mem.History
		}
	}
	return &engineImpl{
		workflows:  newWorkflowRegistry(),
		activities: newActivityRegistry(),
		instances:  p.Instances,
		history:    p.History,
		observer:   obs,
		clock:      clk,
		logger:     logger.Named("engine"),
		running:    make(map[string]context.CancelCauseFunc),
	}
}

// NewEngine returns an Engine over the given persistence.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: p,
	})
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.workflows.Register(def)
}

func (e *engineImpl) RegisterActivity(def api.ActivityDefinition) error {
	return e.activities.Register(def)
}

func (e *engineImpl) Validate() error {
	return validate(e.workflows, e.activities)
}

func (e *engineImpl) Create(ctx context.Context, name, queue string, input api.Payload) (*api.WorkflowInstance, error) {
	if _, err := e.workflows.Get(name); err != nil {
		return nil, err
	}

	normalized, err := normalize(input)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		normalized = api.Payload{}
	}

	inst := &api.WorkflowInstance{
		ID:        uuid.NewString(),
		Name:      name,
		Queue:     queue,
		Status:    api.StatusPending,
		Input:     normalized,
		Payload:   normalized.Clone(),
		CreatedAt: e.clock.Now(),
	}
	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) Run(ctx context.Context, name string, input api.Payload) (*api.WorkflowInstance, error) {
	inst, err := e.Create(ctx, name, "", input)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, inst.ID)
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	filter := persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	}
	return e.instances.ListInstances(ctx, filter)
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.StageOutcome, error) {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return e.history.Load(ctx, id)
}

// track registers a local cancel function for id.
func (e *engineImpl) track(id string, cancel context.CancelCauseFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = cancel
	return true
}

func (e *engineImpl) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *engineImpl) localCancel(id string) (context.CancelCauseFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.running[id]
	return c, ok
}

func (e *engineImpl) Cancel(ctx context.Context, id, reason string) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, nil
	}

	cause := &api.CancelledError{InstanceID: id, Reason: reason}

	inst.CancelRequested = true
	inst.CancelReason = reason

	if inst.Status == api.StatusPending {
		if err := e.finish(ctx, inst, triggerCancel, cause); err != nil {
			return inst, err
		}
		return inst, nil
	}

	stored, err := e.instances.RequestCancel(ctx, id, reason)
	if err != nil {
		return inst, err
	}
	inst = stored
	if cancel, ok := e.localCancel(id); ok {
		cancel(cause)
	}
	return inst, nil
}

func (e *engineImpl) Resume(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusFailed {
		return nil, fmt.Errorf("cannot resume instance %s in status %s", id, inst.Status)
	}
	if _, err := e.workflows.Get(inst.Name); err != nil {
		return nil, err
	}

	history, err := e.history.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if n := len(history); n > 0 && history[n-1].Status == api.OutcomeFailed {
		if err := e.history.Truncate(ctx, id, n-1); err != nil {
			return nil, err
		}
	}

	if err := transition(inst, triggerResume); err != nil {
		return nil, err
	}
	inst.Err = nil
	inst.Kind = api.KindNone
	inst.FinishedAt = time.Time{}
	// A resumed instance gets a fresh deadline budget.
	inst.Deadline = time.Time{}
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return inst, err
	}
	e.observer.OnWorkflowStart(ctx, inst)

	return e.Execute(ctx, id)
}

// finish moves inst to a terminal state and persists it. Persistence uses a
// context detached from cancellation so a cancelled run still records its
// outcome.
func (e *engineImpl) finish(ctx context.Context, inst *api.WorkflowInstance, t trigger, cause error) error {
	if err := transition(inst, t); err != nil {
		return err
	}
	inst.Err = cause
	inst.Kind = api.Classify(cause)
	inst.FinishedAt = e.clock.Now()

	if err := e.instances.UpdateInstance(context.WithoutCancel(ctx), inst); err != nil {
		return err
	}

	switch inst.Status {
	case api.StatusCompleted:
		e.observer.OnWorkflowCompleted(ctx, inst)
	case api.StatusCancelled:
		e.observer.OnWorkflowCancelled(ctx, inst, cause)
	case api.StatusFailed:
		e.observer.OnWorkflowFailed(ctx, inst, cause)
	}
	return nil
}

// stopped records the terminal outcome for a run whose context ended, or
// reports that the parent context ended (shutdown), leaving the instance
// RUNNING for a later replay.
func (e *engineImpl) stopped(ctx context.Context, inst *api.WorkflowInstance, cause error) (*api.WorkflowInstance, error) {
	switch {
	case errors.Is(cause, api.ErrCancelled):
		inst.CancelRequested = true
		var ce *api.CancelledError
		if errors.As(cause, &ce) {
			inst.CancelReason = ce.Reason
		}
		if err := e.finish(ctx, inst, triggerCancel, cause); err != nil {
			return inst, err
		}
		return inst, nil
	case errors.Is(cause, api.ErrDeadlineExceeded):
		if err := e.finish(ctx, inst, triggerFail, cause); err != nil {
			return inst, err
		}
		return inst, cause
	default:
		return inst, cause
	}
}

func (e *engineImpl) Execute(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, nil
	}

	def, err := e.workflows.Get(inst.Name)
	if err != nil {
		return inst, err
	}

	if inst.CancelRequested {
		return e.stopped(ctx, inst, &api.CancelledError{InstanceID: id, Reason: inst.CancelReason})
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !e.track(id, cancel) {
		return inst, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	defer e.untrack(id)

	firstStart := inst.Status == api.StatusPending
	if err := transition(inst, triggerStart); err != nil {
		return inst, err
	}
	now := e.clock.Now()
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}
	if def.Deadline > 0 && inst.Deadline.IsZero() {
		inst.Deadline = now.Add(def.Deadline)
	}
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return inst, err
	}
	if firstStart {
		e.observer.OnWorkflowStart(ctx, inst)
	}

	if !inst.Deadline.IsZero() {
		deadlineErr := &api.DeadlineExceededError{InstanceID: id, Deadline: inst.Deadline}
		remaining := inst.Deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			return e.stopped(ctx, inst, deadlineErr)
		}
		// Fires on the engine clock, the same one the stage boundary check reads.
		stopDeadline := e.clock.AfterFunc(remaining, func() { cancel(deadlineErr) })
		defer stopDeadline()
	}

	return e.runStages(ctx, runCtx, def, inst)
}

// runStages replays recorded history and executes the remaining stages in
// order. Each outcome is appended to history before the instance advances.
func (e *engineImpl) runStages(ctx, runCtx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	history, err := e.history.Load(ctx, inst.ID)
	if err != nil {
		return inst, err
	}

	state, err := Derive(def, inst.Input, history)
	if err != nil {
		e.logger.Error("replay_failed", zap.String("instance_id", inst.ID), zap.Error(err))
		if ferr := e.finish(ctx, inst, triggerFail, err); ferr != nil {
			return inst, ferr
		}
		return inst, err
	}

	inst.Payload = state.Payload
	inst.CurrentStage = state.NextStage

	switch state.Status {
	case api.StatusCompleted:
		if err := e.finish(ctx, inst, triggerComplete, nil); err != nil {
			return inst, err
		}
		return inst, nil
	case api.StatusFailed:
		cause := api.RestoreError(state.Reason, state.Kind)
		if err := e.finish(ctx, inst, triggerFail, cause); err != nil {
			return inst, err
		}
		return inst, cause
	}

	for i := state.NextStage; i < len(def.Stages); i++ {
		if runCtx.Err() != nil {
			return e.stopped(ctx, inst, context.Cause(runCtx))
		}
		if cause := e.externalCancel(ctx, inst); cause != nil {
			return e.stopped(ctx, inst, cause)
		}
		if !inst.Deadline.IsZero() && !e.clock.Now().Before(inst.Deadline) {
			return e.stopped(ctx, inst, &api.DeadlineExceededError{InstanceID: inst.ID, Deadline: inst.Deadline})
		}

		stage := def.Stages[i]
		inst.CurrentStage = i
		if err := e.save(ctx, inst); err != nil {
			return inst, err
		}

		e.observer.OnStageStart(ctx, inst, stage.Name, i)
		started := e.clock.Now()

		out, attempts, err := e.invoke(runCtx, inst, stage, inst.Payload)
		e.observer.OnStageCompleted(ctx, inst, stage.Name, i, err, e.clock.Now().Sub(started))

		if err != nil {
			if runCtx.Err() != nil {
				return e.stopped(ctx, inst, context.Cause(runCtx))
			}
			outcome := api.StageOutcome{
				InstanceID: inst.ID,
				Seq:        i,
				Stage:      stage.Name,
				Activity:   stage.Activity,
				Status:     api.OutcomeFailed,
				Reason:     err.Error(),
				Kind:       api.Classify(err),
				Attempts:   attempts,
				RecordedAt: e.clock.Now(),
			}
			if aerr := e.history.Append(ctx, outcome); aerr != nil {
				return inst, aerr
			}
			if ferr := e.finish(ctx, inst, triggerFail, err); ferr != nil {
				return inst, ferr
			}
			return inst, err
		}

		outcome := api.StageOutcome{
			InstanceID: inst.ID,
			Seq:        i,
			Stage:      stage.Name,
			Activity:   stage.Activity,
			Status:     api.OutcomeCompleted,
			Output:     out,
			Attempts:   attempts,
			RecordedAt: e.clock.Now(),
		}
		if err := e.history.Append(ctx, outcome); err != nil {
			return inst, err
		}

		inst.Payload = inst.Payload.Merge(out)
		inst.CurrentStage = i + 1
		if err := e.save(ctx, inst); err != nil {
			return inst, err
		}
	}

	if err := e.finish(ctx, inst, triggerComplete, nil); err != nil {
		return inst, err
	}
	return inst, nil
}

// save persists progress without dropping a cancel request stored by
// another process since inst was loaded.
func (e *engineImpl) save(ctx context.Context, inst *api.WorkflowInstance) error {
	if !inst.CancelRequested {
		if stored, err := e.instances.GetInstance(ctx, inst.ID); err == nil && stored.CancelRequested {
			inst.CancelRequested = true
			inst.CancelReason = stored.CancelReason
		}
	}
	return e.instances.UpdateInstance(ctx, inst)
}

// externalCancel reports a cancellation requested through the store by a
// process other than this one.
func (e *engineImpl) externalCancel(ctx context.Context, inst *api.WorkflowInstance) error {
	if inst.CancelRequested {
		return &api.CancelledError{InstanceID: inst.ID, Reason: inst.CancelReason}
	}
	stored, err := e.instances.GetInstance(ctx, inst.ID)
	if err != nil || !stored.CancelRequested {
		return nil
	}
	inst.CancelRequested = true
	inst.CancelReason = stored.CancelReason
	return &api.CancelledError{InstanceID: inst.ID, Reason: stored.CancelReason}
}
