package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/campaignflow/internal/clock"
	"github.com/petrijr/campaignflow/internal/taskqueue"
	"github.com/petrijr/campaignflow/pkg/api"
	"github.com/petrijr/campaignflow/pkg/connector"
)

const (
	DefaultConcurrency        = 4
	DefaultPollTimeout        = 5 * time.Second
	DefaultRedeliveryDelay    = time.Second
	DefaultMaxRedeliveryDelay = time.Minute
)

// Config controls how a Worker consumes its queue.
type Config struct {
	// Queue is the task queue name to consume.
	Queue string
	// Concurrency bounds the number of tasks handled at once.
	Concurrency int
	// PollTimeout bounds a single Dequeue call. Zero blocks until a task
	// arrives.
	PollTimeout time.Duration
	// Connector controls backoff when (re)connecting to the queue backend.
	Connector connector.Config
	// RedeliveryDelay is the wait before a task whose instance did not reach
	// a terminal state is tried again. It doubles per delivery up to
	// MaxRedeliveryDelay.
	RedeliveryDelay    time.Duration
	MaxRedeliveryDelay time.Duration
}

// DefaultConfig returns the configuration for queue.
func DefaultConfig(queue string) Config {
	return Config{
		Queue:       queue,
		Concurrency: DefaultConcurrency,
		PollTimeout: DefaultPollTimeout,
		Connector:   connector.DefaultConfig(),

		RedeliveryDelay:    DefaultRedeliveryDelay,
		MaxRedeliveryDelay: DefaultMaxRedeliveryDelay,
	}
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger. The connector logs through it too.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock replaces the wall clock used for reconnect backoff.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// Worker pulls tasks from a queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	dial   connector.Factory[taskqueue.Queue]
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock
	conn   *connector.Connector[taskqueue.Queue]

	mu    sync.Mutex
	queue taskqueue.Queue
}

// New creates a Worker that obtains its queue connection from dial.
func New(engine api.Engine, dial connector.Factory[taskqueue.Queue], cfg Config, opts ...Option) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if cfg.MaxRedeliveryDelay <= 0 {
		cfg.MaxRedeliveryDelay = DefaultMaxRedeliveryDelay
	}
	w := &Worker{
		engine: engine,
		dial:   dial,
		cfg:    cfg,
		logger: zap.L(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("worker").With(zap.String("queue", cfg.Queue))
	w.conn = connector.New[taskqueue.Queue](cfg.Connector,
		connector.WithLogger(w.logger),
		connector.WithClock(w.clock),
	)
	return w
}

// Static returns a dial function that always hands out q.
func Static(q taskqueue.Queue) connector.Factory[taskqueue.Queue] {
	return func(context.Context) (taskqueue.Queue, error) {
		return q, nil
	}
}

// ConnectionState reports the state of the queue connection.
func (w *Worker) ConnectionState() connector.State {
	return w.conn.State()
}

// connect dials through the connector, verifying each candidate with Ping.
func (w *Worker) connect(ctx context.Context) (taskqueue.Queue, error) {
	q, err := w.conn.Connect(ctx, func(ctx context.Context) (taskqueue.Queue, error) {
		q, err := w.dial(ctx)
		if err != nil {
			return nil, err
		}
		if err := q.Ping(ctx); err != nil {
			closeQueue(q)
			return nil, err
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	old := w.queue
	w.queue = q
	w.mu.Unlock()

	if old != nil && old != q {
		closeQueue(old)
	}
	return q, nil
}

func closeQueue(q taskqueue.Queue) {
	if c, ok := q.(io.Closer); ok {
		_ = c.Close()
	}
}

// current returns the connected queue, connecting first if needed.
func (w *Worker) current(ctx context.Context) (taskqueue.Queue, error) {
	w.mu.Lock()
	q := w.queue
	w.mu.Unlock()
	if q != nil {
		return q, nil
	}
	return w.connect(ctx)
}

// Run connects, validates the registry and then serves the queue until ctx
// is cancelled. Connection exhaustion and validation failures are returned
// before any task is taken. Once serving, a lost connection is re-established
// through the connector and individual task failures are only logged.
//
// On cancellation Run waits for in-flight tasks before returning. Those tasks
// observe the cancellation, leave their instances RUNNING and are not
// acknowledged; a queue with a visibility timeout delivers them again once
// their claim expires and the next worker replays them.
func (w *Worker) Run(ctx context.Context) error {
	q, err := w.connect(ctx)
	if err != nil {
		return fmt.Errorf("worker: connect: %w", err)
	}
	if err := w.engine.Validate(); err != nil {
		return fmt.Errorf("worker: invalid registry: %w", err)
	}

	w.logger.Info("worker_started", zap.Int("concurrency", w.cfg.Concurrency))
	defer w.logger.Info("worker_stopped")

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	for {
		task, err := w.poll(ctx, q)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			w.conn.MarkLost(err)
			if q, err = w.connect(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				_ = g.Wait()
				return fmt.Errorf("worker: reconnect: %w", err)
			}
			continue
		}
		if task == nil {
			continue
		}

		cur := q
		g.Go(func() error {
			if err := w.process(ctx, cur, task); err != nil {
				w.logger.Warn("worker_task_failed",
					zap.String("task_id", task.ID),
					zap.String("task_type", string(task.Type)),
					zap.String("instance_id", task.InstanceID),
					zap.String("kind", string(api.Classify(err))),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	_ = g.Wait()
	return nil
}

// poll dequeues one task. It returns (nil, nil) when PollTimeout elapses with
// nothing to do.
func (w *Worker) poll(ctx context.Context, q taskqueue.Queue) (*taskqueue.Task, error) {
	pctx := ctx
	if w.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, w.cfg.PollTimeout)
		defer cancel()
	}

	task, err := q.Dequeue(pctx, w.cfg.Queue)
	if err != nil {
		if ctx.Err() == nil && pctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was taken; err is the dequeue error
//   - processed == true: a task was handled; err is the handler's result
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	q, err := w.current(ctx)
	if err != nil {
		return false, err
	}
	task, err := q.Dequeue(ctx, w.cfg.Queue)
	if err != nil {
		return false, err
	}
	return true, w.process(ctx, q, task)
}

// process handles one task and settles it. A task interrupted by ctx is
// left unacknowledged for redelivery. While the handler runs, the claim on
// the task is renewed if the queue supports it.
func (w *Worker) process(ctx context.Context, q taskqueue.Queue, task *taskqueue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: panic handling task %s: %v", task.ID, r)
			w.logger.Error("worker_task_panic",
				zap.String("task_id", task.ID),
				zap.String("instance_id", task.InstanceID),
				zap.Any("panic", r),
			)
			w.ack(ctx, q, task)
		}
	}()

	stop := w.heartbeat(ctx, q, task)
	defer stop()
	var inst *api.WorkflowInstance
	switch task.Type {
	case taskqueue.TaskTypeStartWorkflow:
		inst, err = w.engine.Execute(ctx, task.InstanceID)
	case taskqueue.TaskTypeCancelWorkflow:
		inst, err = w.engine.Cancel(ctx, task.InstanceID, task.Reason)
	default:
		err = fmt.Errorf("worker: unknown task type %q", task.Type)
	}
	stop()

	if ctx.Err() != nil {
		w.logger.Info("worker_task_interrupted",
			zap.String("task_id", task.ID),
			zap.String("instance_id", task.InstanceID),
		)
		return err
	}
	if unsettled(task, inst, err) {
		w.redeliver(ctx, q, task, err)
		return err
	}
	w.ack(ctx, q, task)
	return err
}

// unsettled reports whether a handled task must run again: its handler
// failed and the instance it names is still live.
func unsettled(task *taskqueue.Task, inst *api.WorkflowInstance, err error) bool {
	if err == nil {
		return false
	}
	switch task.Type {
	case taskqueue.TaskTypeStartWorkflow, taskqueue.TaskTypeCancelWorkflow:
	default:
		return false
	}
	if errors.Is(err, api.ErrInstanceNotFound) || errors.Is(err, api.ErrAlreadyRunning) {
		return false
	}
	return inst == nil || !inst.Status.Terminal()
}

// redeliver schedules a fresh copy of task after a backoff and acknowledges
// the original. If the copy cannot be enqueued the original stays
// unacknowledged.
func (w *Worker) redeliver(ctx context.Context, q taskqueue.Queue, task *taskqueue.Task, cause error) {
	delay := api.RetryPolicy{
		InitialBackoff:    w.cfg.RedeliveryDelay,
		BackoffMultiplier: 2,
		MaxBackoff:        w.cfg.MaxRedeliveryDelay,
	}.Delay(task.Attempts)

	next := *task
	next.ID = ""
	next.NotBefore = time.Now().Add(delay)

	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
		zap.Int("attempts", task.Attempts),
	)
	if err := q.Enqueue(context.WithoutCancel(ctx), next); err != nil {
		logger.Warn("worker_redelivery_failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	w.ack(ctx, q, task)
	logger.Info("worker_task_redelivered", zap.Duration("delay", delay), zap.NamedError("cause", cause))
}

// heartbeat renews the claim on task every third of the queue's visibility
// timeout until the returned stop function is called.
func (w *Worker) heartbeat(ctx context.Context, q taskqueue.Queue, task *taskqueue.Task) (stop func()) {
	ext, ok := q.(taskqueue.Extender)
	if !ok || ext.VisibilityTimeout() <= 0 {
		return func() {}
	}
	interval := ext.VisibilityTimeout() / 3

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, task); err != nil {
					w.logger.Warn("worker_extend_failed", zap.String("task_id", task.ID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

func (w *Worker) ack(ctx context.Context, q taskqueue.Queue, task *taskqueue.Task) {
	if err := q.Ack(context.WithoutCancel(ctx), task); err != nil {
		w.logger.Warn("worker_ack_failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}
