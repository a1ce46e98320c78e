package campaignflow

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/petrijr/campaignflow/internal/taskqueue"
	"github.com/petrijr/campaignflow/pkg/worker"
)

// LocalQueue is the task queue LocalRunner serves.
const LocalQueue = "local"

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a Worker
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := campaignflow.NewLocalRunner()
//	flow := campaignflow.New("my-flow").Activity(...).Stage(...)
//	flow.MustRegister(runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	inst, err := campaignflow.Run(ctx, runner.Engine, flow.Name(), input)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.StartWorkflowAsync(ctx, flow.Name(), input)
//	inst, _ = runner.Wait(ctx, id)
//	_ = runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue the worker consumes.
	Queue taskqueue.Queue

	// Client enqueues onto Queue.
	Client *worker.Client

	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and
// in-memory queue. A nil logger selects the global zap logger.
//
// This is intended for local development, tests, and simple single-process
// deployments. Nothing survives the process.
func NewLocalRunner(logger ...*zap.Logger) *LocalRunner {
	l := zap.L()
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	}
	eng := NewInMemoryEngineWithOptions(Options{Logger: l})
	q := taskqueue.NewInMemoryQueue()
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Client: worker.NewClient(eng, q),
		logger: l,
	}
}

// StartWorkers starts a worker handling up to concurrency tasks at once
// until Stop is called or ctx ends. The registry is validated first.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("campaignflow: LocalRunner already started")
	}
	if err := r.Engine.Validate(); err != nil {
		return err
	}

	cfg := worker.DefaultConfig(LocalQueue)
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}
	w := worker.New(r.Engine, worker.Static(r.Queue), cfg, worker.WithLogger(r.logger))

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	go func(done chan<- error) {
		done <- w.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels the worker started by StartWorkers and waits for in-flight
// tasks. It returns the worker's exit error.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	return <-done
}

// StartWorkflowAsync enqueues a new instance of the given workflow and
// returns its ID. The workflow must already be registered on Engine.
func (r *LocalRunner) StartWorkflowAsync(ctx context.Context, workflowName string, input Payload) (string, error) {
	return r.Client.Enqueue(ctx, LocalQueue, workflowName, input)
}

// CancelAsync requests cancellation of an instance.
func (r *LocalRunner) CancelAsync(ctx context.Context, instanceID, reason string) error {
	_, err := r.Client.Cancel(ctx, instanceID, reason)
	return err
}

// Wait blocks until the instance is terminal or ctx ends.
func (r *LocalRunner) Wait(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	return r.Client.Wait(ctx, instanceID, 0)
}
