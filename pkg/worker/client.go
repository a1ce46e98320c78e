package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/campaignflow/internal/taskqueue"
	"github.com/petrijr/campaignflow/pkg/api"
)

// DefaultWaitPoll is the status polling interval used by Wait when none is
// given.
const DefaultWaitPoll = 100 * time.Millisecond

// Client submits and inspects workflow instances without executing them.
// It needs the workflow definitions registered on its engine but no
// activities, and no worker has to be connected.
type Client struct {
	engine api.Engine
	queue  taskqueue.Queue
}

// NewClient creates a Client that records instances through engine and
// hands them to workers through queue.
func NewClient(engine api.Engine, queue taskqueue.Queue) *Client {
	return &Client{engine: engine, queue: queue}
}

// Enqueue creates a PENDING instance of workflow and queues it for the
// workers consuming queue. It returns the new instance ID.
func (c *Client) Enqueue(ctx context.Context, queue, workflow string, input api.Payload) (string, error) {
	return c.EnqueueAt(ctx, queue, workflow, input, time.Time{})
}

// EnqueueAt is Enqueue with the start held back until at.
func (c *Client) EnqueueAt(ctx context.Context, queue, workflow string, input api.Payload, at time.Time) (string, error) {
	inst, err := c.engine.Create(ctx, workflow, queue, input)
	if err != nil {
		return "", err
	}

	t := taskqueue.Task{
		Type:         taskqueue.TaskTypeStartWorkflow,
		Queue:        queue,
		WorkflowName: workflow,
		InstanceID:   inst.ID,
		NotBefore:    at,
	}
	if err := c.queue.Enqueue(ctx, t); err != nil {
		return inst.ID, fmt.Errorf("enqueue instance %s: %w", inst.ID, err)
	}
	return inst.ID, nil
}

// Cancel requests cancellation of an instance. A PENDING instance is
// cancelled immediately. A RUNNING one is flagged and a cancel task is
// queued so the worker executing it can stop without waiting for the next
// stage boundary.
func (c *Client) Cancel(ctx context.Context, id, reason string) (*api.WorkflowInstance, error) {
	inst, err := c.engine.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() || inst.Queue == "" {
		return inst, nil
	}

	t := taskqueue.Task{
		Type:       taskqueue.TaskTypeCancelWorkflow,
		Queue:      inst.Queue,
		InstanceID: id,
		Reason:     reason,
	}
	if err := c.queue.Enqueue(ctx, t); err != nil {
		return inst, fmt.Errorf("enqueue cancel for %s: %w", id, err)
	}
	return inst, nil
}

// Status returns the current state of an instance.
func (c *Client) Status(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return c.engine.GetInstance(ctx, id)
}

// History returns the recorded stage outcomes of an instance.
func (c *Client) History(ctx context.Context, id string) ([]api.StageOutcome, error) {
	return c.engine.History(ctx, id)
}

// Wait polls the instance every poll until it is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, poll time.Duration) (*api.WorkflowInstance, error) {
	if poll <= 0 {
		poll = DefaultWaitPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		inst, err := c.engine.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}
