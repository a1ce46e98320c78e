package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/campaignflow/internal/persistence"
	"github.com/petrijr/campaignflow/pkg/api"
)

// invoke runs the activity bound to stage until it succeeds or its retry
// policy is exhausted. It returns the successful output, the number of
// attempts made and, on failure, either a *api.RetriesExhaustedError or the
// cause of ctx being done.
func (e *engineImpl) invoke(ctx context.Context, inst *api.WorkflowInstance, stage api.StageDefinition, input api.Payload) (api.Payload, int, error) {
	act, err := e.activities.Get(stage.Activity)
	if err != nil {
		return nil, 0, err
	}
	if act.Fn == nil {
		return nil, 0, fmt.Errorf("activity %q has no function", act.Name)
	}

	opts := act.Options.Override(stage.Options)
	policy := opts.RetryPolicy()
	timeout := opts.EffectiveTimeout()
	backoff := policy.Backoff()

	info := api.ActivityInfo{
		InstanceID:     inst.ID,
		Workflow:       inst.Name,
		Stage:          stage.Name,
		Activity:       act.Name,
		IdempotencyKey: api.IdempotencyKey(inst.ID, stage.Name),
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, attempt - 1, context.Cause(ctx)
		}

		info.Attempt = attempt
		inv := api.ActivityInvocation{
			InstanceID: inst.ID,
			Stage:      stage.Name,
			Activity:   act.Name,
			Input:      input,
			Attempt:    attempt,
			StartedAt:  e.clock.Now(),
			Timeout:    timeout,
		}
		e.observer.OnActivityAttempt(ctx, inv)

		out, err := runAttempt(ctx, act, info, input, timeout)
		inv.Duration = e.clock.Now().Sub(inv.StartedAt)
		if err == nil {
			inv.Result = api.InvocationSucceeded
			return out, attempt, nil
		}

		// Workflow-level stop (cancel, deadline, shutdown) ends retrying.
		if ctx.Err() != nil {
			return nil, attempt, context.Cause(ctx)
		}

		inv.Err = err
		inv.Result = api.InvocationFailed
		if errors.Is(err, api.ErrActivityTimeout) {
			inv.Result = api.InvocationTimedOut
		}

		wait, stop := backoff.Next()
		if stop || !policy.Retryable(err) {
			exhausted := &api.RetriesExhaustedError{Activity: act.Name, Attempts: attempt, Last: err}
			e.observer.OnActivityRetriesExhausted(ctx, inv, exhausted)
			return nil, attempt, exhausted
		}

		e.observer.OnActivityFailed(ctx, inv, wait)
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return nil, attempt, context.Cause(ctx)
		}
	}
}

type attemptResult struct {
	out api.Payload
	err error
}

// runAttempt executes one attempt under its own timeout. The body runs in
// its own goroutine so an attempt that ignores ctx still times out on
// schedule; its late result is discarded.
func runAttempt(ctx context.Context, act api.ActivityDefinition, info api.ActivityInfo, input api.Payload, timeout time.Duration) (api.Payload, error) {
	actx, cancel := context.WithTimeout(api.WithActivityInfo(ctx, info), timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := act.Fn(actx, input.Clone())
		done <- attemptResult{out: out, err: err}
	}()

	timedOut := func() error {
		return &api.ActivityTimeoutError{Activity: act.Name, Attempt: info.Attempt, Timeout: timeout}
	}

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
				return nil, timedOut()
			}
			return nil, &api.ActivityFailureError{Activity: act.Name, Attempt: info.Attempt, Err: r.err}
		}
		out, err := normalize(r.out)
		if err != nil {
			return nil, &api.ActivityFailureError{Activity: act.Name, Attempt: info.Attempt, Err: api.NonRetryable(err)}
		}
		return out, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timedOut()
	}
}

// normalize passes out through the storage codec so a live run sees the
// same values a replay from any store would.
func normalize(out api.Payload) (api.Payload, error) {
	data, err := persistence.EncodePayload(out)
	if err != nil {
		return nil, fmt.Errorf("encode activity output: %w", err)
	}
	return persistence.DecodePayload(data)
}
