package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/petrijr/campaignflow/pkg/api"
)

// ErrInvalidTransition is returned when a lifecycle trigger is not allowed
// from the instance's current status.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

type trigger string

const (
	triggerStart    trigger = "start"
	triggerComplete trigger = "complete"
	triggerFail     trigger = "fail"
	triggerCancel   trigger = "cancel"
	triggerResume   trigger = "resume"
)

// configureLifecycle declares the instance state machine:
//
//	PENDING  -> RUNNING | CANCELLED | FAILED
//	RUNNING  -> RUNNING (replay) | COMPLETED | FAILED | CANCELLED
//	FAILED   -> RUNNING (resume)
//
// COMPLETED and CANCELLED accept nothing.
func configureLifecycle(sm *stateless.StateMachine) {
	sm.Configure(api.StatusPending).
		Permit(triggerStart, api.StatusRunning).
		Permit(triggerCancel, api.StatusCancelled).
		Permit(triggerFail, api.StatusFailed)

	sm.Configure(api.StatusRunning).
		PermitReentry(triggerStart).
		Permit(triggerComplete, api.StatusCompleted).
		Permit(triggerFail, api.StatusFailed).
		Permit(triggerCancel, api.StatusCancelled)

	sm.Configure(api.StatusFailed).
		Permit(triggerResume, api.StatusRunning)

	sm.Configure(api.StatusCompleted)
	sm.Configure(api.StatusCancelled)
}

// transition fires t against inst.Status, which acts as the machine's
// external storage.
func transition(inst *api.WorkflowInstance, t trigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return inst.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			inst.Status = s.(api.Status)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureLifecycle(sm)

	if err := sm.Fire(t); err != nil {
		return fmt.Errorf("%w: %s on %s instance %s", ErrInvalidTransition, t, inst.Status, inst.ID)
	}
	return nil
}
