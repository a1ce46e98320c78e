package engine

import (
	"fmt"

	"github.com/petrijr/campaignflow/pkg/api"
)

// State is the workflow state derived from recorded history.
type State struct {
	// NextStage is the index of the first stage without a completed outcome.
	NextStage int
	Payload   api.Payload
	Status    api.Status

	// Reason and Kind are set when the last outcome is a failure.
	Reason string
	Kind   api.FailureKind
}

// Derive folds history into the workflow state, starting from input. It is
// pure: the same definition, input and history always give the same state.
//
// Outcome i must belong to stage i. A failed outcome must be the last one.
// Anything else means the history was not produced by def and yields
// api.ErrNonDeterministic.
func Derive(def api.WorkflowDefinition, input api.Payload, history []api.StageOutcome) (State, error) {
	st := State{
		Payload: input.Clone(),
		Status:  api.StatusPending,
	}

	for i, o := range history {
		if i >= len(def.Stages) {
			return State{}, fmt.Errorf("%w: %d outcomes for %d stages", api.ErrNonDeterministic, len(history), len(def.Stages))
		}
		if o.Seq != i {
			return State{}, fmt.Errorf("%w: outcome %d has seq %d", api.ErrNonDeterministic, i, o.Seq)
		}
		if stage := def.Stages[i]; o.Stage != stage.Name {
			return State{}, fmt.Errorf("%w: outcome %d is for stage %q, expected %q", api.ErrNonDeterministic, i, o.Stage, stage.Name)
		}
		if st.Status == api.StatusFailed {
			return State{}, fmt.Errorf("%w: outcome %d recorded after a failed stage", api.ErrNonDeterministic, i)
		}

		switch o.Status {
		case api.OutcomeCompleted:
			st.Payload = st.Payload.Merge(o.Output)
			st.NextStage = i + 1
			st.Status = api.StatusRunning
		case api.OutcomeFailed:
			st.Status = api.StatusFailed
			st.Reason = o.Reason
			st.Kind = o.Kind
		default:
			return State{}, fmt.Errorf("%w: outcome %d has unknown status %q", api.ErrNonDeterministic, i, o.Status)
		}
	}

	if st.Status != api.StatusFailed && st.NextStage == len(def.Stages) {
		st.Status = api.StatusCompleted
	}
	return st, nil
}
