package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/campaignflow/pkg/api"
)

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.WorkflowDefinition
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]api.WorkflowDefinition),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("workflow %q must have at least one stage", def.Name)
	}
	if def.Deadline < 0 {
		return fmt.Errorf("workflow %q has a negative deadline", def.Name)
	}

	seen := make(map[string]bool, len(def.Stages))
	for i, s := range def.Stages {
		if s.Name == "" {
			return fmt.Errorf("workflow %q stage %d has no name", def.Name, i)
		}
		if s.Activity == "" {
			return fmt.Errorf("workflow %q stage %q has no activity", def.Name, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %q has duplicate stage %q", def.Name, s.Name)
		}
		seen[s.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}

	stages := make([]api.StageDefinition, len(def.Stages))
	copy(stages, def.Stages)
	def.Stages = stages
	r.byName[def.Name] = def
	return nil
}

func (r *workflowRegistry) Get(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, name)
	}
	return def, nil
}

func (r *workflowRegistry) All() []api.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.WorkflowDefinition, 0, len(r.byName))
	for _, def := range r.byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// activityRegistry maps activity names to their typed functions.
type activityRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.ActivityDefinition
}

func newActivityRegistry() *activityRegistry {
	return &activityRegistry{
		byName: make(map[string]api.ActivityDefinition),
	}
}

func (r *activityRegistry) Register(def api.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("activity name is required")
	}
	if def.Options.Timeout < 0 {
		return fmt.Errorf("activity %q has a negative timeout", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

func (r *activityRegistry) Get(name string) (api.ActivityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return api.ActivityDefinition{}, fmt.Errorf("%w: %s", api.ErrActivityNotRegistered, name)
	}
	return def, nil
}

// validate checks every stage of every workflow against the activity
// registry and returns all problems at once.
func validate(workflows *workflowRegistry, activities *activityRegistry) error {
	var errs []error
	for _, def := range workflows.All() {
		for _, stage := range def.Stages {
			act, err := activities.Get(stage.Activity)
			if err != nil {
				errs = append(errs, fmt.Errorf("workflow %q stage %q: %w", def.Name, stage.Name, err))
				continue
			}
			if act.Fn == nil {
				errs = append(errs, fmt.Errorf("workflow %q stage %q: activity %q has no function", def.Name, stage.Name, act.Name))
				continue
			}
			opts := act.Options.Override(stage.Options)
			if err := opts.RetryPolicy().Validate(); err != nil {
				errs = append(errs, fmt.Errorf("workflow %q stage %q: %w", def.Name, stage.Name, err))
			}
			if opts.Timeout < 0 {
				errs = append(errs, fmt.Errorf("workflow %q stage %q: negative timeout", def.Name, stage.Name))
			}
		}
	}
	return errors.Join(errs...)
}
