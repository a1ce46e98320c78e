package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/campaignflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// InstanceStore and HistoryStore backed by maps. Values are copied in and
// out so callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowInstance
	history   map[string][]api.StageOutcome
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.WorkflowInstance),
		history:   make(map[string][]api.StageOutcome),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)

var _ HistoryStore = (*InMemoryStore)(nil)

func copyInstance(inst *api.WorkflowInstance) *api.WorkflowInstance {
	cp := *inst
	if inst.Input != nil {
		cp.Input = inst.Input.Clone()
	}
	if inst.Payload != nil {
		cp.Payload = inst.Payload.Clone()
	}
	return &cp
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}

	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *InMemoryStore) RequestCancel(ctx context.Context, id, reason string) (*api.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	inst.CancelRequested = true
	inst.CancelReason = reason
	return copyInstance(inst), nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	return copyInstance(inst), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance

	for _, inst := range s.instances {
		if filter.WorkflowName != "" && inst.Name != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, copyInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (s *InMemoryStore) Append(ctx context.Context, outcome api.StageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[outcome.InstanceID]
	if outcome.Seq != len(h) {
		return ErrSequenceConflict
	}
	if outcome.Output != nil {
		outcome.Output = outcome.Output.Clone()
	}
	s.history[outcome.InstanceID] = append(h, outcome)
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, instanceID string) ([]api.StageOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[instanceID]
	out := make([]api.StageOutcome, len(h))
	for i, o := range h {
		if o.Output != nil {
			o.Output = o.Output.Clone()
		}
		out[i] = o
	}
	return out, nil
}

func (s *InMemoryStore) Truncate(ctx context.Context, instanceID string, fromSeq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[instanceID]
	if fromSeq < 0 {
		fromSeq = 0
	}
	if fromSeq < len(h) {
		s.history[instanceID] = h[:fromSeq:fromSeq]
	}
	return nil
}
