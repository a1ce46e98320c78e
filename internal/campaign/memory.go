package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Briefs, Scripts and Assets implementation.
type MemoryStore struct {
	mu      sync.Mutex
	briefs  map[string]string
	scripts map[string]Script // by idempotency key
	assets  map[string]int
}

var (
	_ Briefs  = (*MemoryStore)(nil)
	_ Scripts = (*MemoryStore)(nil)
	_ Assets  = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		briefs:  make(map[string]string),
		scripts: make(map[string]Script),
		assets:  make(map[string]int),
	}
}

// AddBrief registers a brief in the received status.
func (m *MemoryStore) AddBrief(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.briefs[id] = BriefReceived
}

// AttachAsset records one more asset for briefID.
func (m *MemoryStore) AttachAsset(briefID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[briefID]++
}

// BriefStatus returns the status of a brief.
func (m *MemoryStore) BriefStatus(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.briefs[id]
	return s, ok
}

// Scripts returns every script created for briefID.
func (m *MemoryStore) Scripts(briefID string) []Script {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Script
	for _, s := range m.scripts {
		if s.BriefID == briefID {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemoryStore) SetStatus(ctx context.Context, briefID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.briefs[briefID]; !ok {
		return fmt.Errorf("%w: %s", ErrBriefNotFound, briefID)
	}
	m.briefs[briefID] = status
	return nil
}

func (m *MemoryStore) CreateOnce(ctx context.Context, key, briefID, title string) (Script, error) {
	if err := ctx.Err(); err != nil {
		return Script{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scripts[key]; ok {
		return s, nil
	}
	s := Script{
		ID:        uuid.NewString(),
		BriefID:   briefID,
		Title:     title,
		Status:    "draft",
		CreatedAt: time.Now().UTC(),
	}
	m.scripts[key] = s
	return s, nil
}

func (m *MemoryStore) Count(ctx context.Context, briefID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assets[briefID], nil
}
