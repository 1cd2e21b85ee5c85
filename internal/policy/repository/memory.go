package repository

import (
	"context"
	"sort"
	"sync"

	"session-authority/internal/policy/domain"
)

// MemoryRepository keeps policies in process.
type MemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]*domain.Policy
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{policies: make(map[string]*domain.Policy)}
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// ListEnabled returns enabled policies in creation order.
func (m *MemoryRepository) ListEnabled(ctx context.Context) ([]*domain.Policy, error) {
	return m.list(true), nil
}

// List returns every policy in creation order.
func (m *MemoryRepository) List(ctx context.Context) ([]*domain.Policy, error) {
	return m.list(false), nil
}

func (m *MemoryRepository) list(enabledOnly bool) []*domain.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Policy
	for _, p := range m.policies {
		if p.Enabled || !enabledOnly {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryRepository) Create(ctx context.Context, p *domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *MemoryRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[id]; ok {
		p.Enabled = enabled
	}
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, id)
	return nil
}
