package repository

import (
	"context"
	"sync"

	"session-authority/internal/audit/domain"
)

// MemoryRepository keeps audit logs in process, newest last.
type MemoryRepository struct {
	mu      sync.Mutex
	entries []*domain.AuditLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// ListByUser returns the user's entries newest first.
func (m *MemoryRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditLog
	skipped := int32(0)
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.entries = append(m.entries, &cp)
	return nil
}

// Entries returns a copy of every entry in insertion order.
func (m *MemoryRepository) Entries() []domain.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditLog, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}
