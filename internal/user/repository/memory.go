package repository

import (
	"context"
	"sync"
	"time"

	"session-authority/internal/user/domain"
)

// MemoryRepository keeps accounts in process.
type MemoryRepository struct {
	mu    sync.Mutex
	users map[string]*domain.User
	nowF  func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users: make(map[string]*domain.User),
		nowF:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryRepository) upsertLocked(userID string) *domain.User {
	u, ok := m.users[userID]
	if !ok {
		now := m.nowF()
		u = &domain.User{ID: userID, CreatedAt: now, UpdatedAt: now}
		m.users[userID] = u
	}
	return u
}

func (m *MemoryRepository) SetActiveSessions(ctx context.Context, userID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.upsertLocked(userID)
	u.ActiveSessions = n
	u.UpdatedAt = m.nowF()
	return nil
}

func (m *MemoryRepository) IncrementActiveSessions(ctx context.Context, userID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.upsertLocked(userID)
	u.ActiveSessions += delta
	u.UpdatedAt = m.nowF()
	return nil
}

func (m *MemoryRepository) MarkRedFlag(ctx context.Context, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.upsertLocked(userID)
	u.RedFlag = true
	u.RedFlagReason = reason
	u.UpdatedAt = m.nowF()
	return nil
}

func (m *MemoryRepository) RecordLogin(ctx context.Context, userID, email, displayName, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.upsertLocked(userID)
	now := m.nowF()
	if email != "" {
		u.Email = email
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	u.LastLoginIP = ip
	u.LastLoginTime = &now
	u.UpdatedAt = now
	return nil
}
