package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"session-authority/internal/device/domain"
)

// MemoryRepository keeps the blocked-device list in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	blocked map[string]*domain.BlockedDevice
}

// NewMemoryRepository returns an empty list.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{blocked: make(map[string]*domain.BlockedDevice)}
}

func (m *MemoryRepository) IsBlocked(ctx context.Context, deviceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[deviceID]
	return ok, nil
}

func (m *MemoryRepository) Get(ctx context.Context, deviceID string) (*domain.BlockedDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocked[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryRepository) Block(ctx context.Context, deviceID, reason, blockedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[deviceID] = &domain.BlockedDevice{
		DeviceID:  deviceID,
		Reason:    reason,
		BlockedBy: blockedBy,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryRepository) Unblock(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, deviceID)
	return nil
}

// List returns entries ordered by device id.
func (m *MemoryRepository) List(ctx context.Context) ([]*domain.BlockedDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.BlockedDevice, 0, len(m.blocked))
	for _, b := range m.blocked {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}
