package repository

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"session-authority/internal/session/domain"
)

type subscriber struct {
	userID   string
	deviceID string
	ch       chan domain.Snapshot
}

// MemoryRepository is an in-process store used when no database is configured and in tests.
// Every write notifies the subscribers of the affected user.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*domain.Record
	denied  map[string]bool
	subs    map[*subscriber]struct{}
	nowF    func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository using wall-clock server time.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*domain.Record),
		denied:  make(map[string]bool),
		subs:    make(map[*subscriber]struct{}),
		nowF:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the server clock. Used by tests.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowF = now
}

// DenyAccess makes every read of userID's records fail with ErrPermissionDenied and pushes the error to
// that user's subscribers, the way a store revokes read rights after sign-out.
func (m *MemoryRepository) DenyAccess(userID string, denied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[userID] = denied
	m.notifyLocked(userID)
}

// All returns a copy of every record. Used by tests to check invariants.
func (m *MemoryRepository) All() []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

// GetByID returns the record for id, or nil if not found.
func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	if m.denied[r.UserID] {
		return nil, ErrPermissionDenied
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) FindActiveByUser(ctx context.Context, userID string) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[userID] {
		return nil, ErrPermissionDenied
	}
	var out []domain.Record
	for _, r := range m.records {
		if r.UserID == userID && r.IsActive {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryRepository) FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[userID] {
		return nil, ErrPermissionDenied
	}
	return m.findLocked(userID, deviceID), nil
}

func (m *MemoryRepository) findLocked(userID, deviceID string) []domain.Record {
	var out []domain.Record
	for _, r := range m.records {
		if r.UserID == userID && r.DeviceID == deviceID {
			out = append(out, *r)
		}
	}
	return out
}

// Create stores a copy of r with a new ULID and server timestamps. r.ID is set on success.
func (m *MemoryRepository) Create(ctx context.Context, r *domain.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[r.UserID] {
		return "", ErrPermissionDenied
	}
	if r.IsBlocked && r.IsActive {
		return "", ErrBlockedActive
	}
	now := m.nowF()
	cp := *r
	cp.ID = ulid.Make().String()
	cp.LoginTime = domain.At(now)
	cp.LastActive = domain.At(now)
	m.records[cp.ID] = &cp
	r.ID = cp.ID
	m.notifyLocked(cp.UserID)
	return cp.ID, nil
}

// Update applies p. Updating a missing record is a no-op.
func (m *MemoryRepository) Update(ctx context.Context, id string, p domain.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil
	}
	if m.denied[r.UserID] {
		return ErrPermissionDenied
	}
	if r.IsBlocked && p.IsActive != nil && *p.IsActive {
		return ErrBlockedActive
	}
	applyPatch(r, p, m.nowF())
	m.notifyLocked(r.UserID)
	return nil
}

func applyPatch(r *domain.Record, p domain.Patch, now time.Time) {
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	if p.DeviceID != nil {
		r.DeviceID = *p.DeviceID
	}
	if p.IP != nil {
		r.IP = *p.IP
	}
	if p.City != nil {
		r.City = *p.City
	}
	if p.Country != nil {
		r.Country = *p.Country
	}
	if p.Region != nil {
		r.Region = *p.Region
	}
	if p.TouchActive {
		r.LastActive = domain.At(now)
	}
	if p.StampLogout {
		r.LoggedOutAt = domain.At(now)
	}
}

// Subscribe registers a subscription; the first snapshot is delivered immediately. Only the newest
// snapshot is kept when the reader falls behind.
func (m *MemoryRepository) Subscribe(ctx context.Context, userID, deviceID string) (<-chan domain.Snapshot, error) {
	s := &subscriber{userID: userID, deviceID: deviceID, ch: make(chan domain.Snapshot, 1)}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.pushLocked(s)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, s)
		close(s.ch)
		m.mu.Unlock()
	}()
	return s.ch, nil
}

func (m *MemoryRepository) notifyLocked(userID string) {
	for s := range m.subs {
		if s.userID == userID {
			m.pushLocked(s)
		}
	}
}

func (m *MemoryRepository) pushLocked(s *subscriber) {
	snap := domain.Snapshot{Records: m.findLocked(s.userID, s.deviceID)}
	if m.denied[s.userID] {
		snap = domain.Snapshot{Err: ErrPermissionDenied}
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}
