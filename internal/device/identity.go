package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"session-authority/internal/device/domain"
	"session-authority/internal/logging"
)

// IDStore persists the installation's device id. Load returns "" with a nil error when nothing is stored.
type IDStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
}

// MemoryIDStore is an in-process IDStore; the id lives as long as the process.
type MemoryIDStore struct {
	mu sync.RWMutex
	id string
}

// NewMemoryIDStore returns an empty in-memory id store.
func NewMemoryIDStore() *MemoryIDStore {
	return &MemoryIDStore{}
}

// Load returns the stored id or "".
func (s *MemoryIDStore) Load(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, nil
}

// Save replaces the stored id.
func (s *MemoryIDStore) Save(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

// Clear forgets the stored id, as when a user wipes local storage.
func (s *MemoryIDStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
}

// FileIDStore keeps the device id in a single file.
type FileIDStore struct {
	path string
}

// NewFileIDStore returns a store at path. An empty path resolves to <user config dir>/session-authority/device_id.
func NewFileIDStore(path string) (*FileIDStore, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("device: resolve config dir: %w", err)
		}
		path = filepath.Join(dir, "session-authority", "device_id")
	}
	return &FileIDStore{path: path}, nil
}

// Path returns the file location.
func (s *FileIDStore) Path() string {
	return s.path
}

// Load reads the id; a missing file is not an error.
func (s *FileIDStore) Load(ctx context.Context) (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Save writes the id with owner-only permissions.
func (s *FileIDStore) Save(ctx context.Context, id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(id+"\n"), 0o600)
}

// Provider hands out the device Identity. The id is created once with a random UUID, persisted
// through the IDStore and cached for the life of the process. It is never cleared on logout.
type Provider struct {
	store IDStore
	log   logrus.FieldLogger

	mu     sync.Mutex
	cached string
}

// NewProvider returns a Provider backed by store. log may be nil.
func NewProvider(store IDStore, log logrus.FieldLogger) *Provider {
	if log == nil {
		log = logging.Discard()
	}
	return &Provider{store: store, log: log}
}

// DeviceID returns the persisted id, creating it on first use. Storage failures are logged and
// the in-process id is used instead, so this never fails.
func (p *Provider) DeviceID(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != "" {
		return p.cached
	}
	if p.store != nil {
		id, err := p.store.Load(ctx)
		if err != nil {
			p.log.WithError(err).Warn("device: load device id failed; generating a new one")
		} else if id != "" {
			p.cached = id
			return id
		}
	}
	p.cached = uuid.New().String()
	if p.store != nil {
		if err := p.store.Save(ctx, p.cached); err != nil {
			p.log.WithError(err).Warn("device: persist device id failed")
		}
	}
	return p.cached
}

// Identity builds the device value object for the given signals.
func (p *Provider) Identity(ctx context.Context, signals domain.Signals) domain.Identity {
	return domain.Identity{
		DeviceID:            p.DeviceID(ctx),
		Fingerprint:         Fingerprint(signals),
		RecoveryFingerprint: RecoveryFingerprint(signals),
		Metadata:            DescribeSignals(signals),
	}
}

// Forget drops the process cache so the next call re-reads the store. Used after local storage is wiped.
func (p *Provider) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
}
