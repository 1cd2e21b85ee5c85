package repository

import (
	"context"

	"session-authority/internal/audit/domain"
)

// Writer appends audit entries. The audit logger only needs this half.
type Writer interface {
	Create(ctx context.Context, a *domain.AuditLog) error
}

// Reader looks entries up. GetByID returns nil, nil for an unknown id; ListByUser is newest first.
type Reader interface {
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.AuditLog, error)
}

// Repository is the full audit log store.
type Repository interface {
	Writer
	Reader
}
