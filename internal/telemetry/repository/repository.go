package repository

import (
	"context"

	"session-authority/internal/telemetry/domain"
)

// Sink stores consumed session events. Save assigns the id.
type Sink interface {
	Save(ctx context.Context, e *domain.Event) error
}

// Repository is the session event store. GetByID returns nil, nil for an unknown id; ListByUser is
// newest first.
type Repository interface {
	Sink
	GetByID(ctx context.Context, id int64) (*domain.Event, error)
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.Event, error)
}
