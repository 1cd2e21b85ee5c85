package repository

import (
	"context"

	"session-authority/internal/policy/domain"
)

// Repository stores the admission policies. Lookups of a missing id return nil, nil; SetEnabled and
// Delete on a missing id are no-ops. Lists are in creation order.
type Repository interface {
	Create(ctx context.Context, p *domain.Policy) error
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	List(ctx context.Context) ([]*domain.Policy, error)
	// ListEnabled is read on every admission.
	ListEnabled(ctx context.Context) ([]*domain.Policy, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}
