package repository

import (
	"context"
	"database/sql"
	"errors"

	"session-authority/internal/policy/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the policy for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	var p domain.Policy
	err := r.db.QueryRowContext(ctx, `SELECT id, name, rules, enabled, created_at FROM device_policies WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Rules, &p.Enabled, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ListEnabled returns enabled policies in creation order. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListEnabled(ctx context.Context) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT id, name, rules, enabled, created_at FROM device_policies
		WHERE enabled ORDER BY created_at, id`)
}

// List returns every policy in creation order.
func (r *PostgresRepository) List(ctx context.Context) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT id, name, rules, enabled, created_at FROM device_policies ORDER BY created_at, id`)
}

func (r *PostgresRepository) list(ctx context.Context, query string) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.ID, &p.Name, &p.Rules, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Create persists the policy to the database. The policy must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO device_policies (id, name, rules, enabled, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.Rules, p.Enabled, p.CreatedAt)
	return err
}

func (r *PostgresRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_policies SET enabled = $2 WHERE id = $1`, id, enabled)
	return err
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM device_policies WHERE id = $1`, id)
	return err
}
