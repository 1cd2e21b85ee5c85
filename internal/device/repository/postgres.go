package repository

import (
	"context"
	"database/sql"
	"errors"

	"session-authority/internal/device/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a blocked-device repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) IsBlocked(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM blocked_devices WHERE device_id = $1)`, deviceID).Scan(&exists)
	return exists, err
}

// Get returns the entry for deviceID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, deviceID string) (*domain.BlockedDevice, error) {
	var b domain.BlockedDevice
	var reason, by sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT device_id, reason, blocked_by, created_at FROM blocked_devices WHERE device_id = $1`, deviceID).
		Scan(&b.DeviceID, &reason, &by, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	b.Reason = reason.String
	b.BlockedBy = by.String
	return &b, nil
}

func (r *PostgresRepository) Block(ctx context.Context, deviceID, reason, blockedBy string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO blocked_devices (device_id, reason, blocked_by) VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET reason = EXCLUDED.reason, blocked_by = EXCLUDED.blocked_by`,
		deviceID, reason, blockedBy)
	return err
}

func (r *PostgresRepository) Unblock(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM blocked_devices WHERE device_id = $1`, deviceID)
	return err
}

func (r *PostgresRepository) List(ctx context.Context) ([]*domain.BlockedDevice, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT device_id, reason, blocked_by, created_at FROM blocked_devices ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.BlockedDevice
	for rows.Next() {
		var b domain.BlockedDevice
		var reason, by sql.NullString
		if err := rows.Scan(&b.DeviceID, &reason, &by, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Reason = reason.String
		b.BlockedBy = by.String
		out = append(out, &b)
	}
	return out, rows.Err()
}
