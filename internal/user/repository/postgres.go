package repository

import (
	"context"
	"database/sql"
	"errors"

	"session-authority/internal/user/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an account repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the account for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var (
		u             domain.User
		redFlagReason sql.NullString
		lastLoginIP   sql.NullString
		lastLoginTime sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, email, display_name, active_sessions, red_flag, red_flag_reason,
		last_login_ip, last_login_time, created_at, updated_at
		FROM user_accounts WHERE id = $1`, id).Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.ActiveSessions, &u.RedFlag, &redFlagReason,
		&lastLoginIP, &lastLoginTime, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.RedFlagReason = redFlagReason.String
	u.LastLoginIP = lastLoginIP.String
	if lastLoginTime.Valid {
		t := lastLoginTime.Time
		u.LastLoginTime = &t
	}
	return &u, nil
}

// SetActiveSessions overwrites active_sessions, creating the account row if needed.
func (r *PostgresRepository) SetActiveSessions(ctx context.Context, userID string, n int) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_accounts (id, active_sessions) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET active_sessions = EXCLUDED.active_sessions, updated_at = now()`, userID, n)
	return err
}

// IncrementActiveSessions adds delta in a single statement so concurrent increments do not lose updates.
func (r *PostgresRepository) IncrementActiveSessions(ctx context.Context, userID string, delta int) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_accounts (id, active_sessions) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET active_sessions = user_accounts.active_sessions + $2, updated_at = now()`, userID, delta)
	return err
}

func (r *PostgresRepository) MarkRedFlag(ctx context.Context, userID, reason string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_accounts (id, red_flag, red_flag_reason) VALUES ($1, true, $2)
		ON CONFLICT (id) DO UPDATE SET red_flag = true, red_flag_reason = EXCLUDED.red_flag_reason, updated_at = now()`, userID, reason)
	return err
}

func (r *PostgresRepository) RecordLogin(ctx context.Context, userID, email, displayName, ip string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_accounts (id, email, display_name, last_login_ip, last_login_time)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), user_accounts.email),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), user_accounts.display_name),
			last_login_ip = EXCLUDED.last_login_ip,
			last_login_time = now(),
			updated_at = now()`, userID, email, displayName, ip)
	return err
}
