package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"

	devicedomain "session-authority/internal/device/domain"
	"session-authority/internal/session/domain"
)

// NotifyChannel is the LISTEN channel fed by the session_records trigger; the payload is the user id.
const NotifyChannel = "session_records"

const recordColumns = `id, user_id, email, display_name, device_id, device_fingerprint, recovery_fingerprint,
	ip, city, country, region,
	device_type, os, browser, cpu, device_memory, screen_resolution, hardware_concurrency,
	login_time, last_active, logged_out_at,
	is_active, is_blocked, block_reason, is_red_flag_session`

type PostgresRepository struct {
	db       *sql.DB
	listener *listener
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
// db must be opened with the pgx stdlib driver; while any subscription is open the repository holds
// one pooled connection for LISTEN.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, listener: newListener(pgListen(db))}
}

// GetByID returns the record for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM session_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(err)
	}
	return rec, nil
}

func (r *PostgresRepository) FindActiveByUser(ctx context.Context, userID string) ([]domain.Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM session_records WHERE user_id = $1 AND is_active`, userID)
}

func (r *PostgresRepository) FindByUserAndDevice(ctx context.Context, userID, deviceID string) ([]domain.Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM session_records WHERE user_id = $1 AND device_id = $2 ORDER BY login_time DESC`, userID, deviceID)
}

func (r *PostgresRepository) query(ctx context.Context, q string, args ...any) ([]domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *rec)
	}
	return out, mapError(rows.Err())
}

// Create inserts r with login_time and last_active set by the database clock.
func (r *PostgresRepository) Create(ctx context.Context, rec *domain.Record) (string, error) {
	id := ulid.Make().String()
	md := rec.Metadata
	_, err := r.db.ExecContext(ctx, `INSERT INTO session_records (
		id, user_id, email, display_name, device_id, device_fingerprint, recovery_fingerprint,
		ip, city, country, region,
		device_type, os, browser, cpu, device_memory, screen_resolution, hardware_concurrency,
		login_time, last_active,
		is_active, is_blocked, block_reason, is_red_flag_session
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,now(),now(),$19,$20,$21,$22)`,
		id, rec.UserID, rec.Email, rec.DisplayName, rec.DeviceID, rec.DeviceFingerprint, rec.RecoveryFingerprint,
		rec.IP, rec.City, rec.Country, rec.Region,
		md.DeviceType, md.OS, md.Browser, md.CPU, md.DeviceMemory, md.ScreenResolution, md.HardwareConcurrency,
		rec.IsActive, rec.IsBlocked, nullString(rec.BlockReason), rec.IsRedFlagSession,
	)
	if err != nil {
		return "", mapError(err)
	}
	rec.ID = id
	return id, nil
}

// Update builds a single UPDATE from the non-nil patch fields.
func (r *PostgresRepository) Update(ctx context.Context, id string, p domain.Patch) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.IsActive != nil {
		add("is_active", *p.IsActive)
	}
	if p.DeviceID != nil {
		add("device_id", *p.DeviceID)
	}
	if p.IP != nil {
		add("ip", *p.IP)
	}
	if p.City != nil {
		add("city", *p.City)
	}
	if p.Country != nil {
		add("country", *p.Country)
	}
	if p.Region != nil {
		add("region", *p.Region)
	}
	if p.TouchActive {
		sets = append(sets, "last_active = now()")
	}
	if p.StampLogout {
		sets = append(sets, "logged_out_at = now()")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE session_records SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	_, err := r.db.ExecContext(ctx, q, args...)
	return mapError(err)
}

// Subscribe re-queries the (userID, deviceID) records whenever the shared listener reports a change
// for userID. All subscriptions of a repository share one LISTEN connection.
func (r *PostgresRepository) Subscribe(ctx context.Context, userID, deviceID string) (<-chan domain.Snapshot, error) {
	wake, remove := r.listener.add(userID)
	out := make(chan domain.Snapshot, 1)
	go func() {
		defer close(out)
		defer remove()
		for {
			recs, err := r.FindByUserAndDevice(ctx, userID, deviceID)
			if ctx.Err() != nil {
				return
			}
			select {
			case <-out:
			default:
			}
			out <- domain.Snapshot{Records: recs, Err: err}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
	}()
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var (
		rec                   domain.Record
		md                    devicedomain.Metadata
		blockReason           sql.NullString
		loginTime, lastActive sql.NullTime
		loggedOutAt           sql.NullTime
	)
	err := s.Scan(
		&rec.ID, &rec.UserID, &rec.Email, &rec.DisplayName, &rec.DeviceID, &rec.DeviceFingerprint, &rec.RecoveryFingerprint,
		&rec.IP, &rec.City, &rec.Country, &rec.Region,
		&md.DeviceType, &md.OS, &md.Browser, &md.CPU, &md.DeviceMemory, &md.ScreenResolution, &md.HardwareConcurrency,
		&loginTime, &lastActive, &loggedOutAt,
		&rec.IsActive, &rec.IsBlocked, &blockReason, &rec.IsRedFlagSession,
	)
	if err != nil {
		return nil, err
	}
	rec.Metadata = md
	rec.BlockReason = blockReason.String
	rec.LoginTime = nullTimeToTimestamp(loginTime)
	rec.LastActive = nullTimeToTimestamp(lastActive)
	rec.LoggedOutAt = nullTimeToTimestamp(loggedOutAt)
	return &rec, nil
}

func nullTimeToTimestamp(n sql.NullTime) domain.Timestamp {
	if !n.Valid {
		return domain.Timestamp{}
	}
	return domain.At(n.Time)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const blockedInactiveConstraint = "session_records_blocked_inactive"

// mapError turns insufficient_privilege into ErrPermissionDenied and the blocked/active check into
// ErrBlockedActive. Everything else passes through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "42501":
		return fmt.Errorf("%w: %s", ErrPermissionDenied, pgErr.Message)
	case pgErr.Code == "23514" && pgErr.ConstraintName == blockedInactiveConstraint:
		return fmt.Errorf("%w: %s", ErrBlockedActive, pgErr.Message)
	}
	return err
}
