package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"session-authority/internal/telemetry/domain"
)

const eventColumns = `id, user_id, device_id, session_id, event_type, source, metadata, created_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an event repository backed by the session_events table.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Save inserts the event and sets e.ID.
func (r *PostgresRepository) Save(ctx context.Context, e *domain.Event) error {
	return r.db.QueryRowContext(ctx, `INSERT INTO session_events
		(user_id, device_id, session_id, event_type, source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		nullString(e.UserID), nullString(e.DeviceID), nullString(e.SessionID),
		e.EventType, e.Source, eventMetadata(e.Metadata), e.CreatedAt,
	).Scan(&e.ID)
}

// GetByID returns the event for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM session_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListByUser returns a user's events, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM session_events
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*domain.Event, error) {
	var (
		e                           domain.Event
		userID, deviceID, sessionID sql.NullString
		meta                        []byte
	)
	if err := s.Scan(&e.ID, &userID, &deviceID, &sessionID, &e.EventType, &e.Source, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.UserID, e.DeviceID, e.SessionID = userID.String, deviceID.String, sessionID.String
	e.Metadata = eventMetadata(meta)
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func eventMetadata(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}
