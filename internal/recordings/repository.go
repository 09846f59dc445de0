package recordings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-meet/backend/internal/models"
)

// Repository persists recording metadata in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recording repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveRecording upserts a recording. The WHERE clause on the conflict branch
// enforces the lifecycle: a row only moves into the new status from a status
// that transitions into it (or idempotently from the same status). A filtered
// update returns no row and surfaces ErrInvalidTransition, so concurrent
// writers (start coordinator, webhook, stale sweep) can race safely.
func (r *Repository) SaveRecording(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (id, room_id, session_id, status, duration, size, s3_key)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			duration = GREATEST(recordings.duration, EXCLUDED.duration),
			size = GREATEST(recordings.size, EXCLUDED.size),
			s3_key = COALESCE(EXCLUDED.s3_key, recordings.s3_key),
			updated_at = NOW()
		WHERE recordings.status = EXCLUDED.status OR recordings.status = ANY($8)
		RETURNING created_at, updated_at`

	from := models.TransitionsInto(rec.Status)
	sources := make([]string, len(from))
	for i, s := range from {
		sources[i] = string(s)
	}

	err := r.pool.QueryRow(ctx, q,
		rec.ID, rec.RoomID, rec.SessionID, string(rec.Status),
		rec.Duration, rec.Size, rec.S3Key, sources,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("save recording %s as %s: %w", rec.ID, rec.Status, ErrInvalidTransition)
	}
	if err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	return nil
}

// GetRecording returns a recording by id, or nil when unknown.
func (r *Repository) GetRecording(ctx context.Context, id string) (*models.Recording, error) {
	const q = `SELECT id, room_id, session_id, status, duration, size, COALESCE(s3_key, ''), created_at, updated_at
		FROM recordings WHERE id = $1`
	var rec models.Recording
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.RoomID, &rec.SessionID, &rec.Status,
		&rec.Duration, &rec.Size, &rec.S3Key, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recording %s: %w", id, err)
	}
	return &rec, nil
}

// ListByRoom returns all recordings for a room, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID string) ([]models.Recording, error) {
	const q = `SELECT id, room_id, session_id, status, duration, size, COALESCE(s3_key, ''), created_at, updated_at
		FROM recordings WHERE room_id = $1 ORDER BY created_at DESC, id`
	rows, err := r.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, fmt.Errorf("list recordings for room %s: %w", roomID, err)
	}
	defer rows.Close()

	var list []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.SessionID, &rec.Status,
			&rec.Duration, &rec.Size, &rec.S3Key, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// ListByRoomPage returns one page of a room's recordings in stable id order,
// for callers that enumerate rooms too large to load at once.
func (r *Repository) ListByRoomPage(ctx context.Context, roomID string, limit, offset int) ([]models.Recording, error) {
	const q = `SELECT id, room_id, session_id, status, duration, size, COALESCE(s3_key, ''), created_at, updated_at
		FROM recordings WHERE room_id = $1 ORDER BY id LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list recordings page for room %s: %w", roomID, err)
	}
	defer rows.Close()

	var list []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.SessionID, &rec.Status,
			&rec.Duration, &rec.Size, &rec.S3Key, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// DeleteRecordings removes the given recording rows.
func (r *Repository) DeleteRecordings(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `DELETE FROM recordings WHERE id = ANY($1)`
	if _, err := r.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("delete %d recordings: %w", len(ids), err)
	}
	return nil
}
