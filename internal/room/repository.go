package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed room repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// GetByID returns a single room by ID.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Room, error) {
	row := r.db.QueryRow(ctx,
		"SELECT id, name, is_group, created_at, updated_at FROM chat_rooms WHERE id = $1", id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.IsGroup, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query room by id: %w", err)
	}
	return &room, nil
}

// IsParticipant reports whether the user belongs to the room.
func (r *PGRepository) IsParticipant(ctx context.Context, roomID, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM chat_room_participants WHERE room_id = $1 AND user_id = $2)",
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check room participant: %w", err)
	}
	return exists, nil
}

// ParticipantIDs returns the ids of every participant of the room, sorted ascending.
func (r *PGRepository) ParticipantIDs(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		"SELECT user_id FROM chat_room_participants WHERE room_id = $1 ORDER BY user_id", roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query room participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room participants: %w", err)
	}
	return ids, nil
}
