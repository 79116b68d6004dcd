package notification

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed notification repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// UpsertUnread creates the user's open notification for the room or bumps its unread counter. Coalescing rides on
// the partial unique index over (user_id, room_id) WHERE is_read = false.
func (r *PGRepository) UpsertUnread(ctx context.Context, userID, roomID int64, body string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notifications (user_id, room_id, kind, body)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, room_id) WHERE is_read = false
		 DO UPDATE SET unread_count = notifications.unread_count + 1,
		               body = EXCLUDED.body,
		               updated_at = NOW()`,
		userID, roomID, KindUnreadMessages, body,
	)
	if err != nil {
		return fmt.Errorf("upsert unread notification: %w", err)
	}
	return nil
}

// MarkRead closes the user's open notification for the room, if any.
func (r *PGRepository) MarkRead(ctx context.Context, userID, roomID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE notifications SET is_read = true, updated_at = NOW()
		 WHERE user_id = $1 AND room_id = $2 AND is_read = false`,
		userID, roomID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}
