package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/huddlechat/huddle-server/internal/postgres"
)

const selectColumns = `m.id, m.room_id, m.sender_id, m.content, m.attachment, m.attachment_type,
m.created_at, m.updated_at,
u.username, u.display_name, u.avatar_url`

const baseJoin = "FROM messages m JOIN users u ON u.id = m.sender_id"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new message and returns it with joined sender information.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	var msg Message
	msg.RoomID = params.RoomID
	msg.SenderID = params.SenderID
	msg.Content = params.Content

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO messages (room_id, sender_id, content)
			 VALUES ($1, $2, $3)
			 RETURNING id, created_at, updated_at`,
			params.RoomID, params.SenderID, params.Content,
		)
		if err := row.Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		// Fetch sender info within the same transaction for consistency.
		err := tx.QueryRow(ctx,
			"SELECT username, display_name, avatar_url FROM users WHERE id = $1",
			params.SenderID,
		).Scan(&msg.SenderUsername, &msg.SenderDisplayName, &msg.SenderAvatarURL)
		if err != nil {
			return fmt.Errorf("fetch sender info: %w", err)
		}
		return nil
	})
	if err != nil {
		// A failed room or sender reference means the target vanished between the membership check and the insert.
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// GetByID returns a single message by ID with joined sender information.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s %s WHERE m.id = $1", selectColumns, baseJoin), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// Update sets new content on a message owned by senderID. Returns ErrNotSender when the message exists but belongs
// to someone else.
func (r *PGRepository) Update(ctx context.Context, id, senderID int64, content string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE messages SET content = $1, updated_at = NOW()
		 WHERE id = $2 AND sender_id = $3
		 RETURNING id`, content, id, senderID,
	)

	var updatedID int64
	if err := row.Scan(&updatedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.ownershipError(ctx, id)
		}
		return nil, fmt.Errorf("update message: %w", err)
	}

	return r.GetByID(ctx, updatedID)
}

// Delete removes a message owned by senderID. Returns ErrNotSender when the message exists but belongs to someone
// else.
func (r *PGRepository) Delete(ctx context.Context, id, senderID int64) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM messages WHERE id = $1 AND sender_id = $2", id, senderID,
	)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.ownershipError(ctx, id)
	}
	return nil
}

// MarkRead records an idempotent read receipt and advances the participant's last-read pointer, never moving it
// backwards.
func (r *PGRepository) MarkRead(ctx context.Context, roomID, userID, messageID int64) error {
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND room_id = $2)",
			messageID, roomID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check message room: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO message_read_receipts (message_id, user_id)
			 VALUES ($1, $2)
			 ON CONFLICT (message_id, user_id) DO NOTHING`,
			messageID, userID,
		)
		if err != nil {
			return fmt.Errorf("insert read receipt: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE chat_room_participants
			 SET last_read_message_id = $1
			 WHERE room_id = $2 AND user_id = $3
			   AND (last_read_message_id IS NULL OR last_read_message_id < $1)`,
			messageID, roomID, userID,
		)
		if err != nil {
			return fmt.Errorf("advance last read: %w", err)
		}
		return nil
	})
	if err != nil {
		// The message can be deleted between the existence check and the receipt insert.
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ownershipError distinguishes a missing message from someone else's message after a zero-row write.
func (r *PGRepository) ownershipError(ctx context.Context, id int64) error {
	var exists bool
	if err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check message existence: %w", err)
	}
	if exists {
		return ErrNotSender
	}
	return ErrNotFound
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.Attachment, &msg.AttachmentType,
		&msg.CreatedAt, &msg.UpdatedAt,
		&msg.SenderUsername, &msg.SenderDisplayName, &msg.SenderAvatarURL,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
