package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/huddlechat/huddle-server/internal/wire"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrNotSender      = errors.New("you can only modify your own messages")
)

// MaxContentLength is the maximum message length in runes.
const MaxContentLength = 4000

// editedThreshold separates row-touching writes from genuine edits. Messages updated within this window of creation
// are not flagged as edited.
const editedThreshold = 2 * time.Second

// Message holds the fields read from the database, including joined sender information.
type Message struct {
	ID             int64
	RoomID         int64
	SenderID       int64
	Content        string
	Attachment     *string
	AttachmentType *string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Sender fields joined from the users table.
	SenderUsername    string
	SenderDisplayName string
	SenderAvatarURL   *string
}

// CreateParams groups the inputs for creating a new message.
type CreateParams struct {
	RoomID   int64
	SenderID int64
	Content  string
}

// ValidateContent checks that content is non-empty after trimming and does not exceed MaxContentLength runes.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// SenderName returns the sender's preferred display name.
func (m *Message) SenderName() string {
	if m.SenderDisplayName != "" {
		return m.SenderDisplayName
	}
	return m.SenderUsername
}

// IsEdited reports whether the message was changed after creation, ignoring the small write-skew window around the
// original insert.
func (m *Message) IsEdited() bool {
	return m.UpdatedAt.Sub(m.CreatedAt) > editedThreshold
}

// Wire converts the message to its gateway frame representation. clientID is echoed back for optimistic
// reconciliation on the sending client and omitted everywhere else.
func (m *Message) Wire(clientID string) wire.Message {
	return wire.Message{
		ID:     m.ID,
		RoomID: m.RoomID,
		Sender: wire.UserSnapshot{
			ID:     m.SenderID,
			Name:   m.SenderName(),
			Avatar: m.SenderAvatarURL,
		},
		Content:        m.Content,
		Attachment:     m.Attachment,
		AttachmentType: m.AttachmentType,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      m.UpdatedAt.UTC().Format(time.RFC3339),
		IsEdited:       m.IsEdited(),
		ClientID:       clientID,
	}
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, id int64) (*Message, error)
	Update(ctx context.Context, id, senderID int64, content string) (*Message, error)
	Delete(ctx context.Context, id, senderID int64) error
	MarkRead(ctx context.Context, roomID, userID, messageID int64) error
}
