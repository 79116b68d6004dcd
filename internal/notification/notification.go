// Package notification persists coalesced unread-message notifications and builds the sanitized previews carried
// by ephemeral notification frames. A user has at most one open notification per room; further messages bump its
// counter instead of piling up rows.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// ErrNotFound is returned when a referenced notification does not exist.
var ErrNotFound = errors.New("notification not found")

// KindUnreadMessages is the only notification kind the gateway produces.
const KindUnreadMessages = "unread_messages"

// previewLimit caps the message excerpt carried in ephemeral notification frames.
const previewLimit = 100

// previewPolicy strips all markup; previews surface in native notification UIs that render plain text.
var previewPolicy = bluemonday.StrictPolicy()

// Preview reduces message content to a plain-text excerpt of at most previewLimit runes.
func Preview(content string) string {
	clean := strings.TrimSpace(previewPolicy.Sanitize(content))
	runes := []rune(clean)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return clean
}

// Body builds the durable notification text for a sender.
func Body(senderName string) string {
	return fmt.Sprintf("New message from %s", senderName)
}

// Notification holds the fields read from the database.
type Notification struct {
	ID          int64
	UserID      int64
	RoomID      int64
	Kind        string
	Body        string
	UnreadCount int
	IsRead      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository defines the data-access contract for notification operations.
type Repository interface {
	UpsertUnread(ctx context.Context, userID, roomID int64, body string) error
	MarkRead(ctx context.Context, userID, roomID int64) error
}
