// Package room provides chat room lookup and participant authorization. Every namespaced chat and huddle operation
// is gated on room membership, so these queries sit on the hot path of the gateway.
package room

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the room package.
var (
	ErrNotFound       = errors.New("room not found")
	ErrNotParticipant = errors.New("user is not a participant of this room")
)

// Room holds the fields read from the database.
type Room struct {
	ID        int64
	Name      string
	IsGroup   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participant is a room membership record.
type Participant struct {
	UserID            int64
	Role              string
	LastReadMessageID *int64
	JoinedAt          time.Time
}

// Repository defines the data-access contract for room operations.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Room, error)
	IsParticipant(ctx context.Context, roomID, userID int64) (bool, error)
	ParticipantIDs(ctx context.Context, roomID int64) ([]int64, error)
}
