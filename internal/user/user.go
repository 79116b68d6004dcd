package user

import (
	"context"
	"errors"
	"time"

	"github.com/huddlechat/huddle-server/internal/wire"
)

// Sentinel errors for the user package.
var (
	ErrNotFound = errors.New("user not found")
)

// User holds the core identity fields read from the database.
type User struct {
	ID          int64
	Username    string
	DisplayName string
	AvatarURL   *string
	CreatedAt   time.Time
}

// Snapshot converts the user to the immutable wire representation embedded in gateway frames. This is the single
// source of truth for the conversion; every frame that names a user goes through it.
func (u *User) Snapshot() wire.UserSnapshot {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return wire.UserSnapshot{ID: u.ID, Name: name, Avatar: u.AvatarURL}
}

// Repository defines the data-access contract for user lookups.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
}
