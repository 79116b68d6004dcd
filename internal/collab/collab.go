// Package collab holds the per-room collaborative scratch state: a single shared note and live editor cursors. Both
// are best-effort ephemeral values; the note survives a couple of hours of inactivity, cursors vanish within
// seconds of the last movement.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/huddlechat/huddle-server/internal/state"
	"github.com/huddlechat/huddle-server/internal/wire"
)

// Cursor is one editor's live cursor in a room.
type Cursor struct {
	User   wire.UserSnapshot `json:"user"`
	Cursor json.RawMessage   `json:"cursor"`
}

// Store reads and writes collaborative room state.
type Store struct {
	st        *state.Store
	noteTTL   time.Duration
	cursorTTL time.Duration
}

// NewStore creates a collab store with the given TTLs.
func NewStore(st *state.Store, noteTTL, cursorTTL time.Duration) *Store {
	return &Store{st: st, noteTTL: noteTTL, cursorTTL: cursorTTL}
}

// SetNote replaces the room's shared note. A nil content clears it.
func (s *Store) SetNote(ctx context.Context, roomID int64, content *string) error {
	if content == nil {
		if err := s.st.Delete(ctx, noteKey(roomID)); err != nil {
			return fmt.Errorf("clear note %d: %w", roomID, err)
		}
		return nil
	}

	if err := s.st.SetValue(ctx, noteKey(roomID), *content, s.noteTTL); err != nil {
		return fmt.Errorf("set note %d: %w", roomID, err)
	}
	return nil
}

// Note returns the room's shared note, or nil when none is set.
func (s *Store) Note(ctx context.Context, roomID int64) (*string, error) {
	val, ok, err := s.st.GetValue(ctx, noteKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("get note %d: %w", roomID, err)
	}
	if !ok {
		return nil, nil
	}
	return &val, nil
}

// SetCursor records the user's cursor position in the room.
func (s *Store) SetCursor(ctx context.Context, roomID int64, user wire.UserSnapshot, position json.RawMessage) error {
	raw, err := json.Marshal(Cursor{User: user, Cursor: position})
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	if err := s.st.HashSet(ctx, cursorsKey(roomID), strconv.FormatInt(user.ID, 10), string(raw), s.cursorTTL); err != nil {
		return fmt.Errorf("set cursor %d in %d: %w", user.ID, roomID, err)
	}
	return nil
}

// Cursors returns the room's live cursors, sorted by user id.
func (s *Store) Cursors(ctx context.Context, roomID int64) ([]Cursor, error) {
	fields, err := s.st.HashGetAll(ctx, cursorsKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("cursors %d: %w", roomID, err)
	}

	cursors := make([]Cursor, 0, len(fields))
	for _, raw := range fields {
		var c Cursor
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		cursors = append(cursors, c)
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].User.ID < cursors[j].User.ID })
	return cursors, nil
}

func noteKey(roomID int64) string {
	return "chat:note:" + strconv.FormatInt(roomID, 10)
}

func cursorsKey(roomID int64) string {
	return "chat:cursors:" + strconv.FormatInt(roomID, 10)
}
