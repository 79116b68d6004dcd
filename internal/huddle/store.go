// Package huddle manages voice huddle state: per-room rosters, the P2P-to-SFU upgrade flag, and the SFU session and
// track bookkeeping needed to wire late subscribers to existing publishers.
package huddle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/huddlechat/huddle-server/internal/state"
	"github.com/huddlechat/huddle-server/internal/wire"
)

// Store reads and writes huddle state.
type Store struct {
	st        *state.Store
	rosterTTL time.Duration
	sfuTTL    time.Duration
}

// NewStore creates a huddle store with the given TTLs.
func NewStore(st *state.Store, rosterTTL, sfuTTL time.Duration) *Store {
	return &Store{st: st, rosterTTL: rosterTTL, sfuTTL: sfuTTL}
}

// Join adds the user to the room's huddle roster and returns the roster size after joining.
func (s *Store) Join(ctx context.Context, roomID int64, user wire.UserSnapshot) (int, error) {
	raw, err := json.Marshal(wire.HuddleParticipant{ID: user.ID, Name: user.Name, Avatar: user.Avatar})
	if err != nil {
		return 0, fmt.Errorf("marshal huddle participant: %w", err)
	}

	key := rosterKey(roomID)
	if err := s.st.HashSet(ctx, key, formatID(user.ID), string(raw), s.rosterTTL); err != nil {
		return 0, fmt.Errorf("huddle join %d in %d: %w", user.ID, roomID, err)
	}

	n, err := s.st.HashLen(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("huddle size %d: %w", roomID, err)
	}
	return int(n), nil
}

// Leave removes the user from the roster and tears down their SFU state. Returns whether the user was actually in
// the huddle and how many participants remain; when the roster empties all huddle keys for the room are dropped.
func (s *Store) Leave(ctx context.Context, roomID, userID int64) (existed bool, remaining int, err error) {
	existed, err = s.st.HashDelete(ctx, rosterKey(roomID), formatID(userID))
	if err != nil {
		return false, 0, fmt.Errorf("huddle leave %d in %d: %w", userID, roomID, err)
	}

	if err := s.RemoveUserSFUState(ctx, roomID, userID); err != nil {
		return existed, 0, err
	}

	n, err := s.st.HashLen(ctx, rosterKey(roomID))
	if err != nil {
		return existed, 0, fmt.Errorf("huddle size %d: %w", roomID, err)
	}
	if n == 0 {
		if err := s.st.Delete(ctx, rosterKey(roomID), sfuActiveKey(roomID), sfuSessionsKey(roomID), sfuTracksKey(roomID)); err != nil {
			return existed, 0, fmt.Errorf("huddle cleanup %d: %w", roomID, err)
		}
	}
	return existed, int(n), nil
}

// Roster returns the huddle participants, sorted by user id.
func (s *Store) Roster(ctx context.Context, roomID int64) ([]wire.HuddleParticipant, error) {
	fields, err := s.st.HashGetAll(ctx, rosterKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("huddle roster %d: %w", roomID, err)
	}

	participants := make([]wire.HuddleParticipant, 0, len(fields))
	for _, raw := range fields {
		var p wire.HuddleParticipant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })
	return participants, nil
}

// Contains reports whether the user is in the room's huddle.
func (s *Store) Contains(ctx context.Context, roomID, userID int64) (bool, error) {
	_, ok, err := s.st.HashGet(ctx, rosterKey(roomID), formatID(userID))
	if err != nil {
		return false, fmt.Errorf("huddle contains %d in %d: %w", userID, roomID, err)
	}
	return ok, nil
}

// ActivateSFU flips the room into SFU mode. Returns true only for the activating call, so exactly one upgrade
// broadcast is sent even when several joins race past the threshold.
func (s *Store) ActivateSFU(ctx context.Context, roomID int64) (bool, error) {
	created, err := s.st.SetValueNX(ctx, sfuActiveKey(roomID), "1", s.sfuTTL)
	if err != nil {
		return false, fmt.Errorf("activate sfu %d: %w", roomID, err)
	}
	return created, nil
}

// SFUActive reports whether the room is in SFU mode.
func (s *Store) SFUActive(ctx context.Context, roomID int64) (bool, error) {
	_, ok, err := s.st.GetValue(ctx, sfuActiveKey(roomID))
	if err != nil {
		return false, fmt.Errorf("sfu active %d: %w", roomID, err)
	}
	return ok, nil
}

// SetSFUSession records the user's SFU session id for the room.
func (s *Store) SetSFUSession(ctx context.Context, roomID, userID int64, sessionID string) error {
	if err := s.st.HashSet(ctx, sfuSessionsKey(roomID), formatID(userID), sessionID, s.sfuTTL); err != nil {
		return fmt.Errorf("set sfu session %d in %d: %w", userID, roomID, err)
	}
	return nil
}

// SFUSession returns the user's SFU session id for the room, if any.
func (s *Store) SFUSession(ctx context.Context, roomID, userID int64) (string, bool, error) {
	sessionID, ok, err := s.st.HashGet(ctx, sfuSessionsKey(roomID), formatID(userID))
	if err != nil {
		return "", false, fmt.Errorf("sfu session %d in %d: %w", userID, roomID, err)
	}
	return sessionID, ok, nil
}

// AddSFUTrack records one published track. Tracks are keyed {userID}_{trackName}_{index} so a user's tracks can be
// swept by prefix on leave.
func (s *Store) AddSFUTrack(ctx context.Context, roomID int64, track wire.SFUTrack, index int) error {
	raw, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("marshal sfu track: %w", err)
	}

	field := fmt.Sprintf("%d_%s_%d", track.UserID, track.TrackName, index)
	if err := s.st.HashSet(ctx, sfuTracksKey(roomID), field, string(raw), s.sfuTTL); err != nil {
		return fmt.Errorf("add sfu track %s in %d: %w", field, roomID, err)
	}
	return nil
}

// SFUTracks returns every published track in the room, sorted by owner then name.
func (s *Store) SFUTracks(ctx context.Context, roomID int64) ([]wire.SFUTrack, error) {
	fields, err := s.st.HashGetAll(ctx, sfuTracksKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("sfu tracks %d: %w", roomID, err)
	}

	tracks := make([]wire.SFUTrack, 0, len(fields))
	for _, raw := range fields {
		var t wire.SFUTrack
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tracks = append(tracks, t)
	}
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].UserID != tracks[j].UserID {
			return tracks[i].UserID < tracks[j].UserID
		}
		return tracks[i].TrackName < tracks[j].TrackName
	})
	return tracks, nil
}

// RemoveUserSFUState drops the user's SFU session and all their track records for the room.
func (s *Store) RemoveUserSFUState(ctx context.Context, roomID, userID int64) error {
	if _, err := s.st.HashDelete(ctx, sfuSessionsKey(roomID), formatID(userID)); err != nil {
		return fmt.Errorf("remove sfu session %d in %d: %w", userID, roomID, err)
	}

	fields, err := s.st.HashGetAll(ctx, sfuTracksKey(roomID))
	if err != nil {
		return fmt.Errorf("sfu tracks %d: %w", roomID, err)
	}
	prefix := formatID(userID) + "_"
	for field := range fields {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		if _, err := s.st.HashDelete(ctx, sfuTracksKey(roomID), field); err != nil {
			return fmt.Errorf("remove sfu track %s in %d: %w", field, roomID, err)
		}
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func rosterKey(roomID int64) string {
	return "chat:huddle:" + strconv.FormatInt(roomID, 10)
}

func sfuActiveKey(roomID int64) string {
	return rosterKey(roomID) + ":sfu_active"
}

func sfuSessionsKey(roomID int64) string {
	return rosterKey(roomID) + ":sfu_sessions"
}

func sfuTracksKey(roomID int64) string {
	return rosterKey(roomID) + ":sfu_tracks"
}
