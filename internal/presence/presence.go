// Package presence tracks who is online and who is visible in each room. The global roster is a set keyed by user
// id; room rosters are hashes. Both carry a whole-key TTL refreshed by heartbeats, so a crashed process leaks
// nothing past the TTL.
package presence

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

// maxRosterList caps how many entries a presence payload carries. Larger rosters report the true count with a
// truncated flag.
const maxRosterList = 50

const onlineUsersKey = "global:online_users"

// Store reads and writes presence and typing state.
type Store struct {
	st          *state.Store
	presenceTTL time.Duration
	typingTTL   time.Duration
}

// NewStore creates a presence store with the given TTLs.
func NewStore(st *state.Store, presenceTTL, typingTTL time.Duration) *Store {
	return &Store{st: st, presenceTTL: presenceTTL, typingTTL: typingTTL}
}

// SetOnline adds the user to the global online set and refreshes the set's TTL; the periodic refresher re-adds every
// live connection's user, so a crashed process leaks nothing past the TTL. Returns true when this was the user's
// first connection, meaning a user_online broadcast is due.
func (s *Store) SetOnline(ctx context.Context, userID int64) (bool, error) {
	added, err := s.st.AddSetMember(ctx, onlineUsersKey, formatID(userID), s.presenceTTL)
	if err != nil {
		return false, fmt.Errorf("set online %d: %w", userID, err)
	}
	return added, nil
}

// SetOffline removes the user from the global online set. Returns true when the user was present, meaning a
// user_offline broadcast is due.
func (s *Store) SetOffline(ctx context.Context, userID int64) (bool, error) {
	removed, err := s.st.RemoveSetMember(ctx, onlineUsersKey, formatID(userID))
	if err != nil {
		return false, fmt.Errorf("set offline %d: %w", userID, err)
	}
	return removed, nil
}

// IsOnline reports whether the user has at least one live gateway connection.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.st.IsSetMember(ctx, onlineUsersKey, formatID(userID))
	if err != nil {
		return false, fmt.Errorf("is online %d: %w", userID, err)
	}
	return ok, nil
}

// OnlineUserIDs returns the ids of every online user, sorted ascending.
func (s *Store) OnlineUserIDs(ctx context.Context) ([]int64, error) {
	members, err := s.st.SetMembers(ctx, onlineUsersKey)
	if err != nil {
		return nil, fmt.Errorf("online users: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Touch writes the user's room presence entry with a fresh last_seen and refreshes the roster TTL. It is used both
// when a user subscribes and on every heartbeat refresh.
func (s *Store) Touch(ctx context.Context, roomID int64, user wire.UserSnapshot) error {
	entry := wire.PresenceEntry{
		ID:       user.ID,
		Name:     user.Name,
		Avatar:   user.Avatar,
		LastSeen: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	if err := s.st.HashSet(ctx, roomPresenceKey(roomID), formatID(user.ID), string(raw), s.presenceTTL); err != nil {
		return fmt.Errorf("touch presence %d in %d: %w", user.ID, roomID, err)
	}
	return nil
}

// IsPresent reports whether the user currently has a presence entry in the room. Notification fan-out uses this to
// skip users who are already watching.
func (s *Store) IsPresent(ctx context.Context, roomID, userID int64) (bool, error) {
	_, ok, err := s.st.HashGet(ctx, roomPresenceKey(roomID), formatID(userID))
	if err != nil {
		return false, fmt.Errorf("is present %d in %d: %w", userID, roomID, err)
	}
	return ok, nil
}

// Leave removes the user's room presence entry. Returns true when the entry existed; departures of users who were
// never present produce no broadcast.
func (s *Store) Leave(ctx context.Context, roomID, userID int64) (bool, error) {
	existed, err := s.st.HashDelete(ctx, roomPresenceKey(roomID), formatID(userID))
	if err != nil {
		return false, fmt.Errorf("leave presence %d in %d: %w", userID, roomID, err)
	}
	return existed, nil
}

// Roster returns the room's presence payload. Entries are sorted by user id; rosters above maxRosterList entries
// are truncated but keep the true count.
func (s *Store) Roster(ctx context.Context, roomID int64) (wire.PresencePayload, error) {
	fields, err := s.st.HashGetAll(ctx, roomPresenceKey(roomID))
	if err != nil {
		return wire.PresencePayload{}, fmt.Errorf("presence roster %d: %w", roomID, err)
	}

	entries := make([]wire.PresenceEntry, 0, len(fields))
	for _, raw := range fields {
		var entry wire.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	payload := wire.PresencePayload{Count: len(entries), Users: entries}
	if len(entries) > maxRosterList {
		payload.Users = entries[:maxRosterList]
		payload.Truncated = true
	}
	return payload, nil
}

// SetTyping records or clears the user's typing indicator for a room.
func (s *Store) SetTyping(ctx context.Context, roomID int64, user wire.UserSnapshot, isTyping bool) error {
	if !isTyping {
		if _, err := s.st.HashDelete(ctx, roomTypingKey(roomID), formatID(user.ID)); err != nil {
			return fmt.Errorf("clear typing %d in %d: %w", user.ID, roomID, err)
		}
		return nil
	}

	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal typing entry: %w", err)
	}
	if err := s.st.HashSet(ctx, roomTypingKey(roomID), formatID(user.ID), string(raw), s.typingTTL); err != nil {
		return fmt.Errorf("set typing %d in %d: %w", user.ID, roomID, err)
	}
	return nil
}

// TypingUsers returns who is currently typing in the room, sorted by user id.
func (s *Store) TypingUsers(ctx context.Context, roomID int64) ([]wire.UserSnapshot, error) {
	fields, err := s.st.HashGetAll(ctx, roomTypingKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("typing users %d: %w", roomID, err)
	}

	users := make([]wire.UserSnapshot, 0, len(fields))
	for _, raw := range fields {
		var u wire.UserSnapshot
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			continue
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func roomPresenceKey(roomID int64) string {
	return "chat:presence:" + strconv.FormatInt(roomID, 10)
}

func roomTypingKey(roomID int64) string {
	return "chat:typing:" + strconv.FormatInt(roomID, 10)
}
