package wire

import "encoding/json"

// Server frame payloads. Every struct carries its own Type field so a frame can be marshalled and enqueued in one
// step; constructors fill in the constant for the common ones.

// AuthRequiredFrame greets a freshly opened connection: nothing but an auth event will be accepted until the token
// checks out.
type AuthRequiredFrame struct {
	Type string `json:"type"`
}

// AuthSuccessFrame confirms authentication, carries the initial global online roster, and tells the client how often
// to heartbeat.
type AuthSuccessFrame struct {
	Type              string       `json:"type"`
	User              UserSnapshot `json:"user"`
	OnlineUsers       []int64      `json:"online_users"`
	HeartbeatInterval int          `json:"heartbeat_interval"`
}

// AuthErrorFrame precedes the close frame when a token is rejected.
type AuthErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers a ping, stamped with the server's reply time.
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// PresenceAckFrame answers a presence heartbeat.
type PresenceAckFrame struct {
	Type string `json:"type"`
}

// OnlineUsersFrame carries the full global online roster.
type OnlineUsersFrame struct {
	Type    string  `json:"type"`
	UserIDs []int64 `json:"user_ids"`
}

// UserOnlineFrame announces a user's first live connection.
type UserOnlineFrame struct {
	Type string       `json:"type"`
	User UserSnapshot `json:"user"`
}

// UserOfflineFrame announces a user's last connection going away.
type UserOfflineFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// NotificationFrame is the ephemeral new-message notification delivered to online users who are not watching the
// room. Preview is sanitized plain text.
type NotificationFrame struct {
	Type          string       `json:"type"`
	RoomID        int64        `json:"room_id"`
	Sender        UserSnapshot `json:"sender"`
	Preview       string       `json:"preview"`
	HasAttachment bool         `json:"has_attachment"`
}

// CursorEntry is one live editor cursor as carried in cursor frames.
type CursorEntry struct {
	User   UserSnapshot    `json:"user"`
	Cursor json.RawMessage `json:"cursor"`
}

// SubscribedFrame confirms a subscribe and carries the room's presence roster. Non-empty ephemeral state follows in
// separate chat.collab_state, chat.cursor_state, and chat.huddle_participants frames.
type SubscribedFrame struct {
	Type      string          `json:"type"`
	RoomID    int64           `json:"room_id"`
	Presence  PresencePayload `json:"presence"`
	SFUActive bool            `json:"sfu_active"`
}

// CollabStateFrame carries the room's current shared note to a newly subscribed client.
type CollabStateFrame struct {
	Type    string  `json:"type"`
	RoomID  int64   `json:"room_id"`
	Content *string `json:"content"`
}

// CursorStateFrame carries the room's live editor cursors to a newly subscribed client.
type CursorStateFrame struct {
	Type    string        `json:"type"`
	RoomID  int64         `json:"room_id"`
	Cursors []CursorEntry `json:"cursors"`
}

// UnsubscribedFrame confirms an unsubscribe.
type UnsubscribedFrame struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
}

// MessageFrame broadcasts a new message to room subscribers. The embedded message keeps the sender's client_id so
// the originating client can reconcile its optimistic copy.
type MessageFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessageDeletedFrame broadcasts a deletion.
type MessageDeletedFrame struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

// TypingStatusFrame broadcasts one user's typing change.
type TypingStatusFrame struct {
	Type     string       `json:"type"`
	RoomID   int64        `json:"room_id"`
	User     UserSnapshot `json:"user"`
	IsTyping bool         `json:"is_typing"`
}

// PresenceUpdateFrame broadcasts a join or leave delta for a room roster.
type PresenceUpdateFrame struct {
	Type   string       `json:"type"`
	RoomID int64        `json:"room_id"`
	Action string       `json:"action"`
	User   UserSnapshot `json:"user"`
}

// Presence update actions.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// CollabUpdateFrame broadcasts a shared-note change. A nil content means the note was cleared.
type CollabUpdateFrame struct {
	Type    string       `json:"type"`
	RoomID  int64        `json:"room_id"`
	User    UserSnapshot `json:"user"`
	Content *string      `json:"content"`
}

// CursorUpdateFrame broadcasts one editor's cursor movement.
type CursorUpdateFrame struct {
	Type   string          `json:"type"`
	RoomID int64           `json:"room_id"`
	User   UserSnapshot    `json:"user"`
	Cursor json.RawMessage `json:"cursor"`
}

// HuddleRosterFrame broadcasts the full huddle roster after a join or leave.
type HuddleRosterFrame struct {
	Type         string              `json:"type"`
	RoomID       int64               `json:"room_id"`
	Participants []HuddleParticipant `json:"participants"`
}

// SignalFrame relays a WebRTC signalling payload to its target, stamped with the sender's snapshot.
type SignalFrame struct {
	Type    string          `json:"type"`
	RoomID  int64           `json:"room_id"`
	From    UserSnapshot    `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// SFUUpgradeFrame tells huddle participants to migrate from P2P mesh to the SFU.
type SFUUpgradeFrame struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
}

// SFUPublishAnswerFrame carries the provider's SDP answer for a publish offer, plus the tracks it accepted.
type SFUPublishAnswerFrame struct {
	Type      string     `json:"type"`
	RoomID    int64      `json:"room_id"`
	SessionID string     `json:"session_id"`
	TrackName string     `json:"track_name"`
	SDPAnswer string     `json:"sdp_answer"`
	Tracks    []SFUTrack `json:"tracks"`
}

// SFUSubscribeOfferFrame carries the provider's SDP offer for newly attached remote tracks. The client must answer
// via huddle.sfu_renegotiate.
type SFUSubscribeOfferFrame struct {
	Type                  string     `json:"type"`
	RoomID                int64      `json:"room_id"`
	SessionID             string     `json:"session_id"`
	SDPOffer              string     `json:"sdp_offer"`
	Tracks                []SFUTrack `json:"tracks"`
	RequiresRenegotiation bool       `json:"requires_renegotiation"`
}

// SFURenegotiateDoneFrame confirms a completed renegotiation.
type SFURenegotiateDoneFrame struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
}

// SFUTrackAddedFrame announces a newly published track so subscribers can pull it. UserName names the publisher so
// clients can label the incoming media without a roster lookup.
type SFUTrackAddedFrame struct {
	Type     string   `json:"type"`
	RoomID   int64    `json:"room_id"`
	UserName string   `json:"user_name"`
	Track    SFUTrack `json:"track"`
}

// RoomCreatedFrame tells a user they were added to a new room.
type RoomCreatedFrame struct {
	Type    string `json:"type"`
	RoomID  int64  `json:"room_id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
}

// RemovedFromRoomFrame tells a user they were removed from a room.
type RemovedFromRoomFrame struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
}

// PromotedToAdminFrame tells a user their role in a room changed to admin.
type PromotedToAdminFrame struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
}

// RoomUpdatedFrame broadcasts a room metadata change to its subscribers.
type RoomUpdatedFrame struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
	Name   string `json:"name"`
}
