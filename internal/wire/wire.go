// Package wire defines the JSON frame types exchanged over the gateway
// WebSocket. Every frame carries a string "type"; client events use the
// namespaced form (global.*, chat.*, huddle.*) with a handful of legacy
// aliases that are rewritten to their canonical names during decoding.
package wire

import "encoding/json"

// Client event types.
const (
	EventAuth              = "auth"
	EventPing              = "ping"
	EventPresenceHeartbeat = "presence.heartbeat"
	EventGlobalRefresh     = "global.refresh"
	EventChatSubscribe     = "chat.subscribe"
	EventChatUnsubscribe   = "chat.unsubscribe"
	EventChatSendMessage   = "chat.send_message"
	EventChatEditMessage   = "chat.edit_message"
	EventChatDeleteMessage = "chat.delete_message"
	EventChatMarkRead      = "chat.mark_read"
	EventChatTyping        = "chat.typing"
	EventChatCollabUpdate  = "chat.collab_update"
	EventChatCursorUpdate  = "chat.cursor_update"
	EventHuddleJoin        = "huddle.join"
	EventHuddleLeave       = "huddle.leave"
	EventHuddleSignal      = "huddle.signal"
	EventSFUPublish        = "huddle.sfu_publish"
	EventSFUSubscribe      = "huddle.sfu_subscribe"
	EventSFURenegotiate    = "huddle.sfu_renegotiate"
)

// Server frame types.
const (
	FrameAuthRequired          = "auth.required"
	FrameAuthSuccess           = "auth.success"
	FrameAuthError             = "auth.error"
	FramePong                  = "pong"
	FramePresenceAck           = "presence.ack"
	FrameError                 = "error"
	FrameOnlineUsers           = "global.online_users"
	FrameUserOnline            = "global.user_online"
	FrameUserOffline           = "global.user_offline"
	FrameChatRoomCreated       = "global.chat_room_created"
	FrameNewMessageNotif       = "global.new_message_notification"
	FrameRemovedFromRoom       = "global.removed_from_room"
	FramePromotedToAdmin       = "global.promoted_to_admin"
	FrameChatSubscribed        = "chat.subscribed"
	FrameChatUnsubscribed      = "chat.unsubscribed"
	FrameChatMessage           = "chat.message"
	FrameChatMessageUpdated    = "chat.message_updated"
	FrameChatMessageDeleted    = "chat.message_deleted"
	FrameChatTypingStatus      = "chat.typing_status"
	FrameChatPresenceUpdate    = "chat.presence_update"
	FrameChatCollabState       = "chat.collab_state"
	FrameChatCollabUpdate      = "chat.collab_update"
	FrameChatCursorState       = "chat.cursor_state"
	FrameChatCursorUpdate      = "chat.cursor_update"
	FrameChatHuddleRoster      = "chat.huddle_participants"
	FrameChatRoomUpdated       = "chat.room_updated"
	FrameHuddleSignal          = "huddle.signal"
	FrameSFUUpgrade            = "huddle.sfu_upgrade"
	FrameSFUPublishAnswer      = "huddle.sfu_publish_answer"
	FrameSFUSubscribeOffer     = "huddle.sfu_subscribe_offer"
	FrameSFURenegotiateDone    = "huddle.sfu_renegotiate_complete"
	FrameSFUTrackAdded         = "huddle.sfu_track_added"
)

// Error codes carried in error frames.
const (
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeNotParticipant       = "NOT_PARTICIPANT"
	CodeRoomNotFound         = "ROOM_NOT_FOUND"
	CodeInvalidEvent         = "INVALID_EVENT"
	CodeInvalidContent       = "INVALID_CONTENT"
	CodeMessageNotFound      = "MESSAGE_NOT_FOUND"
	CodeNotSender            = "NOT_SENDER"
	CodeNotInHuddle          = "NOT_IN_HUDDLE"
	CodeInvalidSFUPublish    = "INVALID_SFU_PUBLISH"
	CodeInvalidSFURenego     = "INVALID_SFU_RENEGOTIATE"
	CodeSFUSessionFailed     = "SFU_SESSION_FAILED"
	CodeSFUPublishFailed     = "SFU_PUBLISH_FAILED"
	CodeSFUSubscribeFailed   = "SFU_SUBSCRIBE_FAILED"
	CodeSFURenegotiateFailed = "SFU_RENEGOTIATE_FAILED"
	CodeNoSFUSession         = "NO_SFU_SESSION"
	CodeInternal             = "INTERNAL_ERROR"
)

// UserSnapshot is the immutable user representation computed once when a
// connection authenticates and embedded by value in every outgoing frame
// that names a user.
type UserSnapshot struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Avatar *string `json:"avatar"`
}

// PresenceEntry is a room presence record stored in the state store and
// returned in presence payloads.
type PresenceEntry struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Avatar   *string `json:"avatar"`
	LastSeen string  `json:"last_seen"`
}

// PresencePayload is the roster summary returned by chat.subscribed. When
// the roster exceeds 50 entries only the first 50 are listed and Truncated
// is set.
type PresencePayload struct {
	Count     int             `json:"count"`
	Users     []PresenceEntry `json:"users"`
	Truncated bool            `json:"truncated"`
}

// ErrorFrame is the uniform error reply. The connection stays open unless
// the surrounding close-code rules say otherwise.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewError builds an error frame with the given code and message.
func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Message: message}
}

// Message is the wire representation of a persisted chat message.
type Message struct {
	ID             int64        `json:"id"`
	RoomID         int64        `json:"room_id"`
	Sender         UserSnapshot `json:"sender"`
	Content        string       `json:"content"`
	Attachment     *string      `json:"attachment"`
	AttachmentType *string      `json:"attachment_type"`
	CreatedAt      string       `json:"timestamp"`
	UpdatedAt      string       `json:"updated_at"`
	IsEdited       bool         `json:"is_edited"`
	ClientID       string       `json:"client_id,omitempty"`
}

// HuddleParticipant is a huddle roster entry.
type HuddleParticipant struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Avatar *string `json:"avatar"`
}

// SFUTrack describes a published track as recorded in the state store.
type SFUTrack struct {
	UserID    int64  `json:"user_id"`
	TrackName string `json:"track_name"`
	TrackID   string `json:"track_id"`
	SessionID string `json:"session_id"`
}

// Client event payloads. Fields use pointers where presence must be
// distinguished from the zero value.

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	RoomID int64 `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID   int64  `json:"room_id"`
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

type EditMessagePayload struct {
	RoomID    int64  `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	RoomID    int64 `json:"room_id"`
	MessageID int64 `json:"message_id"`
}

type MarkReadPayload struct {
	RoomID    int64 `json:"room_id"`
	MessageID int64 `json:"message_id"`
}

type TypingPayload struct {
	RoomID   int64 `json:"room_id"`
	IsTyping bool  `json:"is_typing"`
}

type CollabUpdatePayload struct {
	RoomID  int64   `json:"room_id"`
	Content *string `json:"content"`
}

type CursorUpdatePayload struct {
	RoomID int64           `json:"room_id"`
	Cursor json.RawMessage `json:"cursor"`
}

type SignalPayload struct {
	TargetID *int64          `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

type SFUPublishPayload struct {
	TrackName string `json:"track_name"`
	SDPOffer  string `json:"sdp_offer"`
}

type SFURenegotiatePayload struct {
	SDPAnswer string `json:"sdp_answer"`
}
