package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/huddlechat/huddle-server/internal/room"
	"github.com/huddlechat/huddle-server/internal/wire"
)

// eventsChannel is the single Valkey pub/sub channel all gateway processes share. Group routing happens in the
// envelope, not in channel names, so one subscription per process is enough.
const eventsChannel = "huddle.gateway.events"

// globalGroup receives online/offline transitions and the ephemeral new-message notifications.
const globalGroup = "global_presence"

// userGroup names the delivery group for one user's connections across every gateway process.
func userGroup(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// roomGroup names the delivery group for a room's live subscribers.
func roomGroup(roomID int64) string {
	return "chat_" + strconv.FormatInt(roomID, 10)
}

// envelope is the JSON structure published to the gateway events channel. Data is the fully rendered client frame;
// receiving hubs forward it byte for byte to their local group members. A non-zero Exclude suppresses delivery to
// that user's own connections, for broadcasts the originator should not echo back.
type envelope struct {
	Group   string          `json:"g"`
	Data    json.RawMessage `json:"d"`
	Exclude int64           `json:"x,omitempty"`
}

// Publisher serialises client frames and publishes them to the shared gateway events channel for delivery by every
// hub with local members of the target group.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new gateway frame publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger.With().Str("component", "publisher").Logger()}
}

// Send marshals the frame and publishes it to the given group.
func (p *Publisher) Send(ctx context.Context, group string, frame any) error {
	return p.send(ctx, group, frame, 0)
}

// SendExcept publishes a frame to a group while skipping every connection owned by excludeUserID.
func (p *Publisher) SendExcept(ctx context.Context, group string, frame any, excludeUserID int64) error {
	return p.send(ctx, group, frame, excludeUserID)
}

func (p *Publisher) send(ctx context.Context, group string, frame any, excludeUserID int64) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal gateway frame: %w", err)
	}
	payload, err := json.Marshal(envelope{Group: group, Data: data, Exclude: excludeUserID})
	if err != nil {
		return fmt.Errorf("marshal gateway envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish gateway frame: %w", err)
	}
	return nil
}

// SendToUser publishes a frame to every live connection of one user.
func (p *Publisher) SendToUser(ctx context.Context, userID int64, frame any) error {
	return p.Send(ctx, userGroup(userID), frame)
}

// SendToRoom publishes a frame to every live subscriber of a room.
func (p *Publisher) SendToRoom(ctx context.Context, roomID int64, frame any) error {
	return p.Send(ctx, roomGroup(roomID), frame)
}

// Room lifecycle pushes. These are invoked by whatever surface mutates rooms (REST handlers, admin tooling) so
// connected clients learn about membership and metadata changes without polling.

// NotifyRoomCreated tells each listed user about a room they were just added to.
func (p *Publisher) NotifyRoomCreated(ctx context.Context, r *room.Room, userIDs []int64) {
	frame := wire.RoomCreatedFrame{
		Type:    wire.FrameChatRoomCreated,
		RoomID:  r.ID,
		Name:    r.Name,
		IsGroup: r.IsGroup,
	}
	for _, id := range userIDs {
		if err := p.SendToUser(ctx, id, frame); err != nil {
			p.log.Warn().Err(err).Int64("user_id", id).Msg("Failed to publish room created")
		}
	}
}

// NotifyRemovedFromRoom tells a user they lost access to a room.
func (p *Publisher) NotifyRemovedFromRoom(ctx context.Context, userID, roomID int64) {
	frame := wire.RemovedFromRoomFrame{Type: wire.FrameRemovedFromRoom, RoomID: roomID}
	if err := p.SendToUser(ctx, userID, frame); err != nil {
		p.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to publish room removal")
	}
}

// NotifyPromotedToAdmin tells a user their role in a room changed to admin.
func (p *Publisher) NotifyPromotedToAdmin(ctx context.Context, userID, roomID int64) {
	frame := wire.PromotedToAdminFrame{Type: wire.FramePromotedToAdmin, RoomID: roomID}
	if err := p.SendToUser(ctx, userID, frame); err != nil {
		p.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to publish admin promotion")
	}
}

// NotifyRoomUpdated broadcasts a room metadata change to its live subscribers.
func (p *Publisher) NotifyRoomUpdated(ctx context.Context, roomID int64, name string) {
	frame := wire.RoomUpdatedFrame{Type: wire.FrameChatRoomUpdated, RoomID: roomID, Name: name}
	if err := p.SendToRoom(ctx, roomID, frame); err != nil {
		p.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to publish room update")
	}
}
