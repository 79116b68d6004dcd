package gateway

import (
	"context"
	"errors"

	"github.com/huddlechat/huddle-server/internal/collab"
	"github.com/huddlechat/huddle-server/internal/message"
	"github.com/huddlechat/huddle-server/internal/notification"
	"github.com/huddlechat/huddle-server/internal/room"
	"github.com/huddlechat/huddle-server/internal/wire"
)

// allowRoomWrite authorizes an edit, delete, or mark-read. A live subscription is proof of membership; otherwise
// the participant table is consulted, so a client can act on a room it has not opened. Sending requires a real
// subscription and does not go through here.
func (h *Hub) allowRoomWrite(ctx context.Context, c *Client, roomID int64) bool {
	if c.isSubscribed(roomID) {
		return true
	}

	snap, ok := c.User()
	if !ok {
		return false
	}
	isParticipant, err := h.rooms.IsParticipant(ctx, roomID, snap.ID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Participant check failed")
		c.sendError(wire.CodeInternal, "temporary failure, try again")
		return false
	}
	if !isParticipant {
		c.sendError(wire.CodeNotParticipant, "you are not a participant of this room")
		return false
	}
	return true
}

// requireSubscribed gates the room-scoped ephemeral operations on an active subscription.
func (c *Client) requireSubscribed(roomID int64) bool {
	if c.isSubscribed(roomID) {
		return true
	}
	c.sendError(wire.CodeNotParticipant, ErrNotSubscribed.Error())
	return false
}

// handleSubscribe joins the client to a room's delivery group and answers with the full room snapshot: presence,
// typing, the shared note, live cursors, and the huddle state.
func (h *Hub) handleSubscribe(c *Client, roomID int64) {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	r, err := h.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			c.sendError(wire.CodeRoomNotFound, "room not found")
			return
		}
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Room lookup failed")
		c.sendError(wire.CodeInternal, "temporary failure, try again")
		return
	}

	snap, ok := c.User()
	if !ok {
		return
	}
	isParticipant, err := h.rooms.IsParticipant(ctx, roomID, snap.ID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Participant check failed")
		c.sendError(wire.CodeInternal, "temporary failure, try again")
		return
	}
	if !isParticipant {
		c.sendError(wire.CodeNotParticipant, "you are not a participant of this room")
		return
	}

	h.joinGroup(c, roomGroup(roomID))
	c.addSubscription(roomID)

	if err := h.presence.Touch(ctx, roomID, snap); err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to record presence")
	}

	h.sendRoomState(ctx, c, r.ID)

	h.publish(ctx, roomGroup(roomID), wire.PresenceUpdateFrame{
		Type:   wire.FrameChatPresenceUpdate,
		RoomID: roomID,
		Action: wire.PresenceJoin,
		User:   snap,
	})
}

// sendRoomState sends the chat.subscribed confirmation followed by a snapshot frame for each non-empty ephemeral:
// the shared note, live cursors, and the huddle roster. Each section is best effort; a failing store read yields an
// empty section, not a failed subscribe.
func (h *Hub) sendRoomState(ctx context.Context, c *Client, roomID int64) {
	frame := wire.SubscribedFrame{Type: wire.FrameChatSubscribed, RoomID: roomID}

	var err error
	if frame.Presence, err = h.presence.Roster(ctx, roomID); err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to load presence roster")
	}
	if frame.SFUActive, err = h.huddles.SFUActive(ctx, roomID); err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to load sfu state")
	}
	c.sendJSON(frame)

	note, err := h.collab.Note(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to load shared note")
	}
	if note != nil {
		c.sendJSON(wire.CollabStateFrame{Type: wire.FrameChatCollabState, RoomID: roomID, Content: note})
	}

	cursors, err := h.collab.Cursors(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to load cursors")
	}
	if len(cursors) > 0 {
		c.sendJSON(wire.CursorStateFrame{Type: wire.FrameChatCursorState, RoomID: roomID, Cursors: cursorEntries(cursors)})
	}

	huddlers, err := h.huddles.Roster(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to load huddle roster")
	}
	if len(huddlers) > 0 {
		c.sendJSON(wire.HuddleRosterFrame{Type: wire.FrameChatHuddleRoster, RoomID: roomID, Participants: huddlers})
	}
}

func cursorEntries(cursors []collab.Cursor) []wire.CursorEntry {
	entries := make([]wire.CursorEntry, len(cursors))
	for i, cur := range cursors {
		entries[i] = wire.CursorEntry{User: cur.User, Cursor: cur.Cursor}
	}
	return entries
}

// handleUnsubscribe drops the client's subscription and presence entry. Unsubscribing a room that was never
// subscribed is a no-op beyond the confirmation frame.
func (h *Hub) handleUnsubscribe(c *Client, roomID int64) {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	h.leaveGroup(c, roomGroup(roomID))
	c.removeSubscription(roomID)

	snap, ok := c.User()
	if ok {
		if err := h.presence.SetTyping(ctx, roomID, snap, false); err != nil {
			h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to clear typing state")
		}
		existed, err := h.presence.Leave(ctx, roomID, snap.ID)
		if err != nil {
			h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to clear presence")
		} else if existed {
			h.publish(ctx, roomGroup(roomID), wire.PresenceUpdateFrame{
				Type:   wire.FrameChatPresenceUpdate,
				RoomID: roomID,
				Action: wire.PresenceLeave,
				User:   snap,
			})
		}
	}

	c.sendJSON(wire.UnsubscribedFrame{Type: wire.FrameChatUnsubscribed, RoomID: roomID})
}

// handleSendMessage persists a message, broadcasts it to the room, and fans out notifications to participants who
// are not watching. The sender must hold an active subscription: the subscribe path already proved membership, and
// a bare room id in the payload proves nothing.
func (h *Hub) handleSendMessage(c *Client, p wire.SendMessagePayload) {
	if !c.requireSubscribed(p.RoomID) {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	content, err := message.ValidateContent(p.Content)
	if err != nil {
		// Blank messages are dropped without a reply; anything else gets an error frame.
		if !errors.Is(err, message.ErrEmptyContent) {
			c.sendError(wire.CodeInvalidContent, err.Error())
		}
		return
	}

	snap, _ := c.User()
	m, err := h.messages.Create(ctx, message.CreateParams{RoomID: p.RoomID, SenderID: snap.ID, Content: content})
	if err != nil {
		h.log.Error().Err(err).Int64("room_id", p.RoomID).Msg("Failed to persist message")
		c.sendError(wire.CodeInternal, "failed to send message")
		return
	}

	// The broadcast keeps the sender's client_id so the originating client can reconcile its optimistic copy;
	// other clients ignore the field.
	h.publish(ctx, roomGroup(p.RoomID), wire.MessageFrame{Type: wire.FrameChatMessage, Message: m.Wire(p.ClientID)})
	h.fanOutNotifications(ctx, m)
}

// fanOutNotifications delivers new-message notifications to every participant who is not watching the room: an
// ephemeral frame for online users, a coalesced durable notification for offline ones.
func (h *Hub) fanOutNotifications(ctx context.Context, m *message.Message) {
	participants, err := h.rooms.ParticipantIDs(ctx, m.RoomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", m.RoomID).Msg("Failed to list participants for fan-out")
		return
	}

	frame := wire.NotificationFrame{
		Type:          wire.FrameNewMessageNotif,
		RoomID:        m.RoomID,
		Sender:        wire.UserSnapshot{ID: m.SenderID, Name: m.SenderName(), Avatar: m.SenderAvatarURL},
		Preview:       notification.Preview(m.Content),
		HasAttachment: m.Attachment != nil,
	}

	for _, userID := range participants {
		if userID == m.SenderID {
			continue
		}

		watching, err := h.presence.IsPresent(ctx, m.RoomID, userID)
		if err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Msg("Presence check failed during fan-out")
			continue
		}
		if watching {
			continue
		}

		online, err := h.presence.IsOnline(ctx, userID)
		if err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Msg("Online check failed during fan-out")
			continue
		}
		if online {
			h.publish(ctx, userGroup(userID), frame)
			continue
		}

		if err := h.notifications.UpsertUnread(ctx, userID, m.RoomID, notification.Body(m.SenderName())); err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to upsert durable notification")
		}
	}
}

// handleEditMessage updates a message's content. Only the sender may edit; the room id is required even on the
// legacy alias.
func (h *Hub) handleEditMessage(c *Client, p wire.EditMessagePayload) {
	if p.RoomID == 0 {
		c.sendError(wire.CodeInvalidEvent, "room_id is required")
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	if !h.allowRoomWrite(ctx, c, p.RoomID) {
		return
	}

	content, err := message.ValidateContent(p.Content)
	if err != nil {
		c.sendError(wire.CodeInvalidContent, err.Error())
		return
	}

	snap, _ := c.User()
	m, err := h.messages.Update(ctx, p.MessageID, snap.ID, content)
	if err != nil {
		h.sendMessageError(c, err, "edit")
		return
	}

	h.publish(ctx, roomGroup(p.RoomID), wire.MessageFrame{Type: wire.FrameChatMessageUpdated, Message: m.Wire("")})
}

// handleDeleteMessage removes a message. Only the sender may delete; the room id is required even on the legacy
// alias.
func (h *Hub) handleDeleteMessage(c *Client, p wire.DeleteMessagePayload) {
	if p.RoomID == 0 {
		c.sendError(wire.CodeInvalidEvent, "room_id is required")
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	if !h.allowRoomWrite(ctx, c, p.RoomID) {
		return
	}

	snap, _ := c.User()
	if err := h.messages.Delete(ctx, p.MessageID, snap.ID); err != nil {
		h.sendMessageError(c, err, "delete")
		return
	}

	h.publish(ctx, roomGroup(p.RoomID), wire.MessageDeletedFrame{
		Type:      wire.FrameChatMessageDeleted,
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
	})
}

func (h *Hub) sendMessageError(c *Client, err error, op string) {
	switch {
	case errors.Is(err, message.ErrNotFound):
		c.sendError(wire.CodeMessageNotFound, "message not found")
	case errors.Is(err, message.ErrNotSender):
		c.sendError(wire.CodeNotSender, "you can only modify your own messages")
	default:
		h.log.Error().Err(err).Str("op", op).Msg("Message operation failed")
		c.sendError(wire.CodeInternal, "failed to "+op+" message")
	}
}

// handleMarkRead records a read receipt, advances the reader's last-read pointer, and closes their open
// notification for the room.
func (h *Hub) handleMarkRead(c *Client, p wire.MarkReadPayload) {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	if !h.allowRoomWrite(ctx, c, p.RoomID) {
		return
	}

	snap, _ := c.User()
	if err := h.messages.MarkRead(ctx, p.RoomID, snap.ID, p.MessageID); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			c.sendError(wire.CodeMessageNotFound, "message not found in this room")
			return
		}
		h.log.Warn().Err(err).Int64("room_id", p.RoomID).Msg("Failed to record read receipt")
		c.sendError(wire.CodeInternal, "failed to mark read")
		return
	}

	if err := h.notifications.MarkRead(ctx, snap.ID, p.RoomID); err != nil {
		h.log.Warn().Err(err).Int64("room_id", p.RoomID).Msg("Failed to close notification")
	}
}

// handleTyping records the typing indicator and broadcasts the change to the room.
func (h *Hub) handleTyping(c *Client, p wire.TypingPayload) {
	if !c.requireSubscribed(p.RoomID) {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	snap, _ := c.User()
	if err := h.presence.SetTyping(ctx, p.RoomID, snap, p.IsTyping); err != nil {
		h.log.Warn().Err(err).Int64("room_id", p.RoomID).Msg("Failed to record typing state")
		return
	}

	h.publish(ctx, roomGroup(p.RoomID), wire.TypingStatusFrame{
		Type:     wire.FrameChatTypingStatus,
		RoomID:   p.RoomID,
		User:     snap,
		IsTyping: p.IsTyping,
	})
}

// handleCollabUpdate replaces the room's shared note and broadcasts the new content. A nil content clears the note;
// an update that matches the stored note is a no-op with no broadcast.
func (h *Hub) handleCollabUpdate(c *Client, p wire.CollabUpdatePayload) {
	if !c.requireSubscribed(p.RoomID) {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	current, err := h.collab.Note(ctx, p.RoomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", p.RoomID).Msg("Failed to read shared note")
	} else if noteUnchanged(current, p.Content) {
		return
	}

	if err := h.collab.SetNote(ctx, p.RoomID, p.Content); err != nil {
		h.log.Warn().Err(err).Int64("room_id", p.RoomID).Msg("Failed to store shared note")
		c.sendError(wire.CodeInternal, "failed to update note")
		return
	}

	snap, _ := c.User()
	h.publish(ctx, roomGroup(p.RoomID), wire.CollabUpdateFrame{
		Type:    wire.FrameChatCollabUpdate,
		RoomID:  p.RoomID,
		User:    snap,
		Content: p.Content,
	})
}

func noteUnchanged(current, incoming *string) bool {
	if current == nil || incoming == nil {
		return current == nil && incoming == nil
	}
	return *current == *incoming
}

// handleCursorUpdate records the user's editor cursor and broadcasts the movement.
func (h *Hub) handleCursorUpdate(c *Client, p wire.CursorUpdatePayload) {
	if !c.requireSubscribed(p.RoomID) {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	snap, _ := c.User()
	if err := h.collab.SetCursor(ctx, p.RoomID, snap, p.Cursor); err != nil {
		h.log.Warn().Err(err).Int64("room_id", p.RoomID).Msg("Failed to store cursor")
		return
	}

	h.publish(ctx, roomGroup(p.RoomID), wire.CursorUpdateFrame{
		Type:   wire.FrameChatCursorUpdate,
		RoomID: p.RoomID,
		User:   snap,
		Cursor: p.Cursor,
	})
}
