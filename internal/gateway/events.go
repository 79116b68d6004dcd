package gateway

import (
	"context"
	"time"

	"github.com/huddlechat/huddle-server/internal/wire"
)

// handlerTimeout bounds the work a single inbound event may do against the database, Valkey, and the SFU provider.
const handlerTimeout = 5 * time.Second

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

// handleEvent routes one decoded client event. Events run inline in the readPump, so a connection's events are
// handled strictly in the order they were sent.
func (c *Client) handleEvent(ev wire.Event) {
	if ev.Type == wire.EventAuth {
		c.handleAuth(ev)
		return
	}
	if !c.authenticated() {
		c.sendError(wire.CodeAuthRequired, ErrNotAuthenticated.Error())
		return
	}

	switch ev.Type {
	case wire.EventPing:
		c.sendJSON(wire.PongFrame{Type: wire.FramePong, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	case wire.EventPresenceHeartbeat:
		c.handlePresenceHeartbeat()
	case wire.EventGlobalRefresh:
		ctx, cancel := contextWithTimeout()
		defer cancel()
		c.hub.sendOnlineUsers(ctx, c)
	case wire.EventChatSubscribe:
		var p wire.RoomPayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleSubscribe(c, p.RoomID)
	case wire.EventChatUnsubscribe:
		var p wire.RoomPayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleUnsubscribe(c, p.RoomID)
	case wire.EventChatSendMessage:
		var p wire.SendMessagePayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleSendMessage(c, p)
	case wire.EventChatEditMessage:
		var p wire.EditMessagePayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleEditMessage(c, p)
	case wire.EventChatDeleteMessage:
		var p wire.DeleteMessagePayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleDeleteMessage(c, p)
	case wire.EventChatMarkRead:
		var p wire.MarkReadPayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleMarkRead(c, p)
	case wire.EventChatTyping:
		var p wire.TypingPayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleTyping(c, p)
	case wire.EventChatCollabUpdate:
		var p wire.CollabUpdatePayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleCollabUpdate(c, p)
	case wire.EventChatCursorUpdate:
		var p wire.CursorUpdatePayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleCursorUpdate(c, p)
	case wire.EventHuddleJoin:
		var p wire.RoomPayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleHuddleJoin(c, p.RoomID)
	case wire.EventHuddleLeave:
		c.hub.handleHuddleLeave(c)
	case wire.EventHuddleSignal:
		var p wire.SignalPayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleHuddleSignal(c, p)
	case wire.EventSFUPublish:
		var p wire.SFUPublishPayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleSFUPublish(c, p)
	case wire.EventSFUSubscribe:
		c.hub.handleSFUSubscribe(c)
	case wire.EventSFURenegotiate:
		var p wire.SFURenegotiatePayload
		if err := ev.Payload(&p); err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			return
		}
		c.hub.handleSFURenegotiate(c, p)
	}
}

// handleAuth runs first-message authentication: verify the token, then hand the verified user id to the hub.
func (c *Client) handleAuth(ev wire.Event) {
	if c.authenticated() {
		c.sendError(wire.CodeInvalidEvent, "already authenticated")
		return
	}

	var p wire.AuthPayload
	if err := ev.Payload(&p); err != nil || p.Token == "" {
		c.failAuth("token required")
		return
	}

	userID, err := c.hub.verifier.Verify(p.Token)
	if err != nil {
		c.log.Debug().Err(err).Msg("Token verification failed")
		c.failAuth("invalid token")
		return
	}

	c.hub.handleAuth(c, userID)
}

// handlePresenceHeartbeat refreshes every TTLd entry the connection owns and acknowledges the heartbeat. Unlike a
// bare ping, a heartbeat counts as real traffic.
func (c *Client) handlePresenceHeartbeat() {
	c.refreshPresence()
	c.sendJSON(wire.PresenceAckFrame{Type: wire.FramePresenceAck})
}
