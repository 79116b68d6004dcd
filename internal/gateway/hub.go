// Package gateway implements the multiplexed WebSocket endpoint: connection lifecycle, first-message
// authentication, delivery groups over Valkey pub/sub, and the chat and huddle event handlers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/huddlechat/huddle-server/internal/auth"
	"github.com/huddlechat/huddle-server/internal/collab"
	"github.com/huddlechat/huddle-server/internal/config"
	"github.com/huddlechat/huddle-server/internal/huddle"
	"github.com/huddlechat/huddle-server/internal/message"
	"github.com/huddlechat/huddle-server/internal/notification"
	"github.com/huddlechat/huddle-server/internal/presence"
	"github.com/huddlechat/huddle-server/internal/room"
	"github.com/huddlechat/huddle-server/internal/user"
	"github.com/huddlechat/huddle-server/internal/wire"
)

// Hub is the connection registry and frame distributor for one gateway process. Clients are keyed by connection id,
// so one user may hold several live connections. Delivery groups are local membership maps; cross-process delivery
// rides on the shared Valkey pub/sub channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	groups  map[string]map[*Client]struct{}
	// online counts this process's live connections per user, so the global online set is only touched on the
	// first and last local connection.
	online map[int64]int

	rdb           *redis.Client
	cfg           *config.Config
	verifier      *auth.Verifier
	users         user.Repository
	rooms         room.Repository
	messages      message.Repository
	notifications notification.Repository
	presence      *presence.Store
	collab        *collab.Store
	huddles       *huddle.Store
	sfu           *huddle.CallsClient
	publisher     *Publisher
	log           zerolog.Logger
}

// NewHub creates a gateway hub. sfu may be nil, in which case huddles stay in P2P mode and every huddle.sfu_* event
// is answered with an error frame.
func NewHub(
	rdb *redis.Client,
	cfg *config.Config,
	verifier *auth.Verifier,
	users user.Repository,
	rooms room.Repository,
	messages message.Repository,
	notifications notification.Repository,
	presenceStore *presence.Store,
	collabStore *collab.Store,
	huddleStore *huddle.Store,
	sfu *huddle.CallsClient,
	publisher *Publisher,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:       make(map[uuid.UUID]*Client),
		groups:        make(map[string]map[*Client]struct{}),
		online:        make(map[int64]int),
		rdb:           rdb,
		cfg:           cfg,
		verifier:      verifier,
		users:         users,
		rooms:         rooms,
		messages:      messages,
		notifications: notifications,
		presence:      presenceStore,
		collab:        collabStore,
		huddles:       huddleStore,
		sfu:           sfu,
		publisher:     publisher,
		log:           logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to the gateway events channel and forwards frames to local group members. It blocks until the
// context is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to event channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handlePubSubEvent(msg.Payload)
		}
	}
}

// ServeWebSocket runs a new client on an upgraded WebSocket connection. The connection starts unauthenticated; the
// server greets it with auth.required and the first frame must be an auth event.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)
	go client.writePump()
	client.sendJSON(wire.AuthRequiredFrame{Type: wire.FrameAuthRequired})
	client.readPump()
}

// handlePubSubEvent forwards one published envelope to the local members of its group.
func (h *Hub) handlePubSubEvent(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Invalid gateway event envelope")
		return
	}

	h.mu.RLock()
	members := h.groups[env.Group]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if env.Exclude != 0 {
			if snap, ok := c.User(); ok && snap.ID == env.Exclude {
				continue
			}
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(env.Data)
	}
}

// publish sends a frame to a delivery group, logging instead of failing: frame delivery is best effort.
func (h *Hub) publish(ctx context.Context, group string, frame any) {
	if err := h.publisher.Send(ctx, group, frame); err != nil {
		h.log.Warn().Err(err).Str("group", group).Msg("Failed to publish frame")
	}
}

// publishExcept sends a frame to a delivery group, skipping the excluded user's own connections.
func (h *Hub) publishExcept(ctx context.Context, group string, frame any, excludeUserID int64) {
	if err := h.publisher.SendExcept(ctx, group, frame, excludeUserID); err != nil {
		h.log.Warn().Err(err).Str("group", group).Msg("Failed to publish frame")
	}
}

// handleAuth finishes authentication for a verified user id: loads the immutable user snapshot, registers the
// connection, and reports the global online state.
func (h *Hub) handleAuth(c *Client, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			c.failAuth("unknown user")
			return
		}
		h.log.Error().Err(err).Int64("user_id", userID).Msg("User lookup failed during auth")
		c.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}

	snap := u.Snapshot()
	c.setUser(snap)
	h.register(c)

	first, err := h.presence.SetOnline(ctx, snap.ID)
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", snap.ID).Msg("Failed to set user online")
	} else if first {
		h.publish(ctx, globalGroup, wire.UserOnlineFrame{Type: wire.FrameUserOnline, User: snap})
	}

	online, err := h.presence.OnlineUserIDs(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load online users")
	}
	c.sendJSON(wire.AuthSuccessFrame{
		Type:              wire.FrameAuthSuccess,
		User:              snap,
		OnlineUsers:       online,
		HeartbeatInterval: int(h.cfg.HeartbeatInterval.Seconds()),
	})

	c.startBackground()
	h.log.Info().Int64("user_id", snap.ID).Stringer("conn_id", c.id).Msg("Client authenticated")
}

// sendOnlineUsers sends the current global online roster directly to one client.
func (h *Hub) sendOnlineUsers(ctx context.Context, c *Client) {
	ids, err := h.presence.OnlineUserIDs(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load online users")
		return
	}
	c.sendJSON(wire.OnlineUsersFrame{Type: wire.FrameOnlineUsers, UserIDs: ids})
}

// register adds an authenticated client to the registry and its standing delivery groups.
func (h *Hub) register(c *Client) {
	snap, ok := c.User()
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.id] = c
	h.addToGroup(c, userGroup(snap.ID))
	h.addToGroup(c, globalGroup)
	h.online[snap.ID]++
	h.log.Debug().Int64("user_id", snap.ID).Int("total", len(h.clients)).Msg("Client registered")
}

// unregister removes a client from the registry and all its groups, then tears down the ephemeral state the
// connection owned. Safe to call more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if current, ok := h.clients[c.id]; ok && current != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for group := range c.groups {
		h.removeFromGroup(c, group)
	}

	var lastLocal bool
	if snap, ok := c.User(); ok {
		h.online[snap.ID]--
		if h.online[snap.ID] <= 0 {
			delete(h.online, snap.ID)
			lastLocal = true
		}
	}
	h.mu.Unlock()

	c.closeSend()

	if snap, ok := c.User(); ok {
		h.cleanupClient(c, snap, lastLocal)
		h.log.Debug().Int64("user_id", snap.ID).Stringer("conn_id", c.id).Msg("Client unregistered")
	}
}

// cleanupClient releases the room presence, huddle membership, and global online state a departing connection held,
// broadcasting the departures other clients need to see.
func (h *Hub) cleanupClient(c *Client, snap wire.UserSnapshot, lastLocal bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if roomID := c.ActiveHuddle(); roomID != 0 {
		h.leaveHuddle(ctx, c, snap, roomID)
	}

	for _, roomID := range c.Subscriptions() {
		if err := h.presence.SetTyping(ctx, roomID, snap, false); err != nil {
			h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to clear typing on disconnect")
		}
		existed, err := h.presence.Leave(ctx, roomID, snap.ID)
		if err != nil {
			h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to clear presence on disconnect")
			continue
		}
		if existed {
			h.publish(ctx, roomGroup(roomID), wire.PresenceUpdateFrame{
				Type:   wire.FrameChatPresenceUpdate,
				RoomID: roomID,
				Action: wire.PresenceLeave,
				User:   snap,
			})
		}
	}

	if lastLocal {
		last, err := h.presence.SetOffline(ctx, snap.ID)
		if err != nil {
			h.log.Warn().Err(err).Int64("user_id", snap.ID).Msg("Failed to set user offline")
		} else if last {
			h.publish(ctx, globalGroup, wire.UserOfflineFrame{Type: wire.FrameUserOffline, UserID: snap.ID})
		}
	}
}

// addToGroup and removeFromGroup maintain both sides of the membership relation. Callers must hold h.mu.

func (h *Hub) addToGroup(c *Client, group string) {
	if h.groups[group] == nil {
		h.groups[group] = make(map[*Client]struct{})
	}
	h.groups[group][c] = struct{}{}
	c.groups[group] = struct{}{}
}

func (h *Hub) removeFromGroup(c *Client, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(c.groups, group)
}

// joinGroup adds a registered client to a delivery group.
func (h *Hub) joinGroup(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	h.addToGroup(c, group)
}

// leaveGroup removes a client from a delivery group.
func (h *Hub) leaveGroup(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromGroup(c, group)
}

// Shutdown closes every active connection with a Going Away status. Per-connection ephemeral state is released by
// each client's teardown as the closed connections unwind.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		c.teardown()
	}
	h.log.Info().Int("count", len(targets)).Msg("Gateway hub shut down")
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
