package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/huddlechat/huddle-server/internal/wire"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// authTimeout is how long a connection has to complete first-message authentication.
	authTimeout = 30 * time.Second

	// idleMultiplier sets the idle cutoff as a multiple of the heartbeat interval.
	idleMultiplier = 3
)

// Client is a single WebSocket connection. Each client runs a readPump and a writePump goroutine plus, once
// authenticated, one background goroutine for the idle reaper and presence refresher.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger
	id   uuid.UUID

	// groups is this connection's delivery-group memberships. Guarded by hub.mu, not the client mutex.
	groups map[string]struct{}

	// Connection state, protected by mu. user is nil until authentication completes.
	mu            sync.RWMutex
	user          *wire.UserSnapshot
	subscriptions map[int64]struct{}
	activeHuddle  int64

	// lastActivity holds the unix-nano timestamp of the last real inbound frame. Pings do not update it.
	lastActivity atomic.Int64

	// sendMu serialises writes to the send channel against its closure.
	sendMu     sync.Mutex
	sendClosed bool

	closeOnce sync.Once
	done      chan struct{}
	// bg tracks the background goroutine so teardown can await it.
	bg sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	c := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            uuid.New(),
		groups:        make(map[string]struct{}),
		subscriptions: make(map[int64]struct{}),
		done:          make(chan struct{}),
	}
	c.log = logger.With().Stringer("conn_id", c.id).Logger()
	c.touchActivity()
	return c
}

// User returns the immutable snapshot captured at authentication. The second return is false before auth.
func (c *Client) User() (wire.UserSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return wire.UserSnapshot{}, false
	}
	return *c.user, true
}

func (c *Client) setUser(snap wire.UserSnapshot) {
	c.mu.Lock()
	c.user = &snap
	c.mu.Unlock()
}

func (c *Client) authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user != nil
}

// Subscriptions returns the subscribed room ids, sorted ascending.
func (c *Client) Subscriptions() []int64 {
	c.mu.RLock()
	ids := make([]int64, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Client) isSubscribed(roomID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[roomID]
	return ok
}

func (c *Client) addSubscription(roomID int64) {
	c.mu.Lock()
	c.subscriptions[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeSubscription(roomID int64) {
	c.mu.Lock()
	delete(c.subscriptions, roomID)
	c.mu.Unlock()
}

// ActiveHuddle returns the room id of the huddle this connection is in, or zero.
func (c *Client) ActiveHuddle() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeHuddle
}

func (c *Client) setActiveHuddle(roomID int64) {
	c.mu.Lock()
	c.activeHuddle = roomID
	c.mu.Unlock()
}

func (c *Client) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) lastActivityAt() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// readPump reads frames from the connection and dispatches them in order. It runs in the goroutine that accepted
// the connection and owns teardown when the loop exits.
func (c *Client) readPump() {
	defer c.teardown()
	c.conn.SetReadLimit(maxMessageSize)

	authTimer := time.AfterFunc(authTimeout, func() {
		if !c.authenticated() {
			c.log.Debug().Msg("Client did not authenticate in time")
			c.closeWithCode(CloseInvalidToken, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		ev, err := wire.Decode(data)
		if err != nil {
			c.sendError(wire.CodeInvalidEvent, err.Error())
			continue
		}

		// Pings keep the TCP path warm but do not count as real traffic for the idle clock.
		if ev.Type != wire.EventPing {
			c.touchActivity()
		}
		c.handleEvent(ev)
	}
}

// writePump writes frames from the send channel to the connection and exits when the channel is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// startBackground launches the idle reaper and presence refresher for an authenticated connection.
func (c *Client) startBackground() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.background()
	}()
}

// background runs the idle reaper and the presence refresher until the connection is torn down. A connection with
// no real traffic for idleMultiplier heartbeat intervals is closed; the refresher keeps the TTLd presence and
// huddle entries alive in between.
func (c *Client) background() {
	heartbeat := c.hub.cfg.HeartbeatInterval
	idle := time.NewTicker(heartbeat)
	defer idle.Stop()
	refresh := time.NewTicker(c.hub.cfg.PresenceRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-idle.C:
			if time.Since(c.lastActivityAt()) > idleMultiplier*heartbeat {
				c.log.Debug().Msg("Closing idle connection")
				c.closeWithCode(CloseIdleTimeout, "idle timeout")
				return
			}
		case <-refresh.C:
			c.refreshPresence()
		}
	}
}

// refreshPresence re-touches every TTLd entry this connection owns: the global online set, each subscribed room's
// presence entry, and the active huddle roster entry.
func (c *Client) refreshPresence() {
	snap, ok := c.User()
	if !ok {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	if _, err := c.hub.presence.SetOnline(ctx, snap.ID); err != nil {
		c.log.Debug().Err(err).Msg("Failed to refresh online state")
	}
	for _, roomID := range c.Subscriptions() {
		if err := c.hub.presence.Touch(ctx, roomID, snap); err != nil {
			c.log.Debug().Err(err).Int64("room_id", roomID).Msg("Failed to refresh room presence")
		}
	}
	if roomID := c.ActiveHuddle(); roomID != 0 {
		if _, err := c.hub.huddles.Join(ctx, roomID, snap); err != nil {
			c.log.Debug().Err(err).Int64("room_id", roomID).Msg("Failed to refresh huddle roster entry")
		}
	}
}

// enqueue queues a frame for delivery. If the send buffer is full the connection is torn down rather than letting
// backpressure stall the hub.
func (c *Client) enqueue(msg []byte) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.closeWithCode(websocket.CloseInternalServerErr, "send buffer overflow")
		c.teardown()
	}
}

// sendJSON marshals a frame and queues it for delivery.
func (c *Client) sendJSON(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal frame")
		return
	}
	c.enqueue(data)
}

// sendError queues a uniform error frame. The connection stays open.
func (c *Client) sendError(code, message string) {
	c.sendJSON(wire.NewError(code, message))
}

// failAuth reports an authentication failure and closes the connection with the invalid-token code.
func (c *Client) failAuth(message string) {
	c.sendJSON(wire.AuthErrorFrame{Type: wire.FrameAuthError, Message: message})
	c.closeWithCode(CloseInvalidToken, message)
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying
// connection.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// closeSend closes the send channel exactly once, releasing the writePump.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// teardown releases everything the connection holds. Idempotent; every exit path funnels through here. The
// background goroutine is awaited before the ephemeral state is released so a late refresh cannot resurrect it.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.bg.Wait()
		c.hub.unregister(c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
