package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/huddlechat/huddle-server/internal/auth"
	"github.com/huddlechat/huddle-server/internal/collab"
	"github.com/huddlechat/huddle-server/internal/config"
	"github.com/huddlechat/huddle-server/internal/huddle"
	"github.com/huddlechat/huddle-server/internal/message"
	"github.com/huddlechat/huddle-server/internal/presence"
	"github.com/huddlechat/huddle-server/internal/room"
	"github.com/huddlechat/huddle-server/internal/state"
	"github.com/huddlechat/huddle-server/internal/user"
	"github.com/huddlechat/huddle-server/internal/wire"
)

const (
	testSecret = "test-secret-for-gateway-tests-32chars"
	testIssuer = "http://localhost:8080"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatInterval:       30 * time.Second,
		PresenceRefreshInterval: 120 * time.Second,
		PresenceTTL:             300 * time.Second,
		TypingTTL:               5 * time.Second,
		NoteTTL:                 2 * time.Hour,
		CursorTTL:               10 * time.Second,
		HuddleTTL:               300 * time.Second,
		SFUStateTTL:             time.Hour,
		SFUUpgradeThreshold:     3,
		JWTSecret:               testSecret,
		ServerURL:               testIssuer,
	}
}

// fakeUserRepo implements user.Repository for testing.
type fakeUserRepo struct {
	users map[int64]*user.User
}

func (r *fakeUserRepo) GetByID(_ context.Context, id int64) (*user.User, error) {
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

// fakeRoomRepo implements room.Repository for testing.
type fakeRoomRepo struct {
	rooms   map[int64]*room.Room
	members map[int64][]int64
}

func (r *fakeRoomRepo) GetByID(_ context.Context, id int64) (*room.Room, error) {
	if rm, ok := r.rooms[id]; ok {
		return rm, nil
	}
	return nil, room.ErrNotFound
}

func (r *fakeRoomRepo) IsParticipant(_ context.Context, roomID, userID int64) (bool, error) {
	for _, id := range r.members[roomID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRoomRepo) ParticipantIDs(_ context.Context, roomID int64) ([]int64, error) {
	return r.members[roomID], nil
}

// fakeMessageRepo implements message.Repository in memory. Sender profile fields are filled from the names map the
// same way the SQL join would fill them.
type fakeMessageRepo struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*message.Message
	names    map[int64]string
	receipts map[int64][]int64
}

func newFakeMessageRepo(names map[int64]string) *fakeMessageRepo {
	return &fakeMessageRepo{
		messages: make(map[int64]*message.Message),
		names:    names,
		receipts: make(map[int64][]int64),
	}
}

func (r *fakeMessageRepo) Create(_ context.Context, params message.CreateParams) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := time.Now()
	m := &message.Message{
		ID:                r.nextID,
		RoomID:            params.RoomID,
		SenderID:          params.SenderID,
		Content:           params.Content,
		CreatedAt:         now,
		UpdatedAt:         now,
		SenderUsername:    fmt.Sprintf("user%d", params.SenderID),
		SenderDisplayName: r.names[params.SenderID],
	}
	r.messages[m.ID] = m
	return m, nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id int64) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[id]; ok {
		return m, nil
	}
	return nil, message.ErrNotFound
}

func (r *fakeMessageRepo) Update(_ context.Context, id, senderID int64, content string) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	if m.SenderID != senderID {
		return nil, message.ErrNotSender
	}
	m.Content = content
	m.UpdatedAt = time.Now().Add(3 * time.Second)
	return m, nil
}

func (r *fakeMessageRepo) Delete(_ context.Context, id, senderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	if m.SenderID != senderID {
		return message.ErrNotSender
	}
	delete(r.messages, id)
	return nil
}

func (r *fakeMessageRepo) MarkRead(_ context.Context, roomID, userID, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[messageID]
	if !ok || m.RoomID != roomID {
		return message.ErrNotFound
	}
	r.receipts[messageID] = append(r.receipts[messageID], userID)
	return nil
}

func (r *fakeMessageRepo) receiptsFor(messageID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.receipts[messageID]...)
}

func (r *fakeMessageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *fakeMessageRepo) get(id int64) *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[id]
}

type notifCall struct {
	UserID int64
	RoomID int64
	Body   string
}

// fakeNotificationRepo implements notification.Repository, recording calls.
type fakeNotificationRepo struct {
	mu      sync.Mutex
	upserts []notifCall
	reads   []notifCall
}

func (r *fakeNotificationRepo) UpsertUnread(_ context.Context, userID, roomID int64, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, notifCall{UserID: userID, RoomID: roomID, Body: body})
	return nil
}

func (r *fakeNotificationRepo) MarkRead(_ context.Context, userID, roomID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, notifCall{UserID: userID, RoomID: roomID})
	return nil
}

func (r *fakeNotificationRepo) upsertCalls() []notifCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifCall(nil), r.upserts...)
}

func (r *fakeNotificationRepo) readCalls() []notifCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifCall(nil), r.reads...)
}

// testEnv wires a hub over miniredis with fake repositories. Users 7 (Alice), 8 (Bob), 9 (Carol), and 10 (Dave)
// exist; room 42 has participants 7, 8, and 9; room 50 belongs to Bob alone.
type testEnv struct {
	hub      *Hub
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	cfg      *config.Config
	users    *fakeUserRepo
	rooms    *fakeRoomRepo
	messages *fakeMessageRepo
	notifs   *fakeNotificationRepo
	presence *presence.Store
	collab   *collab.Store
	huddles  *huddle.Store
}

func newTestEnv(t *testing.T, sfu *huddle.CallsClient) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	cfg := testConfig()
	st := state.NewStore(rdb)

	avatar := "https://cdn.example.com/a.png"
	env := &testEnv{
		mr:  mr,
		rdb: rdb,
		cfg: cfg,
		users: &fakeUserRepo{users: map[int64]*user.User{
			7:  {ID: 7, Username: "alice", DisplayName: "Alice", AvatarURL: &avatar},
			8:  {ID: 8, Username: "bob", DisplayName: "Bob"},
			9:  {ID: 9, Username: "carol", DisplayName: "Carol"},
			10: {ID: 10, Username: "dave", DisplayName: "Dave"},
		}},
		rooms: &fakeRoomRepo{
			rooms: map[int64]*room.Room{
				42: {ID: 42, Name: "general", IsGroup: true},
				50: {ID: 50, Name: "solo"},
			},
			members: map[int64][]int64{
				42: {7, 8, 9},
				50: {8},
			},
		},
		messages: newFakeMessageRepo(map[int64]string{7: "Alice", 8: "Bob", 9: "Carol", 10: "Dave"}),
		notifs:   &fakeNotificationRepo{},
		presence: presence.NewStore(st, cfg.PresenceTTL, cfg.TypingTTL),
		collab:   collab.NewStore(st, cfg.NoteTTL, cfg.CursorTTL),
		huddles:  huddle.NewStore(st, cfg.HuddleTTL, cfg.SFUStateTTL),
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.ServerURL)
	publisher := NewPublisher(rdb, zerolog.Nop())
	env.hub = NewHub(rdb, cfg, verifier, env.users, env.rooms, env.messages, env.notifs,
		env.presence, env.collab, env.huddles, sfu, publisher, zerolog.Nop())

	startHubLoop(t, env.hub)
	return env
}

// startHubLoop forwards published envelopes to the hub the way Run does, but confirms the subscription is live
// before returning so tests cannot publish into the void.
func startHubLoop(t *testing.T, h *Hub) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = sub.Close()
	})

	go func() {
		for msg := range sub.Channel() {
			h.handlePubSubEvent(msg.Payload)
		}
	}()
}

// newTestClient builds a client without a socket. Frames are read straight from the send channel.
func newTestClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := newClient(h, nil, zerolog.Nop())
	t.Cleanup(c.teardown)
	return c
}

// authedClient builds a client and authenticates it as userID, consuming the auth.success frame.
func authedClient(t *testing.T, env *testEnv, userID int64) *Client {
	t.Helper()
	c := newTestClient(t, env.hub)
	env.hub.handleAuth(c, userID)
	waitFrame(t, c, wire.FrameAuthSuccess)
	return c
}

// subscribedClient authenticates userID and subscribes it to roomID, consuming the subscribe confirmation and the
// client's own presence join broadcast.
func subscribedClient(t *testing.T, env *testEnv, userID, roomID int64) *Client {
	t.Helper()
	c := authedClient(t, env, userID)
	env.hub.handleSubscribe(c, roomID)
	if f := waitFrame(t, c, wire.FrameChatSubscribed); f["room_id"] != float64(roomID) {
		t.Fatalf("subscribed to room %v, want %d", f["room_id"], roomID)
	}
	waitFrame(t, c, wire.FrameChatPresenceUpdate)
	return c
}

// nextFrame returns the next frame queued on the client, decoded into a map.
func nextFrame(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var f map[string]any
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal frame %q: %v", raw, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// waitFrame discards frames until one of the wanted type arrives. Broadcast frames ride the pub/sub loop while
// direct replies are enqueued inline, so unrelated frames can interleave.
func waitFrame(t *testing.T, c *Client, frameType string) map[string]any {
	t.Helper()
	return waitFrameWhere(t, c, frameType, nil)
}

// waitFrameWhere discards frames until one of the wanted type matching the predicate arrives.
func waitFrameWhere(t *testing.T, c *Client, frameType string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.send:
			var f map[string]any
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("unmarshal frame %q: %v", raw, err)
			}
			if f["type"] == frameType && (match == nil || match(f)) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", frameType)
			return nil
		}
	}
}

// assertNoFrame publishes a marker to one of the client's groups and fails if a frame of the forbidden type arrives
// before it. The publisher serialises onto a single channel, so the marker is a reliable horizon.
func assertNoFrame(t *testing.T, env *testEnv, c *Client, group, forbidden string) {
	t.Helper()
	env.hub.publish(context.Background(), group, map[string]string{"type": "test.marker"})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.send:
			var f map[string]any
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("unmarshal frame %q: %v", raw, err)
			}
			switch f["type"] {
			case "test.marker":
				return
			case forbidden:
				t.Fatalf("received forbidden %q frame", forbidden)
			}
		case <-deadline:
			t.Fatal("timed out waiting for marker frame")
		}
	}
}

func decodeEvent(t *testing.T, raw string) wire.Event {
	t.Helper()
	ev, err := wire.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return ev
}

func TestAuthGateRejectsEventsBeforeAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := newTestClient(t, env.hub)

	c.handleEvent(decodeEvent(t, `{"type":"chat.subscribe","room_id":42}`))

	f := nextFrame(t, c)
	if f["type"] != wire.FrameError || f["code"] != wire.CodeAuthRequired {
		t.Fatalf("frame = %v, want error %s", f, wire.CodeAuthRequired)
	}
	if len(c.Subscriptions()) != 0 {
		t.Error("unauthenticated client gained a subscription")
	}
	if env.hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", env.hub.ClientCount())
	}
}

func TestAuthSuccessCarriesOnlineRoster(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	observer := authedClient(t, env, 8)

	c := newTestClient(t, env.hub)
	token, err := auth.NewAccessToken(7, testSecret, time.Hour, testIssuer)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	c.handleEvent(decodeEvent(t, `{"type":"auth","token":"`+token+`"}`))

	f := waitFrame(t, c, wire.FrameAuthSuccess)
	u, ok := f["user"].(map[string]any)
	if !ok || u["id"] != float64(7) || u["name"] != "Alice" {
		t.Fatalf("user = %v, want id 7 name Alice", f["user"])
	}
	online, ok := f["online_users"].([]any)
	if !ok || len(online) != 2 {
		t.Fatalf("online_users = %v, want two entries", f["online_users"])
	}

	// Bob's connection learns Alice came online.
	waitFrameWhere(t, observer, wire.FrameUserOnline, func(f map[string]any) bool {
		u, ok := f["user"].(map[string]any)
		return ok && u["id"] == float64(7)
	})

	if env.hub.ClientCount() != 2 {
		t.Errorf("ClientCount() = %d, want 2", env.hub.ClientCount())
	}
}

func TestAuthInvalidTokenSendsAuthError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := newTestClient(t, env.hub)

	c.handleEvent(decodeEvent(t, `{"type":"auth","token":"garbage"}`))

	f := nextFrame(t, c)
	if f["type"] != wire.FrameAuthError {
		t.Fatalf("frame type = %v, want %q", f["type"], wire.FrameAuthError)
	}
	if env.hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", env.hub.ClientCount())
	}
}

func TestAuthUnknownUserFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := newTestClient(t, env.hub)

	env.hub.handleAuth(c, 999)

	f := nextFrame(t, c)
	if f["type"] != wire.FrameAuthError {
		t.Fatalf("frame type = %v, want %q", f["type"], wire.FrameAuthError)
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := authedClient(t, env, 7)

	c.handleEvent(decodeEvent(t, `{"type":"ping"}`))

	f := waitFrame(t, c, wire.FramePong)
	ts, ok := f["timestamp"].(string)
	if !ok || ts == "" {
		t.Fatalf("timestamp = %v, want a reply-time stamp", f["timestamp"])
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", ts, err)
	}
}

func TestPresenceHeartbeatRefreshesTTL(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := subscribedClient(t, env, 7, 42)

	key := "chat:presence:42"
	if !env.mr.Exists(key) {
		t.Fatal("presence key missing after subscribe")
	}

	// Burn most of the TTL, then heartbeat and confirm it was reset.
	env.mr.FastForward(env.cfg.PresenceTTL - 10*time.Second)
	c.handlePresenceHeartbeat()
	waitFrame(t, c, wire.FramePresenceAck)

	if ttl := env.mr.TTL(key); ttl < env.cfg.PresenceTTL-5*time.Second {
		t.Errorf("presence TTL = %v, want close to %v", ttl, env.cfg.PresenceTTL)
	}
	env.mr.FastForward(env.cfg.PresenceTTL - 10*time.Second)
	if !env.mr.Exists(key) {
		t.Error("presence key expired despite heartbeat refresh")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	observer := subscribedClient(t, env, 8, 42)
	c := subscribedClient(t, env, 7, 42)
	waitFrameWhere(t, observer, wire.FrameChatPresenceUpdate, func(f map[string]any) bool {
		return f["action"] == wire.PresenceJoin
	})

	env.hub.unregister(c)
	env.hub.unregister(c)

	// Exactly one leave and one offline reach the observer; the markers prove no duplicates follow.
	lf := waitFrame(t, observer, wire.FrameChatPresenceUpdate)
	if lf["action"] != wire.PresenceLeave {
		t.Fatalf("action = %v, want %q", lf["action"], wire.PresenceLeave)
	}
	of := waitFrame(t, observer, wire.FrameUserOffline)
	if of["user_id"] != float64(7) {
		t.Fatalf("user_offline user_id = %v, want 7", of["user_id"])
	}
	assertNoFrame(t, env, observer, roomGroup(42), wire.FrameChatPresenceUpdate)
	assertNoFrame(t, env, observer, globalGroup, wire.FrameUserOffline)

	present, err := env.presence.IsPresent(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("IsPresent: %v", err)
	}
	if present {
		t.Error("presence entry survived teardown")
	}
	if env.hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", env.hub.ClientCount())
	}
}

func TestTeardownAwaitsBackground(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := authedClient(t, env, 7)

	finished := make(chan struct{})
	go func() {
		c.teardown()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not return; background goroutine was not released")
	}

	// By the time teardown returns the background goroutine has exited and the registry entry is gone.
	c.bg.Wait()
	if env.hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", env.hub.ClientCount())
	}
}

func TestOfflineOnlyAfterLastConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	observer := authedClient(t, env, 8)

	c1 := authedClient(t, env, 7)
	c2 := authedClient(t, env, 7)
	waitFrameWhere(t, observer, wire.FrameUserOnline, func(f map[string]any) bool {
		u, ok := f["user"].(map[string]any)
		return ok && u["id"] == float64(7)
	})

	env.hub.unregister(c1)
	assertNoFrame(t, env, observer, globalGroup, wire.FrameUserOffline)

	env.hub.unregister(c2)
	if f := waitFrame(t, observer, wire.FrameUserOffline); f["user_id"] != float64(7) {
		t.Fatalf("user_offline user_id = %v, want 7", f["user_id"])
	}
}

func TestGlobalRefreshReturnsOnlineSnapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := authedClient(t, env, 7)
	authedClient(t, env, 8)

	c.handleEvent(decodeEvent(t, `{"type":"global.refresh"}`))

	f := waitFrame(t, c, wire.FrameOnlineUsers)
	ids, ok := f["user_ids"].([]any)
	if !ok || len(ids) != 2 {
		t.Fatalf("user_ids = %v, want two entries", f["user_ids"])
	}
}

func TestEnqueueDropsConnectionWhenBufferFull(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := authedClient(t, env, 7)

	for i := 0; i <= cap(c.send); i++ {
		c.enqueue([]byte(`{"type":"pong"}`))
	}

	deadline := time.After(2 * time.Second)
	for env.hub.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("client not unregistered after send overflow")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
