package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/config"
	"realtime-service/internal/identity"
	"realtime-service/internal/membership"
	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/pipeline"
	"realtime-service/internal/presence"
	"realtime-service/internal/rooms"
)

func strPtr(s string) *string { return &s }

type fakeResolver struct {
	tokens map[string]models.Identity
	errs   map[string]error
}

func (f fakeResolver) Resolve(_ context.Context, token string) (models.Identity, error) {
	if err, ok := f.errs[token]; ok {
		return models.Identity{}, err
	}
	if id, ok := f.tokens[token]; ok {
		return id, nil
	}
	return models.Identity{}, identity.ErrInvalidToken
}

// fakeDirectory answers membership questions from in-memory maps.
type fakeDirectory struct {
	mu          sync.Mutex
	communities map[string]string
	circles     map[string]string
	members     map[string]map[string]bool
}

func (d *fakeDirectory) IsCircleMember(_ context.Context, userID, circleID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[circleID][userID], nil
}

func (d *fakeDirectory) CircleCommunityID(_ context.Context, circleID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.circles[circleID]
	if !ok {
		return "", membership.ErrCircleNotFound
	}
	return c, nil
}

func (d *fakeDirectory) SameCommunity(_ context.Context, a, b string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ca, cb := d.communities[a], d.communities[b]
	return ca != "" && ca == cb, nil
}

func (d *fakeDirectory) ActiveInCommunity(_ context.Context, communityID string, userIDs []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []string{}
	for _, id := range userIDs {
		if d.communities[id] == communityID {
			out = append(out, id)
		}
	}
	return out, nil
}

type harness struct {
	server     *httptest.Server
	supervisor *Supervisor
	presence   *presence.Registry
	router     *rooms.Router
	messages   *mocks.MessageRepositoryMock
	url        string
}

func approved(userID, name, community string) models.Identity {
	id := models.Identity{UserID: userID, Username: name, Status: models.StatusApproved}
	if community != "" {
		id.CommunityID = strPtr(community)
	}
	return id
}

func newHarness(t *testing.T, socket config.SocketConfig) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver := fakeResolver{
		tokens: map[string]models.Identity{
			"tok-a":  approved("A", "Ada", "Bonn"),
			"tok-b":  approved("B", "Bob", "Bonn"),
			"tok-c":  approved("C", "Cem", "Cologne"),
			"tok-o":  approved("O", "Oli", "Bonn"),
			"tok-nc": approved("N", "Nia", ""),
		},
		errs: map[string]error{
			"tok-pending": identity.ErrNotApproved,
			"tok-gone":    identity.ErrUserNotFound,
			"tok-down":    identity.ErrUnavailable,
		},
	}
	dir := &fakeDirectory{
		communities: map[string]string{"A": "Bonn", "B": "Bonn", "O": "Bonn", "C": "Cologne"},
		circles:     map[string]string{"X": "Bonn"},
		members:     map[string]map[string]bool{"X": {"A": true, "B": true}},
	}

	h := &harness{
		presence: presence.NewRegistry(),
		router:   rooms.NewRouter(logger),
		messages: new(mocks.MessageRepositoryMock),
	}
	p := pipeline.New(dir, h.messages, h.router, logger)
	h.supervisor = NewSupervisor(resolver, dir, h.presence, h.router, p, Options{Socket: socket}, logger)

	engine := gin.New()
	engine.GET("/ws", h.supervisor.Handle)
	h.server = httptest.NewServer(engine)
	h.url = "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.supervisor.Shutdown(ctx)
		h.server.Close()
	})
	return h
}

func testSocketConfig() config.SocketConfig {
	return config.SocketConfig{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Second,
		PongWait:         5 * time.Second,
		WriteWait:        time.Second,
		SendBuffer:       64,
		MaxMessageBytes:  8192,
	}
}

type testClient struct {
	conn   *websocket.Conn
	events chan models.Envelope
	closed chan error
}

func (h *harness) dial(t *testing.T) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	c := &testClient{conn: conn, events: make(chan models.Envelope, 64), closed: make(chan error, 1)}
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				c.closed <- err
				close(c.events)
				return
			}
			var env models.Envelope
			if json.Unmarshal(frame, &env) == nil {
				c.events <- env
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) emit(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(models.Envelope{Event: event, Data: raw}))
}

// connect dials and completes the handshake, returning after users:active.
func (h *harness) connect(t *testing.T, token string) *testClient {
	t.Helper()
	c := h.dial(t)
	c.emit(t, models.EventAuth, models.AuthRequest{Token: token})
	c.expect(t, models.EventAuthOK)
	c.expect(t, models.EventUsersActive)
	return c
}

// expect waits for event, skipping unrelated ones.
func (c *testClient) expect(t *testing.T, event string) models.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-c.events:
			require.True(t, ok, "connection closed while waiting for %s", event)
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectNone asserts that event does not arrive within d.
func (c *testClient) expectNone(t *testing.T, event string, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case env, ok := <-c.events:
			if !ok {
				return
			}
			assert.NotEqual(t, event, env.Event)
		case <-timeout:
			return
		}
	}
}

func (c *testClient) expectClose(t *testing.T, code int) {
	t.Helper()
	select {
	case err := <-c.closed:
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
		assert.Equal(t, code, closeErr.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func decode[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHandshakeSuccess(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	c := h.dial(t)
	c.emit(t, models.EventAuth, models.AuthRequest{Token: "tok-a"})

	ok := decode[models.AuthOK](t, c.expect(t, models.EventAuthOK))
	assert.Equal(t, "A", ok.UserID)
	assert.Equal(t, "Ada", ok.Username)
	require.NotNil(t, ok.CommunityID)
	assert.Equal(t, "Bonn", *ok.CommunityID)

	active := decode[models.UsersActive](t, c.expect(t, models.EventUsersActive))
	assert.Equal(t, []string{"A"}, active.UserIDs)
	assert.True(t, h.presence.IsOnline("A"))
	assert.Equal(t, 1, h.supervisor.ActiveConnections())
}

func TestHandshakeRejections(t *testing.T) {
	cases := []struct {
		name  string
		frame any
		code  int
	}{
		{"invalid token", models.Envelope{Event: models.EventAuth, Data: json.RawMessage(`{"token":"nope"}`)}, CloseInvalidToken},
		{"missing token", models.Envelope{Event: models.EventAuth}, CloseInvalidToken},
		{"user gone", models.Envelope{Event: models.EventAuth, Data: json.RawMessage(`{"token":"tok-gone"}`)}, CloseInvalidToken},
		{"not approved", models.Envelope{Event: models.EventAuth, Data: json.RawMessage(`{"token":"tok-pending"}`)}, CloseNotApproved},
		{"store down", models.Envelope{Event: models.EventAuth, Data: json.RawMessage(`{"token":"tok-down"}`)}, websocket.CloseInternalServerErr},
		{"first frame not auth", models.Envelope{Event: models.EventMessagePrivate, Data: json.RawMessage(`{"receiverId":"B","content":"hi"}`)}, CloseInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testSocketConfig())
			c := h.dial(t)
			require.NoError(t, c.conn.WriteJSON(tc.frame))

			c.expect(t, models.EventError)
			c.expectClose(t, tc.code)
			assert.Empty(t, h.presence.OnlineUsers())
			assert.Equal(t, 0, h.supervisor.ActiveConnections())
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testSocketConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	c := h.dial(t)
	c.expectClose(t, CloseHandshakeTimeout)
	assert.Empty(t, h.presence.OnlineUsers())
}

func TestOnlineBroadcastOncePerUser(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	observer := h.connect(t, "tok-o")

	h.connect(t, "tok-a")
	online := decode[models.UserOnline](t, observer.expect(t, models.EventUserOnline))
	assert.Equal(t, "A", online.UserID)
	assert.Equal(t, "Ada", online.Username)

	h.connect(t, "tok-a")
	observer.expectNone(t, models.EventUserOnline, 200*time.Millisecond)
	assert.Equal(t, 2, h.presence.Connections("A"))
}

func TestCrossCommunityUserNotAnnounced(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	observer := h.connect(t, "tok-o")
	h.connect(t, "tok-c")
	observer.expectNone(t, models.EventUserOnline, 200*time.Millisecond)
}

func TestDirectMessageScenario(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	a := h.connect(t, "tok-a")
	b := h.connect(t, "tok-b")
	sentAt := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	h.messages.On("InsertChatMessage", mock.Anything, models.NewChatMessage{Content: "hi", SenderID: "A", ReceiverID: strPtr("B")}).
		Return(models.ChatMessage{ID: "m1", Content: "hi", SenderID: "A", ReceiverID: strPtr("B"), SentAt: sentAt}, nil)

	a.emit(t, models.EventMessagePrivate, models.MessageRequest{ReceiverID: "B", Content: "hi"})

	got := decode[models.ChatMessagePayload](t, b.expect(t, models.EventMessageReceive))
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "A", got.SenderID)
	sent := decode[models.ChatMessagePayload](t, a.expect(t, models.EventMessageSent))
	assert.Equal(t, "m1", sent.ID)
	assert.True(t, sent.Timestamp.Equal(sentAt))
	a.expectNone(t, models.EventError, 100*time.Millisecond)
	b.expectNone(t, models.EventError, 100*time.Millisecond)
}

func TestCrossCommunityScenario(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	a := h.connect(t, "tok-a")
	c := h.connect(t, "tok-c")

	a.emit(t, models.EventMessagePrivate, models.MessageRequest{ReceiverID: "C", Content: "hi"})

	errEv := decode[models.ErrorPayload](t, a.expect(t, models.EventError))
	assert.Contains(t, errEv.Message, "community")
	c.expectNone(t, models.EventMessageReceive, 200*time.Millisecond)
	h.messages.AssertNotCalled(t, "InsertChatMessage", mock.Anything, mock.Anything)
}

func TestCircleJoinScenario(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	o := h.connect(t, "tok-o")

	o.emit(t, models.EventCircleJoin, models.CircleRequest{CircleID: "X"})
	errEv := decode[models.ErrorPayload](t, o.expect(t, models.EventError))
	assert.Contains(t, errEv.Message, "not a member")

	a := h.connect(t, "tok-a")
	a.emit(t, models.EventCircleJoin, models.CircleRequest{CircleID: "X"})
	ack := decode[models.CircleAck](t, a.expect(t, models.EventCircleJoined))
	assert.Equal(t, "X", ack.CircleID)
	assert.Equal(t, 1, h.router.Size(rooms.Circle("X")))
}

func TestCircleJoinLeaveKeepArrivalOrder(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	a := h.connect(t, "tok-a")

	for i := 0; i < 20; i++ {
		a.emit(t, models.EventCircleJoin, models.CircleRequest{CircleID: "X"})
		a.emit(t, models.EventCircleLeave, models.CircleRequest{CircleID: "X"})
	}
	a.emit(t, models.EventCircleJoin, models.CircleRequest{CircleID: "X"})

	acks := make([]string, 0, 41)
	for len(acks) < 41 {
		select {
		case env, ok := <-a.events:
			require.True(t, ok, "connection closed")
			if env.Event == models.EventCircleJoined || env.Event == models.EventCircleLeft {
				acks = append(acks, env.Event)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("got %d of 41 circle acks", len(acks))
		}
	}
	for i, ev := range acks {
		want := models.EventCircleJoined
		if i%2 == 1 {
			want = models.EventCircleLeft
		}
		require.Equal(t, want, ev, "ack %d", i)
	}
	assert.Equal(t, 1, h.router.Size(rooms.Circle("X")))

	conns := h.supervisor.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "A", conns[0].UserID)
	assert.Equal(t, 1, conns[0].Circles)
	assert.Equal(t, []string{rooms.Circle("X"), rooms.Community("Bonn"), rooms.User("A")}, conns[0].Rooms)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool { return h.router.Size(rooms.Circle("X")) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestMultiDeviceOffline(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	observer := h.connect(t, "tok-o")
	a1 := h.connect(t, "tok-a")
	a2 := h.connect(t, "tok-a")
	observer.expect(t, models.EventUserOnline)

	require.NoError(t, a2.conn.Close())
	require.Eventually(t, func() bool { return h.presence.Connections("A") == 1 }, 3*time.Second, 10*time.Millisecond)
	observer.expectNone(t, models.EventUserOffline, 200*time.Millisecond)

	require.NoError(t, a1.conn.Close())
	offline := decode[models.UserOffline](t, observer.expect(t, models.EventUserOffline))
	assert.Equal(t, "A", offline.UserID)
	observer.expectNone(t, models.EventUserOffline, 200*time.Millisecond)
	assert.False(t, h.presence.IsOnline("A"))
	assert.Equal(t, 0, h.router.Size(rooms.User("A")))
}

func TestUnknownAndMalformedEventsKeepConnection(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	a := h.connect(t, "tok-a")

	a.emit(t, "dance", map[string]string{})
	assert.Contains(t, decode[models.ErrorPayload](t, a.expect(t, models.EventError)).Message, "Unknown event")

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	a.expect(t, models.EventError)

	a.emit(t, models.EventMessagePrivate, map[string]string{"receiverId": "B"})
	assert.Contains(t, decode[models.ErrorPayload](t, a.expect(t, models.EventError)).Message, "content")

	a.emit(t, models.EventCircleLeave, models.CircleRequest{CircleID: "X"})
	a.expect(t, models.EventCircleLeft)
	assert.True(t, h.presence.IsOnline("A"))
}

func TestSignOut(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	observer := h.connect(t, "tok-o")
	a := h.connect(t, "tok-a")

	a.emit(t, models.EventSignOut, struct{}{})
	a.expectClose(t, websocket.CloseNormalClosure)
	observer.expect(t, models.EventUserOffline)
	require.Eventually(t, func() bool { return !h.presence.IsOnline("A") }, 3*time.Second, 10*time.Millisecond)
}

func TestNoCommunityUser(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	observer := h.connect(t, "tok-o")
	c := h.dial(t)
	c.emit(t, models.EventAuth, models.AuthRequest{Token: "tok-nc"})
	c.expect(t, models.EventAuthOK)
	active := decode[models.UsersActive](t, c.expect(t, models.EventUsersActive))
	assert.Empty(t, active.UserIDs)
	observer.expectNone(t, models.EventUserOnline, 200*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, testSocketConfig())
	a := h.connect(t, "tok-a")
	pending := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.supervisor.Shutdown(ctx))

	a.expectClose(t, websocket.CloseGoingAway)
	select {
	case <-pending.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("pending connection was not closed")
	}
	assert.Empty(t, h.presence.OnlineUsers())
	assert.Equal(t, 0, h.supervisor.ActiveConnections())
}
