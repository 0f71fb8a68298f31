// Package ws owns the websocket connection lifecycle: handshake, authentication,
// event dispatch and teardown.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"realtime-service/internal/config"
	"realtime-service/internal/identity"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/pipeline"
	"realtime-service/internal/presence"
	"realtime-service/internal/rooms"
	"realtime-service/internal/telemetry"
)

type Resolver interface {
	Resolve(ctx context.Context, token string) (models.Identity, error)
}

// ActiveUsers narrows online user ids to one community.
type ActiveUsers interface {
	ActiveInCommunity(ctx context.Context, communityID string, userIDs []string) ([]string, error)
}

// EventHandler runs the message pipeline for inbound events.
type EventHandler interface {
	SendDirect(ctx context.Context, s pipeline.Sender, req models.MessageRequest) error
	SendCircle(ctx context.Context, s pipeline.Sender, req models.MessageRequest) error
	Typing(ctx context.Context, s pipeline.Sender, req models.TypingRequest, isTyping bool) error
	MarkRead(ctx context.Context, s pipeline.Sender, req models.ReadRequest) error
	JoinCircle(ctx context.Context, s pipeline.Sender, req models.CircleRequest) error
	LeaveCircle(ctx context.Context, s pipeline.Sender, req models.CircleRequest) error
}

type Options struct {
	Socket         config.SocketConfig
	AllowedOrigins []string
	Audit          *telemetry.AuditEmitter
}

type Supervisor struct {
	resolver Resolver
	active   ActiveUsers
	presence *presence.Registry
	router   *rooms.Router
	events   EventHandler
	audit    *telemetry.AuditEmitter
	cfg      config.SocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	closing bool
	pending map[*websocket.Conn]struct{}
	clients map[string]*Client
	wg      sync.WaitGroup
}

func NewSupervisor(resolver Resolver, active ActiveUsers, registry *presence.Registry, router *rooms.Router, events EventHandler, opts Options, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		resolver: resolver,
		active:   active,
		presence: registry,
		router:   router,
		events:   events,
		audit:    opts.Audit,
		cfg:      opts.Socket,
		logger:   logger.With(slog.String("component", "ws")),
		tracer:   otel.Tracer("realtime-service/ws"),
		pending:  make(map[*websocket.Conn]struct{}),
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handle upgrades the request and serves the connection in its own goroutine.
// No credential is read from the HTTP request; the first frame must carry it.
func (s *Supervisor) Handle(c *gin.Context) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.wg.Done()
		s.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		ConnectedAt: time.Now(),
	}
	s.trackPending(conn)
	go s.serve(context.WithoutCancel(c.Request.Context()), conn, info)
}

func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn, info ConnInfo) {
	defer s.wg.Done()

	ctx, span := s.tracer.Start(ctx, "ws.handshake", trace.WithAttributes(attribute.String("conn.id", info.ConnID)))
	id, err := s.handshake(ctx, conn)
	info.TraceID = span.SpanContext().TraceID().String()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, handshakeReason(err))
		span.End()
		s.untrackPending(conn)
		s.reject(ctx, conn, info, err)
		return
	}
	span.SetAttributes(attribute.String("user.id", id.UserID))
	span.End()

	info.UserID = id.UserID
	client := newClient(conn, id, info, s.cfg, s.logger)
	if !s.promote(conn, client) {
		s.reject(ctx, conn, info, errShuttingDown)
		return
	}
	s.run(ctx, client)
}

var errShuttingDown = errors.New("server shutting down")

// handshake waits for the auth frame and resolves its token, all within HandshakeTimeout.
func (s *Supervisor) handshake(ctx context.Context, conn *websocket.Conn) (models.Identity, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return models.Identity{}, err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return models.Identity{}, errHandshakeTimeout
		}
		return models.Identity{}, err
	}

	if event := gjson.GetBytes(frame, "event").String(); event != models.EventAuth {
		return models.Identity{}, identity.ErrInvalidToken
	}
	id, err := s.resolver.Resolve(ctx, gjson.GetBytes(frame, "data.token").String())
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Identity{}, errHandshakeTimeout
	}
	return id, err
}

// reject refuses a connection that never reached the event loop. Nothing was
// registered for it, so there is nothing to undo.
func (s *Supervisor) reject(ctx context.Context, conn *websocket.Conn, info ConnInfo, err error) {
	defer conn.Close()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		observability.IncWSEvent(models.EventAuth, "client_closed")
		s.logger.Debug("client left during handshake", slog.String("connID", info.ConnID))
		return
	}

	reason := handshakeReason(err)
	if errors.Is(err, errShuttingDown) {
		reason = "shutdown"
	}
	observability.IncWSEvent(models.EventAuth, reason)
	info.publish(ctx, "ws_rejected", reason)

	code, text := closeFor(err)
	if errors.Is(err, errShuttingDown) {
		code, text = websocket.CloseGoingAway, "Server shutting down"
	}
	s.logger.Info("websocket handshake rejected",
		slog.String("connID", info.ConnID),
		slog.String("ip", info.IP),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
	if reason != "shutdown" {
		s.audit.Emit(ctx, "WARN", "websocket handshake rejected", info.RequestID, "", map[string]string{
			"reason":  reason,
			"conn_id": info.ConnID,
			"ip":      info.IP,
		})
	}

	deadline := time.Now().Add(s.cfg.WriteWait)
	if frame, encErr := models.ErrorEvent(text).Encode(); encErr == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (s *Supervisor) run(ctx context.Context, c *Client) {
	id := c.Identity()
	observability.IncWSActive()
	go c.writePump()

	c.handlers.Add(1)
	go s.orderedWorker(c)

	s.router.Join(c, rooms.User(id.UserID))
	if id.HasCommunity() {
		s.router.Join(c, rooms.Community(id.Community()))
	}
	c.Reply(models.Event{Name: models.EventAuthOK, Data: models.AuthOK{
		UserID:      id.UserID,
		Username:    id.Username,
		CommunityID: id.CommunityID,
	}})

	s.presence.Register(id.UserID, c.ID(), func() {
		if id.HasCommunity() {
			s.router.Broadcast(rooms.Community(id.Community()), models.Event{
				Name: models.EventUserOnline,
				Data: models.UserOnline{UserID: id.UserID, Username: id.Username},
			}, c.ID())
		}
	})
	observability.SetPresenceOnline(s.presence.OnlineCount())
	s.sendActiveUsers(ctx, c)

	c.info.publish(ctx, "ws_connect", "")
	c.logger.Info("websocket connected", slog.String("ip", c.info.IP))

	reason := s.readLoop(c)
	s.teardown(ctx, c, reason)
}

// sendActiveUsers lists online users of the client's community, the client included.
func (s *Supervisor) sendActiveUsers(ctx context.Context, c *Client) {
	id := c.Identity()
	ids := []string{}
	if id.HasCommunity() {
		found, err := s.active.ActiveInCommunity(ctx, id.Community(), s.presence.OnlineUsers())
		if err != nil {
			c.logger.Error("load active users", slog.Any("error", err))
			c.Reply(models.ErrorEvent(pipeline.ClientMessage(err)))
			return
		}
		ids = found
	}
	c.Reply(models.Event{Name: models.EventUsersActive, Data: models.UsersActive{UserIDs: ids}})
}

func (s *Supervisor) readLoop(c *Client) string {
	conn := c.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", slog.Any("error", err))
			}
			return err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			observability.IncWSEvent("invalid", "malformed_event")
			c.Reply(models.ErrorEvent("Malformed frame"))
			continue
		}
		if env.Event == models.EventSignOut {
			observability.IncWSEvent(env.Event, "ok")
			c.Close(websocket.CloseNormalClosure, "signed out")
			return "signout"
		}
		s.dispatch(c, env)
	}
}

// dispatch runs chat messages and circle membership changes of one connection
// in arrival order on the ordered worker; typing and read receipts are handled
// concurrently.
func (s *Supervisor) dispatch(c *Client, env models.Envelope) {
	switch env.Event {
	case models.EventMessagePrivate, models.EventMessageCircle,
		models.EventCircleJoin, models.EventCircleLeave:
		select {
		case c.ordered <- env:
		case <-c.Done():
		}
	case models.EventTypingStart, models.EventTypingStop, models.EventMessageRead:
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			s.handle(c, env)
		}()
	case models.EventAuth:
		observability.IncWSEvent(env.Event, "duplicate")
		c.Reply(models.ErrorEvent("Already authenticated"))
	default:
		observability.IncWSEvent("unknown", "malformed_event")
		c.Reply(models.ErrorEvent("Unknown event: " + env.Event))
	}
}

func (s *Supervisor) orderedWorker(c *Client) {
	defer c.handlers.Done()
	for {
		select {
		case env := <-c.ordered:
			s.handle(c, env)
		case <-c.Done():
			return
		}
	}
}

func (s *Supervisor) handle(c *Client, env models.Envelope) {
	// Once started, a pipeline run completes even if the connection goes away.
	ctx := context.WithoutCancel(c.ctx)
	err := s.route(ctx, c, env)
	s.report(ctx, c, env.Event, err)
}

func (s *Supervisor) route(ctx context.Context, c *Client, env models.Envelope) error {
	switch env.Event {
	case models.EventMessagePrivate:
		req, err := decodeData[models.MessageRequest](env.Data)
		if err != nil {
			return err
		}
		return s.events.SendDirect(ctx, c, req)
	case models.EventMessageCircle:
		req, err := decodeData[models.MessageRequest](env.Data)
		if err != nil {
			return err
		}
		return s.events.SendCircle(ctx, c, req)
	case models.EventTypingStart, models.EventTypingStop:
		req, err := decodeData[models.TypingRequest](env.Data)
		if err != nil {
			return err
		}
		return s.events.Typing(ctx, c, req, env.Event == models.EventTypingStart)
	case models.EventMessageRead:
		req, err := decodeData[models.ReadRequest](env.Data)
		if err != nil {
			return err
		}
		return s.events.MarkRead(ctx, c, req)
	case models.EventCircleJoin:
		req, err := decodeData[models.CircleRequest](env.Data)
		if err != nil {
			return err
		}
		return s.events.JoinCircle(ctx, c, req)
	case models.EventCircleLeave:
		req, err := decodeData[models.CircleRequest](env.Data)
		if err != nil {
			return err
		}
		return s.events.LeaveCircle(ctx, c, req)
	}
	return nil
}

// report records the outcome of one event. Failures stay on this connection.
func (s *Supervisor) report(ctx context.Context, c *Client, event string, err error) {
	reason := pipeline.Reason(err)
	observability.IncWSEvent(event, reason)
	if err == nil {
		return
	}
	observability.IncPipelineRejection(reason)

	attrs := []any{slog.String("event", event), slog.String("reason", reason), slog.Any("error", err)}
	switch reason {
	case "lookup_failed", "persist_failed", "internal":
		c.logger.Error("event failed", attrs...)
	default:
		c.logger.Warn("event rejected", attrs...)
	}
	if pipeline.IsDenial(err) {
		s.audit.Emit(ctx, "WARN", "websocket event denied", c.info.RequestID, c.Identity().UserID, map[string]string{
			"event":   event,
			"reason":  reason,
			"conn_id": c.ID(),
		})
	}
	c.Reply(models.ErrorEvent(pipeline.ClientMessage(err)))
}

// teardown leaves rooms before unregistering presence, so the offline
// broadcast never targets the departing connection.
func (s *Supervisor) teardown(ctx context.Context, c *Client, reason string) {
	c.Close(websocket.CloseNormalClosure, "")
	c.handlers.Wait()

	id := c.Identity()
	s.router.LeaveAll(c.ID())
	s.presence.Unregister(c.ID(), func(userID string) {
		if id.HasCommunity() {
			s.router.Broadcast(rooms.Community(id.Community()), models.Event{
				Name: models.EventUserOffline,
				Data: models.UserOffline{UserID: userID},
			}, "")
		}
	})
	observability.SetPresenceOnline(s.presence.OnlineCount())
	<-c.writerDone

	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()

	observability.DecWSActive()
	observability.IncWSEvent("disconnect", "ok")
	c.info.publish(ctx, "ws_disconnect", reason)
	c.logger.Info("websocket disconnected",
		slog.String("reason", reason),
		slog.Duration("duration", time.Since(c.info.ConnectedAt)),
	)
}

// trackPending records a connection still in its handshake. One that arrives
// after Shutdown started is closed at once.
func (s *Supervisor) trackPending(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		_ = conn.Close()
		return
	}
	s.pending[conn] = struct{}{}
}

func (s *Supervisor) untrackPending(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.pending, conn)
	s.mu.Unlock()
}

// promote moves an authenticated connection from pending to clients.
func (s *Supervisor) promote(conn *websocket.Conn, c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
	if s.closing {
		return false
	}
	s.clients[c.ID()] = c
	return true
}

// ActiveConnections is the number of authenticated connections.
func (s *Supervisor) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ConnectionSummary describes one authenticated connection for the debug routes.
type ConnectionSummary struct {
	ConnID      string    `json:"connId"`
	UserID      string    `json:"userId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Rooms       []string  `json:"rooms"`
	Circles     int       `json:"circles"`
}

// Connections lists authenticated connections with the rooms each is in.
func (s *Supervisor) Connections() []ConnectionSummary {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	out := make([]ConnectionSummary, 0, len(clients))
	for _, c := range clients {
		joined := s.router.RoomsOf(c.ID())
		circles := 0
		for _, room := range joined {
			if rooms.Kind(room) == "circle" {
				circles++
			}
		}
		out = append(out, ConnectionSummary{
			ConnID:      c.ID(),
			UserID:      c.Identity().UserID,
			ConnectedAt: c.info.ConnectedAt,
			Rooms:       joined,
			Circles:     circles,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Shutdown closes every connection, letting normal teardown run, and waits for
// them to finish or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	for conn := range s.pending {
		_ = conn.Close()
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
