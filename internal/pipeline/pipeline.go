// Package pipeline validates, authorizes, persists and fans out inbound chat events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"realtime-service/internal/membership"
	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
	"realtime-service/internal/rooms"
)

type Oracle interface {
	IsCircleMember(ctx context.Context, userID, circleID string) (bool, error)
	CircleCommunityID(ctx context.Context, circleID string) (string, error)
	SameCommunity(ctx context.Context, userA, userB string) (bool, error)
}

type MessageStore interface {
	InsertChatMessage(ctx context.Context, msg models.NewChatMessage) (models.ChatMessage, error)
	GetChatMessage(ctx context.Context, messageID string) (models.ChatMessage, error)
}

// Router is the part of the room router the pipeline drives.
type Router interface {
	Join(m rooms.Member, room string) bool
	Leave(connID, room string) bool
	Broadcast(room string, ev models.Event, excludeConnID string) int
}

// Sender is the authenticated connection an event arrived on.
type Sender interface {
	rooms.Member
	Identity() models.Identity
	Reply(ev models.Event) bool
}

type Pipeline struct {
	oracle   Oracle
	messages MessageStore
	router   Router
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(oracle Oracle, messages MessageStore, router Router, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		oracle:   oracle,
		messages: messages,
		router:   router,
		logger:   logger.With(slog.String("component", "pipeline")),
		tracer:   otel.Tracer("realtime-service/pipeline"),
		now:      time.Now,
	}
}

func (p *Pipeline) start(ctx context.Context, name string, s Sender) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("conn.id", s.ID()),
		attribute.String("user.id", s.Identity().UserID),
	))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}
	span.End()
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// validateTarget enforces that exactly one of receiverID and circleID is set.
func validateTarget(receiverID, circleID string) error {
	switch {
	case receiverID != "" && circleID != "":
		return malformed("receiverId and circleId are mutually exclusive")
	case receiverID == "" && circleID == "":
		return malformed("receiverId or circleId is required")
	}
	return nil
}

// SendDirect handles message:private.
func (p *Pipeline) SendDirect(ctx context.Context, s Sender, req models.MessageRequest) (err error) {
	ctx, span := p.start(ctx, "pipeline.direct", s)
	defer func() { finish(span, err) }()

	if req.CircleID != "" {
		return malformed("message:private does not accept circleId")
	}
	if req.ReceiverID == "" {
		return malformed("receiverId is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return malformed("content is required")
	}

	sender := s.Identity()
	if err := p.authorizeDirect(ctx, sender.UserID, req.ReceiverID); err != nil {
		return err
	}

	receiverID := req.ReceiverID
	msg, err := p.persist(ctx, models.NewChatMessage{
		Content:    req.Content,
		SenderID:   sender.UserID,
		ReceiverID: &receiverID,
	})
	if err != nil {
		return err
	}

	payload := models.PayloadFor(msg, sender.Username)
	delivered := p.router.Broadcast(rooms.User(receiverID), models.Event{Name: models.EventMessageReceive, Data: payload}, s.ID())
	s.Reply(models.Event{Name: models.EventMessageSent, Data: payload})
	p.logger.Debug("direct message delivered",
		slog.String("messageID", msg.ID),
		slog.String("senderID", sender.UserID),
		slog.String("receiverID", receiverID),
		slog.Int("connections", delivered),
	)
	return nil
}

// SendCircle handles message:circle.
func (p *Pipeline) SendCircle(ctx context.Context, s Sender, req models.MessageRequest) (err error) {
	ctx, span := p.start(ctx, "pipeline.circle", s)
	defer func() { finish(span, err) }()

	if req.ReceiverID != "" {
		return malformed("message:circle does not accept receiverId")
	}
	if req.CircleID == "" {
		return malformed("circleId is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return malformed("content is required")
	}

	sender := s.Identity()
	if err := p.authorizeCircle(ctx, sender, req.CircleID); err != nil {
		return err
	}

	circleID := req.CircleID
	msg, err := p.persist(ctx, models.NewChatMessage{
		Content:  req.Content,
		SenderID: sender.UserID,
		CircleID: &circleID,
	})
	if err != nil {
		return err
	}

	payload := models.PayloadFor(msg, sender.Username)
	delivered := p.router.Broadcast(rooms.Circle(circleID), models.Event{Name: models.EventMessageCircle, Data: payload}, s.ID())
	s.Reply(models.Event{Name: models.EventMessageSent, Data: payload})
	p.logger.Debug("circle message delivered",
		slog.String("messageID", msg.ID),
		slog.String("senderID", sender.UserID),
		slog.String("circleID", circleID),
		slog.Int("connections", delivered),
	)
	return nil
}

// Typing relays typing:start and typing:stop. Nothing is persisted.
func (p *Pipeline) Typing(ctx context.Context, s Sender, req models.TypingRequest, isTyping bool) (err error) {
	ctx, span := p.start(ctx, "pipeline.typing", s)
	defer func() { finish(span, err) }()

	if err := validateTarget(req.ReceiverID, req.CircleID); err != nil {
		return err
	}

	sender := s.Identity()
	update := models.TypingUpdate{UserID: sender.UserID, Username: sender.Username, IsTyping: isTyping}
	if req.ReceiverID != "" {
		if err := p.authorizeDirect(ctx, sender.UserID, req.ReceiverID); err != nil {
			return err
		}
		p.router.Broadcast(rooms.User(req.ReceiverID), models.Event{Name: models.EventTypingUpdate, Data: update}, s.ID())
		return nil
	}

	if err := p.authorizeCircle(ctx, sender, req.CircleID); err != nil {
		return err
	}
	circleID := req.CircleID
	update.CircleID = &circleID
	p.router.Broadcast(rooms.Circle(circleID), models.Event{Name: models.EventTypingUpdate, Data: update}, s.ID())
	return nil
}

// MarkRead relays message:read to the message's sender or circle. Nothing is persisted.
func (p *Pipeline) MarkRead(ctx context.Context, s Sender, req models.ReadRequest) (err error) {
	ctx, span := p.start(ctx, "pipeline.read", s)
	defer func() { finish(span, err) }()

	if req.MessageID == "" {
		return malformed("messageId is required")
	}

	msg, err := p.messages.GetChatMessage(ctx, req.MessageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: message %s: %w", membership.ErrLookupFailed, req.MessageID, err)
	}

	reader := s.Identity()
	receipt := models.Event{Name: models.EventMessageReceipt, Data: models.Receipt{
		MessageID: msg.ID,
		ReadBy:    reader.UserID,
		Timestamp: p.now().UTC(),
	}}

	if msg.IsDirect() {
		if *msg.ReceiverID != reader.UserID {
			return ErrNotRecipient
		}
		p.router.Broadcast(rooms.User(msg.SenderID), receipt, s.ID())
		return nil
	}
	if msg.CircleID == nil {
		return malformed("message %s has no target", msg.ID)
	}
	if err := p.authorizeCircle(ctx, reader, *msg.CircleID); err != nil {
		return err
	}
	p.router.Broadcast(rooms.Circle(*msg.CircleID), receipt, s.ID())
	return nil
}

// JoinCircle handles circle:join after checking membership and community.
func (p *Pipeline) JoinCircle(ctx context.Context, s Sender, req models.CircleRequest) (err error) {
	ctx, span := p.start(ctx, "pipeline.join", s)
	defer func() { finish(span, err) }()

	if req.CircleID == "" {
		return malformed("circleId is required")
	}
	if err := p.authorizeCircle(ctx, s.Identity(), req.CircleID); err != nil {
		return err
	}
	p.router.Join(s, rooms.Circle(req.CircleID))
	s.Reply(models.Event{Name: models.EventCircleJoined, Data: models.CircleAck{CircleID: req.CircleID}})
	return nil
}

// LeaveCircle handles circle:leave. Leaving a circle room the connection is not in still succeeds.
func (p *Pipeline) LeaveCircle(_ context.Context, s Sender, req models.CircleRequest) error {
	if req.CircleID == "" {
		return malformed("circleId is required")
	}
	p.router.Leave(s.ID(), rooms.Circle(req.CircleID))
	s.Reply(models.Event{Name: models.EventCircleLeft, Data: models.CircleAck{CircleID: req.CircleID}})
	return nil
}

func (p *Pipeline) authorizeDirect(ctx context.Context, senderID, receiverID string) error {
	same, err := p.oracle.SameCommunity(ctx, senderID, receiverID)
	if err != nil {
		return err
	}
	if !same {
		return ErrCrossCommunity
	}
	return nil
}

// authorizeCircle requires current membership and that the circle belongs to
// the identity's community.
func (p *Pipeline) authorizeCircle(ctx context.Context, id models.Identity, circleID string) error {
	member, err := p.oracle.IsCircleMember(ctx, id.UserID, circleID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotCircleMember
	}

	communityID, err := p.oracle.CircleCommunityID(ctx, circleID)
	if errors.Is(err, membership.ErrCircleNotFound) {
		return ErrNotCircleMember
	}
	if err != nil {
		return err
	}
	if !id.HasCommunity() || communityID != id.Community() {
		return ErrCrossCommunity
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, msg models.NewChatMessage) (models.ChatMessage, error) {
	stored, err := p.messages.InsertChatMessage(ctx, msg)
	if err != nil {
		p.logger.Error("persist message",
			slog.String("senderID", msg.SenderID),
			slog.Any("error", err),
		)
		return models.ChatMessage{}, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return stored, nil
}
