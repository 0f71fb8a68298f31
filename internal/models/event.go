package models

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventAuth           = "auth"
	EventSignOut        = "auth:signout"
	EventMessagePrivate = "message:private"
	EventMessageCircle  = "message:circle"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventMessageRead    = "message:read"
	EventCircleJoin     = "circle:join"
	EventCircleLeave    = "circle:leave"
)

// Outbound event names.
const (
	EventAuthOK         = "auth:ok"
	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
	EventUsersActive    = "users:active"
	EventMessageReceive = "message:receive"
	EventMessageSent    = "message:sent"
	EventTypingUpdate   = "typing:update"
	EventMessageReceipt = "message:receipt"
	EventCircleJoined   = "circle:joined"
	EventCircleLeft     = "circle:left"
	EventError          = "error"
)

// Envelope is the frame format on the wire in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding.
type Event struct {
	Name string
	Data any
}

// Encode renders the event as a wire frame.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.Name, Data: data})
}

// AuthRequest is the handshake payload.
type AuthRequest struct {
	Token string `json:"token"`
}

// MessageRequest is the payload of message:private and message:circle.
// Exactly one of ReceiverID and CircleID must be set.
type MessageRequest struct {
	ReceiverID string `json:"receiverId,omitempty"`
	CircleID   string `json:"circleId,omitempty"`
	Content    string `json:"content"`
}

// TypingRequest is the payload of typing:start and typing:stop.
type TypingRequest struct {
	ReceiverID string `json:"receiverId,omitempty"`
	CircleID   string `json:"circleId,omitempty"`
}

// ReadRequest is the payload of message:read.
type ReadRequest struct {
	MessageID string `json:"messageId"`
}

// CircleRequest is the payload of circle:join and circle:leave.
type CircleRequest struct {
	CircleID string `json:"circleId"`
}

// AuthOK acknowledges a successful handshake.
type AuthOK struct {
	UserID      string  `json:"userId"`
	Username    string  `json:"username"`
	CommunityID *string `json:"communityId"`
}

// UserOnline announces a user's first connection.
type UserOnline struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserOffline announces that a user's last connection closed.
type UserOffline struct {
	UserID string `json:"userId"`
}

// UsersActive lists online users sharing the receiver's community.
type UsersActive struct {
	UserIDs []string `json:"userIds"`
}

// TypingUpdate relays a typing indicator.
type TypingUpdate struct {
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	IsTyping bool    `json:"isTyping"`
	CircleID *string `json:"circleId,omitempty"`
}

// Receipt relays a read receipt.
type Receipt struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	Timestamp time.Time `json:"timestamp"`
}

// CircleAck confirms circle:join or circle:leave.
type CircleAck struct {
	CircleID string `json:"circleId"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ErrorEvent builds an error event with the given message.
func ErrorEvent(message string) Event {
	return Event{Name: EventError, Data: ErrorPayload{Message: message}}
}
