package models

import "time"

// ChatMessage is a persisted chat message addressed to exactly one user or one circle.
type ChatMessage struct {
	ID         string    `db:"id" json:"id"`
	Content    string    `db:"content" json:"content"`
	SenderID   string    `db:"sender_id" json:"senderId"`
	ReceiverID *string   `db:"receiver_id" json:"receiverId,omitempty"`
	CircleID   *string   `db:"circle_id" json:"circleId,omitempty"`
	SentAt     time.Time `db:"sent_at" json:"timestamp"`
}

// NewChatMessage is the insert payload handed to the message store.
type NewChatMessage struct {
	Content    string
	SenderID   string
	ReceiverID *string
	CircleID   *string
}

// IsDirect reports whether the message targets a single receiver.
func (m ChatMessage) IsDirect() bool {
	return m.ReceiverID != nil
}

// ChatMessagePayload is the outbound shape of a delivered or acknowledged message.
type ChatMessagePayload struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	ReceiverID *string   `json:"receiverId,omitempty"`
	CircleID   *string   `json:"circleId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PayloadFor builds the outbound payload for a stored message.
func PayloadFor(msg ChatMessage, senderName string) ChatMessagePayload {
	return ChatMessagePayload{
		ID:         msg.ID,
		Content:    msg.Content,
		SenderID:   msg.SenderID,
		SenderName: senderName,
		ReceiverID: msg.ReceiverID,
		CircleID:   msg.CircleID,
		Timestamp:  msg.SentAt,
	}
}
