package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"realtime-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	InsertChatMessage(ctx context.Context, msg models.NewChatMessage) (models.ChatMessage, error)
	GetChatMessage(ctx context.Context, messageID string) (models.ChatMessage, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// InsertChatMessage stores a message; the database assigns its id and timestamp.
func (r *MessageRepo) InsertChatMessage(ctx context.Context, in models.NewChatMessage) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chat_messages (content, sender_id, receiver_id, circle_id) VALUES ($1, $2, $3, $4) RETURNING id, content, sender_id, receiver_id, circle_id, sent_at`,
		in.Content, in.SenderID, in.ReceiverID, in.CircleID).
		StructScan(&msg)
	return msg, err
}

// GetChatMessage retrieves a single message.
func (r *MessageRepo) GetChatMessage(ctx context.Context, messageID string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.GetContext(ctx, &msg, `SELECT id, content, sender_id, receiver_id, circle_id, sent_at FROM chat_messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatMessage{}, ErrMessageNotFound
	}
	return msg, err
}
