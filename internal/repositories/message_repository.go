package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"crewchat/internal/models"
)

const defaultHistoryLimit = 50

// MessageRepository stores room messages.
type MessageRepository interface {
	CreateRoomMessage(ctx context.Context, msg models.Message) (bool, error)
	ListRoomMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateRoomMessage stores msg. Ids are client generated, so a repeated send
// of the same id is ignored and reported as not created.
func (r *MessageRepo) CreateRoomMessage(ctx context.Context, msg models.Message) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO room_messages (id, room_id, sender_id, sender_name, body, sent_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Body, msg.SentAt)
	if err != nil {
		return false, fmt.Errorf("insert room message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert room message: %w", err)
	}
	return n > 0, nil
}

// ListRoomMessages returns the latest limit messages of a room, oldest first.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := `SELECT id, room_id, sender_id, sender_name, body, sent_at FROM (
            SELECT id, room_id, sender_id, sender_name, body, sent_at
            FROM room_messages
            WHERE room_id=$1
            ORDER BY sent_at DESC
            LIMIT $2
        ) recent ORDER BY sent_at ASC`
	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, query, roomID, limit); err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}
	for i := range msgs {
		msgs[i].Status = models.StatusConfirmed
	}
	return msgs, nil
}
